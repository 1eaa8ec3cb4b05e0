package instances

import (
	"context"
	"sync"
	"time"

	"github.com/talkincode/waconsole/internal/transport"
	"github.com/talkincode/waconsole/pkg/metrics"
	"go.uber.org/zap"
)

// defaultQRTTL applies when the broker returns a code without an expiry.
const defaultQRTTL = 60 * time.Second

// QRService owns the QR pairing sub-state: fetching codes and running the
// expiry countdown. At most one countdown goroutine exists at a time;
// starting a new generation cancels the previous one.
type QRService struct {
	store  *Store
	client transport.Client

	mu     sync.Mutex
	cancel context.CancelFunc

	now  func() time.Time
	tick func() *time.Ticker
}

func NewQRService(store *Store, client transport.Client) *QRService {
	return &QRService{
		store:  store,
		client: client,
		now:    time.Now,
		tick:   func() *time.Ticker { return time.NewTicker(time.Second) },
	}
}

// Subscribe attaches the QR service to the command bus.
func (q *QRService) Subscribe() {
	bus := q.store.Bus()
	_ = bus.SubscribeAsync(TopicQRGenerate, func(instanceID string) {
		q.Generate(context.Background(), instanceID)
	}, false)
	_ = bus.SubscribeAsync(TopicQRReset, func() {
		q.Reset()
	}, false)
}

// Generate fetches a fresh pairing code for the instance and starts the
// countdown. A failed fetch marks only the QR sub-state; the instance list
// is never touched by pairing problems.
func (q *QRService) Generate(ctx context.Context, instanceID string) {
	if instanceID == "" {
		return
	}

	q.stopCountdown()
	q.store.SetQRLoading(instanceID, true)

	var resp interface{}
	if err := q.client.Get(ctx, instanceID+"/qr", &resp); err != nil {
		zap.L().Warn("qr generation failed",
			zap.String("id", instanceID), zap.Error(err))
		q.store.FailQR(instanceID)
		return
	}

	parsed := ParsePayload(resp)
	if parsed.QRData == "" {
		// Broker answered but sent no code; the instance may already be
		// connected or mid-transition.
		zap.L().Debug("qr response carried no code", zap.String("id", instanceID))
		q.store.FailQR(instanceID)
		return
	}

	q.Adopt(instanceID, parsed.QRData, parsed.QRExpiresAt)
	metrics.Incr(metrics.MetricQRGenerated)
	zap.L().Info("qr code ready", zap.String("id", instanceID))
}

// Adopt installs a pairing code that arrived outside the fetch path, such as
// a realtime push, and runs the same countdown as a generated one. A zero or
// out-of-range expiry falls back to the default TTL.
func (q *QRService) Adopt(instanceID, data string, expires time.Time) {
	if instanceID == "" || data == "" {
		return
	}
	if expires.IsZero() || expires.Sub(q.now()) > defaultQRTTL {
		expires = q.now().Add(defaultQRTTL)
	}
	secs := int(expires.Sub(q.now()) / time.Second)
	if secs < 0 {
		secs = 0
	}

	q.store.SetQR(instanceID, data, expires, secs)
	q.startCountdown(instanceID, expires)
}

// Reset clears the QR sub-state and stops any running countdown.
func (q *QRService) Reset() {
	q.stopCountdown()
	q.store.ClearQR()
}

// Close releases the countdown goroutine.
func (q *QRService) Close() {
	q.stopCountdown()
}

func (q *QRService) startCountdown(instanceID string, expires time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	// swap-and-cancel under one lock; overlapping starts must never leave
	// two countdowns running
	if q.cancel != nil {
		q.cancel()
	}
	q.cancel = cancel
	q.mu.Unlock()

	go q.runCountdown(ctx, instanceID, expires)
}

func (q *QRService) stopCountdown() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()
}

// runCountdown decrements the visible seconds once per second until expiry,
// then marks the code failed so the caller knows to regenerate.
func (q *QRService) runCountdown(ctx context.Context, instanceID string, expires time.Time) {
	ticker := q.tick()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			left := int(expires.Sub(q.now()) / time.Second)
			if left <= 0 {
				q.store.SetQRSecondsLeft(instanceID, 0)
				q.store.FailQR(instanceID)
				zap.L().Debug("qr code expired", zap.String("id", instanceID))
				return
			}
			q.store.SetQRSecondsLeft(instanceID, left)
		}
	}
}
