package instances

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/waconsole/internal/domain"
	"github.com/talkincode/waconsole/internal/transport"
	"github.com/talkincode/waconsole/pkg/metrics"
	"go.uber.org/zap"
)

const (
	realtimeMaxAttempts = 5
	realtimeBackoffBase = 2 * time.Second
	realtimePongWait    = 90 * time.Second
)

var rtjson = jsoniter.ConfigCompatibleWithStandardLibrary

// Conn is the minimal socket surface the bridge needs; *websocket.Conn
// satisfies it and tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a realtime connection to the broker.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	tokens transport.TokenSource
}

func (d wsDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	hdr := map[string][]string{}
	if d.tokens != nil {
		if tok := d.tokens.AuthToken(); tok != "" {
			hdr["Authorization"] = []string{"Bearer " + tok}
		}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewWebsocketDialer returns the production dialer, passing the bearer token
// during the handshake.
func NewWebsocketDialer(tokens transport.TokenSource) Dialer {
	return wsDialer{tokens: tokens}
}

// realtimeFrame is the broker's push envelope. Event names follow the
// "<tenant>.instance.<action>" convention; unknown names are ignored.
type realtimeFrame struct {
	Event     string                 `json:"event"`
	Instance  string                 `json:"instance_id"`
	SessionID string                 `json:"session_id"`
	Status    string                 `json:"status"`
	Connected *bool                  `json:"connected"`
	Phone     string                 `json:"phone_number"`
	QR        string                 `json:"qr"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type joinFrame struct {
	Action string `json:"action"`
	Tenant string `json:"tenant_id"`
}

// Bridge maintains the realtime push channel: it dials the broker socket,
// joins the tenant room, and turns push frames into store patches. Patches
// run on a worker pool so a burst of events never blocks the read loop.
type Bridge struct {
	store  *Store
	dialer Dialer
	url    string
	tenant string

	pool *ants.Pool

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	onQR    func(instanceID, code string, expires time.Time)

	now func() time.Time
}

func NewBridge(store *Store, dialer Dialer, url, tenant string) (*Bridge, error) {
	pool, err := ants.NewPool(8, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Bridge{
		store:  store,
		dialer: dialer,
		url:    url,
		tenant: tenant,
		pool:   pool,
		now:    time.Now,
	}, nil
}

// SetQRHandler routes pushed pairing codes through the given function so
// pushed and fetched codes share one countdown. Call before Start.
func (b *Bridge) SetQRHandler(fn func(instanceID, code string, expires time.Time)) {
	b.mu.Lock()
	b.onQR = fn
	b.mu.Unlock()
}

// Start launches the connect/read loop. Calling Start on a running bridge is
// a no-op.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.running || b.url == "" {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	go b.run(ctx)
}

// Stop tears down the socket and the worker pool.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.running = false
	b.mu.Unlock()
	b.pool.Release()
}

// run reconnects with doubling backoff up to realtimeMaxAttempts, then gives
// up for good: past that point the poll loop is the sole source of truth and
// the store carries the offline notice.
func (b *Bridge) run(ctx context.Context) {
	attempt := 0
	delay := realtimeBackoffBase

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := b.dialer.DialContext(ctx, b.url)
		if err != nil {
			attempt++
			if attempt >= realtimeMaxAttempts {
				zap.L().Warn("realtime channel unavailable, continuing in poll-only mode",
					zap.Int("attempts", attempt), zap.Error(err))
				b.store.SetRealtimeConnected(false)
				return
			}
			zap.L().Debug("realtime dial failed, backing off",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}

		// A completed session resets the reconnect budget.
		attempt = 0
		delay = realtimeBackoffBase

		b.session(ctx, conn)

		if ctx.Err() != nil {
			return
		}
		b.store.SetRealtimeConnected(false)
		zap.L().Info("realtime connection lost, reconnecting")
	}
}

// session runs one connected socket until it breaks.
func (b *Bridge) session(ctx context.Context, conn Conn) {
	defer conn.Close()

	join, _ := rtjson.Marshal(joinFrame{Action: "join", Tenant: b.tenant})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		zap.L().Debug("realtime join frame failed", zap.Error(err))
		return
	}

	b.store.SetRealtimeConnected(true)
	zap.L().Info("realtime channel established", zap.String("tenant", b.tenant))

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		_ = conn.SetReadDeadline(b.now().Add(realtimePongWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.dispatch(msg)
	}
}

// dispatch parses one frame and hands the patch to the pool. Submit blocks
// when the pool is saturated, which backpressures the socket instead of
// dropping events.
func (b *Bridge) dispatch(msg []byte) {
	var frame realtimeFrame
	if err := rtjson.Unmarshal(msg, &frame); err != nil {
		zap.L().Debug("unparsable realtime frame", zap.Error(err))
		return
	}
	if err := b.pool.Submit(func() { b.apply(frame) }); err != nil {
		zap.L().Warn("realtime worker pool rejected event", zap.Error(err))
	}
}

func (b *Bridge) apply(frame realtimeFrame) {
	action, ok := parseEventAction(frame.Event)
	if !ok {
		return
	}

	id := frame.Instance
	if id == "" {
		id = frame.SessionID
	}
	if id == "" && frame.Data != nil {
		if rec := NormalizeRecord(frame.Data); rec != nil {
			id = rec.ID
		}
	}
	if id == "" {
		return
	}

	metrics.Incr(metrics.MetricRealtimeEvents)

	ts := b.now()
	if frame.Timestamp != "" {
		if t, err := dateparse.ParseAny(frame.Timestamp); err == nil {
			ts = t
		}
	}
	entry := domainEvent(id, action, frame, ts)
	if !b.store.AppendLiveEvent(entry) {
		// Duplicate delivery; the patch below is idempotent but skipping it
		// avoids needless churn.
		return
	}

	switch action {
	case "removed", "deleted":
		b.store.RemoveInstance(id)
		zap.L().Info("instance removed via realtime", zap.String("id", id))
	case "qr":
		if frame.QR != "" {
			b.mu.Lock()
			onQR := b.onQR
			b.mu.Unlock()
			if onQR != nil {
				onQR(id, frame.QR, time.Time{})
			} else {
				b.store.SetQR(id, frame.QR, b.now().Add(defaultQRTTL), int(defaultQRTTL/time.Second))
			}
		}
	default:
		patch := InstancePatch{
			Status:      NormalizeStatus(frame.Status),
			Connected:   frame.Connected,
			PhoneNumber: frame.Phone,
		}
		if frame.Data != nil {
			if rec := NormalizeRecord(frame.Data); rec != nil {
				if patch.Status == "" {
					patch.Status = rec.Status
				}
				if patch.Connected == nil && rec.ConnectedSet {
					c := rec.Connected
					patch.Connected = &c
				}
				if patch.PhoneNumber == "" {
					patch.PhoneNumber = rec.PhoneNumber
				}
			}
		}
		b.store.PatchInstance(id, patch)
	}
}

// parseEventAction accepts "tenant.instance.updated" style names as well as
// bare "instance.updated" and returns the trailing action.
func parseEventAction(event string) (string, bool) {
	parts := strings.Split(event, ".")
	for i, p := range parts {
		if p == "instance" && i+1 < len(parts) {
			return parts[i+1], true
		}
	}
	return "", false
}

func domainEvent(id, action string, frame realtimeFrame, ts time.Time) domain.EventEntry {
	return domain.EventEntry{
		ID:          frame.Event + ":" + id + ":" + ts.Format(time.RFC3339Nano),
		InstanceID:  id,
		Type:        action,
		Status:      NormalizeStatus(frame.Status),
		Connected:   frame.Connected,
		PhoneNumber: frame.Phone,
		QRData:      frame.QR,
		Timestamp:   ts,
	}
}
