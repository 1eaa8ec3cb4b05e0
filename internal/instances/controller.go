package instances

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/talkincode/waconsole/internal/app"
	"github.com/talkincode/waconsole/internal/domain"
	"github.com/talkincode/waconsole/internal/transport"
	"go.uber.org/zap"
)

const (
	visibilityJitterMin = 200 * time.Millisecond
	visibilityJitterMax = 600 * time.Millisecond
)

// ControllerOptions override the production wiring, mainly for tests.
type ControllerOptions struct {
	Client transport.Client
	Dialer Dialer
	Config *domain.SyncConfig
	// Jitter replaces the visibility-refresh delay source.
	Jitter func() time.Duration
}

// Controller is one console bundle: store, broker service, QR service and
// realtime bridge wired to a shared command bus. It owns the poll loop and
// the visibility gate. Construct one per console; nothing here is a
// package singleton.
type Controller struct {
	store   *Store
	service *Service
	qr      *QRService
	bridge  *Bridge
	tokens  transport.TokenSource

	cfg    domain.SyncConfig
	jitter func() time.Duration

	mu       sync.Mutex
	visible  bool
	cancel   context.CancelFunc
	started  bool
	interval time.Duration
}

// NewController wires a full bundle from the application context.
func NewController(ac app.AppContext, opts ControllerOptions) (*Controller, error) {
	appcfg := ac.Config()

	cfg := domain.DefaultSyncConfig()
	cfg.TenantID = appcfg.Broker.TenantID
	cfg.PollInterval = appcfg.Sync.PollInterval
	cfg.AutoQR = appcfg.Sync.AutoQR
	cfg.Realtime = appcfg.Sync.Realtime
	if opts.Config != nil {
		cfg = *opts.Config
	}

	tokens := transport.StaticToken(appcfg.Broker.AuthToken)

	client := opts.Client
	if client == nil {
		client = transport.NewHTTPClient(appcfg.Broker.BaseURL, tokens, appcfg.Broker.Timeout)
	}

	cache := NewSessionCache(ac.CacheDB(), cfg.TenantID)
	store := NewStore(ac.Bus(), cache)
	store.SetConfig(cfg)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer(tokens)
	}
	bridge, err := NewBridge(store, dialer, appcfg.Broker.RealtimeURL, cfg.TenantID)
	if err != nil {
		return nil, err
	}

	jitter := opts.Jitter
	if jitter == nil {
		jitter = func() time.Duration {
			span := visibilityJitterMax - visibilityJitterMin
			return visibilityJitterMin + time.Duration(rand.Int63n(int64(span)))
		}
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	qr := NewQRService(store, client)
	// pushed pairing codes run the same countdown as fetched ones
	bridge.SetQRHandler(qr.Adopt)

	return &Controller{
		store:    store,
		service:  NewService(store, client),
		qr:       qr,
		bridge:   bridge,
		tokens:   tokens,
		cfg:      cfg,
		jitter:   jitter,
		visible:  true,
		interval: interval,
	}, nil
}

// Store exposes the bundle's state container.
func (c *Controller) Store() *Store { return c.store }

// Service exposes the broker service for direct (non-bus) calls.
func (c *Controller) Service() *Service { return c.service }

// QR exposes the QR service.
func (c *Controller) QR() *QRService { return c.qr }

// Start subscribes the services, performs the initial fetch, and launches
// the poll loop and realtime bridge. Start is idempotent.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.service.Subscribe()
	c.qr.Subscribe()

	if c.cfg.InitialFetch {
		go func() {
			if _, err := c.service.LoadInstances(loopCtx, LoadOptions{Reason: "initial"}); err != nil {
				zap.L().Warn("initial instance fetch failed", zap.Error(err))
			}
			c.maybeAutoQR()
		}()
	}

	if c.cfg.AutoRefresh {
		go c.pollLoop(loopCtx)
	}
	if c.cfg.Realtime {
		c.bridge.Start()
	}
}

// Close tears the bundle down. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.started = false
	c.mu.Unlock()

	c.bridge.Stop()
	c.qr.Close()
}

// SetVisible flips the visibility gate. Returning to visible schedules one
// forced refresh after a short random delay so many consoles waking at once
// do not stampede the broker.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	was := c.visible
	c.visible = visible
	c.mu.Unlock()

	if !visible || was {
		return
	}
	delay := c.jitter()
	zap.L().Debug("console visible again, scheduling refresh", zap.Duration("delay", delay))
	go func() {
		time.Sleep(delay)
		if !c.shouldSync() {
			return
		}
		if _, err := c.service.LoadInstances(context.Background(), LoadOptions{Force: true, Reason: "visibility"}); err != nil {
			zap.L().Debug("visibility refresh failed", zap.Error(err))
		}
		c.maybeAutoQR()
	}()
}

// Visible reports the current visibility gate.
func (c *Controller) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// IsAuthenticated reports whether sync may talk to the broker: the session
// must be active, not deferred by a soft auth failure, and the bearer token
// present and unexpired. Tokens that are not JWTs are taken at face value.
func (c *Controller) IsAuthenticated() bool {
	snap := c.store.Snapshot()
	if !snap.SessionActive || snap.AuthDeferred {
		return false
	}
	tok := c.tokens.AuthToken()
	if tok == "" {
		return false
	}
	return !tokenExpired(tok, time.Now())
}

// tokenExpired checks the exp claim without verifying the signature; the
// broker is the verifier, this is only a local short-circuit to avoid
// guaranteed 401s.
func tokenExpired(token string, now time.Time) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	// required=false: a token without an exp claim is not considered expired.
	return !claims.VerifyExpiresAt(now.Unix(), false)
}

func (c *Controller) shouldSync() bool {
	c.mu.Lock()
	visible := c.visible
	c.mu.Unlock()
	if c.cfg.PauseWhenHidden && !visible {
		return false
	}
	return c.IsAuthenticated()
}

func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.shouldSync() {
				continue
			}
			if _, err := c.service.LoadInstances(ctx, LoadOptions{Reason: "poll"}); err != nil {
				zap.L().Debug("poll cycle failed", zap.Error(err))
			}
			c.maybeAutoQR()
		}
	}
}

// maybeAutoQR requests a pairing code when the selected instance is waiting
// for one and no code is already pending.
func (c *Controller) maybeAutoQR() {
	if !c.cfg.AutoQR {
		return
	}
	snap := c.store.Snapshot()
	if snap.Current == nil {
		return
	}
	needsQR := snap.Current.Status == domain.StatusQRRequired ||
		(snap.Current.Status == domain.StatusConnecting && !snap.Current.Connected)
	if !needsQR {
		return
	}
	qr := snap.QR
	if qr.InstanceID == snap.Current.ID && (qr.Loading || (qr.Data != "" && !qr.Failed)) {
		return
	}
	c.store.Bus().Publish(TopicQRGenerate, snap.Current.ID)
}
