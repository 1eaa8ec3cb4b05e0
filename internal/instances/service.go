package instances

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/talkincode/waconsole/internal/domain"
	"github.com/talkincode/waconsole/internal/transport"
	"github.com/talkincode/waconsole/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	loadRetryAttempts = 3
	loadRetryBase     = 500 * time.Millisecond

	// fallback cooldown applied after a 429 without a usable retry-after
	rateLimitFallbackCooldown = 60 * time.Second

	// consecutive auth failures before the session is considered truly gone
	authFailureThreshold = 2
)

// Service orchestrates broker calls and writes results back into the store.
// It subscribes to the command bus so callers publish commands instead of
// holding a reference to it.
type Service struct {
	store  *Store
	client transport.Client
	node   *snowflake.Node
	flight singleflight.Group

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// authMu guards the streak; load cycles run concurrently from the poll
	// loop, visibility triggers, the web API, and bus subscribers.
	authMu         sync.Mutex
	authFailStreak int
}

func NewService(store *Store, client transport.Client) *Service {
	node, err := snowflake.NewNode(1)
	if err != nil {
		// Node id 1 is always in range; this cannot happen with a sane epoch.
		zap.L().Error("snowflake node init failed", zap.Error(err))
	}
	return &Service{
		store:  store,
		client: client,
		node:   node,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscribe attaches the service to the command bus channels.
func (s *Service) Subscribe() {
	bus := s.store.Bus()
	_ = bus.SubscribeAsync(TopicLoad, func(cmd LoadCommand) {
		_, _ = s.LoadInstances(context.Background(), LoadOptions{
			Force:    cmd.Force,
			PreferID: cmd.PreferID,
			Reason:   cmd.Reason,
		})
	}, false)
	_ = bus.SubscribeAsync(TopicCreate, func(cmd CreateRequest) {
		_, _ = s.CreateInstance(context.Background(), cmd)
	}, false)
	_ = bus.SubscribeAsync(TopicDelete, func(cmd DeleteRequest) {
		_, _ = s.DeleteInstance(context.Background(), cmd)
	}, false)
	_ = bus.SubscribeAsync(TopicConnect, func(cmd ConnectRequest) {
		_, _ = s.ConnectInstance(context.Background(), cmd)
	}, false)
	_ = bus.SubscribeAsync(TopicMarkConnected, func(id string) {
		_, _ = s.MarkConnected(context.Background(), id)
	}, false)
}

// LoadCommand is the bus form of a load request.
type LoadCommand struct {
	Force    bool
	PreferID string
	Reason   string
}

// LoadOptions controls one load cycle.
type LoadOptions struct {
	Force    bool
	PreferID string
	// Reason tags the trigger (poll, visibility, create, manual) for logs.
	Reason string
	// internal: set when this call is the one-shot empty-list escalation
	escalated bool
}

// LoadResult reports how a load cycle ended. Err is informational when
// Skipped or FromCache is set; those paths are not user-visible failures.
type LoadResult struct {
	Success   bool
	Skipped   bool
	Forced    bool
	FromCache bool
	Count     int
}

// LoadInstances runs one reconciliation cycle against the broker.
func (s *Service) LoadInstances(ctx context.Context, opts LoadOptions) (LoadResult, error) {
	shouldForce := opts.Force && s.store.AllowForced()
	if opts.Force && !shouldForce {
		zap.L().Debug("forced refresh downgraded to cached fetch", zap.String("reason", opts.Reason))
	}

	requestID := s.store.BeginLoad()
	metrics.Incr(metrics.MetricLoadCycles)

	if shouldForce {
		s.store.MarkForcedAt(s.now())
	}

	payload, err := s.fetchList(ctx, shouldForce)
	if err != nil {
		return s.failLoad(ctx, requestID, opts, err)
	}
	s.resetAuthStreak()

	parsed := ParsePayload(payload)

	// Broker eventual consistency: a fresh instance may be missing from the
	// first non-forced read. Escalate to exactly one forced fetch, never more.
	if parsed.HasList && len(parsed.RawInstances) == 0 && parsed.Instance == nil &&
		!shouldForce && !opts.escalated && s.store.AllowForced() {
		zap.L().Debug("empty instance list on cached read, escalating to forced refresh once")
		escalated := opts
		escalated.Force = true
		escalated.escalated = true
		return s.LoadInstances(ctx, escalated)
	}

	applied := s.store.ApplyLoadResult(requestID, parsed, ApplyMeta{PreferID: opts.PreferID})
	if !applied {
		return LoadResult{Skipped: true, Forced: shouldForce}, nil
	}
	return LoadResult{
		Success: true,
		Forced:  shouldForce,
		Count:   len(parsed.RawInstances),
	}, nil
}

// fetchList performs the actual GET, collapsing concurrent identical calls
// through singleflight so stacked poll/visibility/manual triggers produce
// one broker request.
func (s *Service) fetchList(ctx context.Context, forced bool) (interface{}, error) {
	path := ""
	key := "list"
	if forced {
		path = "?refresh=1"
		key = "list-forced"
	}
	payload, err, _ := s.flight.Do(key, func() (interface{}, error) {
		if forced {
			return s.fetchWithRetry(ctx, path)
		}
		var out interface{}
		if err := s.client.Get(ctx, path, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	return payload, err
}

// fetchWithRetry retries transient broker hiccups with bounded exponential
// backoff so they never surface as user-visible errors. Auth and rate-limit
// responses break out immediately; retrying those only digs the hole deeper.
func (s *Service) fetchWithRetry(ctx context.Context, path string) (interface{}, error) {
	var lastErr error
	delay := loadRetryBase
	for attempt := 0; attempt < loadRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}
		var out interface{}
		err := s.client.Get(ctx, path, &out)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if transport.IsAuthError(err) || transport.IsRateLimited(err) {
			break
		}
		zap.L().Debug("broker list fetch failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func (s *Service) bumpAuthStreak() int {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.authFailStreak++
	return s.authFailStreak
}

func (s *Service) resetAuthStreak() {
	s.authMu.Lock()
	s.authFailStreak = 0
	s.authMu.Unlock()
}

// failLoad routes a load failure through the error taxonomy: auth fallback,
// rate-limit cooldown, cache degradation, and only then a hard failure.
func (s *Service) failLoad(ctx context.Context, requestID uint64, opts LoadOptions, err error) (LoadResult, error) {
	switch {
	case transport.IsAuthError(err):
		streak := s.bumpAuthStreak()
		hard := streak >= authFailureThreshold
		zap.L().Warn("auth failure on instance load",
			zap.Bool("hard_reset", hard), zap.Int("streak", streak), zap.String("reason", opts.Reason))
		s.store.HandleAuthFallback(hard)
		// Auth-specific UX path: the caller must not render this as a
		// generic error.
		return LoadResult{Skipped: true}, nil

	case transport.IsRateLimited(err):
		metrics.Incr(metrics.MetricRateLimitHits)
		cooldown := transport.RetryAfterOf(err)
		if cooldown <= 0 {
			cooldown = rateLimitFallbackCooldown
		}
		until := s.now().Add(cooldown)
		s.store.MarkRateLimitUntil(until)
		zap.L().Info("broker rate limit, cooling down",
			zap.Duration("cooldown", cooldown), zap.Time("until", until))
	}

	// Graceful degradation: keep showing the cached list during a backend
	// blip; the error is recorded for telemetry only.
	if s.store.ApplyCacheFallback(requestID) {
		metrics.Incr(metrics.MetricCacheFallbacks)
		zap.L().Warn("instance load failed, serving cached list", zap.Error(err))
		return LoadResult{Success: true, FromCache: true}, nil
	}

	metrics.Incr(metrics.MetricLoadFailures)
	s.store.FailLoad(requestID, err)
	return LoadResult{}, errors.Wrap(err, "load instances")
}

// CreateRequest describes a new instance. ID and TenantID are optional; the
// idempotency key is generated when absent so the create can be retried
// safely after a transient failure.
type CreateRequest struct {
	Name           string
	ID             string
	TenantID       string
	IdempotencyKey string
}

// OpResult is the uniform outcome of user-initiated operations.
type OpResult struct {
	Success    bool
	Skipped    bool
	Retryable  bool
	Message    string
	InstanceID string
}

// CreateInstance posts a new instance and reloads preferring the created id
// so the new entry becomes selected without a separate round trip.
func (s *Service) CreateInstance(ctx context.Context, req CreateRequest) (OpResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		// Validation failures never reach the network.
		return OpResult{Message: "instance name is required"}, fmt.Errorf("instance name is required")
	}

	key := req.IdempotencyKey
	if key == "" && s.node != nil {
		key = s.node.Generate().String()
	}

	body := map[string]interface{}{
		"name":            name,
		"idempotency_key": key,
	}
	if req.ID != "" {
		body["id"] = req.ID
	}
	if req.TenantID != "" {
		body["tenant_id"] = req.TenantID
	}

	var resp interface{}
	if err := s.client.Post(ctx, "", body, &resp); err != nil {
		if transport.IsAuthError(err) {
			s.store.HandleAuthFallback(false)
			return OpResult{Skipped: true}, nil
		}
		msg := err.Error()
		retryable := transport.IsRetryable(err)
		if retryable {
			msg += "; the operation is idempotent and can be retried safely with the same identifier"
		}
		s.store.SetError(msg)
		return OpResult{Retryable: retryable, Message: msg}, errors.Wrap(err, "create instance")
	}

	createdID := req.ID
	if parsed := ParsePayload(resp); parsed.Instance != nil {
		createdID = parsed.Instance.ID
	}
	zap.L().Info("instance created", zap.String("id", createdID), zap.String("name", name))

	if _, err := s.LoadInstances(ctx, LoadOptions{Force: true, PreferID: createdID, Reason: "create"}); err != nil {
		zap.L().Warn("post-create reload failed", zap.Error(err))
	}
	return OpResult{Success: true, InstanceID: createdID}, nil
}

// DeleteRequest names the instance to remove; Wipe also asks the broker to
// discard the persisted session credentials.
type DeleteRequest struct {
	ID   string
	Wipe bool
}

// DeleteInstance removes an instance. Deletion is idempotent: a
// missing-on-server response counts as success.
func (s *Service) DeleteInstance(ctx context.Context, req DeleteRequest) (OpResult, error) {
	if req.ID == "" {
		return OpResult{Message: "instance id is required"}, fmt.Errorf("instance id is required")
	}

	path := req.ID
	if req.Wipe {
		path += "?wipe=1"
	}

	err := s.client.Delete(ctx, path, nil)
	if err != nil && !transport.IsAlreadyGone(err) {
		if transport.IsAuthError(err) {
			s.store.HandleAuthFallback(false)
			return OpResult{Skipped: true}, nil
		}
		s.store.SetError(err.Error())
		return OpResult{Message: err.Error()}, errors.Wrap(err, "delete instance")
	}
	if err != nil {
		zap.L().Debug("instance already gone on server, treating delete as success",
			zap.String("id", req.ID))
	}

	s.store.RemoveInstance(req.ID)
	zap.L().Info("instance deleted", zap.String("id", req.ID), zap.Bool("wipe", req.Wipe))

	if _, err := s.LoadInstances(ctx, LoadOptions{Force: true, Reason: "delete"}); err != nil {
		zap.L().Debug("post-delete reload failed", zap.Error(err))
	}
	return OpResult{Success: true, InstanceID: req.ID}, nil
}

// ConnectRequest starts pairing (phone+code present) or probes status.
type ConnectRequest struct {
	ID    string
	Phone string
	Code  string
}

// ConnectInstance funnels both the pairing-code path and the plain status
// probe through the same reconciliation codepath as the poll loop, which is
// what keeps status from flickering between the two triggers.
func (s *Service) ConnectInstance(ctx context.Context, req ConnectRequest) (OpResult, error) {
	if req.ID == "" {
		return OpResult{Message: "instance id is required"}, fmt.Errorf("instance id is required")
	}
	if (req.Phone == "") != (req.Code == "") {
		return OpResult{Message: "phone and code must be supplied together"},
			fmt.Errorf("phone and code must be supplied together")
	}

	var (
		resp interface{}
		err  error
	)
	if req.Phone != "" {
		err = s.client.Post(ctx, req.ID+"/pair", map[string]interface{}{
			"phone": req.Phone,
			"code":  req.Code,
		}, &resp)
	} else {
		err = s.client.Get(ctx, req.ID+"/status", &resp)
	}

	if err != nil && !transport.IsAlreadyGone(err) {
		if transport.IsAuthError(err) {
			s.store.HandleAuthFallback(false)
			return OpResult{Skipped: true}, nil
		}
		s.store.SetError(err.Error())
		return OpResult{Message: err.Error()}, errors.Wrap(err, "connect instance")
	}

	result := s.applyProbe(resp, req.ID)
	return result, nil
}

// applyProbe pushes a probe/pair response through the shared reconciliation
// path and adopts any QR payload it carried.
func (s *Service) applyProbe(resp interface{}, instanceID string) OpResult {
	parsed := ParsePayload(resp)
	requestID := s.store.BeginLoad()
	s.store.ApplyLoadResult(requestID, parsed, ApplyMeta{PreferID: instanceID})

	if parsed.QRData != "" {
		expires := parsed.QRExpiresAt
		if expires.IsZero() {
			expires = s.now().Add(defaultQRTTL)
		}
		secs := int(time.Until(expires) / time.Second)
		if secs < 0 {
			secs = 0
		}
		s.store.SetQR(instanceID, parsed.QRData, expires, secs)
	}
	return OpResult{Success: true, InstanceID: instanceID}
}

// MarkConnected is the user's "I scanned it" confirmation. It probes status
// once and reports failure when the broker disagrees; pairing confirmation
// reflects ground truth, never user intent.
func (s *Service) MarkConnected(ctx context.Context, instanceID string) (OpResult, error) {
	if instanceID == "" {
		return OpResult{Message: "instance id is required"}, fmt.Errorf("instance id is required")
	}

	var resp interface{}
	if err := s.client.Get(ctx, instanceID+"/status", &resp); err != nil {
		if transport.IsAuthError(err) {
			s.store.HandleAuthFallback(false)
			return OpResult{Skipped: true}, nil
		}
		msg := "could not verify connection; scan the QR code and retry"
		s.store.SetError(msg)
		return OpResult{Message: msg}, errors.Wrap(err, "mark connected")
	}

	parsed := ParsePayload(resp)
	connected := parsed.Status == domain.StatusConnected ||
		(parsed.Connected != nil && *parsed.Connected) ||
		(parsed.Instance != nil && parsed.Instance.Connected)

	if !connected {
		zap.L().Info("pairing confirmation rejected by broker",
			zap.String("id", instanceID), zap.String("status", string(parsed.Status)))
		return OpResult{Message: "instance is still not connected; scan the QR code and retry"}, nil
	}

	s.applyProbe(resp, instanceID)
	s.store.ClearQR()
	zap.L().Info("instance confirmed connected", zap.String("id", instanceID))
	return OpResult{Success: true, InstanceID: instanceID}, nil
}
