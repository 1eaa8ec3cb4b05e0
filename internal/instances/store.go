package instances

import (
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/talkincode/waconsole/internal/domain"
	"go.uber.org/zap"
)

const (
	// ForceDebounceWindow is the minimum spacing between honored forced
	// refreshes; a second force inside the window downgrades to a cached fetch.
	ForceDebounceWindow = 15 * time.Second

	// LiveEventRingSize bounds the realtime event log.
	LiveEventRingSize = 30
)

// State is the read-only projection handed to consumers. Every field is a
// copy; mutating a snapshot never touches the store.
type State struct {
	Instances           []domain.Instance `json:"instances"`
	Current             *domain.Instance  `json:"current"`
	PreferredInstanceID string            `json:"preferred_instance_id,omitempty"`

	Status     domain.Status     `json:"status"`
	LoadStatus domain.LoadStatus `json:"load_status"`

	SessionActive bool `json:"session_active"`
	AuthDeferred  bool `json:"auth_deferred"`

	RateLimitUntil time.Time `json:"rate_limit_until,omitempty"`
	LastForcedAt   time.Time `json:"last_forced_at,omitempty"`
	LoadRequestID  uint64    `json:"-"`

	QR QRState `json:"qr"`

	LiveEvents        []domain.EventEntry `json:"live_events"`
	RealtimeConnected bool                `json:"realtime_connected"`

	LastError      string            `json:"last_error,omitempty"`
	HasFetchedOnce bool              `json:"has_fetched_once"`
	Config         domain.SyncConfig `json:"config"`
}

// QRState is the QR pairing sub-state for the active instance.
type QRState struct {
	InstanceID  string    `json:"instance_id,omitempty"`
	Data        string    `json:"data,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	SecondsLeft int       `json:"seconds_left"`
	Loading     bool      `json:"loading"`
	Generating  bool      `json:"generating"`
	Failed      bool      `json:"failed"`
}

// Store is the single authoritative state container for one controller
// bundle. It is explicitly constructed and injected, never a package
// singleton, so independent consoles can coexist in one process.
type Store struct {
	mu    sync.RWMutex
	bus   EventBus.Bus
	cache *SessionCache // nil means cache absent

	state     State
	eventKeys map[string]struct{}
	now       func() time.Time
}

// NewStore builds a store and hydrates it opportunistically from the
// session cache. cache may be nil.
func NewStore(bus EventBus.Bus, cache *SessionCache) *Store {
	s := &Store{
		bus:       bus,
		cache:     cache,
		eventKeys: map[string]struct{}{},
		now:       time.Now,
	}
	s.state.LoadStatus = domain.LoadIdle
	s.state.SessionActive = true
	s.state.Config = domain.DefaultSyncConfig()

	if cache != nil {
		if blob := cache.Read(); blob != nil {
			s.state.Instances = blob.List
			s.state.PreferredInstanceID = blob.CurrentID
			s.state.Current = SelectPreferred(blob.List, SelectOptions{PreferredID: blob.CurrentID})
			if s.state.Current != nil {
				s.state.Status = s.state.Current.Status
			}
			zap.L().Debug("store hydrated from session cache",
				zap.Int("instances", len(blob.List)), zap.String("current", blob.CurrentID))
		}
	}
	return s
}

// Bus exposes the command bus shared by the bundle.
func (s *Store) Bus() EventBus.Bus { return s.bus }

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyStateLocked()
}

func (s *Store) copyStateLocked() State {
	out := s.state
	out.Instances = copyInstances(s.state.Instances)
	if s.state.Current != nil {
		cur := copyInstance(*s.state.Current)
		out.Current = &cur
	}
	out.LiveEvents = make([]domain.EventEntry, len(s.state.LiveEvents))
	copy(out.LiveEvents, s.state.LiveEvents)
	return out
}

// SetConfig pushes the controller's effective configuration into the store.
func (s *Store) SetConfig(cfg domain.SyncConfig) {
	s.mu.Lock()
	s.state.Config = cfg
	s.mu.Unlock()
}

// Config returns the effective sync configuration.
func (s *Store) Config() domain.SyncConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Config
}

// BeginLoad opens a new load cycle and returns its fencing token. The token
// is obtained before the network call; a result may be applied only while
// the store's counter still equals it, so a slow superseded request can
// never clobber state written by a faster, later one.
func (s *Store) BeginLoad() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LoadRequestID++
	s.state.LoadStatus = domain.LoadLoading
	return s.state.LoadRequestID
}

// ApplyMeta carries per-load reconciliation hints.
type ApplyMeta struct {
	PreferID string
}

// ApplyLoadResult reconciles a parsed broker payload into the store.
// Returns false when the request was fenced out.
func (s *Store) ApplyLoadResult(requestID uint64, parsed ParsedPayload, meta ApplyMeta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requestID != s.state.LoadRequestID {
		zap.L().Debug("stale load result discarded",
			zap.Uint64("request_id", requestID), zap.Uint64("current", s.state.LoadRequestID))
		return false
	}

	cfg := s.state.Config
	incoming := NormalizeCollection(parsed.RawInstances, CollectionOptions{
		AllowedTenants: allowedTenants(cfg),
		FilterByTenant: cfg.FilterByTenant,
	})
	if parsed.Instance != nil {
		incoming = MergeIntoList(incoming, *parsed.Instance)
	}

	var merged []domain.Instance
	if parsed.HasList {
		// The payload carried a list envelope, so it is authoritative for
		// membership. Merge against the previous generation so no writer can
		// unsee a field another writer set, then drop entries the broker
		// reports as torn down.
		previous := map[string]domain.Instance{}
		for _, inst := range s.state.Instances {
			previous[inst.ID] = inst
		}
		merged = make([]domain.Instance, 0, len(incoming))
		for _, inst := range incoming {
			if prev, ok := previous[inst.ID]; ok {
				inst = MergeInstances(prev, inst)
			}
			if inst.Displayable() {
				merged = append(merged, inst)
			}
		}
	} else {
		// Single-instance probe: merge into the existing list, never replace
		// membership.
		merged = copyInstances(s.state.Instances)
		for _, inst := range incoming {
			merged = MergeIntoList(merged, inst)
		}
	}
	s.state.Instances = merged

	preferID := meta.PreferID
	if preferID == "" {
		preferID = s.state.PreferredInstanceID
	}
	s.state.Current = SelectPreferred(merged, SelectOptions{
		PreferredID: preferID,
		CampaignID:  cfg.CampaignInstanceID,
	})
	if s.state.Current != nil {
		s.state.PreferredInstanceID = s.state.Current.ID
	}

	// Status priority: explicit payload status, payload connected flag, the
	// selected instance's own status, previous store status.
	switch {
	case parsed.Status != "":
		s.state.Status = parsed.Status
	case parsed.Connected != nil:
		if *parsed.Connected {
			s.state.Status = domain.StatusConnected
		} else {
			s.state.Status = domain.StatusDisconnected
		}
	case s.state.Current != nil && s.state.Current.Status != "":
		s.state.Status = s.state.Current.Status
	}

	s.state.SessionActive = true
	s.state.AuthDeferred = false
	s.state.LastError = ""
	s.state.HasFetchedOnce = true
	s.state.LoadStatus = domain.LoadSuccess

	s.persistCacheLocked()
	return true
}

// FailLoad records a load failure without touching the instance list:
// stale-but-available data beats a blanked screen. Fenced like a result.
func (s *Store) FailLoad(requestID uint64, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if requestID != s.state.LoadRequestID {
		return false
	}
	if err != nil {
		s.state.LastError = err.Error()
	}
	s.state.LoadStatus = domain.LoadError
	return true
}

// ApplyCacheFallback synthesizes a successful load from the already-held
// list after a broker failure, so users keep seeing their instances during a
// backend blip. Fenced like a real result.
func (s *Store) ApplyCacheFallback(requestID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if requestID != s.state.LoadRequestID {
		return false
	}
	if len(s.state.Instances) == 0 {
		return false
	}
	s.state.LoadStatus = domain.LoadSuccess
	s.state.HasFetchedOnce = true
	s.state.LastError = ""
	return true
}

// HandleAuthFallback reacts to suspected or confirmed session loss.
// A soft fallback (reset=false) only defers auth and keeps all cached data:
// a spurious single 401 during a token refresh race must not wipe the user's
// visible state. A hard reset clears everything.
func (s *Store) HandleAuthFallback(reset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.AuthDeferred = true
	s.state.LoadStatus = domain.LoadIdle

	if !reset {
		return
	}

	s.state.SessionActive = false
	s.state.Instances = nil
	s.state.Current = nil
	s.state.PreferredInstanceID = ""
	s.state.Status = ""
	s.state.QR = QRState{}
	if s.cache != nil {
		s.cache.Clear()
	}
	zap.L().Info("session reset, instance state cleared")
}

// MarkRateLimitUntil records the end of a broker-imposed cooldown window.
func (s *Store) MarkRateLimitUntil(t time.Time) {
	s.mu.Lock()
	s.state.RateLimitUntil = t
	s.mu.Unlock()
}

// MarkForcedAt records when the last honored forced refresh fired.
func (s *Store) MarkForcedAt(t time.Time) {
	s.mu.Lock()
	s.state.LastForcedAt = t
	s.mu.Unlock()
}

// AllowForced reports whether a force request should be honored now, or
// downgraded to a normal cached fetch. Enforced here so every caller gets
// the same cooldown treatment.
func (s *Store) AllowForced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	if s.state.RateLimitUntil.After(now) {
		return false
	}
	if !s.state.LastForcedAt.IsZero() && now.Sub(s.state.LastForcedAt) < ForceDebounceWindow {
		return false
	}
	return true
}

// CachedInstances returns the current list for graceful degradation.
func (s *Store) CachedInstances() []domain.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyInstances(s.state.Instances)
}

// RemoveInstance drops an instance (optimistic delete) and reselects.
func (s *Store) RemoveInstance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.state.Instances[:0:0]
	for _, inst := range s.state.Instances {
		if inst.ID != id {
			kept = append(kept, inst)
		}
	}
	s.state.Instances = kept
	if s.state.PreferredInstanceID == id {
		s.state.PreferredInstanceID = ""
	}
	if s.state.Current != nil && s.state.Current.ID == id {
		s.state.Current = SelectPreferred(kept, SelectOptions{
			CampaignID: s.state.Config.CampaignInstanceID,
		})
	}
	if s.state.QR.InstanceID == id {
		s.state.QR = QRState{}
	}
	s.state.LastError = ""
	s.persistCacheLocked()
}

// InstancePatch is a partial realtime update. Realtime pushes are treated
// as partial, not authoritative: only status/connected/phone may change.
type InstancePatch struct {
	Status      domain.Status
	Connected   *bool
	PhoneNumber string
}

// PatchInstance applies a realtime patch to the matching instance. Unknown
// ids are appended as broker-sourced skeletons so a created-then-updated
// sequence arriving out of order still converges.
func (s *Store) PatchInstance(id string, patch InstancePatch) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := domain.Instance{
		ID:          id,
		Status:      patch.Status,
		PhoneNumber: patch.PhoneNumber,
		DisplayID:   domain.DisplayIDFor(id),
		Source:      "broker",
	}
	if patch.Connected != nil {
		incoming.Connected = *patch.Connected
		incoming.ConnectedSet = true
	}

	s.state.Instances = MergeIntoList(s.state.Instances, incoming)

	if s.state.Current != nil && s.state.Current.ID == id {
		updated := MergeInstances(*s.state.Current, incoming)
		s.state.Current = &updated
		if updated.Status != "" {
			s.state.Status = updated.Status
		}
	}
	s.persistCacheLocked()
}

// AppendLiveEvent appends to the bounded, de-duplicated realtime ring.
// Returns false for duplicates.
func (s *Store) AppendLiveEvent(entry domain.EventEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entry.DedupeKey()
	if _, dup := s.eventKeys[key]; dup {
		return false
	}
	s.eventKeys[key] = struct{}{}

	s.state.LiveEvents = append(s.state.LiveEvents, entry)
	if overflow := len(s.state.LiveEvents) - LiveEventRingSize; overflow > 0 {
		for _, evicted := range s.state.LiveEvents[:overflow] {
			delete(s.eventKeys, evicted.DedupeKey())
		}
		s.state.LiveEvents = append(s.state.LiveEvents[:0:0], s.state.LiveEvents[overflow:]...)
	}
	return true
}

// SetRealtimeConnected flips the realtime connectivity flag.
func (s *Store) SetRealtimeConnected(connected bool) {
	s.mu.Lock()
	s.state.RealtimeConnected = connected
	s.mu.Unlock()
}

// SetError records a user-visible failure.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.state.LastError = msg
	s.mu.Unlock()
}

// QR sub-state mutators, owned by the QR service.

func (s *Store) SetQRLoading(instanceID string, generating bool) {
	s.mu.Lock()
	s.state.QR.InstanceID = instanceID
	s.state.QR.Loading = true
	s.state.QR.Generating = generating
	s.state.QR.Failed = false
	s.mu.Unlock()
}

func (s *Store) SetQR(instanceID, data string, expiresAt time.Time, secondsLeft int) {
	s.mu.Lock()
	s.state.QR = QRState{
		InstanceID:  instanceID,
		Data:        data,
		ExpiresAt:   expiresAt,
		SecondsLeft: secondsLeft,
	}
	s.mu.Unlock()
}

func (s *Store) SetQRSecondsLeft(instanceID string, secondsLeft int) {
	s.mu.Lock()
	if s.state.QR.InstanceID == instanceID {
		s.state.QR.SecondsLeft = secondsLeft
	}
	s.mu.Unlock()
}

func (s *Store) FailQR(instanceID string) {
	s.mu.Lock()
	if s.state.QR.InstanceID == instanceID || s.state.QR.InstanceID == "" {
		s.state.QR = QRState{InstanceID: instanceID, Failed: true}
	}
	s.mu.Unlock()
}

func (s *Store) ClearQR() {
	s.mu.Lock()
	s.state.QR = QRState{}
	s.mu.Unlock()
}

// QRSnapshot returns the QR sub-state.
func (s *Store) QRSnapshot() QRState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.QR
}

// persistCacheLocked writes the merged list and selection to the session
// cache. Fire-and-forget: the cache is a best-effort side channel.
func (s *Store) persistCacheLocked() {
	if s.cache == nil {
		return
	}
	list := copyInstances(s.state.Instances)
	currentID := s.state.PreferredInstanceID
	go s.cache.Persist(list, currentID)
}

func allowedTenants(cfg domain.SyncConfig) []string {
	if len(cfg.AllowedTenants) > 0 {
		return cfg.AllowedTenants
	}
	if cfg.TenantID != "" {
		return []string{cfg.TenantID}
	}
	return nil
}

func copyInstance(in domain.Instance) domain.Instance {
	out := in
	if len(in.Metadata) > 0 {
		md := make(map[string]interface{}, len(in.Metadata))
		for k, v := range in.Metadata {
			md[k] = v
		}
		out.Metadata = md
	}
	return out
}

func copyInstances(in []domain.Instance) []domain.Instance {
	out := make([]domain.Instance, len(in))
	for i := range in {
		out[i] = copyInstance(in[i])
	}
	return out
}
