package instances

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/talkincode/waconsole/internal/domain"
)

// Identifier fields accepted from broker payloads, in priority order. The
// same list is consulted again inside the merged metadata/profile/details/
// info object when the top level has no usable id.
var identifierKeys = []string{"id", "instanceId", "instance_id", "sessionId", "session_id"}

var nestedObjectKeys = []string{"metadata", "profile", "details", "info"}

// statusSynonyms maps broker status spellings onto the canonical set.
// Anything not listed is lower-cased and passed through as-is.
var statusSynonyms = map[string]domain.Status{
	"open":    domain.StatusConnected,
	"online":  domain.StatusConnected,
	"close":   domain.StatusDisconnected,
	"offline": domain.StatusDisconnected,
	"qr":      domain.StatusQRRequired,
	"qrcode":  domain.StatusQRRequired,
	"pairing": domain.StatusConnecting,
}

// NormalizeStatus lower-cases a broker status string and resolves known
// synonyms. Unrecognized values pass through untouched.
func NormalizeStatus(raw string) domain.Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if mapped, ok := statusSynonyms[s]; ok {
		return mapped
	}
	return domain.Status(s)
}

// NormalizeRecord turns one heterogeneous broker record into the canonical
// Instance shape. Returns nil when no usable identifier can be found.
func NormalizeRecord(raw map[string]interface{}) *domain.Instance {
	if len(raw) == 0 {
		return nil
	}

	// Merge nested carrier objects so identifier/attribute lookup can fall
	// back into them without caring which one the broker used.
	nested := map[string]interface{}{}
	for _, key := range nestedObjectKeys {
		if sub := cast.ToStringMap(raw[key]); len(sub) > 0 {
			for k, v := range sub {
				if _, exists := nested[k]; !exists {
					nested[k] = v
				}
			}
		}
	}

	id := firstString(raw, identifierKeys)
	if id == "" {
		id = firstString(nested, identifierKeys)
	}
	if id == "" {
		return nil
	}

	inst := &domain.Instance{
		ID:          id,
		TenantID:    pickString(raw, nested, "tenantId", "tenant_id", "tenant"),
		Name:        pickString(raw, nested, "name", "instanceName", "instance_name", "pushName", "push_name"),
		PhoneNumber: pickString(raw, nested, "phoneNumber", "phone_number", "phone", "msisdn", "number"),
		DisplayID:   domain.DisplayIDFor(id),
	}

	if sub := cast.ToStringMap(raw["metadata"]); len(sub) > 0 {
		inst.Metadata = sub
	}

	// Connected flag: only an explicitly present field counts as supplied.
	for _, key := range []string{"connected", "isConnected", "is_connected"} {
		if v, ok := raw[key]; ok && v != nil {
			inst.Connected = cast.ToBool(v)
			inst.ConnectedSet = true
			break
		}
	}

	// Status priority: explicit status string, then the connected flag,
	// then disconnected.
	if s := pickString(raw, nested, "status", "state", "connectionStatus", "connection_status"); s != "" {
		inst.Status = NormalizeStatus(s)
	} else if inst.ConnectedSet {
		if inst.Connected {
			inst.Status = domain.StatusConnected
		} else {
			inst.Status = domain.StatusDisconnected
		}
	} else {
		inst.Status = domain.StatusDisconnected
	}

	if inst.Status == domain.StatusConnected && !inst.ConnectedSet {
		inst.Connected = true
	}

	if src := cast.ToString(raw["source"]); src != "" {
		inst.Source = src
	} else if inst.IsBrokerOnly() {
		inst.Source = "broker"
	} else {
		inst.Source = "db"
	}

	return inst
}

// MergeInstances merges an incoming record into an existing one with the
// same id. Every writer goes through this one function so all of them get
// identical conflict-resolution semantics: last-writer-wins on non-empty
// scalars, OR-merge on connected, shallow metadata merge.
func MergeInstances(existing, incoming domain.Instance) domain.Instance {
	out := existing

	if incoming.TenantID != "" {
		out.TenantID = incoming.TenantID
	}
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.PhoneNumber != "" {
		out.PhoneNumber = incoming.PhoneNumber
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.Source != "" {
		out.Source = incoming.Source
	}
	if incoming.DisplayID != "" {
		out.DisplayID = incoming.DisplayID
	}

	if incoming.ConnectedSet {
		out.Connected = incoming.Connected
		out.ConnectedSet = true
	} else {
		out.Connected = existing.Connected || incoming.Connected
	}

	if len(incoming.Metadata) > 0 {
		merged := make(map[string]interface{}, len(existing.Metadata)+len(incoming.Metadata))
		for k, v := range existing.Metadata {
			merged[k] = v
		}
		for k, v := range incoming.Metadata {
			merged[k] = v
		}
		out.Metadata = merged
	}

	return out
}

// CollectionOptions controls tenant isolation during list normalization.
// Filtering happens here rather than at the HTTP boundary because the broker
// response format cannot be trusted to scope correctly.
type CollectionOptions struct {
	AllowedTenants []string
	FilterByTenant bool
}

// NormalizeCollection builds an ordered, de-duplicated instance list from
// raw broker records. First-seen order is preserved; duplicate ids are
// merged via MergeInstances.
func NormalizeCollection(rawList []map[string]interface{}, opts CollectionOptions) []domain.Instance {
	var (
		out   []domain.Instance
		index = map[string]int{}
	)
	for _, raw := range rawList {
		inst := NormalizeRecord(raw)
		if inst == nil {
			continue
		}
		if opts.FilterByTenant && inst.TenantID != "" && !containsString(opts.AllowedTenants, inst.TenantID) {
			continue
		}
		if at, seen := index[inst.ID]; seen {
			out[at] = MergeInstances(out[at], *inst)
			continue
		}
		index[inst.ID] = len(out)
		out = append(out, *inst)
	}
	return out
}

// MergeIntoList merges a single instance into a list, appending when the id
// is new. The returned slice is a copy; the input is never mutated.
func MergeIntoList(list []domain.Instance, inst domain.Instance) []domain.Instance {
	out := make([]domain.Instance, len(list))
	copy(out, list)
	for i := range out {
		if out[i].ID == inst.ID {
			out[i] = MergeInstances(out[i], inst)
			return out
		}
	}
	return append(out, inst)
}

// payloadEnvelope captures the legal broker envelope shapes. All fields are
// optional; callers must not assume any one of them is populated.
type payloadEnvelope struct {
	Data      []map[string]interface{} `mapstructure:"data"`
	Instances []map[string]interface{} `mapstructure:"instances"`
	Items     []map[string]interface{} `mapstructure:"items"`
	Instance  map[string]interface{}   `mapstructure:"instance"`

	QR         interface{} `mapstructure:"qr"`
	QRCode     interface{} `mapstructure:"qrcode"`
	QRSnake    interface{} `mapstructure:"qr_code"`
	QRCamel    interface{} `mapstructure:"qrCode"`
	Base64     string      `mapstructure:"base64"`
	ExpiresAt  interface{} `mapstructure:"expiresAt"`
	ExpiresAt2 interface{} `mapstructure:"expires_at"`
	ExpiresIn  interface{} `mapstructure:"expires_in"`

	Status    interface{} `mapstructure:"status"`
	Connected interface{} `mapstructure:"connected"`
}

// ParsedPayload is the union of everything a broker response can carry.
// HasList distinguishes a payload that carried a (possibly empty) list
// envelope from a single-instance probe: only the former is authoritative
// for list membership.
type ParsedPayload struct {
	HasList      bool
	RawInstances []map[string]interface{}
	Instance     *domain.Instance
	QRData       string
	QRExpiresAt  time.Time
	Status       domain.Status
	Connected    *bool
}

// ParsePayload unwraps the legal envelope shapes (bare array, {data:[...]},
// {instances:[...]}, {items:[...]}) and extracts any inline instance, QR
// payload and status object present alongside the list.
func ParsePayload(payload interface{}) ParsedPayload {
	var parsed ParsedPayload
	if payload == nil {
		return parsed
	}

	// Bare array envelope.
	if rawList, ok := toRecordList(payload); ok {
		parsed.HasList = true
		parsed.RawInstances = rawList
		return parsed
	}

	var env payloadEnvelope
	if err := mapstructure.Decode(payload, &env); err != nil {
		return parsed
	}

	if m, ok := payload.(map[string]interface{}); ok {
		for _, key := range []string{"data", "instances", "items"} {
			if _, present := m[key]; present {
				if _, isList := toRecordList(m[key]); isList {
					parsed.HasList = true
				}
			}
		}
	}
	switch {
	case len(env.Data) > 0:
		parsed.RawInstances = env.Data
	case len(env.Instances) > 0:
		parsed.RawInstances = env.Instances
	case len(env.Items) > 0:
		parsed.RawInstances = env.Items
	}

	if len(env.Instance) > 0 {
		parsed.Instance = NormalizeRecord(env.Instance)
	}

	parsed.QRData, parsed.QRExpiresAt = extractQR(env)

	// Status can be a plain string or an object {status, connected}.
	switch sv := env.Status.(type) {
	case string:
		parsed.Status = NormalizeStatus(sv)
	case map[string]interface{}:
		if s := cast.ToString(sv["status"]); s != "" {
			parsed.Status = NormalizeStatus(s)
		} else if s := cast.ToString(sv["state"]); s != "" {
			parsed.Status = NormalizeStatus(s)
		}
		if v, ok := sv["connected"]; ok && v != nil {
			b := cast.ToBool(v)
			parsed.Connected = &b
		}
	}
	if env.Connected != nil {
		b := cast.ToBool(env.Connected)
		parsed.Connected = &b
	}

	// A single top-level record (an object with a usable id) doubles as an
	// inline instance when the envelope carried nothing else.
	if parsed.Instance == nil && len(parsed.RawInstances) == 0 {
		if m, ok := payload.(map[string]interface{}); ok {
			parsed.Instance = NormalizeRecord(m)
		}
	}

	return parsed
}

func extractQR(env payloadEnvelope) (string, time.Time) {
	var data string
	var expires time.Time

	for _, v := range []interface{}{env.QR, env.QRCode, env.QRSnake, env.QRCamel} {
		if v == nil {
			continue
		}
		switch qv := v.(type) {
		case string:
			data = qv
		case map[string]interface{}:
			data = cast.ToString(qv["code"])
			if data == "" {
				data = cast.ToString(qv["base64"])
			}
			if data == "" {
				data = cast.ToString(qv["data"])
			}
			if exp := parseExpiry(qv["expiresAt"], qv["expires_at"], qv["expires_in"]); !exp.IsZero() {
				expires = exp
			}
		}
		if data != "" {
			break
		}
	}
	if data == "" && env.Base64 != "" {
		data = env.Base64
	}
	if expires.IsZero() {
		expires = parseExpiry(env.ExpiresAt, env.ExpiresAt2, env.ExpiresIn)
	}
	return data, expires
}

// parseExpiry accepts absolute timestamps (string or epoch) and relative
// seconds, in that argument order: the first two candidates are absolute,
// the third is expires_in seconds.
func parseExpiry(absA, absB, relSecs interface{}) time.Time {
	for _, v := range []interface{}{absA, absB} {
		if v == nil {
			continue
		}
		switch tv := v.(type) {
		case string:
			if t, err := dateparse.ParseAny(tv); err == nil {
				return t
			}
		default:
			if epoch := cast.ToInt64(v); epoch > 0 {
				if epoch > 1e12 { // millis
					return time.UnixMilli(epoch)
				}
				return time.Unix(epoch, 0)
			}
		}
	}
	if relSecs != nil {
		if secs := cast.ToInt64(relSecs); secs > 0 {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}

// SelectOptions carries the selection preferences for SelectPreferred.
type SelectOptions struct {
	PreferredID string
	CampaignID  string
}

// SelectPreferred picks the current instance deterministically:
// exact id/name match on the preferred id, else the campaign id, else the
// first connected entry, else the first element.
func SelectPreferred(list []domain.Instance, opts SelectOptions) *domain.Instance {
	if len(list) == 0 {
		return nil
	}
	for _, want := range []string{opts.PreferredID, opts.CampaignID} {
		if want == "" {
			continue
		}
		for i := range list {
			if list[i].ID == want || (list[i].Name != "" && list[i].Name == want) {
				inst := list[i]
				return &inst
			}
		}
	}
	for i := range list {
		if list[i].Connected {
			inst := list[i]
			return &inst
		}
	}
	inst := list[0]
	return &inst
}

func toRecordList(v interface{}) ([]map[string]interface{}, bool) {
	switch lv := v.(type) {
	case []map[string]interface{}:
		return lv, true
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(lv))
		for _, item := range lv {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		if len(out) == 0 && len(lv) > 0 {
			return nil, true
		}
		return out, true
	}
	return nil, false
}

func firstString(m map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := strings.TrimSpace(cast.ToString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func pickString(primary, fallback map[string]interface{}, keys ...string) string {
	if s := firstString(primary, keys); s != "" {
		return s
	}
	return firstString(fallback, keys)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
