package domain

import (
	"strings"
	"time"
)

// Status values reported by the broker for a WhatsApp instance. The broker
// is free to send values outside this set; unknown strings are lower-cased
// and passed through untouched.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusQRRequired   Status = "qr_required"
	StatusError        Status = "error"
)

// LoadStatus is the coarse lifecycle of the instance list load cycle.
type LoadStatus string

const (
	LoadIdle    LoadStatus = "idle"
	LoadLoading LoadStatus = "loading"
	LoadSuccess LoadStatus = "success"
	LoadError   LoadStatus = "error"
)

// BrokerJIDSuffix marks identifiers issued by the broker for live sessions
// that have not been persisted in the backend database yet.
const BrokerJIDSuffix = "@s.whatsapp.net"

// Instance is the canonical view of one WhatsApp session/device pairing.
// All writers (poll loop, realtime stream, user actions) converge on this
// shape through the normalization layer.
type Instance struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id,omitempty"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Status      Status `json:"status"`
	Connected   bool   `json:"connected"`
	// ConnectedSet records whether the source record carried an explicit
	// connected flag. Merging only lets an explicit false win; a record that
	// simply omits the flag can never unset a previously observed true.
	ConnectedSet bool                   `json:"-"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	DisplayID    string                 `json:"display_id"`
	Source       string                 `json:"source,omitempty"` // "broker" or "db", informational
}

// IsBrokerOnly reports whether the instance id is a live broker session id
// (JID form) that has no backend database row behind it.
func (i Instance) IsBrokerOnly() bool {
	return strings.HasSuffix(i.ID, BrokerJIDSuffix)
}

// Displayable reports whether the instance should be shown to the user.
// Instances the broker reports as fully torn down are hidden.
func (i Instance) Displayable() bool {
	if i.Connected {
		return true
	}
	switch i.Status {
	case StatusConnected, StatusConnecting, StatusReconnecting, StatusQRRequired:
		return true
	}
	return false
}

// DisplayIDFor derives a human-safe rendering of an instance id. JID-form
// ids drop the suffix, opaque ids longer than 18 runes are truncated.
func DisplayIDFor(id string) string {
	out := strings.TrimSuffix(id, BrokerJIDSuffix)
	if r := []rune(out); len(r) > 18 {
		return string(r[:15]) + "..."
	}
	return out
}

// EventEntry is one normalized realtime push event kept in the bounded
// live-event ring. Connected is a pointer because realtime payloads are
// partial: absence must be distinguishable from an explicit false.
type EventEntry struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instance_id"`
	Type        string    `json:"type"`
	Status      Status    `json:"status,omitempty"`
	Connected   *bool     `json:"connected,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	QRData      string    `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
}

// DedupeKey identifies an event for ring de-duplication.
func (e EventEntry) DedupeKey() string {
	return e.InstanceID + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + e.Type
}
