package models

import (
	"sort"
	"time"
)

// Stream is a broadcaster's ingest endpoint together with the settings the
// orchestrator reads when fanning it out to destinations.
type Stream struct {
	ID              string            `json:"id"`
	UUID            string            `json:"uuid"`
	Name            string            `json:"name"`
	Slug            string            `json:"slug"`
	OwnerID         string            `json:"ownerId"`
	PreviewRequired bool              `json:"previewRequired"`
	PullArgs        string            `json:"pullArgs,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Keystore holds per-entity credentials and adapter state as opaque strings.
type Keystore map[string]string

// Get returns the value stored under key, or an empty string.
func (k Keystore) Get(key string) string {
	if k == nil {
		return ""
	}
	return k[key]
}

// Clone returns an independent copy of the keystore.
func (k Keystore) Clone() Keystore {
	if k == nil {
		return nil
	}
	out := make(Keystore, len(k))
	for key, value := range k {
		out[key] = value
	}
	return out
}

// Account is a set of credentials for one external streaming network.
type Account struct {
	ID        string    `json:"id"`
	Network   string    `json:"network"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Keystore  Keystore  `json:"keystore,omitempty"`
	Args      string    `json:"args,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// StreamAccount links a stream to one destination account. RTMPURL is only
// populated while the destination is being pushed to.
type StreamAccount struct {
	StreamID  string            `json:"streamId"`
	AccountID string            `json:"accountId"`
	Position  int               `json:"position"`
	Enabled   bool              `json:"enabled"`
	Preview   bool              `json:"preview"`
	Args      string            `json:"args,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Keystore  Keystore          `json:"keystore,omitempty"`
	RTMPURL   string            `json:"rtmpUrl,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Live reports whether a transport URL is currently assigned.
func (sa StreamAccount) Live() bool {
	return sa.RTMPURL != ""
}

// Destination pairs a destination link with the account it pushes to.
type Destination struct {
	Account Account       `json:"account"`
	Link    StreamAccount `json:"link"`
}

// SortDestinations orders destinations by position, then account id, so that
// fan-out always visits them in the same sequence.
func SortDestinations(dests []Destination) {
	sort.SliceStable(dests, func(i, j int) bool {
		if dests[i].Link.Position != dests[j].Link.Position {
			return dests[i].Link.Position < dests[j].Link.Position
		}
		return dests[i].Account.ID < dests[j].Account.ID
	})
}

// Sharing levels. LevelNone denies access, LevelChat allows chat and read
// access, LevelManage allows metadata and lifecycle control.
const (
	LevelNone   = 0
	LevelChat   = 1
	LevelManage = 2
)

// ClampLevel forces a stored grant level into the supported range.
func ClampLevel(level int) int {
	if level < LevelNone {
		return LevelNone
	}
	if level > LevelManage {
		return LevelManage
	}
	return level
}

// StreamShare grants another user access to a stream.
type StreamShare struct {
	StreamID string `json:"streamId"`
	UserID   string `json:"userId"`
	Level    int    `json:"level"`
}

// AccountShare grants another user use of an account.
type AccountShare struct {
	AccountID string `json:"accountId"`
	UserID    string `json:"userId"`
	Level     int    `json:"level"`
}

// Webhook event names.
const (
	EventStreamStart = "stream:start"
	EventStreamEnd   = "stream:end"
)

// Webhook payload formats.
const (
	WebhookTypeJSON    = "json"
	WebhookTypeDiscord = "discord"
	WebhookTypeSlack   = "slack"
)

// Webhook is a user-configured endpoint notified about lifecycle events.
type Webhook struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"streamId"`
	URL       string    `json:"url"`
	Type      string    `json:"type"`
	Events    []string  `json:"events"`
	Notes     string    `json:"notes,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Enabled reports whether the webhook subscribes to event.
func (w Webhook) Enabled(event string) bool {
	for _, candidate := range w.Events {
		if candidate == event {
			return true
		}
	}
	return false
}

// StreamStatus is the ephemeral liveness state of a stream. The zero value
// means idle.
type StreamStatus struct {
	Incoming bool `json:"data_incoming"`
	Pushing  bool `json:"data_pushing"`
	Pulling  bool `json:"data_pulling"`
	// Starting holds the claim of the fan-out currently calling adapters.
	// Only the holder may set Pushing.
	Starting string `json:"data_starting,omitempty"`
}

// Idle reports whether every flag is cleared.
func (s StreamStatus) Idle() bool {
	return !s.Incoming && !s.Pushing && !s.Pulling && s.Starting == ""
}
