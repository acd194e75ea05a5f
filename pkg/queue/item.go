package queue

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultContentType is the default content type for item payloads.
	DefaultContentType = "application/json"
	// DefaultLeaseDuration applies when a consumer is built without a lease duration.
	DefaultLeaseDuration = 30 * time.Second
)

// VersionFilter selects how consumers restrict claims by item version.
type VersionFilter string

const (
	// VersionFilterNone claims items regardless of their version tag.
	VersionFilterNone VersionFilter = "none"
	// VersionFilterStrict claims only items tagged with the process version or untagged items.
	VersionFilterStrict VersionFilter = "strict"
)

// ParseVersionFilter converts a configuration value into a VersionFilter.
func ParseVersionFilter(raw string) (VersionFilter, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(VersionFilterNone):
		return VersionFilterNone, nil
	case string(VersionFilterStrict):
		return VersionFilterStrict, nil
	default:
		return "", queueError(ErrValidation, "unsupported version filter "+raw)
	}
}

// CountFilter selects which items Count includes.
type CountFilter int

const (
	// CountAll counts every stored item.
	CountAll CountFilter = iota
	// CountRunning counts items whose lease is still held.
	CountRunning
	// CountNotRunning counts items that are visible for claiming.
	CountNotRunning
)

// String returns the metric/log label of the filter.
func (f CountFilter) String() string {
	switch f {
	case CountAll:
		return "all"
	case CountRunning:
		return "running"
	case CountNotRunning:
		return "not_running"
	default:
		return "unknown"
	}
}

// Matches reports whether item is included by the filter at now.
func (f CountFilter) Matches(item *Item, now time.Time) bool {
	if item == nil {
		return false
	}
	switch f {
	case CountRunning:
		return item.Running(now)
	case CountNotRunning:
		return !item.Running(now)
	default:
		return true
	}
}

// Item is one persisted unit of work.
//
// An item is visible for claiming while EarliestVisibleAt <= now and running while it is in the
// future. There is no status field: deleting the item is the only terminal transition.
type Item struct {
	ID                string            `json:"id" bson:"_id"`
	Queue             string            `json:"queue" bson:"queue"`
	EarliestVisibleAt time.Time         `json:"earliest_visible_at" bson:"earliestVisibleAt"`
	Retries           int               `json:"retries" bson:"retries"`
	Version           string            `json:"version,omitempty" bson:"version,omitempty"`
	Context           map[string]string `json:"context,omitempty" bson:"context,omitempty"`
	Payload           []byte            `json:"payload" bson:"payload"`
	ContentType       string            `json:"content_type,omitempty" bson:"contentType,omitempty"`
	CreatedAt         time.Time         `json:"created_at" bson:"createdAt"`

	// delay is a relative visibility set by WithDelay and resolved by the publisher clock.
	delay time.Duration
}

// Validate checks the fields required before an item is inserted.
func (i *Item) Validate() error {
	if i == nil {
		return queueError(ErrValidation, "item is nil")
	}
	if strings.TrimSpace(i.ID) == "" {
		return queueError(ErrValidation, "item id is required")
	}
	if strings.TrimSpace(i.Queue) == "" {
		return queueError(ErrValidation, "item queue is required")
	}
	if i.Retries < 0 {
		return queueError(ErrValidation, "item retries must be >= 0")
	}
	if i.EarliestVisibleAt.IsZero() {
		return queueError(ErrValidation, "item earliest visible time is required")
	}
	return nil
}

// Running reports whether the item lease is still held at now.
func (i *Item) Running(now time.Time) bool {
	return i != nil && i.EarliestVisibleAt.After(now)
}

// VisibleTo reports whether a consumer with the given claim request may claim the item.
func (i *Item) VisibleTo(req ClaimRequest) bool {
	if i == nil || i.Running(req.Now) {
		return false
	}
	return !req.FilterVersion || i.Version == "" || i.Version == req.Version
}

// DecodePayload unmarshals a JSON payload into target.
func (i *Item) DecodePayload(target any) error {
	if i == nil || len(i.Payload) == 0 {
		return queueError(ErrValidation, "item payload is empty")
	}
	if err := json.Unmarshal(i.Payload, target); err != nil {
		return errors.Join(queueError(ErrValidation, "decode item payload failed"), err)
	}
	return nil
}

// MarshalPayloadJSON marshals payload with the conventions used by SendPayload.
func MarshalPayloadJSON(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(queueError(ErrValidation, "marshal item payload failed"), err)
	}
	return data, nil
}

// CloneItem returns a deep copy of item.
func CloneItem(item *Item) *Item {
	if item == nil {
		return nil
	}
	out := *item
	out.Payload = cloneBytes(item.Payload)
	out.Context = cloneContext(item.Context)
	return &out
}

func cloneContext(input map[string]string) map[string]string {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func cloneBytes(input []byte) []byte {
	if len(input) == 0 {
		return nil
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out
}
