package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEnvelope is returned for frames missing a required envelope field.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Push message types.
const (
	TypeSensorUpdate     = "sensor_update"
	TypeAirQualityUpdate = "air_quality_update"
	TypeInitialData      = "initial_data"

	// TypePollResult tags updates produced by the polling transport.
	TypePollResult = "poll_result"
)

// KnownType reports whether a push message type is delivered to consumers.
func KnownType(t string) bool {
	switch t {
	case TypeSensorUpdate, TypeAirQualityUpdate, TypeInitialData:
		return true
	}
	return false
}

// Method identifies the transport that delivered an update.
type Method string

const (
	MethodPush    Method = "push"
	MethodPolling Method = "polling"
)

// Envelope is an inbound push frame.
type Envelope struct {
	Type      string          `json:"type"`
	Location  string          `json:"location"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ParseEnvelope decodes a push frame and checks the fields the core relies on.
// The shape of Data is never inspected beyond its presence.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch {
	case env.Type == "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case env.Location == "":
		return Envelope{}, fmt.Errorf("%w: missing location", ErrInvalidEnvelope)
	case len(env.Data) == 0 || string(env.Data) == "null":
		return Envelope{}, fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}

	return env, nil
}

// Update is a transport-agnostic reading delivered to consumers.
type Update struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Target     string          `json:"location"`
	Method     Method          `json:"method"`
	Timestamp  time.Time       `json:"timestamp"`   // Producer timestamp, or ReceivedAt if absent
	ReceivedAt time.Time       `json:"received_at"` // Local receive time
	Payload    json.RawMessage `json:"data"`
}

// NewPushUpdate converts a push envelope into an Update.
func NewPushUpdate(env Envelope, receivedAt time.Time) Update {
	return Update{
		ID:         uuid.New(),
		Type:       env.Type,
		Target:     env.Location,
		Method:     MethodPush,
		Timestamp:  ParseTimestamp(env.Timestamp, receivedAt),
		ReceivedAt: receivedAt,
		Payload:    env.Data,
	}
}

// NewPollUpdate wraps a REST payload fetched for target.
func NewPollUpdate(target string, payload json.RawMessage, receivedAt time.Time) Update {
	return Update{
		ID:         uuid.New(),
		Type:       TypePollResult,
		Target:     target,
		Method:     MethodPolling,
		Timestamp:  receivedAt,
		ReceivedAt: receivedAt,
		Payload:    payload,
	}
}

// ParseTimestamp parses an RFC 3339 timestamp, returning fallback on failure.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return ts
}

// ControlFrame is a control message sent to the push server or received
// from a dashboard client.
type ControlFrame struct {
	Action   string `json:"action"`
	Location string `json:"location,omitempty"`
}

// Control actions.
const (
	ActionRefresh   = "refresh"   // Resend the latest reading
	ActionSubscribe = "subscribe" // Dashboard only: switch location
)

// RefreshFrame returns the encoded manual refresh frame.
func RefreshFrame() []byte {
	data, _ := json.Marshal(ControlFrame{Action: ActionRefresh})
	return data
}
