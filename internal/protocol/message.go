package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindBoot     Kind = "boot"
	KindStatus   Kind = "status"
	KindRetiring Kind = "retiring"
)

// Message is one newline-framed report from a worker to the arbiter.
type Message struct {
	Kind    Kind            `json:"kind"`
	PID     int             `json:"pid"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
}

// BootPayload is sent once the worker is ready to accept.
type BootPayload struct {
	RequestLimit int `json:"request_limit"` // 0 = unlimited
}

// StatusPayload carries the worker's request counters.
type StatusPayload struct {
	Requests int64 `json:"requests"`
	InFlight int64 `json:"in_flight"`
}

// RetiringPayload explains why a worker is draining.
type RetiringPayload struct {
	Reason   string `json:"reason"`
	Requests int64  `json:"requests"`
}

func newMessage(kind Kind, pid int, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:    kind,
		PID:     pid,
		Payload: b,
		TS:      time.Now().UTC(),
	}, nil
}

func NewBoot(pid int, p BootPayload) (Message, error) {
	return newMessage(KindBoot, pid, p)
}

func NewStatus(pid int, p StatusPayload) (Message, error) {
	return newMessage(KindStatus, pid, p)
}

func NewRetiring(pid int, p RetiringPayload) (Message, error) {
	return newMessage(KindRetiring, pid, p)
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("bad %s payload: %w", m.Kind, err)
	}
	return nil
}

func (m Message) ValidateBasic() error {
	if m.Kind == "" {
		return fmt.Errorf("missing kind")
	}
	if m.PID <= 0 {
		return fmt.Errorf("%s missing pid", m.Kind)
	}
	switch m.Kind {
	case KindBoot, KindStatus, KindRetiring:
	default:
		return fmt.Errorf("unknown kind: %s", m.Kind)
	}
	return nil
}
