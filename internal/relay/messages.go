package relay

import (
	"encoding/json"
	"fmt"
	"regexp"
	"unicode"
)

// Message kinds carried in Envelope.Type
const (
	KindPresence        = "presence"
	KindShareProfile    = "shareProfile"
	KindLeave           = "leave"
	KindIncomingProfile = "incomingProfile"
	KindDeparted        = "departed"
	KindError           = "error"
	KindShareStatus     = "shareStatus"
)

const maxIdentifierLen = 128

var eventCodePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// Envelope is the JSON frame exchanged over the transport
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Presence announces a device at an event. Timestamp is relayed exactly as sent.
type Presence struct {
	EventCode   string    `json:"eventCode"`
	DeviceID    string    `json:"deviceId"`
	ProfileSlug string    `json:"profileSlug"`
	Timestamp   Timestamp `json:"timestamp,omitempty"`
}

// Timestamp is a client clock reading kept as the literal JSON number the
// client sent. Strings are rejected so the relayed shape never changes.
type Timestamp string

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t == "" {
		return []byte("null"), nil
	}
	return []byte(t), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = ""
		return nil
	}
	if len(b) == 0 || b[0] == '"' {
		return fmt.Errorf("timestamp must be a JSON number")
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = Timestamp(n)
	return nil
}

// ShareRequest asks for a profile to be pushed to one device.
// The same shape goes out as incomingProfile.
type ShareRequest struct {
	ToDeviceID  string `json:"toDeviceId"`
	ProfileSlug string `json:"profileSlug"`
}

// LeaveRequest drops one room membership
type LeaveRequest struct {
	EventCode string `json:"eventCode"`
}

// Departure tells room-mates that a device left the event
type Departure struct {
	EventCode string `json:"eventCode"`
	DeviceID  string `json:"deviceId"`
}

// ErrorNotice is the optional rejection ack sent back to a sender
type ErrorNotice struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Ref    string `json:"ref,omitempty"`
}

// ShareStatus is the optional delivery receipt for a shareProfile request
type ShareStatus struct {
	ToDeviceID string `json:"toDeviceId"`
	Delivered  bool   `json:"delivered"`
}

// ValidateEventCode rejects empty or malformed event codes
func ValidateEventCode(code string) error {
	if code == "" {
		return fmt.Errorf("%w: eventCode required", ErrValidation)
	}
	if !eventCodePattern.MatchString(code) {
		return fmt.Errorf("%w: malformed eventCode %q", ErrValidation, code)
	}
	return nil
}

// validateIdentifier checks device ids and profile slugs
func validateIdentifier(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s required", ErrValidation, field)
	}
	if len(v) > maxIdentifierLen {
		return fmt.Errorf("%w: %s too long", ErrValidation, field)
	}
	for _, r := range v {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains whitespace or control characters", ErrValidation, field)
		}
	}
	return nil
}

// Validate checks every field the relay relies on
func (p Presence) Validate() error {
	if err := ValidateEventCode(p.EventCode); err != nil {
		return err
	}
	if err := validateIdentifier("deviceId", p.DeviceID); err != nil {
		return err
	}
	return validateIdentifier("profileSlug", p.ProfileSlug)
}

func (s ShareRequest) Validate() error {
	if err := validateIdentifier("toDeviceId", s.ToDeviceID); err != nil {
		return err
	}
	return validateIdentifier("profileSlug", s.ProfileSlug)
}

// DecodeEnvelope parses one inbound frame
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: bad frame: %v", ErrValidation, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type required", ErrValidation)
	}
	return env, nil
}

// decodeData unmarshals an envelope payload into v
func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s: data required", ErrValidation, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, env.Type, err)
	}
	return nil
}

// Encode marshals an outbound frame once so it can be shared by every recipient
func Encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Data: data})
}
