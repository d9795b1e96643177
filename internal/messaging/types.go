package messaging

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// maxExactCount is the largest count a float64 holds exactly
const maxExactCount = 1 << 53

// Count is an attempt count. Struct-encoded messages carry numbers as
// float64, so counts above 2^53 are written as decimal strings; both forms
// are accepted on decode.
type Count uint64

// MarshalJSON implements json.Marshaler
func (c Count) MarshalJSON() ([]byte, error) {
	digits := strconv.FormatUint(uint64(c), 10)
	if c > maxExactCount {
		return []byte(strconv.Quote(digits)), nil
	}
	return []byte(digits), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Count) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}

	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		*c = Count(n)
		return nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > maxExactCount || f != math.Trunc(f) {
		return fmt.Errorf("invalid count %s", data)
	}
	*c = Count(f)
	return nil
}

// SealRequestMessage asks a sealworker to seal content
type SealRequestMessage struct {
	RequestID   string    `json:"request_id"`
	Content     string    `json:"content"`
	Difficulty  int       `json:"difficulty"`
	MaxAttempts Count     `json:"max_attempts,omitempty"`
	ReplyTopic  string    `json:"reply_topic,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// SealResultMessage reports the outcome of a seal
type SealResultMessage struct {
	RequestID     string    `json:"request_id"`
	Algorithm     string    `json:"algorithm"`
	Difficulty    int       `json:"difficulty"`
	Status        string    `json:"status"` // "sealed", "exhausted", "invalid", "canceled", "error"
	Nonce         string    `json:"nonce,omitempty"`
	ContentDigest string    `json:"content_digest,omitempty"`
	Digest        string    `json:"digest,omitempty"`
	Attempts      Count     `json:"attempts"`
	ElapsedMs     float64   `json:"elapsed_ms"`
	Cached        bool      `json:"cached"`
	Retries       int       `json:"retries,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	SealedAt      time.Time `json:"sealed_at"`
}

// CheckResultMessage reports the outcome of a seal check
type CheckResultMessage struct {
	RequestID  string    `json:"request_id"`
	Algorithm  string    `json:"algorithm"`
	Difficulty int       `json:"difficulty"`
	Nonce      string    `json:"nonce,omitempty"`
	Valid      bool      `json:"valid"`
	State      string    `json:"state"` // "unsealed", "sealed-valid", "sealed-invalid"
	Digest     string    `json:"digest,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// ToProto converts the message to a protobuf Struct
func (m *SealRequestMessage) ToProto() (*structpb.Struct, error) { return toStruct(m) }

// ToProto converts the message to a protobuf Struct
func (m *SealResultMessage) ToProto() (*structpb.Struct, error) { return toStruct(m) }

// ToProto converts the message to a protobuf Struct
func (m *CheckResultMessage) ToProto() (*structpb.Struct, error) { return toStruct(m) }

// SealRequestFromProto converts a protobuf Struct to a SealRequestMessage
func SealRequestFromProto(s *structpb.Struct) (*SealRequestMessage, error) {
	m := &SealRequestMessage{}
	if err := fromStruct(s, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SealResultFromProto converts a protobuf Struct to a SealResultMessage
func SealResultFromProto(s *structpb.Struct) (*SealResultMessage, error) {
	m := &SealResultMessage{}
	if err := fromStruct(s, m); err != nil {
		return nil, err
	}
	return m, nil
}

// CheckResultFromProto converts a protobuf Struct to a CheckResultMessage
func CheckResultFromProto(s *structpb.Struct) (*CheckResultMessage, error) {
	m := &CheckResultMessage{}
	if err := fromStruct(s, m); err != nil {
		return nil, err
	}
	return m, nil
}

// toStruct maps a message onto a Struct through its JSON field names, so
// both encodings share one schema.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode message fields: %w", err)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("nil struct")
	}

	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to marshal struct: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode struct: %w", err)
	}
	return nil
}
