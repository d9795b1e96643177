package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/bardlex/blockseal/internal/seal"
)

// Message represents a line-delimited JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrorOther             = 20
	ErrorInvalidDifficulty = 30
	ErrorSearchExhausted   = 31
	ErrorRateLimited       = 32
	ErrorInvalidRequest    = -32600
	ErrorMethodNotFound    = -32601
	ErrorInvalidParams     = -32602
	ErrorParseError        = -32700
)

// Methods
const (
	MethodMine  = "seal.mine"
	MethodCheck = "seal.check"
	MethodInfo  = "seal.info"
)

// MineRequest represents seal.mine parameters
type MineRequest struct {
	Content    string
	Difficulty int
}

// CheckRequest represents seal.check parameters
type CheckRequest struct {
	Content    string
	Difficulty int
	Nonce      *big.Int
}

// MineResult is the seal.mine response
type MineResult struct {
	Nonce         string  `json:"nonce"`
	ContentDigest string  `json:"content_digest"`
	Digest        string  `json:"digest"`
	Attempts      uint64  `json:"attempts"`
	ElapsedMs     float64 `json:"elapsed_ms"`
	Cached        bool    `json:"cached"`
}

// CheckResult is the seal.check response
type CheckResult struct {
	Valid  bool   `json:"valid"`
	State  string `json:"state"`
	Digest string `json:"digest,omitempty"`
}

// InfoResult is the seal.info response. The probability and cost figures
// are for Difficulty.
type InfoResult struct {
	Algorithm            string  `json:"algorithm"`
	DigestLength         int     `json:"digest_length"`
	Sentinel             string  `json:"sentinel"`
	MaxDifficulty        int     `json:"max_difficulty"`
	Difficulty           int     `json:"difficulty"`
	DetectionProbability float64 `json:"detection_probability"`
	ExpectedAttempts     float64 `json:"expected_attempts"`
}

// ParseMessage parses a JSON-RPC message from bytes. Numbers are kept as
// json.Number so that large nonces survive decoding.
func ParseMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := decodeInto(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeInto(data []byte, msg *Message) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(msg); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseMineRequest parses seal.mine parameters
func ParseMineRequest(params []any) (*MineRequest, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	content, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("content must be string")
	}

	difficulty, err := intParam(params[1])
	if err != nil {
		return nil, fmt.Errorf("difficulty: %w", err)
	}

	return &MineRequest{Content: content, Difficulty: difficulty}, nil
}

// ParseCheckRequest parses seal.check parameters. The nonce may be a
// decimal string or a non-negative integer.
func ParseCheckRequest(params []any) (*CheckRequest, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	content, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("content must be string")
	}

	difficulty, err := intParam(params[1])
	if err != nil {
		return nil, fmt.Errorf("difficulty: %w", err)
	}

	nonce, err := nonceParam(params[2])
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	return &CheckRequest{Content: content, Difficulty: difficulty, Nonce: nonce}, nil
}

// ParseInfoRequest parses the optional difficulty of seal.info. It returns
// fallback when the parameter is absent.
func ParseInfoRequest(params []any, fallback int) (int, error) {
	if len(params) == 0 || params[0] == nil {
		return fallback, nil
	}
	difficulty, err := intParam(params[0])
	if err != nil {
		return 0, fmt.Errorf("difficulty: %w", err)
	}
	return difficulty, nil
}

func intParam(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < math.MinInt32 || i > math.MaxInt32 {
			return 0, fmt.Errorf("must be an integer")
		}
		return int(i), nil
	case float64:
		if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
			return 0, fmt.Errorf("must be an integer")
		}
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("must be a number")
	}
}

func nonceParam(v any) (*big.Int, error) {
	switch n := v.(type) {
	case string:
		return seal.ParseNonce(n)
	case json.Number:
		return seal.ParseNonce(n.String())
	case float64:
		if n != math.Trunc(n) || n > 1<<53 {
			return nil, fmt.Errorf("must be an exact integer")
		}
		return seal.ParseNonce(fmt.Sprintf("%.0f", n))
	case int:
		return seal.ParseNonce(fmt.Sprint(n))
	default:
		return nil, fmt.Errorf("must be a decimal string or integer")
	}
}
