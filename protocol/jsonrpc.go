package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMalformedMessage indicates content that is not a JSON-RPC 2.0 message.
	ErrMalformedMessage = errors.New("malformed JSON-RPC message")

	// ErrOversizeMessage indicates a message above the configured size limit.
	ErrOversizeMessage = errors.New("oversize JSON-RPC message")
)

// RequestID is a JSON-RPC id. JSON-RPC allows strings and numbers; the server
// transport additionally swaps ids with Nostr event ids (hex strings), so the
// raw JSON form is preserved verbatim for lossless round-trips.
type RequestID struct {
	raw json.RawMessage
}

// StringID builds a RequestID from a string value.
func StringID(s string) RequestID {
	raw, _ := json.Marshal(s)
	return RequestID{raw: raw}
}

// IntID builds a RequestID from an integer value.
func IntID(n int64) RequestID {
	return RequestID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool { return len(id.raw) == 0 || bytes.Equal(id.raw, []byte("null")) }

// Key returns a canonical map key for the id.
func (id RequestID) Key() string { return string(id.raw) }

// String returns the id value without JSON quoting for string ids.
func (id RequestID) String() string {
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

// Value returns the decoded id value (string, int64 or float64).
func (id RequestID) Value() any {
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(id.raw, &n); err == nil {
		return n
	}
	var f float64
	if err := json.Unmarshal(id.raw, &f); err == nil {
		return f
	}
	return string(id.raw)
}

// Equal reports whether two ids carry the same JSON value.
func (id RequestID) Equal(other RequestID) bool { return bytes.Equal(id.raw, other.raw) }

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	id.raw = append(id.raw[:0], data...)
	return nil
}

// ErrorDetail is the error member of a JSON-RPC response.
type ErrorDetail struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JSON-RPC error codes emitted by the transports and payment layers.
const (
	CodeInternalError = -32000
	CodeInvalidParams = -32602
	CodeParseError    = -32700
)

// Error message strings with protocol-level meaning.
const (
	MsgUnauthorized            = "Unauthorized"
	MsgDeclinedByClientHandler = "Payment declined by client handler"
	MsgDeclinedByClientPolicy  = "Payment declined by client policy"
	MsgDeclinedByServerPolicy  = "Payment declined by server policy"
	MsgPaymentRejected         = "Payment rejected"
)

// Message is a JSON-RPC 2.0 request, response or notification. Params and
// Result are kept raw so arbitrary MCP traffic round-trips losslessly.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request (method with an id).
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil && !m.ID.IsZero() && m.Result == nil && m.Error == nil
}

// IsNotification reports whether the message is a notification (method, no id).
func (m *Message) IsNotification() bool {
	return m.Method != "" && (m.ID == nil || m.ID.IsZero())
}

// IsResponse reports whether the message is a result or error response.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request message.
func NewRequest(id RequestID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResultResponse builds a result response for the given id.
func NewResultResponse(id RequestID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: "2.0", ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given id.
func NewErrorResponse(id RequestID, code int, message string, data any) *Message {
	detail := &ErrorDetail{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			detail.Data = raw
		}
	}
	return &Message{JSONRPC: "2.0", ID: &id, Error: detail}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// ParseMessage decodes and validates a JSON-RPC message. maxBytes <= 0 uses
// DefaultMaxMessageBytes.
func ParseMessage(data []byte, maxBytes int) (*Message, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	if len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizeMessage, len(data))
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.JSONRPC != "2.0" {
		return nil, fmt.Errorf("%w: jsonrpc version %q", ErrMalformedMessage, m.JSONRPC)
	}
	if !m.IsRequest() && !m.IsNotification() && !m.IsResponse() {
		return nil, fmt.Errorf("%w: neither request, notification nor response", ErrMalformedMessage)
	}
	return &m, nil
}

// ProgressToken extracts params._meta.progressToken, normalized to a string.
// Returns "" when absent.
func (m *Message) ProgressToken() string {
	if len(m.Params) == 0 {
		return ""
	}
	var probe struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(m.Params, &probe); err != nil {
		return ""
	}
	raw := probe.Meta.ProgressToken
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ProgressNotificationToken extracts params.progressToken from a
// notifications/progress payload, normalized to a string.
func (m *Message) ProgressNotificationToken() string {
	if len(m.Params) == 0 {
		return ""
	}
	var probe struct {
		ProgressToken json.RawMessage `json:"progressToken"`
	}
	if err := json.Unmarshal(m.Params, &probe); err != nil || len(probe.ProgressToken) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.ProgressToken, &s); err == nil {
		return s
	}
	return string(probe.ProgressToken)
}

// ParamName extracts params.name, used for capability matching.
func (m *Message) ParamName() string {
	if len(m.Params) == 0 {
		return ""
	}
	var probe struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(m.Params, &probe); err != nil {
		return ""
	}
	if probe.Name != "" {
		return probe.Name
	}
	return probe.URI
}

// Capability formats the capability identifier a request targets:
// "tool:<name>", "prompt:<name>" or "resource:<uri>". Returns "" for
// methods that do not address a named capability.
func (m *Message) Capability() string {
	name := m.ParamName()
	if name == "" {
		return ""
	}
	switch m.Method {
	case MethodToolsCall:
		return "tool:" + name
	case MethodPromptsGet:
		return "prompt:" + name
	case MethodResourcesRead:
		return "resource:" + name
	}
	return ""
}

// capabilityListKeys maps a capability-list result member to the event kind
// that announces it.
var capabilityListKeys = map[string]int{
	"tools":             KindToolsList,
	"resources":         KindResourcesList,
	"resourceTemplates": KindResourceTemplatesList,
	"prompts":           KindPromptsList,
}

// CapabilityListKind reports which capability-list announcement kind a result
// payload matches, or 0 when it matches none.
func CapabilityListKind(result json.RawMessage) int {
	if len(result) == 0 {
		return 0
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(result, &probe); err != nil {
		return 0
	}
	for key, kind := range capabilityListKeys {
		if raw, ok := probe[key]; ok && len(raw) > 0 && raw[0] == '[' {
			return kind
		}
	}
	return 0
}

// IsInitializeResult reports whether a result payload looks like an MCP
// InitializeResult.
func IsInitializeResult(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var probe struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return false
	}
	return probe.ProtocolVersion != "" && len(probe.Capabilities) > 0
}
