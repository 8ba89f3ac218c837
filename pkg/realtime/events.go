package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client event types sent to the realtime API.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioAppend       = "input_audio_buffer.append"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
	TypeConversationItemTrunc  = "conversation.item.truncate"
)

// Server event types the bridges act on. Everything else is passthrough.
const (
	TypeAudioDelta       = "response.audio.delta"
	TypeOutputAudioDelta = "response.output_audio.delta"
	TypeSpeechStarted    = "input_audio_buffer.speech_started"
	TypeResponseCreated  = "response.created"
	TypeResponseDone     = "response.done"
	TypeSessionCreated   = "session.created"
	TypeError            = "error"
)

// ErrMalformedEvent is returned when a frame is not a JSON object with a type.
var ErrMalformedEvent = errors.New("realtime: malformed event")

// ClientEvent is anything that can be sent upstream.
type ClientEvent interface {
	EventType() string
	payload() ([]byte, error)
}

// TurnDetection selects voice activity detection.
type TurnDetection struct {
	Type string `json:"type"`
}

// SessionConfig is the subset of session fields the bridge controls.
type SessionConfig struct {
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Modalities        []string       `json:"modalities,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

type SessionUpdate struct {
	Session SessionConfig `json:"session"`
}

func (SessionUpdate) EventType() string { return TypeSessionUpdate }
func (e SessionUpdate) payload() ([]byte, error) {
	return marshalTyped(TypeSessionUpdate, e)
}

type InputAudioAppend struct {
	Audio string `json:"audio"`
}

func (InputAudioAppend) EventType() string { return TypeInputAudioAppend }
func (e InputAudioAppend) payload() ([]byte, error) {
	return marshalTyped(TypeInputAudioAppend, e)
}

// ContentPart is one piece of a conversation item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ConversationItemCreate struct {
	Item ConversationItem `json:"item"`
}

// UserText builds a synthetic "user said text" item.
func UserText(text string) ConversationItemCreate {
	return ConversationItemCreate{Item: ConversationItem{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}}
}

func (ConversationItemCreate) EventType() string { return TypeConversationItemCreate }
func (e ConversationItemCreate) payload() ([]byte, error) {
	return marshalTyped(TypeConversationItemCreate, e)
}

// ResponseCreate asks for a response. Metadata is echoed back on the
// response.created and response.done events of that response.
type ResponseCreate struct {
	Metadata map[string]string
}

func (ResponseCreate) EventType() string { return TypeResponseCreate }
func (e ResponseCreate) payload() ([]byte, error) {
	if len(e.Metadata) == 0 {
		return []byte(`{"type":"` + TypeResponseCreate + `"}`), nil
	}
	return marshalTyped(TypeResponseCreate, struct {
		Response responseParams `json:"response"`
	}{Response: responseParams{Metadata: e.Metadata}})
}

type responseParams struct {
	Metadata map[string]string `json:"metadata"`
}

// ResponseCancel stops whichever response is in progress.
type ResponseCancel struct{}

func (ResponseCancel) EventType() string { return TypeResponseCancel }
func (ResponseCancel) payload() ([]byte, error) {
	return []byte(`{"type":"` + TypeResponseCancel + `"}`), nil
}

type ConversationItemTruncate struct {
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

func (ConversationItemTruncate) EventType() string { return TypeConversationItemTrunc }
func (e ConversationItemTruncate) payload() ([]byte, error) {
	return marshalTyped(TypeConversationItemTrunc, e)
}

// RawClientEvent forwards a client-originated frame without re-encoding it.
type RawClientEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e RawClientEvent) EventType() string        { return e.Type }
func (e RawClientEvent) payload() ([]byte, error) { return e.Raw, nil }

// ParseClientEnvelope validates that data is a JSON object carrying a string
// type and wraps it for verbatim forwarding.
func ParseClientEnvelope(data []byte) (RawClientEvent, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return RawClientEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return RawClientEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return RawClientEvent{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Encode returns the wire bytes of a client event.
func Encode(e ClientEvent) ([]byte, error) {
	return e.payload()
}

func marshalTyped(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// body is a JSON object; splice the type discriminator in front.
	if len(body) == 2 {
		return []byte(`{"type":"` + typ + `"}`), nil
	}
	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":"`...)
	out = append(out, typ...)
	out = append(out, `",`...)
	out = append(out, body[1:]...)
	return out, nil
}

// ServerEvent is the tagged union of events received from the realtime API.
// The bridges switch exhaustively on the concrete types below and treat
// Passthrough as opaque.
type ServerEvent interface {
	EventType() string
	Raw() []byte
	serverEvent()
}

type base struct {
	Type string `json:"type"`
	raw  []byte
}

func (b base) EventType() string { return b.Type }
func (b base) Raw() []byte       { return b.raw }
func (base) serverEvent()        {}

type AudioDelta struct {
	base
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type SpeechStarted struct {
	base
	AudioStartMs int64  `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type ResponseInfo struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

type ResponseCreated struct {
	base
	Response ResponseInfo `json:"response"`
}

type ResponseDone struct {
	base
	Response ResponseInfo `json:"response"`
}

type SessionCreated struct {
	base
	Session struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"session"`
}

type ErrorEvent struct {
	base
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Passthrough struct {
	base
}

// DecodeServerEvent parses one upstream frame into its typed variant.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var b base
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if b.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	b.raw = data
	var (
		evt ServerEvent
		err error
	)
	switch b.Type {
	case TypeAudioDelta, TypeOutputAudioDelta:
		var e AudioDelta
		err = json.Unmarshal(data, &e)
		e.base = b
		evt = e
	case TypeSpeechStarted:
		var e SpeechStarted
		err = json.Unmarshal(data, &e)
		e.base = b
		evt = e
	case TypeResponseCreated:
		var e ResponseCreated
		err = json.Unmarshal(data, &e)
		e.base = b
		evt = e
	case TypeResponseDone:
		var e ResponseDone
		err = json.Unmarshal(data, &e)
		e.base = b
		evt = e
	case TypeSessionCreated:
		var e SessionCreated
		err = json.Unmarshal(data, &e)
		e.base = b
		evt = e
	case TypeError:
		var e ErrorEvent
		err = json.Unmarshal(data, &e)
		e.base = b
		evt = e
	default:
		evt = Passthrough{base: b}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, b.Type, err)
	}
	return evt, nil
}
