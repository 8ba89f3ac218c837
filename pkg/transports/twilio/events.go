package twilio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/harunnryd/callbridge/pkg/configutil"
)

// Inbound Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
)

// ErrMalformedFrame is returned for frames that are not a JSON object with an event name.
var ErrMalformedFrame = errors.New("twilio: malformed media stream frame")

type Start struct {
	StreamSID        string      `json:"streamSid"`
	AccountSID       string      `json:"accountSid"`
	CallSID          string      `json:"callSid"`
	Tracks           []string    `json:"tracks"`
	MediaFormat      MediaFormat `json:"mediaFormat"`
	CustomParameters Parameters  `json:"customParameters"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Media struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// TimestampMs parses the stream-relative timestamp of the chunk.
func (m Media) TimestampMs() (int64, bool) {
	ts := strings.TrimSpace(m.Timestamp)
	if ts == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(ts, 64)
		if ferr != nil {
			return 0, false
		}
		v = int64(f)
	}
	return v, true
}

type Mark struct {
	Name string `json:"name"`
}

type Stop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type DTMF struct {
	Digit string `json:"digit"`
}

// Event is one inbound Media Streams frame.
type Event struct {
	Event          string `json:"event"`
	StreamSID      string `json:"streamSid,omitempty"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
	DTMF           *DTMF  `json:"dtmf,omitempty"`
}

// ParseEvent decodes one text frame from the media stream.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if strings.TrimSpace(evt.Event) == "" {
		return Event{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return evt, nil
}

// Parameters holds the <Parameter> values forwarded in the start event. Twilio
// sends an object; some proxies forward a list of {name|key, value} pairs.
type Parameters map[string]string

func (p *Parameters) UnmarshalJSON(data []byte) error {
	out := Parameters{}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*p = out
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []map[string]any
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		for _, item := range list {
			name := stringify(item["name"])
			if name == "" {
				name = stringify(item["key"])
			}
			if name == "" {
				continue
			}
			out[name] = stringify(item["value"])
		}
		*p = out
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for k, v := range obj {
		out[k] = stringify(v)
	}
	*p = out
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// CallParams are the per-call settings carried as stream parameters or query
// values. Keys match case-insensitively.
type CallParams struct {
	AMD          string `mapstructure:"amd"`
	Direction    string `mapstructure:"direction"`
	Voice        string `mapstructure:"voice"`
	Instructions string `mapstructure:"instructions"`
}

// Decode reads the known call parameters, ignoring anything else.
func (p Parameters) Decode() (CallParams, error) {
	var out CallParams
	if len(p) == 0 {
		return out, nil
	}
	in := make(map[string]any, len(p))
	for k, v := range p {
		in[k] = v
	}
	if err := configutil.DecodeSettings(in, &out); err != nil {
		return CallParams{}, err
	}
	return out, nil
}

// Direction of a call as seen by the bridge.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionUnknown  Direction = "unknown"
)

// NormalizeDirection maps Twilio's Direction values onto inbound/outbound.
func NormalizeDirection(raw string) Direction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "inbound":
		return DirectionInbound
	case "outbound", "outbound-api", "outbound-dial":
		return DirectionOutbound
	default:
		return DirectionUnknown
	}
}

var machineAnswers = map[string]struct{}{
	"machine_start":       {},
	"machine_end_beep":    {},
	"machine_end_silence": {},
	"machine_end_other":   {},
	"fax":                 {},
	"voicemail":           {},
}

// IsMachine reports whether an AnsweredBy value means a machine picked up.
func IsMachine(answeredBy string) bool {
	v := strings.ToLower(strings.TrimSpace(answeredBy))
	if v == "" {
		return false
	}
	if strings.Contains(v, "machine") {
		return true
	}
	_, ok := machineAnswers[v]
	return ok
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Name string `json:"name"`
}

type outbound struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *outboundMark  `json:"mark,omitempty"`
}

// MediaMessage builds an outbound media frame; payload is already base64 mu-law.
func MediaMessage(streamSID, payload string) ([]byte, error) {
	return json.Marshal(outbound{Event: EventMedia, StreamSID: streamSID, Media: &outboundMedia{Payload: payload}})
}

// MarkMessage asks Twilio to echo name once preceding audio has played.
func MarkMessage(streamSID, name string) ([]byte, error) {
	return json.Marshal(outbound{Event: EventMark, StreamSID: streamSID, Mark: &outboundMark{Name: name}})
}

// ClearMessage drops any audio Twilio has buffered for playback.
func ClearMessage(streamSID string) ([]byte, error) {
	return json.Marshal(outbound{Event: "clear", StreamSID: streamSID})
}
