package twilio

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStartWithObjectParameters(t *testing.T) {
	raw := `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1",
		"customParameters":{"AMD":"machine_end_beep","Direction":"outbound-api","voice":"sage"}}}`
	evt, err := ParseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.Event != EventStart || evt.Start == nil || evt.Start.CallSID != "CA1" {
		t.Fatalf("unexpected start %+v", evt)
	}
	params, err := evt.Start.CustomParameters.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if params.AMD != "machine_end_beep" || params.Direction != "outbound-api" || params.Voice != "sage" {
		t.Fatalf("unexpected params %+v", params)
	}
}

func TestParseStartWithListParameters(t *testing.T) {
	raw := `{"event":"start","start":{"streamSid":"MZ2","customParameters":[
		{"name":"amd","value":"human"},{"key":"direction","value":"inbound"},{"value":"orphan"}]}}`
	evt, err := ParseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	params, err := evt.Start.CustomParameters.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if params.AMD != "human" || params.Direction != "inbound" {
		t.Fatalf("unexpected params %+v", params)
	}
	if len(evt.Start.CustomParameters) != 2 {
		t.Fatalf("entries without a name must be dropped, got %v", evt.Start.CustomParameters)
	}
}

func TestParseEventRejectsGarbage(t *testing.T) {
	for _, in := range []string{`nope`, `{}`, `{"event":""}`} {
		if _, err := ParseEvent([]byte(in)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("input %s: expected ErrMalformedFrame, got %v", in, err)
		}
	}
}

func TestMediaTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1350", 1350, true},
		{" 20 ", 20, true},
		{"12.9", 12, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := Media{Timestamp: tc.in}.TimestampMs()
		if got != tc.want || ok != tc.ok {
			t.Fatalf("timestamp %q: got (%d,%v) want (%d,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestIsMachine(t *testing.T) {
	cases := map[string]bool{
		"machine_start":       true,
		"machine_end_beep":    true,
		"MACHINE_END_SILENCE": true,
		"machine_end_other":   true,
		"fax":                 true,
		"voicemail":           true,
		"answering_machine":   true,
		"human":               false,
		"unknown":             false,
		"":                    false,
	}
	for in, want := range cases {
		if got := IsMachine(in); got != want {
			t.Fatalf("IsMachine(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizeDirection(t *testing.T) {
	cases := map[string]Direction{
		"inbound":       DirectionInbound,
		"Outbound":      DirectionOutbound,
		"outbound-api":  DirectionOutbound,
		"outbound-dial": DirectionOutbound,
		"trunking":      DirectionUnknown,
		"":              DirectionUnknown,
	}
	for in, want := range cases {
		if got := NormalizeDirection(in); got != want {
			t.Fatalf("NormalizeDirection(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOutboundMessages(t *testing.T) {
	b, err := MediaMessage("MZ1", "AAAA")
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(b, &media); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if media.Event != "media" || media.StreamSID != "MZ1" || media.Media.Payload != "AAAA" {
		t.Fatalf("unexpected media frame %s", b)
	}

	b, _ = MarkMessage("MZ1", "m-1")
	if string(b) != `{"event":"mark","streamSid":"MZ1","mark":{"name":"m-1"}}` {
		t.Fatalf("unexpected mark frame %s", b)
	}
	b, _ = ClearMessage("MZ1")
	if string(b) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Fatalf("unexpected clear frame %s", b)
	}
}
