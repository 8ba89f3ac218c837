package twilio

import (
	"context"
	"errors"
	"strings"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerMarksCallOutbound(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	cfg := Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://example.com/",
		FromNumber: "+200",
	}
	d := NewDialer(cfg)
	d.client = stub

	sid, err := d.Dial(context.Background(), "+100", "", DialOptions{MachineDetection: "DetectMessageEnd", Voice: "sage"})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+100" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+200" {
		t.Fatalf("expected configured From param")
	}
	if stub.last.Url == nil {
		t.Fatalf("expected Url param")
	}
	u := *stub.last.Url
	if !strings.HasPrefix(u, "https://example.com/voice?") || !strings.Contains(u, "direction=outbound") || !strings.Contains(u, "voice=sage") {
		t.Fatalf("unexpected voice url %q", u)
	}
	if stub.last.MachineDetection == nil || *stub.last.MachineDetection != "DetectMessageEnd" {
		t.Fatalf("expected MachineDetection param")
	}
}

func TestDialerRequiresCredentials(t *testing.T) {
	d := NewDialer(Config{PublicURL: "example.com"})
	d.client = &stubCreator{sid: "CA1"}
	if _, err := d.Dial(context.Background(), "+100", "+200", DialOptions{}); err == nil {
		t.Fatalf("expected credentials error")
	}
}

func TestDialerPropagatesErrors(t *testing.T) {
	stub := &stubCreator{err: errors.New("boom")}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "example.com"})
	d.client = stub
	if _, err := d.Dial(context.Background(), "+100", "+200", DialOptions{SendDigits: "W1"}); err == nil {
		t.Fatalf("expected create error")
	}
	if stub.last == nil || stub.last.SendDigits == nil || *stub.last.SendDigits != "W1" {
		t.Fatalf("expected SendDigits param")
	}
}
