package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	// MachineDetection enables answering-machine detection ("Enable" or "DetectMessageEnd").
	MachineDetection string
	Voice            string
	SendDigits       string
}

// Dialer places outbound calls whose audio is bridged back through the
// call-setup webhook.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call. An empty from uses the configured number.
func (d *Dialer) Dial(ctx context.Context, to, from string, opts DialOptions) (string, error) {
	_ = ctx
	if from == "" {
		from = d.cfg.FromNumber
	}
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if d.cfg.PublicURL == "" {
		return "", errors.New("public url required for outbound calls")
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(d.VoiceURL(opts.Voice))
	params.SetMethod("POST")
	if md := strings.TrimSpace(opts.MachineDetection); md != "" {
		params.SetMachineDetection(md)
	}
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

// VoiceURL is the call-setup webhook for outbound calls.
func (d *Dialer) VoiceURL(voice string) string {
	q := url.Values{}
	q.Set("direction", string(DirectionOutbound))
	if voice != "" {
		q.Set("voice", voice)
	}
	return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.VoicePath + "?" + q.Encode()
}
