package bridge

import "github.com/harunnryd/callbridge/pkg/transports/twilio"

// Prompts are the synthetic user turns that make the assistant speak first.
type Prompts struct {
	Inbound   string `mapstructure:"inbound"`
	Outbound  string `mapstructure:"outbound"`
	Generic   string `mapstructure:"generic"`
	Voicemail string `mapstructure:"voicemail"`
	// Closing is spoken verbatim when the call hits its time limit.
	Closing string `mapstructure:"closing"`
}

func (p Prompts) withDefaults() Prompts {
	if p.Inbound == "" {
		p.Inbound = "The caller just dialed in. Greet them warmly and ask how you can help."
	}
	if p.Outbound == "" {
		p.Outbound = "You placed this call and the person just picked up. Introduce yourself briefly and say why you are calling."
	}
	if p.Generic == "" {
		p.Generic = "A call just connected. Greet the other person briefly and ask how you can help."
	}
	if p.Voicemail == "" {
		p.Voicemail = "You reached a voicemail box. Leave a short message saying who you are and why you called, then say goodbye. Do not ask questions."
	}
	if p.Closing == "" {
		p.Closing = "We have reached the time limit for this call. Thank you for talking with me, goodbye."
	}
	return p
}

// Greeting picks the opener for the call: a machine always gets the
// voicemail script, a person gets the opener for the call direction.
func (p Prompts) Greeting(machine bool, direction twilio.Direction) string {
	if machine {
		return p.Voicemail
	}
	switch direction {
	case twilio.DirectionInbound:
		return p.Inbound
	case twilio.DirectionOutbound:
		return p.Outbound
	default:
		return p.Generic
	}
}

// closingTurn asks the assistant to say the closing sentence and nothing else.
func (p Prompts) closingTurn() string {
	return `The call time limit was reached. Say exactly this sentence and nothing else: "` + p.Closing + `"`
}
