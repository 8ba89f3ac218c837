package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/callbridge/pkg/config"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	from := flag.String("from", "", "caller ID (defaults to twilio.from_number)")
	to := flag.String("to", "", "destination number")
	voice := flag.String("voice", "", "assistant voice for this call")
	amd := flag.String("amd", "Enable", "answering machine detection mode, empty to disable")
	sendDigits := flag.String("send_digits", "", "DTMF to send once answered")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: make_call -to=+456 [-from=+123] [-voice=alloy] [-config=...]")
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	dialer := twilio.NewDialer(cfg.Twilio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	callSID, err := dialer.Dial(ctx, *to, *from, twilio.DialOptions{
		MachineDetection: *amd,
		Voice:            *voice,
		SendDigits:       *sendDigits,
	})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
