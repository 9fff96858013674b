package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/voiceprint/pkg/transports"
	twiliotransport "github.com/harunnryd/voiceprint/pkg/transports/twilio"
	"github.com/harunnryd/voiceprint/pkg/voiceprint"
)

func main() {
	configPath := flag.String("config", "examples/verifier/config.twilio.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}
	cfg, err := voiceprint.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if cfg.Transports.Provider != "twilio" {
		fmt.Printf("transports.provider is %q, outbound calls need twilio\n", cfg.Transports.Provider)
		os.Exit(1)
	}
	settings, err := twiliotransport.ParseConfig(cfg.Transports.Settings)
	if err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if err := settings.RequireCredentials(); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if *voiceURL == "" && settings.PublicURL == "" {
		fmt.Println("public_url is empty")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dialer := twiliotransport.NewDialer(settings)
	callSID, err := dialer.DialWithOptions(ctx, *to, *from, *voiceURL, transports.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
