package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/voiceprint/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer provides outbound call creation via Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
}

// NewDialer creates a new Twilio dialer.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call using Twilio.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

// DialWithOptions places an outbound call using Twilio with optional settings.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if err := d.cfg.RequireCredentials(); err != nil {
		return "", fmt.Errorf("twilio dial: %w", err)
	}
	if url == "" {
		url = webhookURL(d.cfg, d.cfg.VoicePath)
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
	params.SetUrl(url)
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

// webhookURL is the address Twilio calls back on for path.
func webhookURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}
