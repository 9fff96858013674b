package voiceprint

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/voiceprint/pkg/configutil"
	"github.com/harunnryd/voiceprint/pkg/phase"
	"github.com/harunnryd/voiceprint/pkg/prompts"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Transports    ProviderConfig      `mapstructure:"transports"`
	Session       SessionConfig       `mapstructure:"session"`
	Verification  VerificationConfig  `mapstructure:"verification"`
	Dialogue      DialogueConfig      `mapstructure:"dialogue"`
	Processing    ProcessingConfig    `mapstructure:"processing"`
	Conversation  ConversationConfig  `mapstructure:"conversation"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	Provider    string         `mapstructure:"provider"`
	Settings    map[string]any `mapstructure:"settings"`
	DeleteOnEnd bool           `mapstructure:"delete_on_end"`
}

type VerificationConfig struct {
	Mode    string      `mapstructure:"mode"`
	Prompts []string    `mapstructure:"prompts"`
	Relay   RelayConfig `mapstructure:"relay"`
}

// RelayConfig points at an HTTP relay in front of the verification engine.
// Leave URL empty when the channel carries engine requests itself.
type RelayConfig struct {
	URL               string `mapstructure:"url"`
	Token             string `mapstructure:"token"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	Retries           int    `mapstructure:"retries"`
	RetryBackoffMS    int    `mapstructure:"retry_backoff_ms"`
	Concurrency       int    `mapstructure:"concurrency"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
	CallbackPath      string `mapstructure:"callback_path"`
	CallbackToken     string `mapstructure:"callback_token"`
}

type DialogueConfig struct {
	Yes           string         `mapstructure:"yes"`
	No            string         `mapstructure:"no"`
	DeleteKeyword string         `mapstructure:"delete_keyword"`
	Messages      map[string]any `mapstructure:"messages"`
}

type ProcessingConfig struct {
	Replacements map[string]string `mapstructure:"replacements"`
	DTMF         DTMFConfig        `mapstructure:"dtmf"`
}

type DTMFConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Digits   map[string]string `mapstructure:"digits"`
	WindowMS int               `mapstructure:"window_ms"`
}

type ConversationConfig struct {
	InboxSize      int `mapstructure:"inbox_size"`
	StoreTimeoutMS int `mapstructure:"store_timeout_ms"`
	SaveRetries    int `mapstructure:"save_retries"`
	SaveBackoffMS  int `mapstructure:"save_backoff_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	AdminAddr     string `mapstructure:"admin_addr"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VOICEPRINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("session.provider", "memory")
	v.SetDefault("session.delete_on_end", false)
	v.SetDefault("verification.mode", string(prompts.ModeTextIndependent))
	v.SetDefault("verification.relay.timeout_ms", 5000)
	v.SetDefault("verification.relay.retries", 2)
	v.SetDefault("verification.relay.retry_backoff_ms", 200)
	v.SetDefault("verification.relay.concurrency", 4)
	v.SetDefault("verification.relay.circuit_threshold", 3)
	v.SetDefault("verification.relay.circuit_cooldown_ms", 30000)
	v.SetDefault("verification.relay.callback_path", "/verification/events")
	v.SetDefault("processing.dtmf.enabled", true)
	v.SetDefault("processing.dtmf.window_ms", 2000)
	v.SetDefault("conversation.inbox_size", 64)
	v.SetDefault("conversation.store_timeout_ms", 2000)
	v.SetDefault("conversation.save_retries", 2)
	v.SetDefault("conversation.save_backoff_ms", 100)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.admin_addr", "")
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Session.Provider) == "" {
		return fmt.Errorf("session.provider is required")
	}
	if _, err := prompts.ParseMode(c.Verification.Mode); err != nil {
		return fmt.Errorf("verification.mode: %w", err)
	}
	if raw := strings.TrimSpace(c.Verification.Relay.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("verification.relay.url is not an absolute url: %q", raw)
		}
		if strings.TrimSpace(c.Observability.AdminAddr) == "" {
			return fmt.Errorf("observability.admin_addr is required when verification.relay.url is set")
		}
	}
	if _, err := c.Messages(); err != nil {
		return err
	}
	return nil
}

// Messages decodes dialogue.messages over the default dialogue.
func (c Config) Messages() (phase.Messages, error) {
	var msgs phase.Messages
	if err := configutil.ValidateSettings(c.Dialogue.Messages, messageSchema); err != nil {
		return phase.Messages{}, err
	}
	if err := configutil.DecodeSettings(c.Dialogue.Messages, &msgs); err != nil {
		return phase.Messages{}, fmt.Errorf("dialogue.messages: %w", err)
	}
	return msgs, nil
}

var messageSchema = configutil.Schema{
	Section: "dialogue.messages",
	Optional: []string{
		"greeting", "ask_action", "ask_enroll_consent", "clarify",
		"enroll_passphrase", "verify_passphrase", "repeat_passphrase",
		"enroll_declined", "enroll_succeeded", "enroll_hangup", "enroll_failed",
		"verify_succeeded", "verify_rejected",
		"confirm_deletion", "deletion_declined", "deletion_succeeded", "deletion_failed",
		"not_implemented",
	},
}

// MachineConfig builds the phase machine settings. Call Validate first.
func (c Config) MachineConfig() (phase.Config, error) {
	mode, err := prompts.ParseMode(c.Verification.Mode)
	if err != nil {
		return phase.Config{}, err
	}
	msgs, err := c.Messages()
	if err != nil {
		return phase.Config{}, err
	}
	return phase.Config{
		Sequencer: prompts.NewSequencer(mode, c.Verification.Prompts),
		Messages:  msgs,
		Vocabulary: phase.Vocabulary{
			Yes:           c.Dialogue.Yes,
			No:            c.Dialogue.No,
			DeleteKeyword: c.Dialogue.DeleteKeyword,
		},
	}, nil
}

func (c ConversationConfig) withDefaults() ConversationConfig {
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	if c.StoreTimeoutMS <= 0 {
		c.StoreTimeoutMS = 2000
	}
	if c.SaveRetries < 0 {
		c.SaveRetries = 0
	}
	if c.SaveBackoffMS <= 0 {
		c.SaveBackoffMS = 100
	}
	return c
}

func (c ConversationConfig) storeTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
	cfg.Session.Settings = expandSettings(cfg.Session.Settings)
	cfg.Dialogue.Messages = expandSettings(cfg.Dialogue.Messages)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
