package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

var validate = validator.New()

// Settings contains the relay configuration, read from the environment.
type Settings struct {
	Port                 int           `envconfig:"PORT" default:"3000" validate:"min=1,max=65535"`
	LogLevel             string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	ParamPrefix          string        `envconfig:"PARAM_PREFIX" default:"/line-token-relay" validate:"required,startswith=/"`
	ChannelSecret        string        `envconfig:"CHANNEL_SECRET"`
	ChannelToken         string        `envconfig:"CHANNEL_TOKEN"`
	PushSecret           string        `envconfig:"PUSH_SECRET"`
	TokenLogPath         string        `envconfig:"TOKEN_LOG_PATH" default:"./token.txt"`
	TokenTable           string        `envconfig:"TOKEN_TABLE"`
	TokenPrefix          string        `envconfig:"TOKEN_PREFIX" default:"t" validate:"required,excludesall=#"`
	TokenSpace           int           `envconfig:"TOKEN_SPACE" default:"10000" validate:"min=10"`
	TriggerPhrase        string        `envconfig:"TRIGGER_PHRASE" default:"token" validate:"required"`
	LineAPIBaseURL       string        `envconfig:"LINE_API_BASE_URL" default:"https://api.line.me/v2/bot/message" validate:"required,url"`
	OutboundTimeout      time.Duration `envconfig:"OUTBOUND_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxConcurrentReplies int           `envconfig:"MAX_CONCURRENT_REPLIES" default:"10" validate:"min=1"`
}

// Load reads Settings from the environment and validates them.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if s.TokenLogPath == "" && s.TokenTable == "" {
		return fmt.Errorf("config: one of TOKEN_LOG_PATH or TOKEN_TABLE is required")
	}
	return nil
}

// StaticSecrets reports whether both channel credentials come from the
// environment, in which case SSM is not consulted.
func (s Settings) StaticSecrets() bool {
	return s.ChannelSecret != "" && s.ChannelToken != ""
}

func (s Settings) ChannelSecretParam() string {
	return strings.TrimRight(s.ParamPrefix, "/") + "/channel-secret"
}

func (s Settings) ChannelTokenParam() string {
	return strings.TrimRight(s.ParamPrefix, "/") + "/channel-token"
}

func (s Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
