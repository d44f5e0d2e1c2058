package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"line-token-relay/handler"
	"line-token-relay/internal/config"
	"line-token-relay/internal/integrations/line"
	"line-token-relay/internal/integrations/paramstore"
	"line-token-relay/internal/repository"
	"line-token-relay/internal/tokenstore"
	"line-token-relay/internal/usecase"
)

// App holds the wired relay.
type App struct {
	Handler *handler.Handler
	Store   *tokenstore.Store
}

type awsConfigLoader func(ctx context.Context) (aws.Config, error)

func loadDefaultAWSConfig(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// Build wires every component from settings and replays the token journal.
// AWS config is only loaded when SSM or DynamoDB is actually needed.
func Build(ctx context.Context, settings config.Settings, logger *slog.Logger) (*App, error) {
	return build(ctx, settings, logger, loadDefaultAWSConfig)
}

func build(ctx context.Context, settings config.Settings, logger *slog.Logger, loadAWS awsConfigLoader) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		cfg    aws.Config
		cfgSet bool
	)
	awsCfg := func() (aws.Config, error) {
		if cfgSet {
			return cfg, nil
		}
		c, err := loadAWS(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		cfg, cfgSet = c, true
		return cfg, nil
	}

	// ---- Secrets ----
	var getter paramstore.Getter
	if settings.StaticSecrets() {
		getter = paramstore.Static{
			settings.ChannelSecretParam(): settings.ChannelSecret,
			settings.ChannelTokenParam():  settings.ChannelToken,
		}
	} else {
		c, err := awsCfg()
		if err != nil {
			return nil, err
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			return nil, fmt.Errorf("app: create SSM client: %w", err)
		}
		getter = ssmClient
	}
	channelSecret, err := paramstore.NewSecret(getter, settings.ChannelSecretParam())
	if err != nil {
		return nil, fmt.Errorf("app: channel secret: %w", err)
	}
	channelToken, err := paramstore.NewSecret(getter, settings.ChannelTokenParam())
	if err != nil {
		return nil, fmt.Errorf("app: channel token: %w", err)
	}

	secretSource := "ssm"
	if settings.StaticSecrets() {
		secretSource = "env"
	}
	logger.Info("channel credentials configured", "source", secretSource,
		"secret_param", channelSecret.Name(), "token_param", channelToken.Name())

	// ---- Token store ----
	var journal tokenstore.Journal
	if settings.TokenTable != "" {
		c, err := awsCfg()
		if err != nil {
			return nil, err
		}
		journal, err = repository.New(awsdynamodb.NewFromConfig(c), settings.TokenTable)
		if err != nil {
			return nil, fmt.Errorf("app: create token table client: %w", err)
		}
		logger.Info("using DynamoDB token journal", "table", settings.TokenTable)
	} else {
		fileJournal, err := tokenstore.NewFileJournal(settings.TokenLogPath, logger)
		if err != nil {
			return nil, fmt.Errorf("app: create token log: %w", err)
		}
		journal = fileJournal
		logger.Info("using file token journal", "path", fileJournal.Path())
	}

	store, err := tokenstore.New(journal,
		tokenstore.WithPrefix(settings.TokenPrefix),
		tokenstore.WithSpace(settings.TokenSpace),
		tokenstore.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create token store: %w", err)
	}
	// A failed replay leaves the store empty; the relay keeps serving.
	_, _ = store.Load(ctx)

	// ---- Outbound ----
	lineClient, err := line.NewClient(channelToken,
		line.WithBaseURL(settings.LineAPIBaseURL),
		line.WithHTTPClient(&http.Client{Timeout: settings.OutboundTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create LINE client: %w", err)
	}

	// ---- Handler ----
	relay, err := usecase.NewRelayService(store, lineClient, settings.TriggerPhrase, settings.MaxConcurrentReplies, logger)
	if err != nil {
		return nil, fmt.Errorf("app: create relay service: %w", err)
	}
	h, err := handler.NewHandler(relay, channelSecret,
		handler.WithPushSecret(settings.PushSecret),
		handler.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create handler: %w", err)
	}
	if !h.PushSecretConfigured() {
		logger.Warn("PUSH_SECRET is not set; any caller knowing a token can push to its user")
	}

	return &App{Handler: h, Store: store}, nil
}
