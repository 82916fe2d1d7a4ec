package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/api"
	"github.com/barisgudul/Therapy-New-sub003/internal/genai"
	"github.com/barisgudul/Therapy-New-sub003/internal/health"
	"github.com/barisgudul/Therapy-New-sub003/internal/lockfile"
	"github.com/barisgudul/Therapy-New-sub003/internal/memory"
	"github.com/barisgudul/Therapy-New-sub003/internal/messaging"
	"github.com/barisgudul/Therapy-New-sub003/internal/pipeline"
	"github.com/barisgudul/Therapy-New-sub003/internal/prompts"
	"github.com/barisgudul/Therapy-New-sub003/internal/store"
	"github.com/barisgudul/Therapy-New-sub003/internal/twiliowhatsapp"
	"github.com/barisgudul/Therapy-New-sub003/internal/util"
	"github.com/barisgudul/Therapy-New-sub003/internal/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir holds the SQLite database, the WhatsApp session and the lock file.
	DefaultStateDir = "/var/lib/therapy-orchestrator"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "therapy.db"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	ChannelNone     = "none"
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

// Config holds the resolved environment and flag configuration.
type Config struct {
	StateDir         string
	DatabaseURL      string
	AIProvider       string
	OpenAIKey        string
	OpenAIModel      string
	EmbeddingModel   string
	GeminiKey        string
	GeminiModel      string
	Temperature      float64
	AITimeout        time.Duration
	APIAddr          string
	PromptsFile      string
	HealthThreshold  float64
	HealthFailClosed bool
	Channel          string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	WhatsAppDSN      string
	QROutput         string
	NumericCode      bool
	Debug            bool
}

func main() {
	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(os.Stdout, config.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping therapy orchestrator", "provider", config.AIProvider, "channel", config.Channel, "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("therapy orchestrator failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("therapy orchestrator exited successfully")
}

// initializeLogger installs a text handler, at Debug level when debug is set.
func initializeLogger(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         util.GetenvDefault("THERAPY_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AIProvider:       strings.ToLower(util.GetenvDefault("AI_PROVIDER", ProviderOpenAI)),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		EmbeddingModel:   os.Getenv("OPENAI_EMBEDDING_MODEL"),
		GeminiKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      os.Getenv("GEMINI_MODEL"),
		Temperature:      util.ParseFloatEnv("AI_TEMPERATURE", genai.DefaultTemperature),
		AITimeout:        util.ParseDurationEnv("AI_TIMEOUT", pipeline.DefaultTimeouts.AI),
		APIAddr:          util.GetenvDefault("API_ADDR", api.DefaultAddr),
		PromptsFile:      os.Getenv("PROMPTS_FILE"),
		HealthThreshold:  util.ParseFloatEnv("HEALTH_THRESHOLD", pipeline.DefaultHealthThreshold),
		HealthFailClosed: util.ParseBoolEnv("HEALTH_FAIL_CLOSED", false),
		Channel:          strings.ToLower(util.GetenvDefault("CHANNEL", ChannelNone)),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
	}

	slog.Debug("environment variables loaded",
		"THERAPY_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"AI_PROVIDER", config.AIProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"API_ADDR", config.APIAddr,
		"CHANNEL", config.Channel)
	return config
}

// parseCommandLineFlags applies flag overrides to config and fills the DSN
// defaults that depend on the state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory (overrides $THERAPY_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)")
	fs.StringVar(&config.AIProvider, "ai-provider", config.AIProvider, "language model provider: openai or gemini (overrides $AI_PROVIDER)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.PromptsFile, "prompts", config.PromptsFile, "YAML prompt overrides (overrides $PROMPTS_FILE)")
	fs.Float64Var(&config.HealthThreshold, "health-threshold", config.HealthThreshold, "minimum health score to admit requests (overrides $HEALTH_THRESHOLD)")
	fs.StringVar(&config.Channel, "channel", config.Channel, "chat channel: none, twilio or whatsapp (overrides $CHANNEL)")
	fs.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", false, "print the raw login code instead of a QR code")
	fs.BoolVar(&config.Debug, "debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, whatsapp.DefaultDBFile) + "?_foreign_keys=on"
	}
	config.AIProvider = strings.ToLower(config.AIProvider)
	config.Channel = strings.ToLower(config.Channel)
	return config, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseURL) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	opts := []genai.Option{genai.WithTemperature(config.Temperature)}
	switch config.AIProvider {
	case ProviderGemini:
		if config.GeminiKey != "" {
			opts = append(opts, genai.WithAPIKey(config.GeminiKey))
		}
		if config.GeminiModel != "" {
			opts = append(opts, genai.WithModel(config.GeminiModel))
		}
	default:
		if config.OpenAIKey != "" {
			opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
		}
		if config.OpenAIModel != "" {
			opts = append(opts, genai.WithModel(config.OpenAIModel))
		}
		if config.EmbeddingModel != "" {
			opts = append(opts, genai.WithEmbeddingModel(config.EmbeddingModel))
		}
	}
	return opts
}

// buildPipelineOptions constructs orchestrator options
func buildPipelineOptions(config Config) []pipeline.Option {
	opts := []pipeline.Option{pipeline.WithHealthThreshold(config.HealthThreshold)}
	if config.HealthFailClosed {
		opts = append(opts, pipeline.WithHealthFailurePolicy(pipeline.FailClosed))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	var opts []api.Option
	if config.APIAddr != "" {
		opts = append(opts, api.WithAddr(config.APIAddr))
	}
	if config.AITimeout > 0 {
		// A request can make a model call and a fallback call.
		opts = append(opts, api.WithRequestTimeout(2*config.AITimeout))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
	if config.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// newAIClient creates the configured language model client.
func newAIClient(ctx context.Context, config Config) (health.AIClient, error) {
	switch config.AIProvider {
	case ProviderOpenAI, "":
		return genai.NewClient(buildGenAIOptions(config)...)
	case ProviderGemini:
		return genai.NewGeminiClient(ctx, buildGenAIOptions(config)...)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", config.AIProvider)
	}
}

// channel is a messaging service plus its cleanup and optional webhook.
type channel struct {
	svc     messaging.Service
	webhook http.HandlerFunc
	close   func()
}

// newChannel creates the configured chat channel, or nil for ChannelNone.
func newChannel(ctx context.Context, config Config) (*channel, error) {
	switch config.Channel {
	case ChannelNone, "":
		return nil, nil
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromNumber(config.TwilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(client, config.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures are not validated")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return &channel{svc: svc, webhook: svc.WebhookHandler, close: func() {}}, nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, err
		}
		return &channel{svc: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil
	default:
		return nil, fmt.Errorf("unknown channel %q", config.Channel)
	}
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	lock, err := lockfile.Acquire(config.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("failed to release lock", "error", err)
		}
	}()

	st, err := store.Open(buildStoreOptions(config)...)
	if err != nil {
		return err
	}
	if c, ok := st.(io.Closer); ok {
		defer c.Close()
	}

	ai, err := newAIClient(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create AI client: %w", err)
	}
	monitor := health.NewMonitor(st)
	instrumented := monitor.InstrumentAI(ai)

	ps, err := prompts.Load(config.PromptsFile)
	if err != nil {
		return err
	}
	indexer := memory.NewIndexer(instrumented, st)
	orch, err := pipeline.New(pipeline.Dependencies{
		AI:       instrumented,
		Vault:    st,
		Store:    st,
		Memory:   memory.NewRetriever(instrumented, st),
		Indexer:  indexer,
		Health:   monitor,
		Logger:   slog.Default(),
		Prompts:  ps,
		Timeouts: pipeline.Timeouts{AI: config.AITimeout},
	}, buildPipelineOptions(config)...)
	if err != nil {
		return err
	}

	ch, err := newChannel(ctx, config)
	if err != nil {
		return err
	}

	apiOpts := append(buildAPIOptions(config),
		api.WithHealth(monitor, config.HealthThreshold),
		api.WithLoadTracker(monitor),
		api.WithMemoryIndexer(indexer),
		api.WithVaultReader(st),
	)
	if ch != nil && ch.webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(ch.webhook))
	}
	server := api.NewServer(orch, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if ch != nil {
		defer ch.close()
		if err := ch.svc.Start(gctx); err != nil {
			return fmt.Errorf("failed to start %s channel: %w", ch.svc.Name(), err)
		}
		bridge := messaging.NewBridge(ch.svc, orch, messaging.WithDeduper(st))
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return ch.svc.Stop()
		})
	}
	return g.Wait()
}
