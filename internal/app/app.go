package app

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/robfig/cron/v3"

	"surveycoder/internal/classifier"
	"surveycoder/internal/config"
	"surveycoder/internal/httpx"
	"surveycoder/internal/notify"
	"surveycoder/internal/server"
	"surveycoder/internal/session"
	"surveycoder/internal/storage/sqlite"
)

func Main() {
	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. Provider=%s Model=%s MaxNewLabels=%d MaxLabels=%d StartCode=%d AutoReview=%v SessionTimeout=%s ExternalHTTPTimeout=%s",
		cfg.LLMProvider,
		cfg.LLMModel,
		cfg.MaxNewLabels,
		cfg.MaxLabels,
		cfg.StartCode,
		cfg.AutoReview,
		cfg.SessionTimeout(),
		appliedHTTPTimeout,
	)

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)
	defer db.Close()

	os.MkdirAll(cfg.TempDir, 0755)
	sessions := session.NewManager(cfg.TempDir, cfg.SessionTimeout())

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() { sessions.Sweep() }); err != nil {
		log.Fatalf("Failed to schedule session sweep: %v", err)
	}
	c.Start()
	defer c.Stop()

	client := buildClassifier(cfg)

	var notifier *notify.Slack
	if cfg.SlackConfigured() {
		notifier = notify.NewSlack(cfg.SlackBotToken, cfg.SlackChannelID)
		log.Printf("Slack notifications enabled for channel %s", cfg.SlackChannelID)
	}

	srv := server.New(cfg, sessions, client, db, notifier)
	log.Printf("Starting survey coder on %s...", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, srv.Handler()); err != nil {
		log.Fatalf("HTTP server error: %v", err)
	}
}

// buildClassifier wires the configured provider behind the shared retrier so
// transient upstream failures never surface as run errors directly.
func buildClassifier(cfg config.Config) classifier.Client {
	var backend classifier.Client
	switch cfg.LLMProvider {
	case "anthropic":
		backend = classifier.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.LLMModel)
	case "openai":
		backend = classifier.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.LLMModel, httpx.ExternalHTTPClient())
	case "gemini":
		g, err := classifier.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, cfg.LLMModel)
		if err != nil {
			log.Fatalf("Failed to init Gemini client: %v", err)
		}
		backend = g
	default:
		log.Fatalf("Unknown llm_provider '%s'", cfg.LLMProvider)
	}
	return classifier.NewRetrier(backend)
}
