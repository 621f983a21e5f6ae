package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/consultd/internal/catalog"
	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/engine"
	"github.com/basket/consultd/internal/gateway"
	"github.com/basket/consultd/internal/janitor"
	"github.com/basket/consultd/internal/mandate"
	"github.com/basket/consultd/internal/orchestrator"
	otelPkg "github.com/basket/consultd/internal/otel"
	"github.com/basket/consultd/internal/persistence"
	"github.com/basket/consultd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v2.0.0"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the consulting agent server
  %s -quiet                   Log to file only (no stdout)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONSULTD_HOME           Data directory (default: ~/.consultd)
  CONSULTD_BIND_ADDR      Listen address (default: 127.0.0.1:18080)
  GEMINI_API_KEY          Required for the Gemini provider
  ANTHROPIC_API_KEY       Required for the Anthropic provider
  OPENAI_API_KEY          Required for the OpenAI provider
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTel.Enabled,
		Exporter: cfg.OTel.Exporter,
		Endpoint: cfg.OTel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "consultd.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	mandates := mandate.NewService(store, logger, cfg.MerchantID, gateway.AgentName, cfg.IntentTTL(), cfg.CartTTL())

	llmProvider, llmModel, llmAPIKey := cfg.ResolveLLMConfig()
	brain := engine.NewGenkitBrain(ctx, engine.BrainConfig{
		Provider:                 llmProvider,
		Model:                    llmModel,
		APIKey:                   llmAPIKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	orch := orchestrator.New(store, mandates, brain, logger, metrics, cfg.GenerationTimeout())

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Mandates:          mandates,
		Orchestrator:      orch,
		Logger:            logger,
		Metrics:           metrics,
		BaseURL:           "http://" + cfg.BindAddr,
		MerchantName:      gateway.AgentName,
		ConfigFingerprint: cfg.Fingerprint(),
		AuthToken:         cfg.AuthToken,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.StartEviction(ctx)

	sweeper, err := janitor.New(janitor.Config{
		Store:            store,
		Logger:           logger,
		Schedule:         cfg.SweepSchedule,
		CartGrace:        time.Duration(cfg.RetentionExpiredCartsHours) * time.Hour,
		TaskRetention:    time.Duration(cfg.RetentionTasksDays) * 24 * time.Hour,
		MandateRetention: time.Duration(cfg.RetentionMandatesDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "rpc", "/a2a")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if !*quiet && isatty.IsTerminal(os.Stdout.Fd()) {
		printBanner(cfg, llmProvider)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// printBanner writes the human-facing startup summary. Terminal only; the
// structured log carries the same facts for non-interactive runs.
func printBanner(cfg config.Config, provider string) {
	fmt.Printf("%s %s\n", gateway.AgentName, Version)
	fmt.Printf("  Listening on http://%s\n", cfg.BindAddr)
	fmt.Printf("  Agent card:  http://%s/.well-known/agent.json\n", cfg.BindAddr)
	fmt.Printf("  Provider:    %s\n", provider)
	fmt.Println("  Services:")
	for _, e := range catalog.All() {
		fmt.Printf("    %-20s $%.2f %s\n", string(e.Skill), e.Price, catalog.Currency)
	}
	fmt.Println("  Payment flow: createIntentMandate -> createCartMandate -> processPayment -> submitTask")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
