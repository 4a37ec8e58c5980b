// Command bilifetch resolves Bilibili video links into metadata and optional
// media files. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the encrypted credential store with a machine-derived key.
//   - Starts the background cookie refresher that keeps a login alive.
//   - Exposes an HTTP server with health, status, metrics, and admin
//     endpoints for QR login.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kumoworks/bilifetch/biliapi"
	"github.com/kumoworks/bilifetch/config"
	"github.com/kumoworks/bilifetch/credential"
	"github.com/kumoworks/bilifetch/crypto"
	"github.com/kumoworks/bilifetch/dedup"
	"github.com/kumoworks/bilifetch/login"
	"github.com/kumoworks/bilifetch/refresh"
	"github.com/kumoworks/bilifetch/server"
	"github.com/kumoworks/bilifetch/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Optional OpenTelemetry tracing (requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("bilifetch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Credential store, encrypted with a key derived from machine
	// characteristics. Derivation failure degrades to plaintext persistence.
	var enc crypto.Encryptor
	if machineEnc, err := crypto.NewMachineEncryptor(); err != nil {
		slog.Warn("machine key derivation failed, credential will be stored unencrypted", slog.Any("err", err))
	} else {
		enc = machineEnc
	}
	store := credential.NewStore(cfg.CredentialFile, enc)
	telemetry.SetLoggedIn(store.Usable())

	client := &biliapi.Client{
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Store:      store,
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background cookie refresher keeps the login alive across the ~30 day
	// expiry window.
	correspondKey, err := crypto.DefaultCorrespondKey()
	if err != nil {
		slog.Error("correspond key parse failed", slog.Any("err", err))
		os.Exit(1)
	}
	refresher := &refresh.Refresher{
		Client:       client,
		Store:        store,
		Key:          correspondKey,
		ProbeTimeout: cfg.ProbeTimeout,
	}
	refresh.Start(ctx, refresher, cfg.RefreshInterval)

	handlers := &server.Handlers{
		Config:    cfg,
		Store:     store,
		Cache:     dedup.New(cfg.DedupTTL, cfg.DedupMaxEntries),
		Login:     login.NewManager(client, store),
		Refresher: refresher,
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()
	slog.Info("bilifetch started", slog.String("addr", addr), slog.String("send_mode", string(cfg.SendMode)))

	<-ctx.Done()
	slog.Info("shutting down")
}
