// Command hauld serves the upload coordinator over HTTP.
//
// Configuration is taken from the environment (a .env file is honored):
//
//	HAUL_ADDR            listen address (default ":8001")
//	HAUL_DATA_DIR        session record directory; empty selects the
//	                     in-memory store
//	HAUL_COMPRESSION     session record compression: none, gzip, zstd
//	                     (default none; only used with HAUL_DATA_DIR)
//	HAUL_SESSION_TTL     session lifetime (default 24h)
//	HAUL_CREDENTIAL_TTL  presigned credential lifetime (default 1h)
//	HAUL_SWEEP_INTERVAL  expired-session sweep interval (default 5m)
//	HAUL_S3_ENDPOINT     custom S3 endpoint (MinIO, LocalStack, R2)
//	HAUL_S3_ACCESS_KEY   static access key for self-hosted backends
//	HAUL_S3_SECRET_KEY   static secret key for self-hosted backends
//
// AWS credentials and region resolve through the standard SDK chain
// (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_REGION, profiles).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/joho/godotenv/autoload"

	"github.com/justapithecus/haul/haul"
	s3store "github.com/justapithecus/haul/haul/s3"
	"github.com/justapithecus/haul/internal/httpd"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(logger); err != nil {
		logger.Error("hauld failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfgOpts []func(*awsconfig.LoadOptions) error
	if key, secret := os.Getenv("HAUL_S3_ACCESS_KEY"), os.Getenv("HAUL_S3_SECRET_KEY"); key != "" {
		// Self-hosted backends (MinIO, LocalStack) often ship keys outside
		// the AWS credential chain.
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(opts *s3.Options) {
		if endpoint := os.Getenv("HAUL_S3_ENDPOINT"); endpoint != "" {
			opts.BaseEndpoint = &endpoint
			opts.UsePathStyle = true
		}
	})

	store, err := s3store.NewFromClient(client)
	if err != nil {
		return err
	}

	sessions, err := newSessionStore(logger)
	if err != nil {
		return err
	}

	coord, err := haul.New(store, store, sessions, haul.Config{
		SessionTTL:    envDuration("HAUL_SESSION_TTL", 0),
		CredentialTTL: envDuration("HAUL_CREDENTIAL_TTL", 0),
	})
	if err != nil {
		return err
	}

	go sweepLoop(ctx, coord, logger)

	addr := os.Getenv("HAUL_ADDR")
	if addr == "" {
		addr = ":8001"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpd.NewServer(coord, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hauld listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newSessionStore selects the session backend from the environment.
func newSessionStore(logger *slog.Logger) (haul.SessionStore, error) {
	dir := os.Getenv("HAUL_DATA_DIR")
	if dir == "" {
		logger.Info("using in-memory session store")
		return haul.NewMemorySessionStore(), nil
	}

	var comp haul.Compressor
	switch name := os.Getenv("HAUL_COMPRESSION"); name {
	case "", "none":
		comp = haul.NewNoopCompressor()
	case "gzip":
		comp = haul.NewGzipCompressor()
	case "zstd":
		comp = haul.NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown HAUL_COMPRESSION %q", name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	logger.Info("using filesystem session store", "dir", dir, "compression", comp.Name())
	return haul.NewFSSessionStore(dir, comp)
}

// sweepLoop periodically fails expired sessions so their store uploads are
// released instead of accumulating parts forever.
func sweepLoop(ctx context.Context, coord *haul.Coordinator, logger *slog.Logger) {
	interval := envDuration("HAUL_SWEEP_INTERVAL", 5*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := coord.SweepExpired(ctx)
			if err != nil {
				logger.Error("sweeping expired sessions", "error", err)
				continue
			}
			if swept > 0 {
				logger.Info("swept expired sessions", "count", swept)
			}
		}
	}
}

// envDuration parses a duration from the environment, falling back to def
// when unset. A malformed value is fatal.
func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Error("invalid duration", "key", key, "value", raw)
		os.Exit(1)
	}
	return d
}
