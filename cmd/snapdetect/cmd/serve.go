package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/config"
	"github.com/MeKo-Tech/snapdetect/internal/server"
	"github.com/MeKo-Tech/snapdetect/internal/version"
	"github.com/spf13/cobra"
)

const bytesPerMB = 1024 * 1024

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the upload page and detection API",
	Long: `Start an HTTP server with a browser upload page and a detection API.

The model is loaded once in the background; uploads made before it is ready
are previewed immediately and detected as soon as loading finishes.

The server provides the following endpoints:
  GET  /         - Upload page
  GET  /ws       - WebSocket upload session
  POST /detect   - One-shot detection (json, text or overlay)
  GET  /health   - Health check endpoint
  GET  /models   - Model status and known model files
  GET  /metrics  - Prometheus metrics

Examples:
  snapdetect serve
  snapdetect serve --port 8080
  snapdetect serve --host 0.0.0.0 --port 3000 --rate-limit-enabled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		applyServeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		loader, err := newModelLoader(cfg)
		if err != nil {
			return fmt.Errorf("failed to configure model: %w", err)
		}
		loader.Start(ctx)

		serverConfig, err := buildServerConfig(cfg)
		if err != nil {
			return err
		}
		detectServer, err := server.NewServer(serverConfig, loader)
		if err != nil {
			return fmt.Errorf("failed to initialize server: %w", err)
		}

		mux := http.NewServeMux()
		detectServer.SetupRoutes(mux)

		host, port := cfg.Server.Host, cfg.Server.Port
		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			slog.Info("Starting detection server", "host", host, "port", port, "backend", loader.Backend())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server shutdown completed")
		}

		cancel()
		if err := loader.Close(); err != nil {
			slog.Error("Model cleanup error", "error", err)
		}

		slog.Info("Graceful shutdown completed")
		return nil
	},
}

// applyServeFlags copies explicitly set flags over the loaded configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-upload-size") {
		cfg.Decode.MaxUploadMB, _ = flags.GetInt("max-upload-size")
	}
	if flags.Changed("timeout") {
		cfg.Server.TimeoutSec, _ = flags.GetInt("timeout")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = flags.GetInt("shutdown-timeout")
	}
	if flags.Changed("backend") {
		cfg.Model.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("model") {
		cfg.Model.ModelPath, _ = flags.GetString("model")
	}
	if flags.Changed("rate-limit-enabled") {
		cfg.Server.RateLimit.Enabled, _ = flags.GetBool("rate-limit-enabled")
	}
	if flags.Changed("requests-per-minute") {
		cfg.Server.RateLimit.RequestsPerMinute, _ = flags.GetInt("requests-per-minute")
	}
	if flags.Changed("requests-per-hour") {
		cfg.Server.RateLimit.RequestsPerHour, _ = flags.GetInt("requests-per-hour")
	}
	if flags.Changed("max-requests-per-day") {
		cfg.Server.RateLimit.MaxRequestsPerDay, _ = flags.GetInt("max-requests-per-day")
	}
	if flags.Changed("max-data-per-day") {
		cfg.Server.RateLimit.MaxDataPerDayMB, _ = flags.GetInt("max-data-per-day")
	}
}

// buildServerConfig maps the application configuration onto the server's.
func buildServerConfig(cfg *config.Config) (server.Config, error) {
	style, err := cfg.ToOverlayStyle()
	if err != nil {
		return server.Config{}, err
	}
	rl := cfg.Server.RateLimit
	return server.Config{
		CORSOrigin:     cfg.Server.CORSOrigin,
		MaxUploadBytes: int64(cfg.Decode.MaxUploadMB) * bytesPerMB,
		TimeoutSec:     cfg.Server.TimeoutSec,
		ModelsDir:      cfg.ModelsDir,
		Version:        version.Version,
		DecoderOptions: cfg.ToDecoderOptions(),
		Style:          style,
		RateLimit: server.RateLimitConfig{
			Enabled:           rl.Enabled,
			RequestsPerMinute: rl.RequestsPerMinute,
			RequestsPerHour:   rl.RequestsPerHour,
			MaxRequestsPerDay: rl.MaxRequestsPerDay,
			MaxDataPerDay:     int64(rl.MaxDataPerDayMB) * bytesPerMB,
		},
	}, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 30, "one-shot detection timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().String("backend", "onnx", "model backend (onnx, remote)")
	serveCmd.Flags().String("model", "", "override detection model path")
	// Rate limiting flags
	serveCmd.Flags().Bool("rate-limit-enabled", false, "enable rate limiting")
	serveCmd.Flags().Int("requests-per-minute", 60, "maximum uploads per minute per client")
	serveCmd.Flags().Int("requests-per-hour", 1000, "maximum uploads per hour per client")
	serveCmd.Flags().Int("max-requests-per-day", 5000, "maximum uploads per day per client")
	serveCmd.Flags().Int("max-data-per-day", 1024, "maximum upload volume per day per client (MB)")
}
