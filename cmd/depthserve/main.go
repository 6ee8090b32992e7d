// Command depthserve runs the reference depth service: synthetic depth
// frames over QUIC with production-shaped flow control and telemetry.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voxelview/depthstream/certs"
	"github.com/voxelview/depthstream/server"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated", "fingerprint", cert.FingerprintBase64())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srv, err := server.New(server.Config{
		Addr:       envOr("DEPTH_ADDR", ":4469"),
		Cert:       cert,
		Width:      envInt("DEPTH_WIDTH", 640),
		Height:     envInt("DEPTH_HEIGHT", 360),
		FPS:        float64(envInt("DEPTH_FPS", 30)),
		Workers:    envInt("DEPTH_WORKERS", 3),
		InferDelay: time.Duration(envInt("DEPTH_INFER_MS", 40)) * time.Millisecond,
		Compress:   os.Getenv("DEPTH_COMPRESS") != "",
	})
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring non-numeric env value", "key", key, "value", v)
	}
	return fallback
}
