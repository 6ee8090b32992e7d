// Command depthplay exercises the synchronization engine against a
// depth service: it simulates an advancing playback clock, runs the
// prefetch/tuning pipeline, and logs sync health once per second.
package main

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxelview/depthstream/pipeline"
)

// playbackClock simulates video playback: wall-clock driven, looping
// over the stream duration. It stands in for the host player's clock.
type playbackClock struct {
	start      time.Time
	durationMs int64
}

func (c *playbackClock) NowMs() int64 {
	return time.Since(c.start).Milliseconds() % c.durationMs
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var fingerprint [32]byte
	hash := os.Getenv("DEPTH_CERT_HASH")
	if hash == "" {
		slog.Error("DEPTH_CERT_HASH is required (base64 SHA-256 of the server certificate)")
		os.Exit(1)
	}
	raw, err := base64.StdEncoding.DecodeString(hash)
	if err != nil || len(raw) != 32 {
		slog.Error("DEPTH_CERT_HASH must be 32 base64-encoded bytes")
		os.Exit(1)
	}
	copy(fingerprint[:], raw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	clock := &playbackClock{
		start:      time.Now(),
		durationMs: int64(envInt("DEPTH_DURATION_MS", 60000)),
	}

	p, err := pipeline.New(pipeline.Config{
		Addr:            envOr("DEPTH_ADDR", "localhost:4469"),
		FPS:             float64(envInt("DEPTH_FPS", 30)),
		MaxInflight:     envInt("DEPTH_MAX_INFLIGHT", 4),
		LeadMs:          int64(envInt("DEPTH_LEAD_MS", 300)),
		AutoLead:        os.Getenv("DEPTH_AUTO_LEAD") != "0",
		CertFingerprint: fingerprint,
	}, clock)
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			now := clock.NowMs()
			frame := p.FrameAt(ctx, now)
			health, err := p.Snapshot(ctx)
			if err != nil {
				return nil
			}

			synced := frame != nil
			slog.Info("sync health",
				"playback_ms", now,
				"synced", synced,
				"state", health.State,
				"rtt_ms", health.RTT.Milliseconds(),
				"jitter_ms", health.Jitter.Milliseconds(),
				"inflight", health.Inflight,
				"buffered", health.Buffered,
				"lead_ms", health.Tuning.LeadMs,
				"max_inflight", health.Tuning.MaxInflight,
			)
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("pipeline error", "error", err)
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
