package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"crosspost/pkg/channelcache"
	"crosspost/pkg/config"
	"crosspost/pkg/logger"
	"crosspost/pkg/platform"
)

func baseConfig() *config.Config {
	return &config.Config{
		Store:        config.StoreConfig{Driver: "memory"},
		ChannelCache: config.ChannelCacheConfig{Backend: "memory", TTLSeconds: 60, MaxEntries: 16},
	}
}

func TestEnabledAdaptersRequiresAtLeastOnePlatform(t *testing.T) {
	t.Parallel()

	rt := &runtime{cfg: baseConfig(), log: logger.Discard()}
	if _, _, err := rt.enabledAdapters(nil, nil, nil); err == nil {
		t.Fatal("expected error when no platforms are enabled")
	}
}

func TestNewRuntimeWiresEnabledPlatforms(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Platforms.X = config.XConfig{Enabled: true, ConsumerKey: "ck", ConsumerSecret: "cs"}
	cfg.Platforms.Discord = config.DiscordConfig{Enabled: true, BotToken: "bot"}
	cfg.Platforms.Telegram = config.TelegramConfig{Enabled: true}

	rt, err := newRuntime(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("newRuntime error: %v", err)
	}
	defer rt.Close()

	if got := len(rt.registry.Platforms()); got != 3 {
		t.Fatalf("registered platforms = %d, want 3", got)
	}
	if _, err := rt.registry.Adapter(platform.Reddit); err == nil {
		t.Fatal("reddit should not be registered")
	}
	if rt.channels == nil {
		t.Fatal("expected a channel cache when discord is enabled")
	}
	if rt.connect == nil {
		t.Fatal("expected the x connect flow with consumer keys configured")
	}

	deps := rt.gatewayDeps()
	if deps.Publisher == nil || deps.Channels == nil || deps.Gatherer == nil {
		t.Fatalf("gateway deps incomplete: %+v", deps)
	}
	if _, ok := deps.Checks["channel_cache"]; ok {
		t.Fatal("memory cache should not register a readiness check")
	}
}

func TestNewRuntimeRedisChannelCache(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.ChannelCache.Backend = "redis"
	cfg.ChannelCache.RedisAddr = srv.Addr()
	cfg.ChannelCache.KeyPrefix = "test:"
	cfg.Platforms.Discord = config.DiscordConfig{Enabled: true, BotToken: "bot"}

	rt, err := newRuntime(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("newRuntime error: %v", err)
	}
	defer rt.Close()

	check, ok := rt.checks["channel_cache"]
	if !ok {
		t.Fatal("expected a redis readiness check")
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("redis check error: %v", err)
	}

	srv.Close()
	if err := check(context.Background()); err == nil {
		t.Fatal("expected redis check to fail once the server is gone")
	}
}

func TestNewRuntimeRejectsBadPlatformConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Platforms.Discord = config.DiscordConfig{Enabled: true}

	if _, err := newRuntime(context.Background(), cfg, logger.Discard()); err == nil || !strings.Contains(err.Error(), "discord") {
		t.Fatalf("newRuntime error = %v, want a discord configuration error", err)
	}
}

func TestPlatformNames(t *testing.T) {
	t.Parallel()

	if got := platformNames([]platform.Platform{platform.X, platform.Telegram}); got != "x,telegram" {
		t.Fatalf("platformNames = %q, want %q", got, "x,telegram")
	}
}

func TestPrintChannels(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printChannels(&out, channelcache.Resolution{
		GuildName:      "Makers",
		FreshlyFetched: true,
		FetchedAt:      time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Channels: []channelcache.Channel{
			{ID: "1", Name: "general"},
			{ID: "2", Name: "releases", Topic: "ship notes"},
		},
	})

	want := "Makers (fresh, fetched 2026-05-01T10:00:00Z)\n  #general  1\n  #releases  2  ship notes\n"
	if out.String() != want {
		t.Fatalf("printChannels =\n%q\nwant\n%q", out.String(), want)
	}
}
