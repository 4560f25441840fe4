package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"crosspost/pkg/bus"
	"crosspost/pkg/channelcache"
	"crosspost/pkg/config"
	"crosspost/pkg/gateway"
	"crosspost/pkg/mediahost"
	"crosspost/pkg/platform"
	"crosspost/pkg/platform/discord"
	"crosspost/pkg/platform/instagram"
	"crosspost/pkg/platform/reddit"
	"crosspost/pkg/platform/telegram"
	"crosspost/pkg/platform/x"
	"crosspost/pkg/platform/youtube"
	"crosspost/pkg/publish"
	"crosspost/pkg/store"
	"crosspost/pkg/store/postgres"
	"crosspost/pkg/telemetry"
	"crosspost/pkg/upload"
)

const (
	flushTimeout   = 2 * time.Second
	redisRetention = 7 * 24 * time.Hour
)

// runtime holds everything one process needs to publish.
type runtime struct {
	cfg *config.Config
	log *slog.Logger

	accounts     store.TokenStore
	registry     *platform.Registry
	orchestrator *publish.Orchestrator
	channels     *channelcache.Cache
	connect      gateway.ConnectFlow
	gatherer     prometheus.Gatherer
	reporter     telemetry.Reporter
	events       *bus.Bus
	checks       map[string]gateway.Check

	closers []func() error
}

func newRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log, checks: map[string]gateway.Check{}}
	if err := rt.build(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build(ctx context.Context) error {
	cfg := rt.cfg

	reporter, err := telemetry.NewReporter(cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("configure error reporting: %w", err)
	}
	rt.reporter = reporter

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	rt.gatherer = reg

	if err := rt.openStore(ctx); err != nil {
		return err
	}

	var host mediahost.Host
	if cfg.MediaHost.Enabled {
		minio, err := mediahost.NewMinIO(cfg.MediaHost, rt.log)
		if err != nil {
			return fmt.Errorf("configure media host: %w", err)
		}
		host = minio
	}

	uploader := upload.NewEngine(upload.Options{
		SmallFileThreshold: cfg.Upload.SmallFileThresholdBytes,
		ChunkSize:          cfg.Upload.ChunkSizeBytes,
		MaxStatusPolls:     cfg.Upload.MaxStatusPolls,
		OnPhase: func(protocol upload.Protocol, phase string) {
			metrics.UploadPhase(string(protocol), phase)
		},
	}, rt.log)

	adapters, discordAdapter, err := rt.enabledAdapters(uploader, host, &http.Client{})
	if err != nil {
		return err
	}
	registry, err := platform.NewRegistry(adapters...)
	if err != nil {
		return err
	}
	rt.registry = registry

	destinations := map[platform.Platform]platform.DestinationResolver{}
	if discordAdapter != nil {
		cache, err := rt.channelCache(discordAdapter, metrics)
		if err != nil {
			return err
		}
		rt.channels = cache
		destinations[platform.Discord] = cache
	}

	rt.events = bus.New()
	orchestrator, err := publish.New(cfg.Publish, publish.Deps{
		Registry:     registry,
		Store:        rt.accounts,
		Destinations: destinations,
		Metrics:      metrics,
		Reporter:     reporter,
		Bus:          rt.events,
	}, rt.log)
	if err != nil {
		return err
	}
	rt.orchestrator = orchestrator
	return nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	switch rt.cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, rt.cfg.Store.DatabaseURL)
		if err != nil {
			return err
		}
		rt.accounts = pg
		rt.closers = append(rt.closers, pg.Close)
		rt.checks["store"] = pg.Ping
	default:
		if path := strings.TrimSpace(rt.cfg.Store.AccountsFile); path != "" {
			mem, err := store.LoadMemory(path)
			if err != nil {
				return err
			}
			rt.accounts = mem
			return nil
		}
		rt.log.Warn("No accounts file configured; starting with an empty account store")
		rt.accounts = store.NewMemory()
	}
	return nil
}

// enabledAdapters builds one adapter per enabled platform. The Discord
// adapter is returned separately because it also feeds the channel cache.
func (rt *runtime) enabledAdapters(uploader upload.Uploader, host mediahost.Host, client *http.Client) ([]platform.Adapter, *discord.Adapter, error) {
	p := rt.cfg.Platforms
	adapters := make([]platform.Adapter, 0, 6)
	var discordAdapter *discord.Adapter

	if p.X.Enabled {
		adapter, err := x.New(p.X, uploader, client, rt.log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s: %w", platform.X, err)
		}
		if flow := adapter.ConnectFlow(); flow != nil {
			rt.connect = flow
		}
		adapters = append(adapters, adapter)
	}
	if p.YouTube.Enabled {
		adapter, err := youtube.New(p.YouTube, uploader, client, rt.log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s: %w", platform.YouTube, err)
		}
		adapters = append(adapters, adapter)
	}
	if p.Discord.Enabled {
		adapter, err := discord.New(p.Discord, client, rt.log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s: %w", platform.Discord, err)
		}
		discordAdapter = adapter
		adapters = append(adapters, adapter)
	}
	if p.Reddit.Enabled {
		adapter, err := reddit.New(p.Reddit, host, client, rt.log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s: %w", platform.Reddit, err)
		}
		adapters = append(adapters, adapter)
	}
	if p.Instagram.Enabled {
		adapter, err := instagram.New(p.Instagram, host, client, rt.log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s: %w", platform.Instagram, err)
		}
		adapters = append(adapters, adapter)
	}
	if p.Telegram.Enabled {
		adapter, err := telegram.New(p.Telegram, rt.log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s: %w", platform.Telegram, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, nil, errors.New("no platforms are enabled")
	}
	return adapters, discordAdapter, nil
}

func (rt *runtime) channelCache(adapter *discord.Adapter, metrics *telemetry.Metrics) (*channelcache.Cache, error) {
	cc := rt.cfg.ChannelCache

	var entries channelcache.Store
	switch cc.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cc.RedisAddr, Password: cc.RedisPassword, DB: cc.RedisDB})
		rt.closers = append(rt.closers, client.Close)
		rt.checks["channel_cache"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		redisStore, err := channelcache.NewRedisStore(client, cc.KeyPrefix, redisRetention)
		if err != nil {
			return nil, err
		}
		entries = redisStore
	default:
		memStore, err := channelcache.NewMemoryStore(cc.MaxEntries)
		if err != nil {
			return nil, err
		}
		entries = memStore
	}

	fetcher, err := discord.NewChannelFetcher(adapter, rt.accounts)
	if err != nil {
		return nil, err
	}
	return channelcache.New(fetcher, entries, channelcache.Options{
		TTL: time.Duration(cc.TTLSeconds) * time.Second,
		Filter: channelcache.Filter{
			DenySubstrings:    cc.DenySubstrings,
			HideRules:         cc.HideRules,
			HideAnnouncements: cc.HideAnnouncements,
		},
		Hooks: channelcache.Hooks{
			OnHit:   func(string) { metrics.CacheLookup("hit") },
			OnMiss:  func(string) { metrics.CacheLookup("miss") },
			OnStale: func(string) { metrics.CacheLookup("stale") },
			OnError: func(string) { metrics.CacheLookup("error") },
		},
	}, rt.log)
}

// gatewayDeps exposes the runtime to the HTTP gateway.
func (rt *runtime) gatewayDeps() gateway.Deps {
	deps := gateway.Deps{
		Publisher: rt.orchestrator,
		Accounts:  rt.accounts,
		Connect:   rt.connect,
		Gatherer:  rt.gatherer,
		Reporter:  rt.reporter,
		Checks:    rt.checks,
	}
	if rt.channels != nil {
		deps.Channels = rt.channels
	}
	return deps
}

// Close releases connections in reverse order of opening.
func (rt *runtime) Close() {
	if rt.events != nil {
		rt.events.Close()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("Close failed", "error", err)
		}
	}
	rt.closers = nil
	if rt.reporter != nil {
		rt.reporter.Flush(flushTimeout)
	}
}
