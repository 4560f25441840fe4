// Package channelcache resolves the destination channels visible to a
// connected account, caching listings per account.
package channelcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"crosspost/pkg/platform"
)

const (
	defaultTTL          = 5 * time.Minute
	defaultFetchTimeout = 15 * time.Second
)

// ErrNoChannels is returned when a listing has no visible channel left after
// filtering.
var ErrNoChannels = errors.New("no visible channel")

// Channel is one postable destination.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Topic string `json:"topic,omitempty"`
}

// Listing is what a live fetch returns.
type Listing struct {
	GuildName string
	Channels  []Channel
}

// Entry is one cached listing.
type Entry struct {
	AccountID string    `json:"accountId"`
	GuildName string    `json:"guildName"`
	Channels  []Channel `json:"channels"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Resolution is the answer to a Resolve call. Exactly one of Cached and
// FreshlyFetched is set.
type Resolution struct {
	Channels       []Channel
	GuildName      string
	Cached         bool
	FreshlyFetched bool
	Stale          bool
	FetchedAt      time.Time
}

// AccessError reports that the integration cannot see any channel for an
// account. It is distinct from a listing with zero channels.
type AccessError struct {
	AccountID      string
	Reason         string
	RemediationURL string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("missing channel access for account %s: %s", e.AccountID, e.Reason)
}

// Fetcher lists channels live from the platform.
type Fetcher interface {
	FetchChannels(ctx context.Context, accountID string) (Listing, error)
}

// Store persists entries. Get reports found=false for a missing entry.
type Store interface {
	Get(ctx context.Context, accountID string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, accountID string) error
}

// Hooks observe cache decisions.
type Hooks struct {
	OnHit   func(accountID string)
	OnMiss  func(accountID string)
	OnStale func(accountID string)
	OnError func(accountID string)
}

// Options configures a Cache.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	Filter       Filter
	Hooks        Hooks
}

// Cache is a read-through channel cache with at most one live fetch in flight
// per account.
type Cache struct {
	fetcher Fetcher
	store   Store
	opts    Options
	sf      singleflight.Group
	now     func() time.Time
	log     *slog.Logger
}

// New creates a cache.
func New(fetcher Fetcher, store Store, opts Options, log *slog.Logger) (*Cache, error) {
	if fetcher == nil {
		return nil, errors.New("channel cache requires a fetcher")
	}
	if store == nil {
		return nil, errors.New("channel cache requires a store")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Cache{
		fetcher: fetcher,
		store:   store,
		opts:    opts,
		now:     time.Now,
		log:     log.With("component", "channelcache"),
	}, nil
}

// Resolve returns the channels for accountID. A fresh entry is served unless
// forceRefresh is set; otherwise a live fetch runs, and when it fails any
// existing entry is served instead. Missing access is never masked.
func (c *Cache) Resolve(ctx context.Context, accountID string, forceRefresh bool) (Resolution, error) {
	entry, found, err := c.store.Get(ctx, accountID)
	if err != nil {
		c.log.Warn("Channel cache read failed", "account_id", accountID, "error", err)
		found = false
	}

	if found && !forceRefresh && c.now().Sub(entry.FetchedAt) < c.opts.TTL {
		hook(c.opts.Hooks.OnHit, accountID)
		return c.resolution(entry, true, false), nil
	}
	hook(c.opts.Hooks.OnMiss, accountID)

	fresh, err := c.fetch(ctx, accountID)
	if err == nil {
		return c.resolution(fresh, false, false), nil
	}

	var accessErr *AccessError
	if errors.As(err, &accessErr) || !found || ctx.Err() != nil {
		hook(c.opts.Hooks.OnError, accountID)
		return Resolution{}, err
	}

	hook(c.opts.Hooks.OnStale, accountID)
	c.log.Warn("Serving stale channel listing", "account_id", accountID, "fetched_at", entry.FetchedAt, "error", err)
	return c.resolution(entry, true, true), nil
}

// Invalidate drops the cached entry for accountID.
func (c *Cache) Invalidate(ctx context.Context, accountID string) error {
	if err := c.store.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("invalidate channels for %s: %w", accountID, err)
	}
	return nil
}

// DefaultDestination picks the first visible channel. It lets the cache act
// as a destination resolver for channel-based platforms.
func (c *Cache) DefaultDestination(ctx context.Context, account platform.Account) (string, error) {
	res, err := c.Resolve(ctx, account.ID, false)
	if err != nil {
		return "", err
	}
	if len(res.Channels) == 0 {
		return "", &platform.Failure{Kind: platform.KindValidationFailed, Detail: "no visible channel to post to", Err: ErrNoChannels}
	}
	return res.Channels[0].ID, nil
}

// fetch performs the live fetch through singleflight. The shared fetch runs
// detached from any single caller's cancellation; each caller still stops
// waiting when its own context ends.
func (c *Cache) fetch(ctx context.Context, accountID string) (Entry, error) {
	ch := c.sf.DoChan(accountID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()

		listing, err := c.fetcher.FetchChannels(fetchCtx, accountID)
		if err != nil {
			return Entry{}, err
		}

		entry := Entry{
			AccountID: accountID,
			GuildName: listing.GuildName,
			Channels:  append([]Channel(nil), listing.Channels...),
			FetchedAt: c.now(),
		}
		if err := c.store.Put(fetchCtx, entry); err != nil {
			c.log.Warn("Channel cache write failed", "account_id", accountID, "error", err)
		}
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

func (c *Cache) resolution(entry Entry, cached, stale bool) Resolution {
	return Resolution{
		Channels:       c.opts.Filter.Apply(entry.Channels),
		GuildName:      entry.GuildName,
		Cached:         cached,
		FreshlyFetched: !cached,
		Stale:          stale,
		FetchedAt:      entry.FetchedAt,
	}
}

func hook(fn func(string), accountID string) {
	if fn != nil {
		fn(accountID)
	}
}
