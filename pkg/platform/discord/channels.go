package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"crosspost/pkg/channelcache"
	"crosspost/pkg/platform"
)

type guildResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type channelResponse struct {
	ID       string `json:"id"`
	Type     int    `json:"type"`
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	Position int    `json:"position"`
}

// ChannelFetcher lists a guild's postable channels for the channel cache.
type ChannelFetcher struct {
	adapter  *Adapter
	accounts Accounts
}

// NewChannelFetcher creates a fetcher resolving account ids through accounts.
func NewChannelFetcher(adapter *Adapter, accounts Accounts) (*ChannelFetcher, error) {
	if adapter == nil || accounts == nil {
		return nil, errors.New("discord channel fetcher requires an adapter and an account store")
	}
	return &ChannelFetcher{adapter: adapter, accounts: accounts}, nil
}

// FetchChannels implements channelcache.Fetcher. A guild the bot cannot see
// is reported as *channelcache.AccessError carrying the install link.
func (f *ChannelFetcher) FetchChannels(ctx context.Context, accountID string) (channelcache.Listing, error) {
	account, err := f.accounts.Account(ctx, accountID)
	if err != nil {
		return channelcache.Listing{}, err
	}
	if account.Platform != platform.Discord {
		return channelcache.Listing{}, fmt.Errorf("account %s is not a discord account", accountID)
	}
	guildID := account.ExternalID
	if guildID == "" {
		return channelcache.Listing{}, fmt.Errorf("account %s has no guild id", accountID)
	}

	var guild guildResponse
	if err := f.get(ctx, "/guilds/"+url.PathEscape(guildID), &guild); err != nil {
		return channelcache.Listing{}, f.accessError(accountID, guildID, err)
	}

	var raw []channelResponse
	if err := f.get(ctx, "/guilds/"+url.PathEscape(guildID)+"/channels", &raw); err != nil {
		return channelcache.Listing{}, f.accessError(accountID, guildID, err)
	}

	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Position < raw[j].Position })
	channels := make([]channelcache.Channel, 0, len(raw))
	for _, ch := range raw {
		if ch.Type != channelTypeText && ch.Type != channelTypeAnnouncement {
			continue
		}
		channels = append(channels, channelcache.Channel{ID: ch.ID, Name: ch.Name, Topic: ch.Topic})
	}
	return channelcache.Listing{GuildName: guild.Name, Channels: channels}, nil
}

func (f *ChannelFetcher) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.adapter.apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("build discord request: %w", err)
	}
	f.adapter.authorize(req)
	return f.adapter.api.DoJSON(req, platform.SchemeBot, out)
}

// accessError turns a forbidden or unknown-guild response into an
// AccessError. Other failures pass through so the cache can serve stale data.
func (f *ChannelFetcher) accessError(accountID, guildID string, err error) error {
	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	forbidden := apiErr.Status == http.StatusForbidden || apiErr.Code == codeMissingAccess
	unknownGuild := apiErr.Status == http.StatusNotFound && apiErr.Code == codeUnknownGuild
	if !forbidden && !unknownGuild {
		return err
	}
	reason := apiErr.Message
	if reason == "" {
		reason = "bot is not installed in this server"
	}
	return &channelcache.AccessError{
		AccountID:      accountID,
		Reason:         reason,
		RemediationURL: f.adapter.InviteURL(guildID),
	}
}
