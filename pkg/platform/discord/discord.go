// Package discord implements the Discord adapter. Messages are sent by the
// installed bot into a guild text channel.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"crosspost/pkg/config"
	"crosspost/pkg/platform"
)

const (
	defaultAPIBaseURL        = "https://discord.com/api/v10"
	defaultInvitePermissions = "51200"

	maxTextRunes = 2000

	codeMissingAccess = "50001"
	codeUnknownGuild  = "10004"
)

// Discord channel types that accept messages.
const (
	channelTypeText         = 0
	channelTypeAnnouncement = 5
)

// Accounts looks up connected accounts.
type Accounts interface {
	Account(ctx context.Context, accountID string) (platform.Account, error)
}

// Adapter publishes messages to Discord.
type Adapter struct {
	api         *platform.Transport
	apiBase     string
	botToken    string
	appID       string
	permissions string
	log         *slog.Logger
}

// New creates the adapter.
func New(cfg config.DiscordConfig, client *http.Client, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("platforms.discord.bot_token is required")
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		api:         platform.NewTransport(platform.Discord, client, cfg.RateLimitPerSecond, ParseError),
		apiBase:     strings.TrimRight(cfg.APIBaseURL, "/"),
		botToken:    strings.TrimSpace(cfg.BotToken),
		appID:       cfg.ApplicationID,
		permissions: cfg.InvitePermissions,
		log:         log.With("component", "platform.discord"),
	}
	if a.apiBase == "" {
		a.apiBase = defaultAPIBaseURL
	}
	if a.permissions == "" {
		a.permissions = defaultInvitePermissions
	}
	return a, nil
}

func (a *Adapter) Platform() platform.Platform { return platform.Discord }

func (a *Adapter) Policy() platform.Policy {
	return platform.Policy{RequiresDestination: true, MaxMedia: 4, MaxTextRunes: maxTextRunes, AcceptImages: true, AcceptVideos: true}
}

type messagePayload struct {
	Content     string       `json:"content,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

type messageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func (a *Adapter) Publish(ctx context.Context, in platform.PublishInput) (platform.Result, error) {
	channelID := strings.TrimSpace(in.Destination)
	if channelID == "" {
		return platform.Result{}, platform.NewFailure(platform.KindValidationFailed, "discord needs a destination channel")
	}

	req, err := a.messageRequest(ctx, channelID, in.Content)
	if err != nil {
		return platform.Result{}, err
	}
	a.authorize(req)

	var resp messageResponse
	if err := a.api.DoJSON(req, platform.SchemeBot, &resp); err != nil {
		return platform.Result{}, fmt.Errorf("send discord message: %w", err)
	}
	if resp.ID == "" {
		return platform.Result{}, errors.New("send discord message: response carried no id")
	}

	a.log.Debug("message sent", "account_id", in.Account.ID, "channel_id", channelID, "message_id", resp.ID)
	return platform.Result{
		RemoteID: resp.ID,
		URL:      fmt.Sprintf("https://discord.com/channels/%s/%s/%s", in.Account.ExternalID, channelID, resp.ID),
	}, nil
}

func (a *Adapter) messageRequest(ctx context.Context, channelID string, content platform.Content) (*http.Request, error) {
	endpoint := a.apiBase + "/channels/" + url.PathEscape(channelID) + "/messages"
	payload := messagePayload{Content: strings.TrimSpace(content.Text)}

	if len(content.Media) == 0 {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode discord message: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build discord message: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	for i, asset := range content.Media {
		payload.Attachments = append(payload.Attachments, attachment{ID: i, Filename: asset.Name})
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode discord message: %w", err)
	}
	if err := writer.WriteField("payload_json", string(encoded)); err != nil {
		return nil, fmt.Errorf("write payload_json: %w", err)
	}
	for i, asset := range content.Media {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename=%q`, i, asset.Name))
		header.Set("Content-Type", asset.MIMEType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write(asset.Bytes()); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", asset.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("build discord message: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

func (a *Adapter) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bot "+a.botToken)
}

// InviteURL is the bot install link for a guild.
func (a *Adapter) InviteURL(guildID string) string {
	if a.appID == "" {
		return ""
	}
	q := url.Values{
		"client_id":   {a.appID},
		"scope":       {"bot"},
		"permissions": {a.permissions},
	}
	if guildID != "" {
		q.Set("guild_id", guildID)
		q.Set("disable_guild_select", "true")
	}
	return "https://discord.com/oauth2/authorize?" + q.Encode()
}

type errorBody struct {
	Code    json.Number `json:"code"`
	Message string      `json:"message"`
}

// ParseError reads the Discord {"code", "message"} error body.
func ParseError(body []byte) (string, string) {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	code := parsed.Code.String()
	if code == "0" {
		code = ""
	}
	return code, parsed.Message
}
