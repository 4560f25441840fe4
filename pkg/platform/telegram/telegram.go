// Package telegram implements the Telegram adapter. Each account carries its
// own bot token and posts into one chat or channel.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mymmrac/telego"
	ta "github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"crosspost/pkg/config"
	"crosspost/pkg/media"
	"crosspost/pkg/platform"
)

const (
	maxTextRunes    = 4096
	maxCaptionRunes = 1024

	// maxBots bounds the number of bot clients kept between posts.
	maxBots = 256
)

// Sender is the part of the Bot API the adapter calls.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendVideo(ctx context.Context, params *telego.SendVideoParams) (*telego.Message, error)
	SendMediaGroup(ctx context.Context, params *telego.SendMediaGroupParams) ([]telego.Message, error)
}

// BotFactory creates a sender for one bot token.
type BotFactory func(token string) (Sender, error)

// Adapter publishes to Telegram chats.
type Adapter struct {
	newBot BotFactory
	mu     sync.Mutex
	bots   *lru.Cache[string, Sender]
	log    *slog.Logger
}

// New creates the adapter backed by telego bots.
func New(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if server := strings.TrimSpace(cfg.APIServer); server != "" {
		opts = append(opts, telego.WithAPIServer(server))
	}
	return NewWithFactory(func(token string) (Sender, error) {
		bot, err := telego.NewBot(token, opts...)
		if err != nil {
			return nil, err
		}
		return bot, nil
	}, log)
}

// NewWithFactory creates the adapter with a custom bot factory.
func NewWithFactory(factory BotFactory, log *slog.Logger) (*Adapter, error) {
	if factory == nil {
		return nil, errors.New("telegram adapter requires a bot factory")
	}
	if log == nil {
		log = slog.Default()
	}
	bots, err := lru.New[string, Sender](maxBots)
	if err != nil {
		return nil, fmt.Errorf("create bot lru: %w", err)
	}
	return &Adapter{
		newBot: factory,
		bots:   bots,
		log:    log.With("component", "platform.telegram"),
	}, nil
}

func (a *Adapter) Platform() platform.Platform { return platform.Telegram }

func (a *Adapter) Policy() platform.Policy {
	return platform.Policy{MaxMedia: media.MaxAssets, MaxTextRunes: maxTextRunes, AcceptImages: true, AcceptVideos: true}
}

// DefaultDestination implements platform.DestinationResolver: the chat the
// bot was connected to.
func (a *Adapter) DefaultDestination(_ context.Context, account platform.Account) (string, error) {
	if chat := strings.TrimSpace(account.ExternalID); chat != "" {
		return chat, nil
	}
	return "", platform.NewFailure(platform.KindValidationFailed, "telegram account has no chat id")
}

func (a *Adapter) Publish(ctx context.Context, in platform.PublishInput) (platform.Result, error) {
	chat, err := ChatID(in.Destination)
	if err != nil {
		return platform.Result{}, err
	}
	bot, err := a.bot(in.Account.Credentials.AccessToken)
	if err != nil {
		return platform.Result{}, err
	}

	text := strings.TrimSpace(in.Content.Text)
	caption := text
	if utf8.RuneCountInString(text) > maxCaptionRunes {
		caption = ""
	}

	var first *telego.Message
	switch assets := in.Content.Media; {
	case len(assets) == 0:
		first, err = bot.SendMessage(ctx, tu.Message(chat, text))
	case len(assets) == 1 && assets[0].IsVideo():
		first, err = bot.SendVideo(ctx, tu.Video(chat, inputFile(assets[0])).WithCaption(caption))
	case len(assets) == 1:
		first, err = bot.SendPhoto(ctx, tu.Photo(chat, inputFile(assets[0])).WithCaption(caption))
	default:
		var sent []telego.Message
		sent, err = bot.SendMediaGroup(ctx, tu.MediaGroup(chat, mediaGroup(assets, caption)...))
		if err == nil && len(sent) > 0 {
			first = &sent[0]
		}
	}
	if err != nil {
		return platform.Result{}, fmt.Errorf("send telegram post: %w", apiError(err))
	}
	if first == nil {
		return platform.Result{}, errors.New("send telegram post: no message returned")
	}

	id := strconv.Itoa(first.MessageID)
	if len(in.Content.Media) > 0 && caption == "" && text != "" {
		if _, err := bot.SendMessage(ctx, tu.Message(chat, text)); err != nil {
			// The media is live; running Publish again would post it twice.
			return platform.Result{}, &platform.Failure{
				Kind:   platform.KindUnknown,
				Detail: fmt.Sprintf("media posted as message %s; follow-up text failed: %v", id, apiError(err)),
				Err:    err,
			}
		}
	}

	a.log.Debug("post sent", "account_id", in.Account.ID, "chat", in.Destination, "message_id", id)
	return platform.Result{RemoteID: id, URL: messageURL(first)}, nil
}

func (a *Adapter) bot(token string) (Sender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, platform.NewFailure(platform.KindRequiresReconnect, "telegram account has no bot token")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots.Get(token); ok {
		return bot, nil
	}
	bot, err := a.newBot(token)
	if err != nil {
		// telego rejects malformed tokens before any call is made.
		return nil, &platform.Failure{Kind: platform.KindRequiresReconnect, Detail: "telegram bot token is invalid", Err: err}
	}
	a.bots.Add(token, bot)
	return bot, nil
}

// ChatID parses a numeric chat id or a public @username.
func ChatID(raw string) (telego.ChatID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return telego.ChatID{}, platform.NewFailure(platform.KindValidationFailed, "telegram needs a chat id")
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return tu.ID(id), nil
	}
	if !strings.HasPrefix(raw, "@") {
		raw = "@" + raw
	}
	return tu.Username(raw), nil
}

func inputFile(asset *media.Asset) telego.InputFile {
	return tu.File(tu.NameReader(bytes.NewReader(asset.Bytes()), asset.Name))
}

func mediaGroup(assets []*media.Asset, caption string) []telego.InputMedia {
	items := make([]telego.InputMedia, 0, len(assets))
	for i, asset := range assets {
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		if asset.IsVideo() {
			items = append(items, tu.MediaVideo(inputFile(asset)).WithCaption(itemCaption))
			continue
		}
		items = append(items, tu.MediaPhoto(inputFile(asset)).WithCaption(itemCaption))
	}
	return items
}

func messageURL(msg *telego.Message) string {
	if msg.Chat.Username == "" {
		return ""
	}
	return fmt.Sprintf("https://t.me/%s/%d", msg.Chat.Username, msg.MessageID)
}

// apiError converts a Bot API error into *platform.APIError and keeps any
// other error untouched.
func apiError(err error) error {
	var botErr *ta.Error
	if !errors.As(err, &botErr) {
		return err
	}
	out := &platform.APIError{
		Platform: platform.Telegram,
		Status:   botErr.ErrorCode,
		Message:  botErr.Description,
		Scheme:   platform.SchemeBot,
	}
	if botErr.Parameters != nil && botErr.Parameters.RetryAfter > 0 {
		out.RetryAfter = time.Duration(botErr.Parameters.RetryAfter) * time.Second
	}
	return out
}
