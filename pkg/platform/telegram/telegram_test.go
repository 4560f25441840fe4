package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	ta "github.com/mymmrac/telego/telegoapi"

	"crosspost/pkg/config"
	"crosspost/pkg/logger"
	"crosspost/pkg/media"
	"crosspost/pkg/platform"
	"crosspost/pkg/publish"
	"crosspost/pkg/store"
)

type fakeBot struct {
	messages []*telego.SendMessageParams
	photos   []*telego.SendPhotoParams
	videos   []*telego.SendVideoParams
	groups   []*telego.SendMediaGroupParams
	err      error
}

func (b *fakeBot) reply(id int) *telego.Message {
	return &telego.Message{MessageID: id, Chat: telego.Chat{ID: -100, Username: "makers"}}
}

func (b *fakeBot) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.messages = append(b.messages, p)
	return b.reply(10 + len(b.messages)), nil
}

func (b *fakeBot) SendPhoto(_ context.Context, p *telego.SendPhotoParams) (*telego.Message, error) {
	b.photos = append(b.photos, p)
	return b.reply(20), nil
}

func (b *fakeBot) SendVideo(_ context.Context, p *telego.SendVideoParams) (*telego.Message, error) {
	b.videos = append(b.videos, p)
	return b.reply(30), nil
}

func (b *fakeBot) SendMediaGroup(_ context.Context, p *telego.SendMediaGroupParams) ([]telego.Message, error) {
	b.groups = append(b.groups, p)
	return []telego.Message{*b.reply(40), *b.reply(41)}, nil
}

func newTestAdapter(t *testing.T, bot *fakeBot) (*Adapter, *int) {
	t.Helper()
	created := 0
	a, err := NewWithFactory(func(token string) (Sender, error) {
		if token == "bad" {
			return nil, errors.New("telego: invalid token")
		}
		created++
		return bot, nil
	}, logger.Discard())
	if err != nil {
		t.Fatalf("NewWithFactory error: %v", err)
	}
	return a, &created
}

func tgInput(text string, assets ...*media.Asset) platform.PublishInput {
	return platform.PublishInput{
		Account:     platform.Account{ID: "tg", Platform: platform.Telegram, ExternalID: "-100", Credentials: platform.Credentials{AccessToken: "123:token"}},
		Destination: "-100",
		Content:     platform.Content{Text: text, Media: assets},
	}
}

func TestPublishText(t *testing.T) {
	bot := &fakeBot{}
	a, created := newTestAdapter(t, bot)

	res, err := a.Publish(context.Background(), tgInput("hello"))
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if res.RemoteID != "11" || res.URL != "https://t.me/makers/11" {
		t.Fatalf("result = %+v", res)
	}
	if bot.messages[0].Text != "hello" || bot.messages[0].ChatID.ID != -100 {
		t.Fatalf("message = %+v", bot.messages[0])
	}

	if _, err := a.Publish(context.Background(), tgInput("again")); err != nil {
		t.Fatalf("second Publish error: %v", err)
	}
	if *created != 1 {
		t.Fatalf("bots created = %d, want one per token", *created)
	}
}

func TestPublishSinglePhotoAndVideo(t *testing.T) {
	bot := &fakeBot{}
	a, _ := newTestAdapter(t, bot)

	if _, err := a.Publish(context.Background(), tgInput("pic", media.NewAsset("a.png", "image/png", []byte("png")))); err != nil {
		t.Fatalf("photo Publish error: %v", err)
	}
	if _, err := a.Publish(context.Background(), tgInput("clip", media.NewAsset("a.mp4", "video/mp4", []byte("mp4")))); err != nil {
		t.Fatalf("video Publish error: %v", err)
	}
	if len(bot.photos) != 1 || bot.photos[0].Caption != "pic" {
		t.Fatalf("photos = %+v", bot.photos)
	}
	if len(bot.videos) != 1 || bot.videos[0].Caption != "clip" {
		t.Fatalf("videos = %+v", bot.videos)
	}
}

func TestPublishMediaGroupCaptionsFirstItem(t *testing.T) {
	bot := &fakeBot{}
	a, _ := newTestAdapter(t, bot)

	res, err := a.Publish(context.Background(), tgInput("album",
		media.NewAsset("a.png", "image/png", []byte("a")),
		media.NewAsset("b.mp4", "video/mp4", []byte("b")),
	))
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if res.RemoteID != "40" {
		t.Fatalf("remote id = %q", res.RemoteID)
	}
	items := bot.groups[0].Media
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	photo, ok := items[0].(*telego.InputMediaPhoto)
	if !ok || photo.Caption != "album" {
		t.Fatalf("first item = %#v", items[0])
	}
	if video, ok := items[1].(*telego.InputMediaVideo); !ok || video.Caption != "" {
		t.Fatalf("second item = %#v", items[1])
	}
}

func TestPublishLongTextFollowsMedia(t *testing.T) {
	bot := &fakeBot{}
	a, _ := newTestAdapter(t, bot)
	long := strings.Repeat("a", maxCaptionRunes+1)

	if _, err := a.Publish(context.Background(), tgInput(long, media.NewAsset("a.png", "image/png", []byte("png")))); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if bot.photos[0].Caption != "" || len(bot.messages) != 1 || bot.messages[0].Text != long {
		t.Fatalf("caption %q, messages %d", bot.photos[0].Caption, len(bot.messages))
	}
}

func TestFollowUpTextFailureDoesNotRepostMedia(t *testing.T) {
	bot := &fakeBot{err: &net.OpError{Op: "write", Net: "tcp", Err: errors.New("connection reset by peer")}}
	a, _ := newTestAdapter(t, bot)
	registry, err := platform.NewRegistry(a)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	tokens := store.NewMemory(tgInput("").Account)
	o, err := publish.New(config.PublishConfig{MaxParallel: 1, PipelineTimeoutSeconds: 5, RetryMaxAttempts: 3}, publish.Deps{
		Registry: registry,
		Store:    tokens,
	}, logger.Discard())
	if err != nil {
		t.Fatalf("publish.New error: %v", err)
	}

	rep, err := o.Publish(context.Background(), publish.Request{
		Content: strings.Repeat("a", maxCaptionRunes+76),
		Media:   []*media.Asset{media.NewAsset("a.png", "image/png", []byte("png"))},
		Targets: []publish.AccountRef{{AccountID: "tg", DestinationOverride: "-100"}},
	})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if len(bot.photos) != 1 {
		t.Fatalf("photo sent %d times, want once", len(bot.photos))
	}
	outcome, _ := rep.Outcome("tg")
	if outcome.Success || outcome.ErrorKind != platform.KindUnknown {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Hint == nil || outcome.Hint.Retryable {
		t.Fatalf("hint = %+v, want non-retryable", outcome.Hint)
	}
	if !strings.Contains(outcome.ErrorDetail, "message 20") {
		t.Fatalf("detail = %q, want the delivered message id", outcome.ErrorDetail)
	}
}

func TestBotsAreBounded(t *testing.T) {
	a, created := newTestAdapter(t, &fakeBot{})
	for i := 0; i <= maxBots; i++ {
		if _, err := a.bot(fmt.Sprintf("%d:token", i)); err != nil {
			t.Fatalf("bot error: %v", err)
		}
	}
	if a.bots.Len() != maxBots {
		t.Fatalf("cached bots = %d, want %d", a.bots.Len(), maxBots)
	}
	if _, err := a.bot("0:token"); err != nil {
		t.Fatalf("bot error: %v", err)
	}
	if *created != maxBots+2 {
		t.Fatalf("bots created = %d, want the evicted token rebuilt", *created)
	}
}

func TestPublishMapsBotAPIError(t *testing.T) {
	bot := &fakeBot{err: fmt.Errorf("telego: sendMessage: api: %w", &ta.Error{
		ErrorCode:   http.StatusTooManyRequests,
		Description: "Too Many Requests: retry after 5",
		Parameters:  &ta.ResponseParameters{RetryAfter: 5},
	})}
	a, _ := newTestAdapter(t, bot)

	_, err := a.Publish(context.Background(), tgInput("x"))
	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.RetryAfter != 5*time.Second || apiErr.Scheme != platform.SchemeBot {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestPublishInvalidToken(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeBot{})
	in := tgInput("x")
	in.Account.Credentials.AccessToken = "bad"

	if _, err := a.Publish(context.Background(), in); platform.KindOf(err) != platform.KindRequiresReconnect {
		t.Fatalf("error = %v, want RequiresReconnect", err)
	}
}

func TestChatID(t *testing.T) {
	id, err := ChatID("-1001234")
	if err != nil || id.ID != -1001234 {
		t.Fatalf("numeric chat = %+v, %v", id, err)
	}
	named, err := ChatID("makers")
	if err != nil || named.Username != "@makers" {
		t.Fatalf("named chat = %+v, %v", named, err)
	}
	if _, err := ChatID(" "); platform.KindOf(err) != platform.KindValidationFailed {
		t.Fatalf("empty chat error = %v", err)
	}
}

func TestDefaultDestination(t *testing.T) {
	a, _ := newTestAdapter(t, &fakeBot{})
	got, err := a.DefaultDestination(context.Background(), platform.Account{ExternalID: "-100"})
	if err != nil || got != "-100" {
		t.Fatalf("DefaultDestination = %q, %v", got, err)
	}
}
