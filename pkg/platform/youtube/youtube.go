// Package youtube implements the YouTube adapter: one video per post,
// uploaded through a resumable session.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"crosspost/pkg/config"
	"crosspost/pkg/oauth"
	"crosspost/pkg/platform"
	"crosspost/pkg/upload"
)

const (
	defaultUploadURL = "https://www.googleapis.com/upload/youtube/v3/videos?uploadType=resumable&part=snippet,status"
	defaultTokenURL  = "https://oauth2.googleapis.com/token"

	maxTitleRunes       = 100
	maxDescriptionRunes = 5000
)

// Option keys read from per-platform options.
const (
	OptionTitle      = "title"
	OptionPrivacy    = "privacy"
	OptionCategoryID = "category_id"
)

var privacyLevels = map[string]bool{"public": true, "unlisted": true, "private": true}

// Adapter publishes videos to YouTube.
type Adapter struct {
	api       *platform.Transport
	uploader  upload.Uploader
	refresher *oauth.Refresher
	uploadURL string
	privacy   string
	log       *slog.Logger
}

// New creates the adapter.
func New(cfg config.YouTubeConfig, uploader upload.Uploader, client *http.Client, log *slog.Logger) (*Adapter, error) {
	if uploader == nil {
		return nil, errors.New("youtube adapter requires an uploader")
	}
	privacy := strings.ToLower(strings.TrimSpace(cfg.DefaultPrivacy))
	if privacy == "" {
		privacy = "public"
	}
	if !privacyLevels[privacy] {
		return nil, fmt.Errorf("unsupported youtube privacy %q", cfg.DefaultPrivacy)
	}
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		api:       platform.NewTransport(platform.YouTube, client, cfg.RateLimitPerSecond, ParseError),
		uploader:  uploader,
		uploadURL: cfg.UploadURL,
		privacy:   privacy,
		log:       log.With("component", "platform.youtube"),
	}
	if a.uploadURL == "" {
		a.uploadURL = defaultUploadURL
	}

	if cfg.ClientID != "" {
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = defaultTokenURL
		}
		refresher, err := oauth.NewRefresher(platform.YouTube, oauth.RefreshConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
		}, client)
		if err != nil {
			return nil, err
		}
		a.refresher = refresher
	}
	return a, nil
}

func (a *Adapter) Platform() platform.Platform { return platform.YouTube }

func (a *Adapter) Policy() platform.Policy {
	return platform.Policy{RequiresMedia: true, MaxMedia: 1, MaxTextRunes: maxDescriptionRunes, AcceptVideos: true}
}

// Refresh implements platform.Refresher.
func (a *Adapter) Refresh(ctx context.Context, creds platform.Credentials) (platform.Credentials, error) {
	if a.refresher == nil {
		return platform.Credentials{}, platform.NewFailure(platform.KindRequiresReconnect, "youtube token refresh is not configured")
	}
	return a.refresher.Refresh(ctx, creds)
}

type videoMetadata struct {
	Snippet struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		CategoryID  string `json:"categoryId,omitempty"`
	} `json:"snippet"`
	Status struct {
		PrivacyStatus string `json:"privacyStatus"`
	} `json:"status"`
}

func (a *Adapter) Publish(ctx context.Context, in platform.PublishInput) (platform.Result, error) {
	if len(in.Content.Media) == 0 {
		return platform.Result{}, platform.NewFailure(platform.KindValidationFailed, "youtube requires a video")
	}
	video := in.Content.Media[0]
	if !video.IsVideo() {
		return platform.Result{}, platform.NewFailure(platform.KindMediaUnsupported, fmt.Sprintf("youtube accepts video only, got %s", video.MIMEType))
	}

	meta, err := a.metadata(in, video.Name)
	if err != nil {
		return platform.Result{}, err
	}

	token := in.Account.Credentials.AccessToken
	id, err := a.uploader.Upload(ctx, video.Bytes(), video.MIMEType, upload.Target{
		Protocol: upload.ProtocolResumable,
		Endpoint: a.uploadURL,
		Client:   a.api,
		Scheme:   platform.SchemeBearer,
		Metadata: meta,
		IDField:  "id",
		Auth: upload.AuthorizerFunc(func(req *http.Request, _ url.Values) error {
			oauth.Bearer(req, token)
			return nil
		}),
	})
	if err != nil {
		return platform.Result{}, fmt.Errorf("upload video: %w", err)
	}

	a.log.Debug("video uploaded", "account_id", in.Account.ID, "video_id", id, "privacy", meta.Status.PrivacyStatus)
	return platform.Result{RemoteID: id, URL: "https://www.youtube.com/watch?v=" + id}, nil
}

func (a *Adapter) metadata(in platform.PublishInput, fallbackTitle string) (videoMetadata, error) {
	var meta videoMetadata

	title := in.Options.Get(OptionTitle)
	if title == "" {
		title = platform.FirstLine(in.Content.Text, maxTitleRunes)
	}
	if title == "" {
		title = strings.TrimSuffix(fallbackTitle, path.Ext(fallbackTitle))
	}
	meta.Snippet.Title = platform.FirstLine(title, maxTitleRunes)
	meta.Snippet.Description = strings.TrimSpace(in.Content.Text)
	meta.Snippet.CategoryID = in.Options.Get(OptionCategoryID)

	privacy := strings.ToLower(in.Options.Get(OptionPrivacy))
	if privacy == "" {
		privacy = a.privacy
	}
	if !privacyLevels[privacy] {
		return meta, platform.NewFailure(platform.KindValidationFailed, fmt.Sprintf("unsupported youtube privacy %q", privacy))
	}
	meta.Status.PrivacyStatus = privacy
	return meta, nil
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// ParseError reads the Google API error envelope; the first reason is the code.
func ParseError(body []byte) (string, string) {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	code := ""
	if len(parsed.Error.Errors) > 0 {
		code = parsed.Error.Errors[0].Reason
	}
	return code, parsed.Error.Message
}
