// Package x implements the X (formerly Twitter) adapter. Posts go through
// the v2 API with an OAuth2 bearer token; media is uploaded through the v1.1
// three-phase endpoint signed with the account's OAuth1.0a token pair.
package x

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"crosspost/pkg/config"
	"crosspost/pkg/media"
	"crosspost/pkg/oauth"
	"crosspost/pkg/platform"
	"crosspost/pkg/upload"
)

const (
	defaultAPIBaseURL   = "https://api.twitter.com"
	defaultUploadURL    = "https://upload.twitter.com/1.1/media/upload.json"
	defaultTokenURL     = "https://api.twitter.com/2/oauth2/token"
	defaultOAuthBaseURL = "https://api.twitter.com"

	maxTextRunes = 280
)

// Adapter publishes to X.
type Adapter struct {
	api       *platform.Transport
	uploader  upload.Uploader
	signer    *oauth.Signer
	refresher *oauth.Refresher
	flow      *oauth.ThreeLegged
	apiBase   string
	uploadURL string
	log       *slog.Logger
}

// New creates the adapter. Consumer credentials are optional; without them
// media uploads and the connect flow are unavailable.
func New(cfg config.XConfig, uploader upload.Uploader, client *http.Client, log *slog.Logger) (*Adapter, error) {
	if uploader == nil {
		return nil, errors.New("x adapter requires an uploader")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		api:       platform.NewTransport(platform.X, client, cfg.RateLimitPerSecond, ParseError),
		uploader:  uploader,
		apiBase:   strings.TrimRight(orDefault(cfg.APIBaseURL, defaultAPIBaseURL), "/"),
		uploadURL: orDefault(cfg.UploadURL, defaultUploadURL),
		log:       log.With("component", "platform.x"),
	}

	if cfg.ConsumerKey != "" || cfg.ConsumerSecret != "" {
		signer, err := oauth.NewSigner(cfg.ConsumerKey, cfg.ConsumerSecret)
		if err != nil {
			return nil, fmt.Errorf("x signer: %w", err)
		}
		a.signer = signer
		flow, err := oauth.NewThreeLegged(signer, a.api, oauth.XEndpoints(orDefault(cfg.OAuthBaseURL, defaultOAuthBaseURL)))
		if err != nil {
			return nil, fmt.Errorf("x connect flow: %w", err)
		}
		a.flow = flow
	}

	if cfg.ClientID != "" {
		refresher, err := oauth.NewRefresher(platform.X, oauth.RefreshConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     orDefault(cfg.TokenURL, defaultTokenURL),
			BasicAuth:    cfg.ClientSecret != "",
		}, client)
		if err != nil {
			return nil, err
		}
		a.refresher = refresher
	}

	return a, nil
}

func (a *Adapter) Platform() platform.Platform { return platform.X }

func (a *Adapter) Policy() platform.Policy {
	return platform.Policy{MaxMedia: media.MaxAssets, MaxTextRunes: maxTextRunes, AcceptImages: true, AcceptVideos: true}
}

// ConnectFlow returns the OAuth1.0a flow that authorizes media uploads, or
// nil when consumer credentials are missing.
func (a *Adapter) ConnectFlow() *oauth.ThreeLegged {
	return a.flow
}

// Refresh implements platform.Refresher.
func (a *Adapter) Refresh(ctx context.Context, creds platform.Credentials) (platform.Credentials, error) {
	if a.refresher == nil {
		return platform.Credentials{}, platform.NewFailure(platform.KindRequiresReconnect, "x token refresh is not configured")
	}
	return a.refresher.Refresh(ctx, creds)
}

type tweetRequest struct {
	Text  string      `json:"text,omitempty"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

func (a *Adapter) Publish(ctx context.Context, in platform.PublishInput) (platform.Result, error) {
	mediaIDs, err := a.uploadMedia(ctx, in.Account, in.Content.Media)
	if err != nil {
		return platform.Result{}, err
	}

	payload := tweetRequest{Text: strings.TrimSpace(in.Content.Text)}
	if len(mediaIDs) > 0 {
		payload.Media = &tweetMedia{MediaIDs: mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return platform.Result{}, fmt.Errorf("encode tweet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return platform.Result{}, fmt.Errorf("build tweet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	oauth.Bearer(req, in.Account.Credentials.AccessToken)

	var resp tweetResponse
	if err := a.api.DoJSON(req, platform.SchemeBearer, &resp); err != nil {
		return platform.Result{}, fmt.Errorf("create tweet: %w", err)
	}
	if resp.Data.ID == "" {
		return platform.Result{}, errors.New("create tweet: response carried no id")
	}

	a.log.Debug("tweet created", "account_id", in.Account.ID, "tweet_id", resp.Data.ID, "media", len(mediaIDs))
	return platform.Result{RemoteID: resp.Data.ID, URL: statusURL(in.Account.Handle, resp.Data.ID)}, nil
}

// uploadMedia uploads every asset concurrently and returns ids in asset
// order. APPENDs for one media id stay sequential inside the engine.
func (a *Adapter) uploadMedia(ctx context.Context, account platform.Account, assets []*media.Asset) ([]string, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	if a.signer == nil {
		return nil, platform.NewFailure(platform.KindValidationFailed, "x media upload needs consumer credentials")
	}
	if !account.Credentials.HasSecondary() {
		return nil, platform.NewFailure(platform.KindRequiresReconnect, "x media upload is not authorized for this account; reconnect to grant it")
	}

	creds := account.Credentials
	auth := upload.AuthorizerFunc(func(req *http.Request, params url.Values) error {
		return a.signer.Sign(req, params, creds.SecondaryToken, creds.SecondaryTokenSecret)
	})

	ids := make([]string, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		g.Go(func() error {
			id, err := a.uploader.Upload(gctx, asset.Bytes(), asset.MIMEType, upload.Target{
				Protocol: upload.ProtocolThreePhase,
				Endpoint: a.uploadURL,
				Client:   a.api,
				Auth:     auth,
				Scheme:   platform.SchemeOAuth1,
				Category: Category(asset.MIMEType),
			})
			if err != nil {
				return fmt.Errorf("upload %s: %w", asset.Name, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Category maps a content type to the upload media_category.
func Category(mimeType string) string {
	switch {
	case mimeType == "image/gif":
		return "tweet_gif"
	case strings.HasPrefix(mimeType, "video/"):
		return "tweet_video"
	default:
		return "tweet_image"
	}
}

func statusURL(handle, id string) string {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return "https://x.com/i/web/status/" + id
	}
	return "https://x.com/" + handle + "/status/" + id
}

type errorBody struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Errors []struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	} `json:"errors"`
	Error string `json:"error"`
}

// ParseError reads both the v2 problem format and the v1.1 errors array.
func ParseError(body []byte) (string, string) {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	if len(parsed.Errors) > 0 {
		first := parsed.Errors[0]
		code := first.Code.String()
		if _, err := strconv.Atoi(code); err != nil {
			code = ""
		}
		if first.Message != "" {
			return code, first.Message
		}
	}
	if parsed.Detail != "" {
		return "", parsed.Detail
	}
	if parsed.Title != "" {
		return "", parsed.Title
	}
	return "", parsed.Error
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
