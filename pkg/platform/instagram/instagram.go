// Package instagram implements the Instagram Graph adapter. Instagram pulls
// media by URL, so assets are staged on the media host first.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crosspost/pkg/config"
	"crosspost/pkg/mediahost"
	"crosspost/pkg/oauth"
	"crosspost/pkg/platform"
)

const (
	defaultGraphBaseURL = "https://graph.facebook.com/v19.0"

	maxCaptionRunes = 2200
	cleanupTimeout  = 10 * time.Second
)

// Adapter publishes photo and carousel posts.
type Adapter struct {
	api   *platform.Transport
	graph string
	host  mediahost.Host
	log   *slog.Logger
}

// New creates the adapter.
func New(cfg config.InstagramConfig, host mediahost.Host, client *http.Client, log *slog.Logger) (*Adapter, error) {
	if host == nil {
		return nil, errors.New("instagram adapter requires a media host")
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		api:   platform.NewTransport(platform.Instagram, client, cfg.RateLimitPerSecond, ParseError),
		graph: strings.TrimRight(cfg.GraphBaseURL, "/"),
		host:  host,
		log:   log.With("component", "platform.instagram"),
	}
	if a.graph == "" {
		a.graph = defaultGraphBaseURL
	}
	return a, nil
}

func (a *Adapter) Platform() platform.Platform { return platform.Instagram }

func (a *Adapter) Policy() platform.Policy {
	return platform.Policy{RequiresMedia: true, MaxMedia: 4, MaxTextRunes: maxCaptionRunes, AcceptImages: true}
}

type idResponse struct {
	ID string `json:"id"`
}

func (a *Adapter) Publish(ctx context.Context, in platform.PublishInput) (platform.Result, error) {
	if len(in.Content.Media) == 0 {
		return platform.Result{}, platform.NewFailure(platform.KindValidationFailed, "instagram requires at least one image")
	}
	userID := strings.TrimSpace(in.Account.ExternalID)
	if userID == "" {
		return platform.Result{}, platform.NewFailure(platform.KindRequiresReconnect, "instagram account has no business user id")
	}
	token := in.Account.Credentials.AccessToken

	urls := make([]string, 0, len(in.Content.Media))
	var objects []string
	defer func() { a.cleanup(objects) }()
	for _, asset := range in.Content.Media {
		if !asset.IsImage() {
			return platform.Result{}, platform.NewFailure(platform.KindMediaUnsupported, fmt.Sprintf("instagram accepts images only, got %s", asset.MIMEType))
		}
		hosted, err := a.host.Publish(ctx, "instagram/"+in.Account.ID, asset)
		if err != nil {
			return platform.Result{}, fmt.Errorf("host instagram media: %w", err)
		}
		objects = append(objects, hosted.Object)
		urls = append(urls, hosted.URL)
	}

	caption := strings.TrimSpace(in.Content.Text)
	var container string
	if len(urls) == 1 {
		id, err := a.post(ctx, userID+"/media", token, url.Values{"image_url": {urls[0]}, "caption": {caption}})
		if err != nil {
			return platform.Result{}, fmt.Errorf("create instagram container: %w", err)
		}
		container = id
	} else {
		children := make([]string, 0, len(urls))
		for _, link := range urls {
			id, err := a.post(ctx, userID+"/media", token, url.Values{"image_url": {link}, "is_carousel_item": {"true"}})
			if err != nil {
				return platform.Result{}, fmt.Errorf("create instagram carousel item: %w", err)
			}
			children = append(children, id)
		}
		id, err := a.post(ctx, userID+"/media", token, url.Values{
			"media_type": {"CAROUSEL"},
			"children":   {strings.Join(children, ",")},
			"caption":    {caption},
		})
		if err != nil {
			return platform.Result{}, fmt.Errorf("create instagram carousel: %w", err)
		}
		container = id
	}

	mediaID, err := a.post(ctx, userID+"/media_publish", token, url.Values{"creation_id": {container}})
	if err != nil {
		return platform.Result{}, fmt.Errorf("publish instagram container: %w", err)
	}

	a.log.Debug("media published", "account_id", in.Account.ID, "media_id", mediaID, "items", len(urls))
	return platform.Result{RemoteID: mediaID}, nil
}

func (a *Adapter) post(ctx context.Context, path, token string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.graph+"/"+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	oauth.Bearer(req, token)

	var resp idResponse
	if err := a.api.DoJSON(req, platform.SchemeBearer, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("graph response carried no id")
	}
	return resp.ID, nil
}

// cleanup removes staged objects once the container was created or failed.
// It runs on a detached context so a cancelled request still cleans up.
func (a *Adapter) cleanup(objects []string) {
	if len(objects) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, object := range objects {
		if err := a.host.Remove(ctx, object); err != nil {
			a.log.Warn("failed to remove staged media", "object", object, "error", err)
		}
	}
}

type errorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// ParseError reads the Graph API error envelope.
func ParseError(body []byte) (string, string) {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	code := ""
	if parsed.Error.Code != 0 {
		code = fmt.Sprint(parsed.Error.Code)
	}
	return code, parsed.Error.Message
}
