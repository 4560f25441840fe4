// Package reddit implements the Reddit adapter: self posts, or link posts to
// an image hosted at a permanent url.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"crosspost/pkg/config"
	"crosspost/pkg/mediahost"
	"crosspost/pkg/oauth"
	"crosspost/pkg/platform"
)

const (
	defaultAPIBaseURL = "https://oauth.reddit.com"
	defaultTokenURL   = "https://www.reddit.com/api/v1/access_token"

	maxTitleRunes = 300
	maxTextRunes  = 40000
)

// OptionTitle overrides the post title.
const OptionTitle = "title"

// Adapter submits posts to Reddit.
type Adapter struct {
	api       *platform.Transport
	apiBase   string
	refresher *oauth.Refresher
	host      mediahost.Host
	log       *slog.Logger
}

// New creates the adapter. host may be nil; posts carrying media are then
// rejected.
func New(cfg config.RedditConfig, host mediahost.Host, client *http.Client, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, errors.New("platforms.reddit.user_agent is required")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		api:     platform.NewTransport(platform.Reddit, client, cfg.RateLimitPerSecond, ParseError).WithUserAgent(cfg.UserAgent),
		apiBase: strings.TrimRight(cfg.APIBaseURL, "/"),
		host:    host,
		log:     log.With("component", "platform.reddit"),
	}
	if a.apiBase == "" {
		a.apiBase = defaultAPIBaseURL
	}

	if cfg.ClientID != "" {
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = defaultTokenURL
		}
		refresher, err := oauth.NewRefresher(platform.Reddit, oauth.RefreshConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			BasicAuth:    true,
		}, client)
		if err != nil {
			return nil, err
		}
		a.refresher = refresher
	}
	return a, nil
}

func (a *Adapter) Platform() platform.Platform { return platform.Reddit }

func (a *Adapter) Policy() platform.Policy {
	if a.host == nil {
		return platform.Policy{RequiresDestination: true, MaxTextRunes: maxTextRunes}
	}
	return platform.Policy{RequiresDestination: true, MaxMedia: 4, MaxTextRunes: maxTextRunes, AcceptImages: true}
}

// Refresh implements platform.Refresher.
func (a *Adapter) Refresh(ctx context.Context, creds platform.Credentials) (platform.Credentials, error) {
	if a.refresher == nil {
		return platform.Credentials{}, platform.NewFailure(platform.KindRequiresReconnect, "reddit token refresh is not configured")
	}
	return a.refresher.Refresh(ctx, creds)
}

// DefaultDestination implements platform.DestinationResolver: the account's
// own profile subreddit.
func (a *Adapter) DefaultDestination(_ context.Context, account platform.Account) (string, error) {
	handle := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(account.Handle), "u/"), "/u/")
	if handle == "" {
		return "", platform.NewFailure(platform.KindValidationFailed, "reddit account has no username; pick a subreddit")
	}
	return "u_" + handle, nil
}

type submitResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"data"`
	} `json:"json"`
}

func (a *Adapter) Publish(ctx context.Context, in platform.PublishInput) (platform.Result, error) {
	subreddit := Subreddit(in.Destination)
	if subreddit == "" {
		return platform.Result{}, platform.NewFailure(platform.KindValidationFailed, "reddit needs a subreddit")
	}

	title := in.Options.Get(OptionTitle)
	if title == "" {
		title = platform.FirstLine(in.Content.Text, maxTitleRunes)
	}
	if title == "" {
		return platform.Result{}, platform.NewFailure(platform.KindValidationFailed, "reddit posts need a title")
	}

	form := url.Values{
		"api_type": {"json"},
		"sr":       {subreddit},
		"title":    {platform.FirstLine(title, maxTitleRunes)},
	}

	link, err := a.imageLink(ctx, in)
	if err != nil {
		return platform.Result{}, err
	}
	if link != "" {
		form.Set("kind", "link")
		form.Set("url", link)
	} else {
		form.Set("kind", "self")
		form.Set("text", strings.TrimSpace(in.Content.Text))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/api/submit", strings.NewReader(form.Encode()))
	if err != nil {
		return platform.Result{}, fmt.Errorf("build reddit submit: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	oauth.Bearer(req, in.Account.Credentials.AccessToken)

	var resp submitResponse
	if err := a.api.DoJSON(req, platform.SchemeBearer, &resp); err != nil {
		return platform.Result{}, fmt.Errorf("submit reddit post: %w", err)
	}
	if apiErr := inBandError(resp); apiErr != nil {
		return platform.Result{}, fmt.Errorf("submit reddit post: %w", apiErr)
	}

	remoteID := resp.JSON.Data.Name
	if remoteID == "" {
		remoteID = resp.JSON.Data.ID
	}
	if remoteID == "" {
		return platform.Result{}, errors.New("submit reddit post: response carried no id")
	}
	a.log.Debug("post submitted", "account_id", in.Account.ID, "subreddit", subreddit, "post_id", remoteID, "kind", form.Get("kind"))
	return platform.Result{RemoteID: remoteID, URL: resp.JSON.Data.URL}, nil
}

// imageLink hosts the first image and returns its permanent URL. The link
// post stays up after presigned urls would have expired.
func (a *Adapter) imageLink(ctx context.Context, in platform.PublishInput) (string, error) {
	if len(in.Content.Media) == 0 {
		return "", nil
	}
	if a.host == nil {
		return "", platform.NewFailure(platform.KindMediaUnsupported, "reddit media needs a media host")
	}
	if len(in.Content.Media) > 1 {
		a.log.Info("reddit link posts carry one image; extra media dropped", "account_id", in.Account.ID, "dropped", len(in.Content.Media)-1)
	}
	hosted, err := a.host.Share(ctx, "reddit/"+in.Account.ID, in.Content.Media[0])
	if errors.Is(err, mediahost.ErrNoPublicURL) {
		return "", &platform.Failure{Kind: platform.KindMediaUnsupported, Detail: "reddit media needs media_host.public_base_url", Err: err}
	}
	if err != nil {
		return "", fmt.Errorf("host reddit image: %w", err)
	}
	return hosted.URL, nil
}

// Subreddit normalizes "r/name", "/r/name" and "name" to "name".
func Subreddit(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "r/")
	return strings.Trim(name, "/")
}

func inBandError(resp submitResponse) *platform.APIError {
	if len(resp.JSON.Errors) == 0 {
		return nil
	}
	first := resp.JSON.Errors[0]
	apiErr := &platform.APIError{Platform: platform.Reddit, Status: http.StatusOK, Scheme: platform.SchemeBearer}
	if len(first) > 0 {
		apiErr.Code, _ = first[0].(string)
	}
	if len(first) > 1 {
		apiErr.Message, _ = first[1].(string)
	}
	return apiErr
}

type errorBody struct {
	Error   any    `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ParseError reads Reddit's {"message", "error"} error body.
func ParseError(body []byte) (string, string) {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	code := parsed.Reason
	if s, ok := parsed.Error.(string); ok && code == "" {
		code = s
	}
	return code, parsed.Message
}
