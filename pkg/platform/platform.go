// Package platform defines the uniform publish contract every external
// service adapter implements, plus the closed set of supported platforms.
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crosspost/pkg/media"
)

// Platform identifies one external service.
type Platform string

const (
	X         Platform = "x"
	YouTube   Platform = "youtube"
	Discord   Platform = "discord"
	Reddit    Platform = "reddit"
	Instagram Platform = "instagram"
	Telegram  Platform = "telegram"
)

var known = []Platform{X, YouTube, Discord, Reddit, Instagram, Telegram}

// All returns every supported platform in a stable order.
func All() []Platform {
	return append([]Platform(nil), known...)
}

// Parse maps a platform tag to its enumerated value. "twitter" is accepted
// for X.
func Parse(raw string) (Platform, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if tag == "twitter" {
		return X, nil
	}
	for _, p := range known {
		if string(p) == tag {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", raw)
}

// Valid reports whether p is one of the enumerated platforms.
func (p Platform) Valid() bool {
	for _, candidate := range known {
		if candidate == p {
			return true
		}
	}
	return false
}

func (p Platform) String() string {
	return string(p)
}

// Credentials is the token material stored for one connected account.
// SecondaryToken and SecondaryTokenSecret hold a second signing identity for
// platforms that upload media under a different protocol.
type Credentials struct {
	AccessToken          string    `json:"access_token"`
	RefreshToken         string    `json:"refresh_token,omitempty"`
	SecondaryToken       string    `json:"secondary_token,omitempty"`
	SecondaryTokenSecret string    `json:"secondary_token_secret,omitempty"`
	ExpiresAt            time.Time `json:"expires_at,omitzero"`
}

// CanRefresh reports whether a refresh token is available.
func (c Credentials) CanRefresh() bool {
	return strings.TrimSpace(c.RefreshToken) != ""
}

// HasSecondary reports whether the secondary token pair is present.
func (c Credentials) HasSecondary() bool {
	return c.SecondaryToken != "" && c.SecondaryTokenSecret != ""
}

// Account is one connected external account.
type Account struct {
	ID          string      `json:"id"`
	Platform    Platform    `json:"platform"`
	ExternalID  string      `json:"external_id,omitempty"`
	Handle      string      `json:"handle,omitempty"`
	Credentials Credentials `json:"credentials"`
	ConnectedAt time.Time   `json:"connected_at,omitzero"`
}

// Options carries opaque per-platform publish settings such as a title or a
// privacy level.
type Options map[string]string

// Get returns the trimmed value for key.
func (o Options) Get(key string) string {
	if o == nil {
		return ""
	}
	return strings.TrimSpace(o[key])
}

// OptionDestination is the Options key that selects a destination when the
// target itself carries no override.
const OptionDestination = "destination"

// Content is the authored post handed to an adapter.
type Content struct {
	Text  string
	Media []*media.Asset
}

// PublishInput is everything an adapter needs for one delivery.
type PublishInput struct {
	Account     Account
	Content     Content
	Destination string
	Options     Options
}

// Result identifies the remote object created by a delivery.
type Result struct {
	RemoteID string
	URL      string
}

// Policy declares the constraints an adapter places on content. MaxMedia
// of zero means the platform takes no media.
type Policy struct {
	RequiresMedia       bool
	RequiresDestination bool
	MaxMedia            int
	MaxTextRunes        int
	AcceptImages        bool
	AcceptVideos        bool
}

// Adapter is the uniform publish contract implemented once per platform.
type Adapter interface {
	Platform() Platform
	Policy() Policy
	Publish(ctx context.Context, in PublishInput) (Result, error)
}

// Refresher is implemented by adapters whose platform can exchange a refresh
// token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, creds Credentials) (Credentials, error)
}

// DestinationResolver picks a default destination when a target supplies none.
type DestinationResolver interface {
	DefaultDestination(ctx context.Context, account Account) (string, error)
}
