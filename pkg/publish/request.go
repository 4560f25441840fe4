package publish

import (
	"errors"
	"fmt"
	"time"

	"crosspost/pkg/media"
	"crosspost/pkg/platform"
)

// MaxMedia is the most media assets one post may carry.
const MaxMedia = 4

// ErrNotDue is returned for a request scheduled in the future. Nothing is
// delivered; the caller's scheduler submits it again once due.
var ErrNotDue = errors.New("post is not due yet")

// AccountRef selects one connected account. Platform may be left empty and
// is then taken from the stored account.
type AccountRef struct {
	AccountID           string            `json:"accountId"`
	Platform            platform.Platform `json:"platform,omitempty"`
	DestinationOverride string            `json:"destinationOverride,omitempty"`
}

// Request is one authored post and the accounts it goes to. Media is owned
// by the request and released once every pipeline finished.
type Request struct {
	Content         string
	Media           []*media.Asset
	Targets         []AccountRef
	ScheduledAt     *time.Time
	PlatformOptions map[platform.Platform]platform.Options
}

func (r Request) options(p platform.Platform) platform.Options {
	if r.PlatformOptions == nil {
		return nil
	}
	return r.PlatformOptions[p]
}

// ValidationError rejects a malformed request before any delivery starts.
type ValidationError struct {
	AccountID string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.AccountID == "" {
		return "invalid post: " + e.Reason
	}
	return fmt.Sprintf("invalid post for account %s: %s", e.AccountID, e.Reason)
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Selection is the account and destination choice a client keeps between
// sessions. It is plain data; storing it is up to the client.
type Selection struct {
	AccountIDs []string `json:"accountIds"`
	// Destinations is keyed by account id or platform tag. An account key
	// wins over a platform key.
	Destinations map[string]string `json:"destinations,omitempty"`
}

// Targets turns the selection into account refs. Platform-keyed destinations
// are applied later through the platform's options, once the account's
// platform is known.
func (s Selection) Targets() []AccountRef {
	out := make([]AccountRef, 0, len(s.AccountIDs))
	for _, id := range s.AccountIDs {
		out = append(out, AccountRef{AccountID: id, DestinationOverride: s.Destinations[id]})
	}
	return out
}

// PlatformOptions returns the platform-keyed destinations as options.
func (s Selection) PlatformOptions() map[platform.Platform]platform.Options {
	out := map[platform.Platform]platform.Options{}
	for key, dest := range s.Destinations {
		p, err := platform.Parse(key)
		if err != nil || dest == "" {
			continue
		}
		out[p] = platform.Options{platform.OptionDestination: dest}
	}
	return out
}
