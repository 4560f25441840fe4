// Package upload moves media bytes to platforms that require a separate
// upload step before a post can reference them.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"crosspost/pkg/platform"
)

// Protocol selects the upload variant for a target.
type Protocol string

const (
	ProtocolThreePhase Protocol = "three_phase"
	ProtocolResumable  Protocol = "resumable"
)

// Authorizer signs one upload request. params holds the url-encoded body
// parameters, nil for requests without a form body.
type Authorizer interface {
	Authorize(req *http.Request, params url.Values) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(req *http.Request, params url.Values) error

func (f AuthorizerFunc) Authorize(req *http.Request, params url.Values) error {
	return f(req, params)
}

// Doer sends an upload request through a platform transport.
type Doer interface {
	Do(req *http.Request, scheme platform.AuthScheme) (*platform.Response, error)
}

// Target describes where and how one asset is uploaded.
type Target struct {
	Protocol Protocol
	Endpoint string
	Client   Doer
	Auth     Authorizer
	Scheme   platform.AuthScheme

	// Category is sent as media_category on three-phase INIT.
	Category string
	// Metadata is the JSON body of the resumable session request.
	Metadata any
	// IDField names the media id in the final resumable response; "id" by default.
	IDField string
}

// Uploader uploads one asset and returns the platform media id.
type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType string, target Target) (string, error)
}

// PhaseHook observes every upload phase call.
type PhaseHook func(protocol Protocol, phase string)

// Options tunes the engine.
type Options struct {
	SmallFileThreshold int64
	ChunkSize          int
	MaxStatusPolls     int
	OnPhase            PhaseHook
}

// Engine dispatches to the protocol variant named by the target.
type Engine struct {
	threePhase *ThreePhase
	resumable  *Resumable
}

// NewEngine creates an engine with both variants.
func NewEngine(opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "upload.engine")
	return &Engine{
		threePhase: NewThreePhase(opts, log),
		resumable:  NewResumable(opts, log),
	}
}

// Upload implements Uploader.
func (e *Engine) Upload(ctx context.Context, data []byte, mimeType string, target Target) (string, error) {
	if len(data) == 0 {
		return "", platform.NewFailure(platform.KindValidationFailed, "media payload is empty")
	}
	if target.Client == nil || target.Endpoint == "" {
		return "", errors.New("upload target requires a client and an endpoint")
	}

	switch target.Protocol {
	case ProtocolThreePhase:
		return e.threePhase.Upload(ctx, data, mimeType, target)
	case ProtocolResumable:
		return e.resumable.Upload(ctx, data, mimeType, target)
	default:
		return "", fmt.Errorf("unsupported upload protocol %q", target.Protocol)
	}
}

// withPhase tags a platform API error with the failing phase.
func withPhase(err error, phase string) error {
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) && apiErr.Phase == "" {
		apiErr.Phase = phase
	}
	return err
}

func authorize(target Target, req *http.Request, params url.Values) error {
	if target.Auth == nil {
		return nil
	}
	if err := target.Auth.Authorize(req, params); err != nil {
		return fmt.Errorf("authorize upload: %w", err)
	}
	return nil
}

// keyedMutex serializes work per key. Entries are dropped once no holder or
// waiter references them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
