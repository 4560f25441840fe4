// Package media decodes inbound transfer-encoded media into raw assets.
package media

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// MaxAssets is the per-post media limit.
	MaxAssets = 4

	defaultMaxBytes = 512 << 20
)

// Supported lists the content types the codec accepts.
var Supported = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"video/mp4",
	"video/quicktime",
}

// Encoded is one inbound media item: a base64 data URL (or bare base64) with
// the client's declared name and content type.
type Encoded struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

// Asset is a decoded media item owned by one post request.
type Asset struct {
	Name     string
	MIMEType string
	Size     int64

	mu   sync.RWMutex
	data []byte
}

// NewAsset wraps raw bytes as an asset.
func NewAsset(name, mimeType string, data []byte) *Asset {
	return &Asset{Name: name, MIMEType: mimeType, Size: int64(len(data)), data: data}
}

// Bytes returns the raw payload, or nil once released.
func (a *Asset) Bytes() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data
}

// Release drops the payload. Size stays readable.
func (a *Asset) Release() {
	a.mu.Lock()
	a.data = nil
	a.mu.Unlock()
}

// IsImage reports whether the asset is an image.
func (a *Asset) IsImage() bool {
	return strings.HasPrefix(a.MIMEType, "image/")
}

// IsVideo reports whether the asset is a video.
func (a *Asset) IsVideo() bool {
	return strings.HasPrefix(a.MIMEType, "video/")
}

// DecodeError reports an unreadable or disallowed media item.
type DecodeError struct {
	Name   string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Name == "" {
		return "decode media: " + e.Reason
	}
	return fmt.Sprintf("decode media %q: %s", e.Name, e.Reason)
}

// Limits bounds what the codec accepts.
type Limits struct {
	MaxBytes int64
	Allowed  []string
}

// DefaultLimits accepts every supported type up to 512 MiB.
func DefaultLimits() Limits {
	return Limits{MaxBytes: defaultMaxBytes, Allowed: Supported}
}

// Decode turns one encoded item into an asset. The sniffed content type wins
// over the declared one whenever the sniffed type is itself allowed.
func Decode(in Encoded, limits Limits) (*Asset, error) {
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = defaultMaxBytes
	}
	if len(limits.Allowed) == 0 {
		limits.Allowed = Supported
	}

	declared, payload, err := splitDataURL(in.Data)
	if err != nil {
		return nil, &DecodeError{Name: in.Name, Reason: err.Error()}
	}
	if declared == "" {
		declared = normalizeType(in.Type)
	}

	if int64(base64.StdEncoding.DecodedLen(len(payload))) > limits.MaxBytes+3 {
		return nil, &DecodeError{Name: in.Name, Reason: fmt.Sprintf("exceeds %d bytes", limits.MaxBytes)}
	}

	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, &DecodeError{Name: in.Name, Reason: "invalid base64 payload"}
	}
	if len(raw) == 0 {
		return nil, &DecodeError{Name: in.Name, Reason: "empty payload"}
	}
	if int64(len(raw)) > limits.MaxBytes {
		return nil, &DecodeError{Name: in.Name, Reason: fmt.Sprintf("exceeds %d bytes", limits.MaxBytes)}
	}

	mimeType := resolveType(declared, raw, limits.Allowed)
	if !slices.Contains(limits.Allowed, mimeType) {
		return nil, &DecodeError{Name: in.Name, Reason: fmt.Sprintf("unsupported content type %q", mimeType)}
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "media" + extension(mimeType)
	}

	return NewAsset(name, mimeType, raw), nil
}

// DecodeAll decodes every item, failing on the first bad one.
func DecodeAll(items []Encoded, limits Limits) ([]*Asset, error) {
	if len(items) > MaxAssets {
		return nil, &DecodeError{Reason: fmt.Sprintf("at most %d media items are allowed, got %d", MaxAssets, len(items))}
	}
	assets := make([]*Asset, 0, len(items))
	for _, item := range items {
		asset, err := Decode(item, limits)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// EncodeDataURL renders raw bytes as a base64 data URL.
func EncodeDataURL(mimeType string, raw []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// ReleaseAll releases every asset.
func ReleaseAll(assets []*Asset) {
	for _, asset := range assets {
		if asset != nil {
			asset.Release()
		}
	}
}

// splitDataURL separates "data:<type>[;params];base64,<payload>" into its
// declared type and payload. Bare base64 is returned unchanged.
func splitDataURL(data string) (string, string, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", "", fmt.Errorf("empty data")
	}
	if !strings.HasPrefix(data, "data:") {
		return "", data, nil
	}

	header, payload, ok := strings.Cut(strings.TrimPrefix(data, "data:"), ",")
	if !ok {
		return "", "", fmt.Errorf("malformed data url")
	}

	params := strings.Split(header, ";")
	if !slices.Contains(params[1:], "base64") {
		return "", "", fmt.Errorf("data url is not base64 encoded")
	}
	return normalizeType(params[0]), payload, nil
}

func decodeBase64(payload string) ([]byte, error) {
	payload = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, payload)

	if raw, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawStdEncoding.DecodeString(payload); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(payload)
}

func resolveType(declared string, raw []byte, allowed []string) string {
	sniffed := mimetype.Detect(raw)
	if declared != "" && sniffed.Is(declared) {
		return declared
	}
	if base := normalizeType(sniffed.String()); slices.Contains(allowed, base) {
		return base
	}
	if declared == "" {
		return normalizeType(sniffed.String())
	}
	return declared
}

func extension(mimeType string) string {
	if m := mimetype.Lookup(mimeType); m != nil {
		return m.Extension()
	}
	return ""
}

func normalizeType(raw string) string {
	base, _, _ := strings.Cut(raw, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "image/jpg" {
		return "image/jpeg"
	}
	return base
}
