// Package mediahost publishes media assets at public URLs for platforms that
// pull media by URL instead of accepting uploads.
package mediahost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"crosspost/pkg/config"
	"crosspost/pkg/media"
)

const defaultURLExpiry = time.Hour

// ErrNoPublicURL is returned by Share when no public base url is configured.
var ErrNoPublicURL = errors.New("media host has no public base url")

// Hosted is an asset reachable at URL until the link expires or the object
// is removed.
type Hosted struct {
	URL    string
	Object string
}

// Host publishes assets at public URLs. Publish links expire and suit
// platforms that copy the media; Share links are permanent and suit link
// posts.
type Host interface {
	Publish(ctx context.Context, prefix string, asset *media.Asset) (Hosted, error)
	Share(ctx context.Context, prefix string, asset *media.Asset) (Hosted, error)
	Remove(ctx context.Context, object string) error
}

// MinIO stores assets in one bucket and hands out presigned GET links, or
// unsigned links under a public base url.
type MinIO struct {
	client     *minio.Client
	bucket     string
	expiry     time.Duration
	publicBase string
	now        func() time.Time
	log        *slog.Logger
}

// NewMinIO creates a MinIO-backed host from configuration.
func NewMinIO(cfg config.MediaHostConfig, log *slog.Logger) (*MinIO, error) {
	if !cfg.Enabled {
		return nil, errors.New("media host is disabled")
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("media host requires an endpoint and a bucket")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	expiry := time.Duration(cfg.URLExpirySeconds) * time.Second
	if expiry <= 0 {
		expiry = defaultURLExpiry
	}
	if log == nil {
		log = slog.Default()
	}
	return &MinIO{
		client:     client,
		bucket:     cfg.Bucket,
		expiry:     expiry,
		publicBase: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		now:        time.Now,
		log:        log.With("component", "mediahost.minio"),
	}, nil
}

// Publish stores asset under prefix and returns a presigned URL for it.
func (m *MinIO) Publish(ctx context.Context, prefix string, asset *media.Asset) (Hosted, error) {
	object, err := m.put(ctx, prefix, asset)
	if err != nil {
		return Hosted{}, err
	}

	link, err := m.client.PresignedGetObject(ctx, m.bucket, object, m.expiry, url.Values{})
	if err != nil {
		return Hosted{}, fmt.Errorf("presign media %s: %w", asset.Name, err)
	}
	return Hosted{URL: link.String(), Object: object}, nil
}

// Share stores asset under prefix and returns its unsigned URL under the
// public base url.
func (m *MinIO) Share(ctx context.Context, prefix string, asset *media.Asset) (Hosted, error) {
	if m.publicBase == "" {
		return Hosted{}, ErrNoPublicURL
	}
	object, err := m.put(ctx, prefix, asset)
	if err != nil {
		return Hosted{}, err
	}

	link, err := url.JoinPath(m.publicBase, object)
	if err != nil {
		return Hosted{}, fmt.Errorf("build public url for %s: %w", asset.Name, err)
	}
	return Hosted{URL: link, Object: object}, nil
}

func (m *MinIO) put(ctx context.Context, prefix string, asset *media.Asset) (string, error) {
	data := asset.Bytes()
	if len(data) == 0 {
		return "", fmt.Errorf("media %s has no payload", asset.Name)
	}

	object := ObjectName(prefix, asset.Name, m.now())
	_, err := m.client.PutObject(ctx, m.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: asset.MIMEType,
		UserMetadata: map[string]string{
			"original-filename": asset.Name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("store media %s: %w", asset.Name, err)
	}
	m.log.Debug("media hosted", "object", object, "bytes", len(data))
	return object, nil
}

// Remove deletes a hosted object.
func (m *MinIO) Remove(ctx context.Context, object string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove media %s: %w", object, err)
	}
	return nil
}

// ObjectName builds a collision-free object key for an asset.
func ObjectName(prefix, name string, at time.Time) string {
	ext := strings.ToLower(path.Ext(name))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "media"
	}
	return fmt.Sprintf("%s/%d/%02d/%s%s", prefix, at.Year(), at.Month(), uuid.NewString(), ext)
}
