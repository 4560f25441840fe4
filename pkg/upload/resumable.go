package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"crosspost/pkg/platform"
)

// Resumable implements the session-based upload: a metadata POST that
// returns the session URL in Location, then one PUT of the full body.
type Resumable struct {
	onPhase PhaseHook
	log     *slog.Logger
}

// NewResumable creates the resumable variant.
func NewResumable(opts Options, log *slog.Logger) *Resumable {
	if log == nil {
		log = slog.Default()
	}
	return &Resumable{onPhase: opts.OnPhase, log: log}
}

// Upload implements Uploader for the resumable protocol.
func (r *Resumable) Upload(ctx context.Context, data []byte, mimeType string, target Target) (string, error) {
	location, err := r.session(ctx, len(data), mimeType, target)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload PUT: %w", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", mimeType)
	if err := authorize(target, req, nil); err != nil {
		return "", err
	}

	r.observe("PUT")
	resp, err := target.Client.Do(req, target.Scheme)
	if err != nil {
		return "", withPhase(err, "PUT")
	}

	id, err := mediaIDFrom(resp.Body, target.IDField)
	if err != nil {
		return "", err
	}
	r.log.Debug("Resumable upload complete", "media_id", id, "bytes", len(data))
	return id, nil
}

func (r *Resumable) session(ctx context.Context, size int, mimeType string, target Target) (string, error) {
	body := []byte("{}")
	if target.Metadata != nil {
		encoded, err := json.Marshal(target.Metadata)
		if err != nil {
			return "", fmt.Errorf("encode upload metadata: %w", err)
		}
		body = encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build upload session: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", mimeType)
	req.Header.Set("X-Upload-Content-Length", strconv.Itoa(size))
	if err := authorize(target, req, nil); err != nil {
		return "", err
	}

	r.observe("SESSION")
	resp, err := target.Client.Do(req, target.Scheme)
	if err != nil {
		return "", withPhase(err, "SESSION")
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", platform.NewFailure(platform.KindUnknown, "upload session response carried no Location header")
	}
	return location, nil
}

func (r *Resumable) observe(phase string) {
	if r.onPhase != nil {
		r.onPhase(ProtocolResumable, phase)
	}
}

func mediaIDFrom(body []byte, field string) (string, error) {
	if field == "" {
		field = "id"
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	switch v := decoded[field].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return "", platform.NewFailure(platform.KindUnknown, fmt.Sprintf("upload response carried no %q", field))
}
