package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crosspost/pkg/platform"
)

const (
	defaultSmallFileThreshold = 5 << 20
	defaultChunkSize          = 4 << 20
	defaultMaxStatusPolls     = 20
	defaultCheckAfter         = 2 * time.Second
)

// ThreePhase implements the INIT / APPEND / FINALIZE media upload, with a
// single-shot path for small files and STATUS polling for processed media.
type ThreePhase struct {
	threshold int64
	chunkSize int
	maxPolls  int
	onPhase   PhaseHook
	locks     *keyedMutex
	sleep     func(ctx context.Context, d time.Duration) error
	log       *slog.Logger
}

// NewThreePhase creates the three-phase variant.
func NewThreePhase(opts Options, log *slog.Logger) *ThreePhase {
	if opts.SmallFileThreshold <= 0 {
		opts.SmallFileThreshold = defaultSmallFileThreshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.MaxStatusPolls <= 0 {
		opts.MaxStatusPolls = defaultMaxStatusPolls
	}
	if log == nil {
		log = slog.Default()
	}
	return &ThreePhase{
		threshold: opts.SmallFileThreshold,
		chunkSize: opts.ChunkSize,
		maxPolls:  opts.MaxStatusPolls,
		onPhase:   opts.OnPhase,
		locks:     newKeyedMutex(),
		sleep:     sleepContext,
		log:       log,
	}
}

type mediaResponse struct {
	MediaID        json.Number     `json:"media_id"`
	MediaIDString  string          `json:"media_id_string"`
	ProcessingInfo *processingInfo `json:"processing_info,omitempty"`
}

type processingInfo struct {
	State          string `json:"state"`
	CheckAfterSecs int    `json:"check_after_secs"`
	Error          *struct {
		Code    int    `json:"code"`
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r mediaResponse) id() string {
	if r.MediaIDString != "" {
		return r.MediaIDString
	}
	return r.MediaID.String()
}

// Upload implements Uploader for the three-phase protocol.
func (t *ThreePhase) Upload(ctx context.Context, data []byte, mimeType string, target Target) (string, error) {
	if int64(len(data)) <= t.threshold {
		return t.single(ctx, data, target)
	}

	mediaID, err := t.init(ctx, len(data), mimeType, target)
	if err != nil {
		return "", err
	}

	if err := t.appendAll(ctx, mediaID, data, target); err != nil {
		return "", err
	}

	info, err := t.finalize(ctx, mediaID, target)
	if err != nil {
		return "", err
	}
	if err := t.await(ctx, mediaID, info, target); err != nil {
		return "", err
	}
	return mediaID, nil
}

func (t *ThreePhase) single(ctx context.Context, data []byte, target Target) (string, error) {
	form := url.Values{"media_data": {base64.StdEncoding.EncodeToString(data)}}
	if target.Category != "" {
		form.Set("media_category", target.Category)
	}

	var resp mediaResponse
	if err := t.post(ctx, "UPLOAD", form, target, &resp); err != nil {
		return "", err
	}
	if resp.id() == "" {
		return "", platform.NewFailure(platform.KindUnknown, "upload response carried no media id")
	}
	return resp.id(), nil
}

func (t *ThreePhase) init(ctx context.Context, total int, mimeType string, target Target) (string, error) {
	form := url.Values{
		"command":     {"INIT"},
		"total_bytes": {strconv.Itoa(total)},
		"media_type":  {mimeType},
	}
	if target.Category != "" {
		form.Set("media_category", target.Category)
	}

	var resp mediaResponse
	if err := t.post(ctx, "INIT", form, target, &resp); err != nil {
		return "", err
	}
	if resp.id() == "" {
		return "", platform.NewFailure(platform.KindUnknown, "upload INIT carried no media id")
	}
	return resp.id(), nil
}

// appendAll sends every chunk in order. The per-media lock guarantees no
// two APPENDs against one media id are ever in flight together.
func (t *ThreePhase) appendAll(ctx context.Context, mediaID string, data []byte, target Target) error {
	unlock := t.locks.Lock(mediaID)
	defer unlock()

	for segment, offset := 0, 0; offset < len(data); segment++ {
		end := min(offset+t.chunkSize, len(data))
		form := url.Values{
			"command":       {"APPEND"},
			"media_id":      {mediaID},
			"segment_index": {strconv.Itoa(segment)},
			"media_data":    {base64.StdEncoding.EncodeToString(data[offset:end])},
		}
		if err := t.post(ctx, "APPEND", form, target, nil); err != nil {
			t.log.Warn("Upload append failed", "media_id", mediaID, "segment", segment, "error", err)
			return err
		}
		offset = end
	}
	return nil
}

func (t *ThreePhase) finalize(ctx context.Context, mediaID string, target Target) (*processingInfo, error) {
	form := url.Values{"command": {"FINALIZE"}, "media_id": {mediaID}}

	var resp mediaResponse
	if err := t.post(ctx, "FINALIZE", form, target, &resp); err != nil {
		return nil, err
	}
	return resp.ProcessingInfo, nil
}

// await polls STATUS while the platform is still processing the media.
func (t *ThreePhase) await(ctx context.Context, mediaID string, info *processingInfo, target Target) error {
	for polls := 0; ; polls++ {
		if info == nil || info.State == "succeeded" || info.State == "" {
			return nil
		}
		if info.State == "failed" {
			detail := "media processing failed"
			if info.Error != nil && info.Error.Message != "" {
				detail = info.Error.Message
			}
			return platform.NewFailure(platform.KindMediaUnsupported, detail)
		}
		if polls >= t.maxPolls {
			return &platform.Failure{Kind: platform.KindUnknown, Detail: "media processing did not finish", Retryable: true}
		}

		wait := defaultCheckAfter
		if info.CheckAfterSecs > 0 {
			wait = time.Duration(info.CheckAfterSecs) * time.Second
		}
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}

		next, err := t.status(ctx, mediaID, target)
		if err != nil {
			return err
		}
		info = next
	}
}

func (t *ThreePhase) status(ctx context.Context, mediaID string, target Target) (*processingInfo, error) {
	query := url.Values{"command": {"STATUS"}, "media_id": {mediaID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if err := authorize(target, req, nil); err != nil {
		return nil, err
	}

	t.observe("STATUS")
	resp, err := target.Client.Do(req, target.Scheme)
	if err != nil {
		return nil, withPhase(err, "STATUS")
	}

	var decoded mediaResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode upload STATUS: %w", err)
	}
	return decoded.ProcessingInfo, nil
}

func (t *ThreePhase) post(ctx context.Context, phase string, form url.Values, target Target, out *mediaResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := authorize(target, req, form); err != nil {
		return err
	}

	t.observe(phase)
	resp, err := target.Client.Do(req, target.Scheme)
	if err != nil {
		return withPhase(err, phase)
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode upload %s: %w", phase, err)
	}
	return nil
}

func (t *ThreePhase) observe(phase string) {
	if t.onPhase != nil {
		t.onPhase(ProtocolThreePhase, phase)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
