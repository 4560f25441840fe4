package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"crosspost/pkg/media"
	"crosspost/pkg/platform"
	"crosspost/pkg/publish"
	"crosspost/pkg/store"
)

type postRequest struct {
	Content          string          `json:"content"`
	Platforms        []string        `json:"platforms"`
	SelectedAccounts []string        `json:"selectedAccounts" binding:"required,min=1,dive,required"`
	ScheduledAt      *time.Time      `json:"scheduledAt"`
	Media            []media.Encoded `json:"media" binding:"max=4"`
	// DestinationOverrides is keyed by account id or platform tag.
	DestinationOverrides map[string]string `json:"destinationOverrides"`
	// PlatformOptions carries per-platform settings such as a title.
	PlatformOptions map[string]map[string]string `json:"platformOptions"`
}

type scheduledResponse struct {
	Success     bool      `json:"success"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

func (s *Service) handlePost(c *gin.Context) {
	if s.cfg.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	}

	var body postRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		abortError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	req, err := s.buildRequest(c, body)
	if err != nil {
		var verr *publish.ValidationError
		if errors.As(err, &verr) {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		s.log.Error("Build publish request failed", "error", err)
		abortError(c, http.StatusInternalServerError, errors.New("could not load accounts"))
		return
	}

	assets, err := media.DecodeAll(body.Media, s.limits)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	req.Media = assets

	report, err := s.deps.Publisher.Publish(c.Request.Context(), req)
	if err != nil {
		media.ReleaseAll(assets)
		var verr *publish.ValidationError
		switch {
		case errors.As(err, &verr):
			abortError(c, http.StatusBadRequest, err)
		case errors.Is(err, publish.ErrNotDue):
			c.JSON(http.StatusAccepted, scheduledResponse{Status: "scheduled", ScheduledAt: req.ScheduledAt.UTC()})
		default:
			s.log.Error("Publish failed", "error", err)
			abortError(c, http.StatusInternalServerError, errors.New("publish failed"))
		}
		return
	}

	c.JSON(http.StatusOK, report)
}

// buildRequest maps the wire body onto a publish request. When platforms
// are listed, selected accounts on other platforms are left out.
func (s *Service) buildRequest(c *gin.Context, body postRequest) (publish.Request, error) {
	allowed := map[platform.Platform]bool{}
	for _, tag := range body.Platforms {
		p, err := platform.Parse(tag)
		if err != nil {
			return publish.Request{}, &publish.ValidationError{Reason: err.Error()}
		}
		allowed[p] = true
	}

	selection := publish.Selection{AccountIDs: body.SelectedAccounts, Destinations: body.DestinationOverrides}
	targets := selection.Targets()
	if len(allowed) > 0 {
		kept := targets[:0]
		for _, ref := range targets {
			account, err := s.deps.Accounts.Account(c.Request.Context(), strings.TrimSpace(ref.AccountID))
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return publish.Request{}, &publish.ValidationError{AccountID: ref.AccountID, Reason: "account is not connected"}
				}
				return publish.Request{}, err
			}
			if allowed[account.Platform] {
				ref.Platform = account.Platform
				kept = append(kept, ref)
			}
		}
		targets = kept
		if len(targets) == 0 {
			return publish.Request{}, &publish.ValidationError{Reason: "no selected account belongs to the selected platforms"}
		}
	}

	options := selection.PlatformOptions()
	for tag, values := range body.PlatformOptions {
		p, err := platform.Parse(tag)
		if err != nil {
			return publish.Request{}, &publish.ValidationError{Reason: err.Error()}
		}
		merged := platform.Options{}
		for k, v := range options[p] {
			merged[k] = v
		}
		for k, v := range values {
			merged[k] = v
		}
		options[p] = merged
	}

	return publish.Request{
		Content:         body.Content,
		Targets:         targets,
		ScheduledAt:     body.ScheduledAt,
		PlatformOptions: options,
	}, nil
}
