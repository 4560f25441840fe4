package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"crosspost/pkg/channelcache"
	"crosspost/pkg/platform"
	"crosspost/pkg/store"
)

type channelsResponse struct {
	Channels       []channelcache.Channel `json:"channels"`
	GuildName      string                 `json:"guildName,omitempty"`
	Cached         bool                   `json:"cached"`
	FreshlyFetched bool                   `json:"freshlyFetched"`
	Stale          bool                   `json:"stale,omitempty"`
	CachedAt       time.Time              `json:"cachedAt"`
}

// accountView is an account without its credentials.
type accountView struct {
	ID                string            `json:"id"`
	Platform          platform.Platform `json:"platform"`
	ExternalID        string            `json:"externalId,omitempty"`
	Handle            string            `json:"handle,omitempty"`
	CanRefresh        bool              `json:"canRefresh"`
	HasUploadIdentity bool              `json:"hasUploadIdentity"`
	ConnectedAt       time.Time         `json:"connectedAt,omitzero"`
}

func (s *Service) handleAccounts(c *gin.Context) {
	accounts, err := s.deps.Accounts.List(c.Request.Context())
	if err != nil {
		s.log.Error("List accounts failed", "error", err)
		abortError(c, http.StatusInternalServerError, errors.New("could not list accounts"))
		return
	}

	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{
			ID:                a.ID,
			Platform:          a.Platform,
			ExternalID:        a.ExternalID,
			Handle:            a.Handle,
			CanRefresh:        a.Credentials.CanRefresh(),
			HasUploadIdentity: a.Credentials.HasSecondary(),
			ConnectedAt:       a.ConnectedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Service) handleChannels(c *gin.Context) {
	accountID := c.Param("id")
	force := false
	if raw := c.Query("forceRefresh"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			abortError(c, http.StatusBadRequest, errors.New("forceRefresh must be a boolean"))
			return
		}
		force = parsed
	}

	account, err := s.deps.Accounts.Account(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortError(c, http.StatusNotFound, err)
			return
		}
		s.log.Error("Load account failed", "account_id", accountID, "error", err)
		abortError(c, http.StatusInternalServerError, errors.New("could not load account"))
		return
	}
	if account.Platform != platform.Discord {
		abortError(c, http.StatusNotFound, errors.New("account has no channel listing"))
		return
	}

	res, err := s.deps.Channels.Resolve(c.Request.Context(), accountID, force)
	if err != nil {
		var accessErr *channelcache.AccessError
		if errors.As(err, &accessErr) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{
				Error:          accessErr.Reason,
				Code:           "missing_access",
				RemediationURL: accessErr.RemediationURL,
			})
			return
		}
		s.log.Warn("Resolve channels failed", "account_id", accountID, "error", err)
		abortError(c, http.StatusBadGateway, errors.New("could not list channels"))
		return
	}

	channels := res.Channels
	if channels == nil {
		channels = []channelcache.Channel{}
	}
	c.JSON(http.StatusOK, channelsResponse{
		Channels:       channels,
		GuildName:      res.GuildName,
		Cached:         res.Cached,
		FreshlyFetched: res.FreshlyFetched,
		Stale:          res.Stale,
		CachedAt:       res.FetchedAt,
	})
}
