package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"crosspost/pkg/platform"
	"crosspost/pkg/store"
)

const maxPendingConnects = 1024

// pendingConnect is a request token waiting for the user to authorize it.
type pendingConnect struct {
	AccountID   string
	TokenSecret string
}

// pendingConnects keeps request token secrets until the callback arrives or
// they expire.
type pendingConnects struct {
	lru *expirable.LRU[string, pendingConnect]
}

func newPendingConnects(ttl time.Duration) *pendingConnects {
	return &pendingConnects{lru: expirable.NewLRU[string, pendingConnect](maxPendingConnects, nil, ttl)}
}

func (p *pendingConnects) put(token string, pending pendingConnect) {
	p.lru.Add(token, pending)
}

// take returns and forgets the pending entry. A request token is good for
// one exchange only.
func (p *pendingConnects) take(token string) (pendingConnect, bool) {
	pending, ok := p.lru.Get(token)
	if ok {
		p.lru.Remove(token)
	}
	return pending, ok
}

type connectStartRequest struct {
	CallbackURL string `json:"callbackUrl" binding:"required,url"`
	AccountID   string `json:"accountId" binding:"required"`
}

func (s *Service) handleConnectStart(c *gin.Context) {
	var body connectStartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	callback, err := withAccount(body.CallbackURL, body.AccountID)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	token, err := s.deps.Connect.RequestToken(c.Request.Context(), callback)
	if err != nil {
		s.log.Warn("Request token failed", "account_id", body.AccountID, "error", err)
		abortError(c, http.StatusBadGateway, errors.New("could not start authorization"))
		return
	}
	s.pending.put(token.Token, pendingConnect{AccountID: body.AccountID, TokenSecret: token.TokenSecret})

	c.JSON(http.StatusOK, gin.H{"authorizeUrl": token.AuthorizeURL})
}

func (s *Service) handleConnectCallback(c *gin.Context) {
	if c.Query("denied") != "" {
		s.pending.take(c.Query("denied"))
		abortError(c, http.StatusForbidden, errors.New("authorization was denied"))
		return
	}

	token := c.Query("oauth_token")
	verifier := c.Query("oauth_verifier")
	if token == "" || verifier == "" {
		abortError(c, http.StatusBadRequest, errors.New("oauth_token and oauth_verifier are required"))
		return
	}
	pending, ok := s.pending.take(token)
	if !ok {
		abortError(c, http.StatusBadRequest, errors.New("unknown or expired authorization request"))
		return
	}
	if accountID := c.Query("account_id"); accountID != "" && accountID != pending.AccountID {
		abortError(c, http.StatusBadRequest, errors.New("authorization request belongs to another account"))
		return
	}

	access, err := s.deps.Connect.ExchangeVerifier(c.Request.Context(), token, pending.TokenSecret, verifier)
	if err != nil {
		s.log.Warn("Verifier exchange failed", "account_id", pending.AccountID, "error", err)
		abortError(c, http.StatusBadGateway, errors.New("could not complete authorization"))
		return
	}

	ctx := c.Request.Context()
	account, err := s.deps.Accounts.Account(ctx, pending.AccountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		account = platform.Account{ID: pending.AccountID, Platform: platform.X}
	case err != nil:
		s.log.Error("Load account failed", "account_id", pending.AccountID, "error", err)
		abortError(c, http.StatusInternalServerError, errors.New("could not load account"))
		return
	case account.Platform != platform.X:
		abortError(c, http.StatusConflict, fmt.Errorf("account %s is a %s account", account.ID, account.Platform))
		return
	}

	if account.ExternalID == "" {
		account.ExternalID = access.UserID
	}
	if account.Handle == "" {
		account.Handle = access.ScreenName
	}
	account.Credentials.SecondaryToken = access.AccessToken
	account.Credentials.SecondaryTokenSecret = access.AccessTokenSecret
	if err := s.deps.Accounts.Save(ctx, account); err != nil {
		s.log.Error("Save account failed", "account_id", account.ID, "error", err)
		abortError(c, http.StatusInternalServerError, errors.New("could not save account"))
		return
	}

	s.log.Info("Upload identity connected", "account_id", account.ID, "handle", account.Handle)
	c.JSON(http.StatusOK, gin.H{"accountId": account.ID, "handle": account.Handle, "connected": true})
}

// withAccount appends account_id to the callback so the redirect names the
// account it completes.
func withAccount(rawURL, accountID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New("callbackUrl must be an absolute url")
	}
	q := u.Query()
	q.Set("account_id", accountID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
