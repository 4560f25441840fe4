package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"crosspost/pkg/telemetry"
)

const subjectKey = "gateway.subject"

var (
	errMissingToken = errors.New("authorization required")
	errInvalidToken = errors.New("invalid token")
	errExpiredToken = errors.New("token expired")
)

// bearerAuth accepts HS256 tokens signed with secret. An empty secret turns
// authentication off.
func bearerAuth(secret string, log *slog.Logger) gin.HandlerFunc {
	if secret == "" {
		log.Warn("Gateway authentication disabled; set gateway.jwt_secret to enable it")
		return func(c *gin.Context) { c.Next() }
	}
	key := []byte(secret)

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abortError(c, http.StatusUnauthorized, errMissingToken)
			return
		}

		claims, err := validateToken(strings.TrimSpace(raw), key)
		if err != nil {
			abortError(c, http.StatusUnauthorized, err)
			return
		}
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

func validateToken(raw string, key []byte) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errExpiredToken
		}
		return nil, errInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}
	return claims, nil
}

// IssueToken signs a gateway token for subject, valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		log.Log(c.Request.Context(), level, "Request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// recovery turns a handler panic into a 500 and reports it.
func recovery(reporter telemetry.Reporter, log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		reporter.Recover(recovered)
		log.Error("Handler panicked", "path", c.FullPath(), "panic", recovered)
		abortError(c, http.StatusInternalServerError, errors.New("internal error"))
	})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	// RemediationURL points at the action that fixes the failure.
	RemediationURL string `json:"remediationUrl,omitempty"`
}

func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}
