// Package classify maps heterogeneous adapter failures into the uniform
// failure taxonomy.
package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"crosspost/pkg/channelcache"
	"crosspost/pkg/platform"
)

// Classify maps err, raised while delivering to p, into a classified failure.
// canRefresh reports whether the account holds a refresh token; it decides
// between TokenRefreshable and AuthExpired for expired bearer tokens.
func Classify(p platform.Platform, err error, canRefresh bool) *platform.Failure {
	if err == nil {
		return nil
	}

	var failure *platform.Failure
	if errors.As(err, &failure) {
		return failure
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &platform.Failure{Kind: platform.KindUnknown, Detail: "timed out waiting for " + string(p), Retryable: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &platform.Failure{Kind: platform.KindUnknown, Detail: "delivery canceled", Err: err}
	}

	var accessErr *channelcache.AccessError
	if errors.As(err, &accessErr) {
		detail := accessErr.Reason
		if accessErr.RemediationURL != "" {
			detail += "; reinstall via " + accessErr.RemediationURL
		}
		return &platform.Failure{Kind: platform.KindRequiresReconnect, Detail: detail, Err: err}
	}

	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		return fromAPIError(p, apiErr, canRefresh, err)
	}

	if kind, ok := matchMarkers(p, "", err.Error(), canRefresh); ok {
		return &platform.Failure{Kind: kind, Detail: err.Error(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &platform.Failure{Kind: platform.KindUnknown, Detail: err.Error(), Retryable: true, Err: err}
	}

	return &platform.Failure{Kind: platform.KindUnknown, Detail: err.Error(), Err: err}
}

func fromAPIError(p platform.Platform, apiErr *platform.APIError, canRefresh bool, err error) *platform.Failure {
	out := &platform.Failure{Detail: detailOf(apiErr), RetryAfter: apiErr.RetryAfter, Err: err}

	if apiErr.Status == http.StatusUnauthorized && apiErr.Scheme != platform.SchemeBearer {
		out.Kind = unauthorized(apiErr.Scheme, canRefresh)
		return out
	}
	if kind, ok := matchMarkers(p, apiErr.Code, apiErr.Message, canRefresh); ok {
		out.Kind = kind
		return out
	}

	switch status := apiErr.Status; {
	case status == http.StatusUnauthorized:
		out.Kind = unauthorized(apiErr.Scheme, canRefresh)
	case status == http.StatusTooManyRequests:
		out.Kind = platform.KindRateLimited
	case status == http.StatusRequestEntityTooLarge, status == http.StatusUnsupportedMediaType:
		out.Kind = platform.KindMediaUnsupported
	case status == http.StatusBadRequest && apiErr.Phase != "":
		out.Kind = platform.KindMediaUnsupported
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusConflict:
		out.Kind = platform.KindValidationFailed
	case status >= 500:
		out.Kind = platform.KindUnknown
		out.Retryable = true
	default:
		out.Kind = platform.KindUnknown
	}
	return out
}

// unauthorized decides a 401 by auth scheme: signed 1.0a and bot tokens
// cannot be refreshed, bearer tokens can when a refresh token exists.
func unauthorized(scheme platform.AuthScheme, canRefresh bool) platform.ErrorKind {
	switch scheme {
	case platform.SchemeOAuth1, platform.SchemeBot:
		return platform.KindRequiresReconnect
	default:
		return expiredToken(canRefresh)
	}
}

func expiredToken(canRefresh bool) platform.ErrorKind {
	if canRefresh {
		return platform.KindTokenRefreshable
	}
	return platform.KindAuthExpired
}

func detailOf(apiErr *platform.APIError) string {
	msg := strings.TrimSpace(apiErr.Message)
	if apiErr.Code != "" && !strings.Contains(msg, apiErr.Code) {
		if msg == "" {
			return apiErr.Code
		}
		return apiErr.Code + ": " + msg
	}
	if msg == "" {
		return apiErr.Error()
	}
	return msg
}
