package classify

import (
	"strings"

	"crosspost/pkg/platform"
)

// kindExpiredToken resolves to TokenRefreshable or AuthExpired depending on
// whether the account can refresh.
const kindExpiredToken platform.ErrorKind = "expired_token"

// rule matches an upstream error code exactly or a lowercase marker inside the
// message. Many markers are observed upstream wording rather than documented
// contract; the characterization tests pin them down.
type rule struct {
	codes   []string
	markers []string
	kind    platform.ErrorKind
}

// common rules apply to every platform after its own rules.
var common = []rule{
	{markers: []string{"reconnect", "re-authorize", "reauthorize", "revoked", "invalid_grant", "deauthorized"}, kind: platform.KindRequiresReconnect},
	{markers: []string{"authentication expired", "token expired", "token has expired", "expired token", "invalid_token", "expired access token"}, kind: kindExpiredToken},
	{markers: []string{"rate limit", "too many requests"}, kind: platform.KindRateLimited},
	{markers: []string{"duplicate content", "duplicate post"}, kind: platform.KindValidationFailed},
	{markers: []string{"unsupported media", "unsupported file", "file is too large", "media type"}, kind: platform.KindMediaUnsupported},
}

var platformRules = map[platform.Platform][]rule{
	platform.X: {
		{codes: []string{"187"}, markers: []string{"status is a duplicate", "not allowed to create a tweet with duplicate content"}, kind: platform.KindValidationFailed},
		{codes: []string{"88"}, markers: []string{"usage cap exceeded"}, kind: platform.KindRateLimited},
		{codes: []string{"89"}, kind: kindExpiredToken},
		{codes: []string{"32", "215"}, markers: []string{"could not authenticate you", "unsupported authentication"}, kind: platform.KindRequiresReconnect},
		{codes: []string{"324", "323"}, markers: []string{"media ids are invalid", "invalid media"}, kind: platform.KindMediaUnsupported},
		{codes: []string{"186"}, markers: []string{"tweet needs to be a bit shorter", "text is too long"}, kind: platform.KindValidationFailed},
	},
	platform.YouTube: {
		{codes: []string{"quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "uploadLimitExceeded"}, kind: platform.KindRateLimited},
		{codes: []string{"youtubeSignupRequired", "forbidden", "insufficientPermissions"}, kind: platform.KindRequiresReconnect},
		{codes: []string{"authError"}, kind: kindExpiredToken},
		{codes: []string{"invalidTitle", "invalidDescription", "invalidTags", "invalidCategoryId", "invalidVideoMetadata"}, kind: platform.KindValidationFailed},
		{codes: []string{"mediaBodyRequired", "invalidVideoFile", "unsupportedMediaType"}, kind: platform.KindMediaUnsupported},
	},
	platform.Discord: {
		{codes: []string{"50001", "50013", "10004"}, markers: []string{"missing access", "missing permissions", "unknown guild"}, kind: platform.KindRequiresReconnect},
		{codes: []string{"40005"}, markers: []string{"request entity too large"}, kind: platform.KindMediaUnsupported},
		{codes: []string{"50006", "50035", "10003"}, markers: []string{"cannot send an empty message", "invalid form body", "unknown channel"}, kind: platform.KindValidationFailed},
	},
	platform.Reddit: {
		{codes: []string{"RATELIMIT"}, markers: []string{"you are doing that too much"}, kind: platform.KindRateLimited},
		{codes: []string{"SUBREDDIT_NOEXIST", "SUBREDDIT_NOTALLOWED", "NO_TEXT", "NO_SELFS", "NO_LINKS", "TOO_LONG", "NO_TITLE", "SUBMIT_VALIDATION_FLAIR_REQUIRED", "ALREADY_SUB", "BAD_SR_NAME"}, kind: platform.KindValidationFailed},
		{codes: []string{"USER_REQUIRED"}, kind: kindExpiredToken},
	},
	platform.Instagram: {
		{codes: []string{"190"}, markers: []string{"error validating access token", "session has expired"}, kind: kindExpiredToken},
		{codes: []string{"4", "17", "32", "613", "9"}, markers: []string{"application request limit reached", "user request limit reached"}, kind: platform.KindRateLimited},
		{codes: []string{"10", "200", "3"}, markers: []string{"permissions error", "does not have permission"}, kind: platform.KindRequiresReconnect},
		{codes: []string{"9004", "2207026", "2207052", "36003"}, markers: []string{"media could not be fetched", "aspect ratio", "unsupported format"}, kind: platform.KindMediaUnsupported},
		{codes: []string{"100"}, markers: []string{"caption"}, kind: platform.KindValidationFailed},
	},
	platform.Telegram: {
		{markers: []string{"bot was blocked", "bot was kicked", "not enough rights", "have no rights", "bot is not a member"}, kind: platform.KindRequiresReconnect},
		{markers: []string{"chat not found", "message is too long", "caption is too long", "message text is empty"}, kind: platform.KindValidationFailed},
		{markers: []string{"wrong file identifier", "photo_invalid_dimensions", "file is too big", "wrong type of the web page content", "failed to get http url content"}, kind: platform.KindMediaUnsupported},
		{markers: []string{"retry after"}, kind: platform.KindRateLimited},
	},
}

// matchMarkers applies the platform rules, then the common rules.
func matchMarkers(p platform.Platform, code, message string, canRefresh bool) (platform.ErrorKind, bool) {
	lowered := strings.ToLower(message)
	for _, rules := range [][]rule{platformRules[p], common} {
		for _, r := range rules {
			if r.matches(code, lowered) {
				if r.kind == kindExpiredToken {
					return expiredToken(canRefresh), true
				}
				return r.kind, true
			}
		}
	}
	return "", false
}

func (r rule) matches(code, lowered string) bool {
	if code != "" {
		for _, c := range r.codes {
			if c == code {
				return true
			}
		}
	}
	for _, marker := range r.markers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
