// Package oauth produces authorization headers for the OAuth1.0a HMAC-SHA1
// and OAuth2 bearer schemes, and drives the 1.0a three-legged flow.
package oauth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const signatureMethod = "HMAC-SHA1"

// Signer signs requests with a consumer key pair. It holds no per-request
// state: every call draws a fresh nonce and timestamp.
type Signer struct {
	consumerKey    string
	consumerSecret string

	now   func() time.Time
	nonce func() string
}

// NewSigner creates a signer for one consumer key pair.
func NewSigner(consumerKey, consumerSecret string) (*Signer, error) {
	if strings.TrimSpace(consumerKey) == "" || strings.TrimSpace(consumerSecret) == "" {
		return nil, errors.New("oauth1 consumer key and secret are required")
	}
	return &Signer{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		now:            time.Now,
		nonce:          func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}, nil
}

// Authorization builds the "OAuth ..." header value for a request. params
// holds every query and form-body parameter of the request; oauth_* entries
// in params (such as oauth_callback or oauth_verifier) are signed and sent
// as parameters, not in the header.
func (s *Signer) Authorization(method, rawURL string, params url.Values, token, tokenSecret string) (string, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse signing url: %w", err)
	}

	header := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if token != "" {
		header["oauth_token"] = token
	}

	all := url.Values{}
	for key, values := range base.Query() {
		all[key] = append(all[key], values...)
	}
	for key, values := range params {
		all[key] = append(all[key], values...)
	}
	for key, value := range header {
		all.Set(key, value)
	}

	baseString := signatureBase(method, base, all)
	header["oauth_signature"] = sign(baseString, s.consumerSecret, tokenSecret)

	return headerValue(header), nil
}

// Sign sets the Authorization header on req. form carries the url-encoded
// body parameters, which take part in the signature.
func (s *Signer) Sign(req *http.Request, form url.Values, token, tokenSecret string) error {
	value, err := s.Authorization(req.Method, req.URL.String(), form, token, tokenSecret)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", value)
	return nil
}

// signatureBase returns METHOD&enc(base url)&enc(normalized params).
func signatureBase(method string, u *url.URL, params url.Values) string {
	return strings.ToUpper(method) + "&" + Escape(baseURL(u)) + "&" + Escape(normalizeParams(params))
}

func baseURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) || (scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// normalizeParams encodes every key/value pair and sorts by encoded key, then
// encoded value.
func normalizeParams(params url.Values) string {
	type pair struct{ key, value string }
	pairs := make([]pair, 0, len(params))
	for key, values := range params {
		if key == "oauth_signature" {
			continue
		}
		for _, value := range values {
			pairs = append(pairs, pair{Escape(key), Escape(value)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key == pairs[j].key {
			return pairs[i].value < pairs[j].value
		}
		return pairs[i].key < pairs[j].key
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, "&")
}

func sign(baseString, consumerSecret, tokenSecret string) string {
	key := Escape(consumerSecret) + "&" + Escape(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func headerValue(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = Escape(key) + `="` + Escape(fields[key]) + `"`
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// Escape percent-encodes s per RFC 3986: only unreserved characters pass
// through unescaped.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
