package authtoken

import (
	"net/http"
	"strings"
)

// QueryParam is the query parameter carrying a token when it is not in the path.
const QueryParam = "token"

// Sanitize trims a token that may have arrived embedded in a larger URL: it
// cuts at the first '?', '&' or '#' and drops anything outside the URL-safe
// base64 alphabet.
func Sanitize(raw string) string {
	if i := strings.IndexAny(raw, "?&#"); i >= 0 {
		raw = raw[:i]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FromRequest pulls a token from /<prefix>/<token> or from the token query
// parameter. The path form wins when both are present.
func FromRequest(r *http.Request, prefix string) string {
	prefix = "/" + strings.Trim(prefix, "/") + "/"
	if path := r.URL.Path; strings.HasPrefix(path, prefix) {
		rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
		if rest != "" && !strings.Contains(rest, "/") {
			if tok := Sanitize(rest); tok != "" {
				return tok
			}
		}
	}
	return Sanitize(r.URL.Query().Get(QueryParam))
}

// BearerFromHeader extracts an Authorization: Bearer value.
func BearerFromHeader(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return Sanitize(strings.TrimSpace(h[7:]))
}
