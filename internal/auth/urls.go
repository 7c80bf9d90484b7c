package auth

import (
	"net/url"
	"strings"
)

// NormalizeURL lowercases scheme and host and strips trailing slashes.
// Path case is preserved.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment, u.RawFragment = "", ""
	return strings.TrimRight(u.String(), "/")
}

// SameSite reports whether two site URLs are identical after normalization.
func SameSite(a, b string) bool {
	na, nb := NormalizeURL(a), NormalizeURL(b)
	return na != "" && na == nb
}

// URLBelongsToSite accepts target when it equals site or lives below it.
func URLBelongsToSite(target, site string) bool {
	t, s := NormalizeURL(target), NormalizeURL(site)
	if t == "" || s == "" {
		return false
	}
	return t == s || strings.HasPrefix(t, s+"/")
}
