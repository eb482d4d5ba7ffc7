package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// trackingParams are query parameters that never change page content.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"dclid":   true,
	"msclkid": true,
	"yclid":   true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"_ga":     true,
	"_hsenc":  true,
	"_hsmi":   true,
	"ref_src": true,
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "utm_") || trackingParams[k]
}

// NormalizeURL returns the canonical form of a recipe URL used for
// duplicate detection. The scheme is folded to https, the host lowercased
// with any "www." prefix and default port removed, the fragment and
// tracking parameters dropped, remaining query parameters sorted, and a
// trailing slash trimmed from the path.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}

	q := u.Query()
	for k := range q {
		if isTrackingParam(k) {
			q.Del(k)
		}
	}

	normalized := "https://" + host + strings.TrimRight(u.EscapedPath(), "/")
	if enc := q.Encode(); enc != "" {
		normalized += "?" + enc
	}
	return normalized, nil
}

// HashURL returns the hex SHA-256 of the normalized URL.
func HashURL(raw string) (string, error) {
	n, err := NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(n))
	return hex.EncodeToString(sum[:]), nil
}
