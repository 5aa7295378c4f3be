// internal/utils/utils.go

package utils

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

// IsPageURL reports whether str is an absolute http or https URL.
func IsPageURL(str string) bool {
	u, err := url.Parse(str)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// SiteFromURL derives a site key from a page URL: the lower-cased host
// without port and without a leading "www.".
func SiteFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}

// TruncateString truncates a string to at most maxLen bytes without
// splitting a UTF-8 sequence.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	if maxLen > 3 {
		cut = maxLen - 3
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if maxLen <= 3 {
		return s[:cut]
	}
	return s[:cut] + "..."
}
