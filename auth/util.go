package auth

import "strings"

// ValidateNextURLIsLocal returns nextURL if it is a path on this site and
// "" otherwise, so it can never be used as an open redirect.
func ValidateNextURLIsLocal(nextURL string) string {
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") {
		return ""
	}
	if strings.ContainsAny(nextURL, "\\\r\n") {
		return ""
	}
	return nextURL
}

// displayName joins the given and family names with a space, skipping empty
// parts.
func displayName(given, family string) string {
	return strings.TrimSpace(strings.Join([]string{strings.TrimSpace(given), strings.TrimSpace(family)}, " "))
}
