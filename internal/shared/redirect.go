package shared

import (
	"net/url"
	"strings"
)

// LoginPath is the sign-in view.
const LoginPath = "/auth/login"

// SanitizeNext accepts only same-origin relative paths as a post-login
// destination. Anything else yields "".
func SanitizeNext(next string) string {
	next = strings.TrimSpace(next)
	if next == "" || len(next) > 2048 {
		return ""
	}
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" || u.Scheme != "" {
		return ""
	}
	if u.Path == LoginPath || strings.HasPrefix(u.Path, "/auth/") {
		return ""
	}
	return next
}

// LoginRedirect builds the login location carrying the requested path.
func LoginRedirect(requested string) string {
	if next := SanitizeNext(requested); next != "" && next != "/" {
		return LoginPath + "?next=" + url.QueryEscape(next)
	}
	return LoginPath
}
