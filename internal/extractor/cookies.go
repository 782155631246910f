package extractor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"catalog-curator/internal/models"
)

// DefaultCookieDomain scopes credential cookies in the jar.
const DefaultCookieDomain = ".bilibili.com"

// writeCookieJar writes cred as a Netscape cookie file readable only by the
// current user. The returned cleanup removes it and is safe to call twice.
func writeCookieJar(dir, domain string, cred *models.Credential) (string, func(), error) {
	if cred == nil {
		return "", func() {}, nil
	}
	if strings.TrimSpace(cred.SessionToken) == "" {
		return "", func() {}, &Error{Kind: KindConfig, Op: "cookies", Err: fmt.Errorf("credential %d has no session token", cred.ID)}
	}
	f, err := os.CreateTemp(dir, "cookies-*.txt")
	if err != nil {
		return "", func() {}, fmt.Errorf("create cookie jar: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("chmod cookie jar: %w", err)
	}
	if _, err := f.WriteString(cookieJarContent(domain, cred, time.Now())); err != nil {
		_ = f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("write cookie jar: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close cookie jar: %w", err)
	}
	return path, cleanup, nil
}

func cookieJarContent(domain string, cred *models.Credential, now time.Time) string {
	expires := now.Add(24 * time.Hour).Unix()
	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	line := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s\tTRUE\t/\tFALSE\t%d\t%s\t%s\n", domain, expires, name, value)
	}
	line("SESSDATA", cred.SessionToken)
	line("bili_jct", cred.CSRFToken)
	line("DedeUserID", cred.UserID)
	return b.String()
}
