package inventory

import (
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"catalog-curator/internal/models"
)

const maxNameBytes = 150

var unsafeChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "",
)

// SanitizeName makes s usable as a single path segment. Long names are cut
// on a rune boundary.
func SanitizeName(s string) string {
	s = strings.TrimSpace(unsafeChars.Replace(s))
	s = strings.Trim(s, ". ")
	if len(s) > maxNameBytes {
		n := maxNameBytes
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = strings.TrimRight(s[:n], ". ")
	}
	if s == "" {
		return "untitled"
	}
	return s
}

// SubscriptionDir is where a subscription's files live under root.
func SubscriptionDir(root string, sub models.Subscription) string {
	return filepath.Join(root, SubscriptionDirName(sub))
}

// SubscriptionDirName is the single directory segment of a subscription.
// Collections use their name, so reconciliation can re-associate by directory.
func SubscriptionDirName(sub models.Subscription) string {
	var name string
	switch sub.Kind {
	case models.KindKeyword:
		name = "keyword_" + sub.Keyword
	case models.KindUploader:
		n := sub.Name
		if n == "" {
			n = sub.UploaderID
		}
		name = "uploader_" + n
	default:
		name = sub.Name
		if name == "" {
			name = "collection_" + strconv.FormatInt(sub.ID, 10)
		}
	}
	return SanitizeName(name)
}
