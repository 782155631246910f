package extractor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies extractor failures by how callers should react.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindRateLimited Kind = "rate_limited"
	KindAuth        Kind = "auth"
	KindPermanent   Kind = "permanent"
	KindFormat      Kind = "format"
	KindTimeout     Kind = "timeout"
	KindConsistency Kind = "consistency"
	KindConfig      Kind = "config"
)

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindTimeout, KindAuth:
		return true
	default:
		return false
	}
}

// Error is returned by every Client call that fails.
type Error struct {
	Kind     Kind
	Op       string
	ExitCode int
	Status   int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("extractor %s: %s", e.Op, e.Kind)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure class from err. Unknown errors count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// ClassLabel is KindOf as a plain string, for log fields.
func ClassLabel(err error) string {
	return string(KindOf(err))
}

const exitUsage = 2

var httpStatusPattern = regexp.MustCompile(`(?i)HTTP Error (\d{3})`)

// Classify maps an exit code and stderr text to a Kind. Structured signals
// (usage exit code, HTTP status) win; the keyword tables below are a
// provisional fallback for tools that only report prose.
func Classify(exitCode int, stderr string) (Kind, int) {
	if exitCode == exitUsage {
		return KindConfig, 0
	}
	if status := httpStatus(stderr); status > 0 {
		if k, ok := kindForStatus(status); ok {
			return k, status
		}
	}
	return classifyText(stderr), 0
}

func httpStatus(stderr string) int {
	m := httpStatusPattern.FindAllStringSubmatch(stderr, -1)
	if len(m) == 0 {
		return 0
	}
	code, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil {
		return 0
	}
	return code
}

func kindForStatus(status int) (Kind, bool) {
	switch {
	case status == 401 || status == 403:
		return KindAuth, true
	case status == 404 || status == 410:
		return KindPermanent, true
	case status == 412 || status == 429:
		return KindRateLimited, true
	case status >= 500:
		return KindTransient, true
	}
	return "", false
}

type keywordRule struct {
	kind  Kind
	words []string
}

// Order matters: the first rule with a hit wins.
var keywordRules = []keywordRule{
	{KindTimeout, []string{"timed out", "timeout", "time out", "超时"}},
	{KindRateLimited, []string{"too many requests", "rate limit", "rate-limit", "请求过于频繁", "访问频繁", "风控"}},
	{KindAuth, []string{"forbidden", "unauthorized", "login required", "sign in", "cookies are no longer valid", "需要登录", "未登录", "账号未登录", "权限不足", "大会员"}},
	{KindFormat, []string{"requested format is not available", "requested format not available", "no video formats found", "格式不可用"}},
	{KindPermanent, []string{"not found", "video unavailable", "has been removed", "deleted", "private video", "this video is private", "视频不存在", "稿件不可见", "已删除", "已失效", "已下架", "不存在"}},
}

func classifyText(stderr string) Kind {
	s := strings.ToLower(stderr)
	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if strings.Contains(s, w) {
				return rule.kind
			}
		}
	}
	return KindTransient
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	const max = 300
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}
