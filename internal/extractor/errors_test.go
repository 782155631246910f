package extractor

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyPrefersStructuredSignals(t *testing.T) {
	cases := []struct {
		exit   int
		stderr string
		kind   Kind
		status int
	}{
		{2, "usage: yt-dlp [OPTIONS] URL", KindConfig, 0},
		{1, "ERROR: HTTP Error 404: Not Found", KindPermanent, 404},
		{1, "ERROR: HTTP Error 429: Too Many Requests", KindRateLimited, 429},
		{1, "ERROR: HTTP Error 412: Precondition Failed", KindRateLimited, 412},
		{1, "ERROR: HTTP Error 401: Unauthorized", KindAuth, 401},
		{1, "ERROR: HTTP Error 503: Service Unavailable", KindTransient, 503},
		// status wins over the words in the message
		{1, "ERROR: video deleted? HTTP Error 429", KindRateLimited, 429},
	}
	for _, tc := range cases {
		kind, status := Classify(tc.exit, tc.stderr)
		if kind != tc.kind || status != tc.status {
			t.Fatalf("Classify(%d, %q) = %s/%d, want %s/%d", tc.exit, tc.stderr, kind, status, tc.kind, tc.status)
		}
	}
}

func TestClassifyEnglishKeywords(t *testing.T) {
	cases := map[string]Kind{
		"ERROR: Read timed out.":                           KindTimeout,
		"ERROR: Too many requests, slow down":              KindRateLimited,
		"ERROR: login required to view this content":       KindAuth,
		"ERROR: Requested format is not available":         KindFormat,
		"ERROR: Video unavailable. This video is private":  KindPermanent,
		"ERROR: This video has been removed by the author": KindPermanent,
		"ERROR: connection reset by peer":                  KindTransient,
	}
	for stderr, want := range cases {
		if got, _ := Classify(1, stderr); got != want {
			t.Fatalf("Classify(%q) = %s, want %s", stderr, got, want)
		}
	}
}

func TestClassifyChineseKeywords(t *testing.T) {
	cases := map[string]Kind{
		"ERROR: 请求超时":         KindTimeout,
		"ERROR: 请求过于频繁，请稍后再试": KindRateLimited,
		"ERROR: 账号未登录":        KindAuth,
		"ERROR: 该格式不可用":       KindFormat,
		"ERROR: 视频不存在":        KindPermanent,
		"ERROR: 稿件不可见":        KindPermanent,
		"ERROR: 视频已失效":        KindPermanent,
	}
	for stderr, want := range cases {
		if got, _ := Classify(1, stderr); got != want {
			t.Fatalf("Classify(%q) = %s, want %s", stderr, got, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("nil error should have no kind")
	}
	wrapped := fmt.Errorf("fetch window: %w", &Error{Kind: KindRateLimited, Op: "window"})
	if KindOf(wrapped) != KindRateLimited {
		t.Fatalf("expected wrapped kind to survive")
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Fatalf("deadline should map to timeout")
	}
	if KindOf(errors.New("boom")) != KindTransient {
		t.Fatalf("unknown errors should be transient")
	}
	if KindPermanent.Retryable() || KindFormat.Retryable() || !KindTimeout.Retryable() {
		t.Fatalf("unexpected retryability")
	}
}
