package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"catalog-curator/internal/models"
)

// Identity selects how a request identifies itself upstream.
type Identity int

const (
	// IdentityBrowser sends a stable browser user agent.
	IdentityBrowser Identity = iota
	// IdentityPlain leaves identification to the tool's defaults.
	IdentityPlain
)

// Toggle returns the other identity.
func (i Identity) Toggle() Identity {
	if i == IdentityBrowser {
		return IdentityPlain
	}
	return IdentityBrowser
}

func (i Identity) String() string {
	if i == IdentityPlain {
		return "plain"
	}
	return "browser"
}

// Pacer delays outbound requests to keep under upstream limits.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// Options configures a Client.
type Options struct {
	Bin             string
	UserAgent       string
	CookieDomain    string
	CookieDir       string
	ListTimeout     time.Duration
	ProbeTimeout    time.Duration
	DownloadTimeout time.Duration
	KillGrace       time.Duration
	Pacer           Pacer
}

// Client runs the extractor tool as a child process.
type Client struct {
	opts Options
}

// Call identifies one request target.
type Call struct {
	Locator    string
	Credential *models.Credential
	Identity   Identity
}

func (c Call) channel() string {
	if c.Credential != nil {
		return "credential"
	}
	return "no_credential"
}

// DownloadRequest describes a single-item download.
type DownloadRequest struct {
	Call
	OutputDir string
	Format    string
}

func NewClient(opts Options) *Client {
	if opts.Bin == "" {
		opts.Bin = "yt-dlp"
	}
	if opts.CookieDomain == "" {
		opts.CookieDomain = DefaultCookieDomain
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 120 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 60 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 30 * time.Minute
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &Client{opts: opts}
}

// Window lists catalog entries start..end (1-based, inclusive).
func (c *Client) Window(ctx context.Context, call Call, start, end int) ([]models.Entry, error) {
	args := []string{"--flat-playlist", "--dump-json",
		"--playlist-start", strconv.Itoa(start),
		"--playlist-end", strconv.Itoa(end)}
	out, err := c.run(ctx, "window", c.opts.ListTimeout, call, args)
	if err != nil {
		return nil, err
	}
	entries, _, err := parseEntries(out)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: "window", Err: err}
	}
	return entries, nil
}

// FlatList lists the whole catalog as newline-delimited entries.
func (c *Client) FlatList(ctx context.Context, call Call) (Catalog, error) {
	out, err := c.run(ctx, "flat_list", c.opts.ListTimeout, call, []string{"--flat-playlist", "--dump-json"})
	if err != nil {
		return Catalog{}, err
	}
	entries, total, err := parseEntries(out)
	if err != nil {
		return Catalog{}, &Error{Kind: KindTransient, Op: "flat_list", Err: err}
	}
	return Catalog{Entries: entries, Total: total}, nil
}

// SingleJSON lists the whole catalog as one document with an entries array.
func (c *Client) SingleJSON(ctx context.Context, call Call) (Catalog, error) {
	out, err := c.run(ctx, "single_json", c.opts.ListTimeout, call, []string{"--flat-playlist", "--dump-single-json"})
	if err != nil {
		return Catalog{}, err
	}
	entries, total, err := parseEntries(out)
	if err != nil {
		return Catalog{}, &Error{Kind: KindTransient, Op: "single_json", Err: err}
	}
	return Catalog{Entries: entries, Total: total}, nil
}

// Probe fetches one item's metadata without downloading it.
func (c *Client) Probe(ctx context.Context, call Call) (Metadata, error) {
	out, err := c.run(ctx, "probe", c.opts.ProbeTimeout, call, []string{"--no-playlist", "--dump-json"})
	if err != nil {
		return Metadata{}, err
	}
	var md Metadata
	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal(line, &md); err == nil && md.ID != "" {
			return md, nil
		}
	}
	return Metadata{}, &Error{Kind: KindTransient, Op: "probe", Err: errors.New("no metadata in output")}
}

// Download fetches one item plus its info sidecar and thumbnail into OutputDir.
func (c *Client) Download(ctx context.Context, req DownloadRequest) error {
	if strings.TrimSpace(req.OutputDir) == "" {
		return &Error{Kind: KindConfig, Op: "download", Err: errors.New("output directory is required")}
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return &Error{Kind: KindConfig, Op: "download", Err: fmt.Errorf("create output dir: %w", err)}
	}
	args := []string{
		"--no-playlist",
		"--newline",
		"--write-info-json",
		"--write-thumbnail",
		"--merge-output-format", "mp4",
		"-P", req.OutputDir,
		"-o", "%(title).150B [%(id)s].%(ext)s",
	}
	if req.Format != "" {
		args = append(args, "-f", req.Format)
	}
	_, err := c.run(ctx, "download", c.opts.DownloadTimeout, req.Call, args)
	return err
}

func (c *Client) run(ctx context.Context, op string, timeout time.Duration, call Call, extra []string) ([]byte, error) {
	if strings.TrimSpace(call.Locator) == "" {
		return nil, &Error{Kind: KindConfig, Op: op, Err: errors.New("locator is required")}
	}
	if c.opts.Pacer != nil {
		if err := c.opts.Pacer.Wait(ctx, "extractor:"+call.channel()); err != nil {
			return nil, fmt.Errorf("pace %s: %w", op, err)
		}
	}

	cookiePath, cleanup, err := writeCookieJar(c.opts.CookieDir, c.opts.CookieDomain, call.Credential)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"--no-warnings", "--socket-timeout", "30"}
	if call.Identity == IdentityBrowser && c.opts.UserAgent != "" {
		args = append(args, "--user-agent", c.opts.UserAgent)
	}
	if cookiePath != "" {
		args = append(args, "--cookies", cookiePath)
	}
	args = append(args, extra...)
	args = append(args, call.Locator)

	cmd := exec.Command(c.opts.Bin, args...)
	cmd.WaitDelay = c.opts.KillGrace
	var stdout bytes.Buffer
	var stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: KindConfig, Op: op, Err: fmt.Errorf("start %s: %w", filepath.Base(c.opts.Bin), err)}
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err == nil {
			return stdout.Bytes(), nil
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		kind, status := Classify(exitCode, stderr.String())
		log.Printf("[extractor] event=fail op=%s class=%s exit=%d elapsed_ms=%d", op, kind, exitCode, time.Since(started).Milliseconds())
		return nil, &Error{Kind: kind, Op: op, ExitCode: exitCode, Status: status, Stderr: stderr.String(), Err: err}
	case <-timer.C:
		c.terminate(cmd, done)
		log.Printf("[extractor] event=timeout op=%s timeout=%s", op, timeout)
		return nil, &Error{Kind: KindTimeout, Op: op, Stderr: stderr.String(), Err: fmt.Errorf("no result after %s", timeout)}
	case <-ctx.Done():
		c.terminate(cmd, done)
		return nil, &Error{Kind: KindTimeout, Op: op, Err: ctx.Err()}
	}
}

// terminate asks the process to stop, then kills it after the grace period.
func (c *Client) terminate(cmd *exec.Cmd, done <-chan error) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(c.opts.KillGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

// limitedBuffer keeps the first 8KiB written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const maxStderrKeep = 8192

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remain := maxStderrKeep - b.buf.Len(); remain > 0 {
		if len(p) > remain {
			b.buf.Write(p[:remain])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ io.Writer = (*limitedBuffer)(nil)
