// Package thumbnail normalizes downloaded cover images to a fixed-width JPEG
// next to the media file, optionally mirroring them to S3.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Extensions the extractor may write thumbnails with, in lookup order.
var Extensions = []string{".jpg", ".jpeg", ".webp", ".png"}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type Options struct {
	Width       int
	MaxBytes    int64
	HTTPTimeout time.Duration
	// Root is the download root; S3 keys are paths relative to it.
	Root        string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// Normalizer rewrites thumbnails in place and mirrors them when S3 is configured.
type Normalizer struct {
	opts       Options
	httpClient *http.Client
	mirror     uploader
}

func New(ctx context.Context, opts Options) (*Normalizer, error) {
	if opts.Width <= 0 {
		opts.Width = 640
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 * 1024 * 1024
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	n := &Normalizer{opts: opts, httpClient: &http.Client{Timeout: opts.HTTPTimeout}}
	if opts.S3Bucket != "" {
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		n.mirror = &s3Uploader{client: client, bucket: opts.S3Bucket}
	}
	return n, nil
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.S3Region),
	}
	if opts.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.S3Endpoint,
					HostnameImmutable: opts.S3PathStyle,
					SigningRegion:     opts.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.S3PathStyle
	}), nil
}

// Find returns the thumbnail written next to base, if any.
func Find(base string) (string, bool) {
	for _, ext := range Extensions {
		p := base + ext
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Normalize decodes src, scales it down to the configured width and writes
// base+".jpg". A source in another format is removed afterwards.
func (n *Normalizer) Normalize(ctx context.Context, src, base string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open thumbnail: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, n.opts.MaxBytes+1))
	f.Close()
	if err != nil {
		return "", fmt.Errorf("read thumbnail: %w", err)
	}
	if int64(len(data)) > n.opts.MaxBytes {
		return "", fmt.Errorf("thumbnail too large (>%d bytes)", n.opts.MaxBytes)
	}
	dst, err := n.write(ctx, data, base)
	if err != nil {
		return "", err
	}
	if filepath.Clean(src) != filepath.Clean(dst) {
		if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[thumbnail] event=remove_source_failed path=%q err=%v", src, err)
		}
	}
	return dst, nil
}

// Fetch downloads a remote thumbnail URL and normalizes it to base+".jpg".
func (n *Normalizer) Fetch(ctx context.Context, url, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("download thumbnail: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, n.opts.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read thumbnail: %w", err)
	}
	if int64(len(body)) > n.opts.MaxBytes {
		return "", fmt.Errorf("thumbnail too large (>%d bytes)", n.opts.MaxBytes)
	}
	return n.write(ctx, body, base)
}

func (n *Normalizer) write(ctx context.Context, data []byte, base string) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode thumbnail: %w", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return "", errors.New("invalid thumbnail dimensions")
	}
	if img.Bounds().Dx() > n.opts.Width {
		img = imaging.Resize(img, n.opts.Width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	dst := base + ".jpg"
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(dst, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}

	if n.mirror != nil {
		key := n.key(dst)
		if _, err := n.mirror.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
			log.Printf("[thumbnail] event=mirror_failed key=%q err=%v", key, err)
		}
	}
	return dst, nil
}

func (n *Normalizer) key(path string) string {
	if n.opts.Root != "" {
		if rel, err := filepath.Rel(n.opts.Root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return sanitizeKey(rel)
		}
	}
	return sanitizeKey(filepath.Base(path))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
