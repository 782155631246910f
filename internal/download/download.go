// Package download fetches single catalog entries into a subscription
// directory and records the outcome in the inventory.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"catalog-curator/internal/credentials"
	"catalog-curator/internal/extractor"
	"catalog-curator/internal/inventory"
	"catalog-curator/internal/models"
	"catalog-curator/internal/queue"
	"catalog-curator/internal/telemetry"
	"catalog-curator/internal/thumbnail"
)

// Fetcher is the extractor surface used per item.
type Fetcher interface {
	Download(ctx context.Context, req extractor.DownloadRequest) error
	Probe(ctx context.Context, call extractor.Call) (extractor.Metadata, error)
}

// Store records completed and failed downloads.
type Store interface {
	UpsertDownloaded(ctx context.Context, v models.Video) (int64, error)
	RecordDownloadFailure(ctx context.Context, f models.DownloadFailure) error
}

type CredentialSource interface {
	Acquire(ctx context.Context) (*models.Credential, error)
	RecordUse(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, reason string) (bool, error)
}

type Admission interface {
	Run(ctx context.Context, spec queue.JobSpec, fn func(ctx context.Context, jobID string) error) error
}

// Thumbnails normalizes the cover image written next to the media file, or
// fetches it when the extractor wrote none. Optional.
type Thumbnails interface {
	Normalize(ctx context.Context, src, base string) (string, error)
	Fetch(ctx context.Context, url, base string) (string, error)
}

// DefaultFormats is the fallback ladder tried when a format is unavailable.
var DefaultFormats = []string{
	"bv*[height<=1080]+ba/b[height<=1080]",
	"bv*+ba/b",
	"best",
}

type Options struct {
	// Formats are tried in order; only a format error moves to the next one.
	Formats []string
	// ItemURL builds the item locator when an entry carries no URL.
	ItemURL func(id string) string
}

// Downloader runs one admission-controlled download per entry.
type Downloader struct {
	fetcher   Fetcher
	creds     CredentialSource
	admission Admission
	store     Store
	thumbs    Thumbnails
	opts      Options
}

func New(fetcher Fetcher, creds CredentialSource, admission Admission, st Store, thumbs Thumbnails, opts Options) *Downloader {
	if len(opts.Formats) == 0 {
		opts.Formats = DefaultFormats
	}
	if opts.ItemURL == nil {
		opts.ItemURL = func(id string) string { return "https://www.bilibili.com/video/" + id }
	}
	return &Downloader{fetcher: fetcher, creds: creds, admission: admission, store: st, thumbs: thumbs, opts: opts}
}

// Download fetches entry into dir and upserts the inventory row. Failures are
// recorded against the id; permanent ones exclude it from later sessions.
func (d *Downloader) Download(ctx context.Context, sub models.Subscription, entry models.Entry, dir string) (models.Video, error) {
	cred, err := d.creds.Acquire(ctx)
	if err != nil && !errors.Is(err, credentials.ErrNoCredential) {
		log.Printf("[download] event=credential_unavailable id=%s err=%v", entry.ID, err)
	}
	locator := entry.Locator()
	if locator == "" {
		locator = d.opts.ItemURL(entry.ID)
	}
	call := extractor.Call{Locator: locator, Credential: cred, Identity: extractor.IdentityBrowser}

	sid := sub.ID
	var media string
	spec := queue.JobSpec{Type: models.JobDownload, SubscriptionID: &sid, VideoID: entry.ID, RequiresCredential: cred != nil}
	err = d.admission.Run(ctx, spec, func(ctx context.Context, jobID string) error {
		if err := d.fetchWithFallback(ctx, call, dir, entry.ID); err != nil {
			return err
		}
		found, err := FindMedia(dir, entry.ID)
		if err != nil {
			return err
		}
		media = found
		return nil
	})
	var video models.Video
	if err == nil {
		video, err = d.collect(ctx, sub, entry, media, call)
	}
	if err != nil {
		telemetry.ItemDownloads.WithLabelValues(string(extractor.KindOf(err))).Inc()
		if ctx.Err() == nil {
			d.recordFailure(ctx, sub, entry, err)
		}
		return models.Video{}, err
	}
	if cred != nil {
		if err := d.creds.RecordUse(ctx, cred.ID); err != nil {
			log.Printf("[download] event=credential_use_failed err=%v", err)
		}
	}
	telemetry.ItemDownloads.WithLabelValues("ok").Inc()
	return video, nil
}

func (d *Downloader) fetchWithFallback(ctx context.Context, call extractor.Call, dir, id string) error {
	var lastErr error
	for i, format := range d.opts.Formats {
		err := d.fetcher.Download(ctx, extractor.DownloadRequest{Call: call, OutputDir: dir, Format: format})
		if err == nil {
			if i > 0 {
				log.Printf("[download] event=format_fallback id=%s format=%q", id, format)
			}
			return nil
		}
		lastErr = err
		kind := extractor.KindOf(err)
		if kind == extractor.KindAuth && call.Credential != nil {
			if _, ferr := d.creds.RecordFailure(ctx, call.Credential.ID, err.Error()); ferr != nil {
				log.Printf("[download] event=credential_failure_not_saved err=%v", ferr)
			}
		}
		if kind != extractor.KindFormat {
			return err
		}
	}
	return lastErr
}

// collect builds the row from the files the extractor wrote next to media.
// A missing sidecar is recovered with a metadata probe.
func (d *Downloader) collect(ctx context.Context, sub models.Subscription, entry models.Entry, media string, call extractor.Call) (models.Video, error) {
	base := strings.TrimSuffix(media, filepath.Ext(media))
	sid := sub.ID
	v := models.Video{
		ExternalID:     entry.ID,
		Title:          entry.Title,
		Uploader:       entry.Uploader,
		UploaderID:     entry.UploaderID,
		Duration:       int(entry.Duration),
		VideoPath:      &media,
		SubscriptionID: &sid,
	}
	if info, err := os.Stat(media); err == nil {
		v.FileSize = info.Size()
	}

	sidecar := base + ".info.json"
	meta, err := inventory.ReadSidecar(sidecar)
	if err != nil {
		meta, err = d.probe(ctx, sub, entry.ID, call, sidecar)
	}
	if err == nil {
		v.SidecarPath = &sidecar
		if meta.Title != "" {
			v.Title = meta.Title
		}
		if meta.Uploader != "" {
			v.Uploader = meta.Uploader
		}
		if meta.UploaderID != "" {
			v.UploaderID = meta.UploaderID
		}
		if meta.Duration > 0 {
			v.Duration = int(meta.Duration)
		}
		v.Description = meta.Description
		v.UploadDate = meta.ParsedUploadDate()
	}
	if v.Title == "" {
		v.Title = strings.TrimSpace(strings.TrimSuffix(filepath.Base(base), "["+entry.ID+"]"))
	}

	if src, ok := thumbnail.Find(base); ok {
		thumb := src
		if d.thumbs != nil {
			if out, err := d.thumbs.Normalize(ctx, src, base); err != nil {
				log.Printf("[download] event=thumbnail_failed id=%s err=%v", entry.ID, err)
			} else {
				thumb = out
			}
		}
		v.ThumbnailPath = &thumb
	} else if d.thumbs != nil && meta.Thumbnail != "" {
		if out, err := d.thumbs.Fetch(ctx, meta.Thumbnail, base); err != nil {
			log.Printf("[download] event=thumbnail_fetch_failed id=%s err=%v", entry.ID, err)
		} else {
			v.ThumbnailPath = &out
		}
	}

	id, err := d.store.UpsertDownloaded(ctx, v)
	if err != nil {
		return models.Video{}, fmt.Errorf("record download %s: %w", entry.ID, err)
	}
	v.ID = id
	v.Downloaded = true
	return v, nil
}

// probe runs a metadata_probe job for id and writes the result as the
// item's sidecar, so later reconciliation can import it.
func (d *Downloader) probe(ctx context.Context, sub models.Subscription, id string, call extractor.Call, sidecar string) (inventory.Metadata, error) {
	sid := sub.ID
	var md extractor.Metadata
	spec := queue.JobSpec{Type: models.JobMetadataProbe, SubscriptionID: &sid, VideoID: id, RequiresCredential: call.Credential != nil}
	err := d.admission.Run(ctx, spec, func(ctx context.Context, jobID string) error {
		var perr error
		md, perr = d.fetcher.Probe(ctx, call)
		return perr
	})
	if err != nil {
		log.Printf("[download] event=probe_failed id=%s class=%s err=%v", id, extractor.KindOf(err), err)
		return inventory.Metadata{}, err
	}
	if md.ID == "" {
		md.ID = id
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return inventory.Metadata{}, fmt.Errorf("encode sidecar %s: %w", id, err)
	}
	if err := os.WriteFile(sidecar, raw, 0o644); err != nil {
		log.Printf("[download] event=sidecar_write_failed id=%s err=%v", id, err)
		return inventory.Metadata{}, fmt.Errorf("write sidecar %s: %w", id, err)
	}
	return inventory.ReadSidecar(sidecar)
}

func (d *Downloader) recordFailure(ctx context.Context, sub models.Subscription, entry models.Entry, err error) {
	sid := sub.ID
	f := models.DownloadFailure{
		ExternalID:     entry.ID,
		Title:          entry.Title,
		SubscriptionID: &sid,
		Reason:         truncate(err.Error(), 500),
		Permanent:      extractor.KindOf(err) == extractor.KindPermanent,
		At:             time.Now().UTC(),
	}
	if rerr := d.store.RecordDownloadFailure(ctx, f); rerr != nil {
		log.Printf("[download] event=failure_not_saved id=%s err=%v", entry.ID, rerr)
	}
}

// FindMedia returns the media file in dir whose name carries "[id]".
func FindMedia(dir, id string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	marker := "[" + id + "]"
	var matches []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.Contains(name, marker) || !inventory.IsMediaFile(name) {
			continue
		}
		// intermediate stream files look like "name [id].f137.mp4"
		if strings.Contains(strings.TrimSuffix(name, filepath.Ext(name)), marker+".") {
			continue
		}
		matches = append(matches, filepath.Join(dir, name))
	}
	if len(matches) == 0 {
		return "", &extractor.Error{Kind: extractor.KindTransient, Op: "download", Err: fmt.Errorf("no media file for %s in %s", id, dir)}
	}
	sort.Strings(matches)
	return matches[0], nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
