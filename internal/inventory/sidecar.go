package inventory

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// VideoExtensions are the media suffixes counted as local videos.
var VideoExtensions = []string{".mp4", ".mkv", ".webm", ".flv", ".avi", ".mov", ".m4v"}

// IsMediaFile reports whether path has a known video extension.
func IsMediaFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, v := range VideoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}

// IsSidecar reports whether path is a metadata sidecar in either naming
// convention: "<base>.info.json" or "<base>.json".
func IsSidecar(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// SidecarBase returns the media base path a sidecar belongs to.
func SidecarBase(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return strings.TrimSuffix(base, ".info")
}

// MediaForSidecar finds the media file next to a sidecar.
func MediaForSidecar(path string) (string, bool) {
	base := SidecarBase(path)
	for _, ext := range VideoExtensions {
		candidate := base + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// Metadata is the subset of sidecar fields the inventory records.
type Metadata struct {
	ID          string  `json:"id"`
	BVID        string  `json:"bvid"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
	UploadDate  string  `json:"upload_date"`
	Uploader    string  `json:"uploader"`
	UploaderID  string  `json:"uploader_id"`
	ChannelID   string  `json:"channel_id"`
	Thumbnail   string  `json:"thumbnail"`
}

// ExternalID returns the first non-empty id field.
func (m Metadata) ExternalID() string {
	if m.ID != "" {
		return m.ID
	}
	return m.BVID
}

// ParsedUploadDate accepts YYYYMMDD, YYYY-MM-DD and YYYY/MM/DD.
func (m Metadata) ParsedUploadDate() *time.Time {
	for _, layout := range []string{"20060102", "2006-01-02", "2006/01/02"} {
		if t, err := time.Parse(layout, m.UploadDate); err == nil {
			return &t
		}
	}
	return nil
}

func ReadSidecar(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read sidecar: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode sidecar %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// SidecarID reads the external id recorded in a sidecar.
func SidecarID(path string) (string, error) {
	m, err := ReadSidecar(path)
	if err != nil {
		return "", err
	}
	if m.ExternalID() == "" {
		return "", fmt.Errorf("sidecar %s has no id", filepath.Base(path))
	}
	return m.ExternalID(), nil
}

// LocalVideo is a media file recovered from its sidecar.
type LocalVideo struct {
	Metadata    Metadata
	MediaPath   string
	SidecarPath string
}

// ScanSidecars walks dir for sidecars with an id and an adjacent media file.
// When both naming conventions exist for one media file the extended
// ".info.json" sidecar wins and the media file is reported once.
func ScanSidecars(dir string) ([]LocalVideo, error) {
	byMedia := make(map[string]LocalVideo)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() || !IsSidecar(path) {
			return nil
		}
		media, ok := MediaForSidecar(path)
		if !ok {
			return nil
		}
		if prev, seen := byMedia[media]; seen && strings.HasSuffix(prev.SidecarPath, ".info.json") {
			return nil
		}
		meta, err := ReadSidecar(path)
		if err != nil || meta.ExternalID() == "" {
			return nil
		}
		byMedia[media] = LocalVideo{Metadata: meta, MediaPath: media, SidecarPath: path}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	out := make([]LocalVideo, 0, len(byMedia))
	for _, v := range byMedia {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MediaPath < out[j].MediaPath })
	return out, nil
}
