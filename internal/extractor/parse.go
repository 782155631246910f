package extractor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"catalog-curator/internal/models"
)

// Metadata is the subset of an extractor info document the curator uses.
type Metadata struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Uploader      string         `json:"uploader"`
	UploaderID    string         `json:"uploader_id"`
	Duration      float64        `json:"duration"`
	UploadDate    string         `json:"upload_date"`
	Description   string         `json:"description"`
	Thumbnail     string         `json:"thumbnail"`
	WebpageURL    string         `json:"webpage_url"`
	PlaylistCount int            `json:"playlist_count"`
	Entries       []models.Entry `json:"entries"`
}

// Catalog is a whole-catalog listing from a single extractor call.
type Catalog struct {
	Entries []models.Entry
	Total   int
}

// parseEntries accepts either newline-delimited JSON objects or a single
// object carrying an entries array. Lines that are not JSON objects are
// skipped, as are entries without an id.
func parseEntries(stdout []byte) ([]models.Entry, int, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, 0, nil
	}

	var entries []models.Entry
	total := 0
	sawJSON := false
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var doc Metadata
		if err := json.Unmarshal(line, &doc); err != nil {
			continue
		}
		sawJSON = true
		if doc.Entries != nil {
			if doc.PlaylistCount > total {
				total = doc.PlaylistCount
			}
			for _, e := range doc.Entries {
				if e.ID != "" {
					entries = append(entries, e)
				}
			}
			continue
		}
		if doc.ID != "" {
			entries = append(entries, models.Entry{
				ID:         doc.ID,
				Title:      doc.Title,
				URL:        doc.WebpageURL,
				WebpageURL: doc.WebpageURL,
				Uploader:   doc.Uploader,
				UploaderID: doc.UploaderID,
				Duration:   doc.Duration,
				UploadDate: doc.UploadDate,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan extractor output: %w", err)
	}
	if !sawJSON {
		return nil, 0, fmt.Errorf("extractor output is not JSON")
	}
	return entries, total, nil
}
