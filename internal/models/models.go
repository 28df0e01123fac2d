// internal/models/models.go
package models

import (
	"regexp"
	"strings"
	"time"
)

type DerivativeKind string

const (
	KindOriginal  DerivativeKind = "original"
	KindMedium    DerivativeKind = "medium"
	KindThumbnail DerivativeKind = "thumbnail"
)

// Kinds lists every derivative kind in the order they are written at ingest.
var Kinds = []DerivativeKind{KindOriginal, KindMedium, KindThumbnail}

func ParseKind(s string) (DerivativeKind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

type SortOrder string

const (
	SortNewest SortOrder = "newest"
	SortOldest SortOrder = "oldest"
	SortRandom SortOrder = "random"
)

// ParseSortOrder falls back to def for anything it does not recognise.
func ParseSortOrder(s string, def SortOrder) SortOrder {
	switch SortOrder(s) {
	case SortNewest, SortOldest, SortRandom:
		return SortOrder(s)
	}
	return def
}

// ExifMetadata holds best-effort capture metadata. A nil field means the value was absent.
type ExifMetadata struct {
	DateTaken    *string  `json:"date_taken" db:"date_taken"`
	CameraMake   *string  `json:"camera_make" db:"camera_make"`
	CameraModel  *string  `json:"camera_model" db:"camera_model"`
	LensModel    *string  `json:"lens_model" db:"lens_model"`
	FocalLength  *float64 `json:"focal_length" db:"focal_length"`
	Aperture     *float64 `json:"aperture" db:"aperture"`
	ShutterSpeed *string  `json:"shutter_speed" db:"shutter_speed"`
	ISO          *int     `json:"iso" db:"iso"`
}

// ProcessedImage describes the files written for one photo. Width, Height and FileSize
// always refer to the original.
type ProcessedImage struct {
	Filename string `json:"filename"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
	ExifMetadata
}

type Album struct {
	ID        int64      `json:"id" db:"id"`
	Title     string     `json:"title" db:"title"`
	Slug      string     `json:"slug" db:"slug"`
	SortOrder SortOrder  `json:"sort_order" db:"sort_order"`
	IsPublic  bool       `json:"is_public" db:"is_public"`
	ExpiresAt *time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Visible reports whether visitors may browse and download the album at now. A hidden
// album reads as missing; an expired one as ErrAlbumExpired.
func (a Album) Visible(now time.Time) error {
	if !a.IsPublic {
		return ErrNotFound
	}
	if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
		return ErrAlbumExpired
	}
	return nil
}

type EventType string

const (
	EventPageView      EventType = "page_view"
	EventDownload      EventType = "download"
	EventAlbumDownload EventType = "album_download"
)

type AlbumAnalytics struct {
	PageViews      int64           `json:"page_views"`
	Downloads      int64           `json:"downloads"`
	AlbumDownloads int64           `json:"album_downloads"`
	PhotoDownloads map[int64]int64 `json:"photo_downloads"`
}

type Photo struct {
	ID               int64     `json:"id" db:"id"`
	AlbumID          int64     `json:"album_id" db:"album_id"`
	Filename         string    `json:"filename" db:"filename"`
	OriginalFilename string    `json:"original_filename" db:"original_filename"`
	Width            int       `json:"width" db:"width"`
	Height           int       `json:"height" db:"height"`
	FileSize         int64     `json:"file_size" db:"file_size"`
	MimeType         string    `json:"mime_type" db:"mime_type"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	ExifMetadata
}

type Tag struct {
	ID      int64  `json:"id" db:"id"`
	AlbumID int64  `json:"album_id" db:"album_id"`
	Name    string `json:"name" db:"name"`
	Slug    string `json:"slug" db:"slug"`
}

var (
	slugPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	nonWord      = regexp.MustCompile(`[^\w\s-]`)
	separatorRun = regexp.MustCompile(`[\s_-]+`)
)

// ValidSlug reports whether s is safe to use as an album directory name.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

func Slugify(text string) string {
	s := strings.TrimSpace(strings.ToLower(text))
	s = nonWord.ReplaceAllString(s, "")
	s = separatorRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
