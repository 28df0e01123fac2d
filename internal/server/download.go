package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"gallery/internal/archive"
	"gallery/internal/models"
)

func entries(album models.Album, photos []models.Photo) []archive.Entry {
	out := make([]archive.Entry, len(photos))
	for i, p := range photos {
		out[i] = archive.Entry{
			Filename:    p.Filename,
			AlbumSlug:   album.Slug,
			DisplayName: p.OriginalFilename,
			StoredSize:  p.FileSize,
		}
	}
	return out
}

func (s *Server) handleDownloadAlbum(c *gin.Context) {
	const op = "server.handleDownloadAlbum"

	album, ok := s.publicAlbum(c, op)
	if !ok {
		return
	}
	order := album.SortOrder
	if order == "" {
		order = models.SortNewest
	}
	photos, err := s.store.GetPhotosByAlbum(c.Request.Context(), album.ID, "", order)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	if len(photos) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s: album has no photos", op)})
		return
	}
	s.record(c.Request.Context(), album.ID, nil, models.EventAlbumDownload)
	s.streamZip(c, album.Slug, entries(album, photos))
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	seen := map[int64]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid photo id %q", part)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Server) handleDownloadSelected(c *gin.Context) {
	const op = "server.handleDownloadSelected"

	album, ok := s.publicAlbum(c, op)
	if !ok {
		return
	}
	ids, err := parseIDs(c.Query("ids"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: no photo ids", op)})
		return
	}

	photos, err := s.store.GetPhotosByIDs(c.Request.Context(), album.ID, ids)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	if len(photos) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s: %v", op, models.ErrNotFound)})
		return
	}
	for _, p := range photos {
		s.record(c.Request.Context(), album.ID, &p.ID, models.EventDownload)
	}
	s.streamZip(c, album.Slug, entries(album, photos))
}

// streamZip copies an export to the client as it is produced. The size header is only an
// estimate, so no Content-Length is sent.
func (s *Server) streamZip(c *gin.Context, slug string, list []archive.Entry) {
	estimate := s.exporter.EstimateSize(list)

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, slug))
	c.Header("X-Estimated-Size", strconv.FormatInt(estimate, 10))
	c.Status(http.StatusOK)

	stream := s.exporter.Export(c.Request.Context(), list)
	defer stream.Close()

	n, err := io.Copy(c.Writer, stream)
	if err != nil {
		if archive.IsCancelled(err) || c.Request.Context().Err() != nil {
			s.log.Info().Str("album", slug).Int64("sent", n).Msg("download abandoned by client")
			return
		}
		s.log.Error().Err(err).Str("album", slug).Int64("sent", n).Msg("download failed")
		return
	}
	stats := stream.Stats()
	s.log.Info().Str("album", slug).Int("files", stats.Written).Int("skipped", stats.Skipped).
		Int("truncated", stats.Truncated).Int64("bytes", n).Msg("download finished")
}
