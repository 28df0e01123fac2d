package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"gallery/internal/models"
)

const (
	defaultPageSize = 24
	maxPageSize     = 100
)

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
}

type photoPage struct {
	Photos     []models.Photo `json:"photos"`
	HasMore    bool           `json:"hasMore"`
	TotalCount int            `json:"totalCount"`
	NextOffset *int           `json:"nextOffset"`
}

func paginate(photos []models.Photo, offset, limit int) photoPage {
	total := len(photos)
	start := min(offset, total)
	end := min(start+limit, total)

	page := photoPage{Photos: photos[start:end], TotalCount: total}
	if end < total {
		page.HasMore = true
		page.NextOffset = &end
	}
	return page
}

func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return max(lo, min(v, hi))
}

func (s *Server) handleListPhotos(c *gin.Context) {
	const op = "server.handleListPhotos"

	album, ok := s.publicAlbum(c, op)
	if !ok {
		return
	}
	def := album.SortOrder
	if def == "" {
		def = models.SortNewest
	}
	order := models.ParseSortOrder(c.Query("sort"), def)

	photos, err := s.store.GetPhotosByAlbum(c.Request.Context(), album.ID, c.Query("tag"), order)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	offset := queryInt(c, "offset", 0, 0, len(photos))
	limit := queryInt(c, "limit", defaultPageSize, 1, maxPageSize)
	if offset == 0 {
		s.record(c.Request.Context(), album.ID, nil, models.EventPageView)
	}
	c.JSON(http.StatusOK, paginate(photos, offset, limit))
}

// handleServePhoto streams one stored file. Generated filenames never change content, so
// responses are cacheable forever.
func (s *Server) handleServePhoto(c *gin.Context) {
	const op = "server.handleServePhoto"

	filename := c.Param("filename")
	kind, ok := models.ParseKind(c.Param("size"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: unknown size %q", op, c.Param("size"))})
		return
	}
	slug := c.Query("album")
	if !models.ValidSlug(slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, models.ErrInvalidSlug)})
		return
	}
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: invalid filename", op)})
		return
	}

	info, err := s.files.Stat(slug, kind, filename)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s: %v", op, models.ErrNotFound)})
		return
	}

	contentType, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.File(s.files.Path(slug, kind, filename))
}

func (s *Server) handleDeletePhoto(c *gin.Context) {
	const op = "server.handleDeletePhoto"

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	ctx := c.Request.Context()
	photo, err := s.store.GetPhoto(ctx, id)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	album, err := s.store.GetAlbumByID(ctx, photo.AlbumID)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	if err := s.store.DeletePhoto(ctx, id); err != nil {
		s.fail(c, op, err)
		return
	}
	if err := s.files.DeletePhoto(photo.Filename, album.Slug); err != nil {
		s.log.Warn().Err(err).Int64("photo_id", id).Msg("photo files not fully removed")
	}
	c.Status(http.StatusNoContent)
}
