package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gallery/internal/models"
)

func parseID(c *gin.Context, key string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(key), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, c.Param(key))
	}
	return id, nil
}

func (s *Server) handleTrackAlbumDownload(c *gin.Context) {
	const op = "server.handleTrackAlbumDownload"

	albumID, err := parseID(c, "albumId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if _, err := s.store.GetAlbumByID(c.Request.Context(), albumID); err != nil {
		s.fail(c, op, err)
		return
	}
	s.record(c.Request.Context(), albumID, nil, models.EventAlbumDownload)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTrackPhotoDownload counts a single-photo download; the photo id is optional.
func (s *Server) handleTrackPhotoDownload(c *gin.Context) {
	const op = "server.handleTrackPhotoDownload"

	albumID, err := parseID(c, "albumId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	var photoID *int64
	if c.Param("photoId") != "" {
		id, err := parseID(c, "photoId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
		photoID = &id
	}
	if _, err := s.store.GetAlbumByID(c.Request.Context(), albumID); err != nil {
		s.fail(c, op, err)
		return
	}
	s.record(c.Request.Context(), albumID, photoID, models.EventDownload)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAlbumAnalytics(c *gin.Context) {
	const op = "server.handleAlbumAnalytics"

	album, ok := s.album(c, op)
	if !ok {
		return
	}
	stats, err := s.store.GetAlbumAnalytics(c.Request.Context(), album.ID)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type visibilityRequest struct {
	IsPublic  *bool      `json:"is_public" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleSetVisibility(c *gin.Context) {
	const op = "server.handleSetVisibility"

	album, ok := s.album(c, op)
	if !ok {
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	updated, err := s.store.SetAlbumVisibility(c.Request.Context(), album.ID, *req.IsPublic, req.ExpiresAt)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
