package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gallery/internal/ingest"
	"gallery/internal/models"
	"gallery/internal/queue"
)

type createAlbumRequest struct {
	Title     string     `json:"title" binding:"required"`
	Slug      string     `json:"slug"`
	SortOrder string     `json:"sort_order"`
	IsPublic  *bool      `json:"is_public"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleCreateAlbum(c *gin.Context) {
	const op = "server.handleCreateAlbum"

	var req createAlbumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	slug := req.Slug
	if slug == "" {
		slug = models.Slugify(req.Title)
	}
	if !models.ValidSlug(slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, models.ErrInvalidSlug)})
		return
	}

	public := true
	if req.IsPublic != nil {
		public = *req.IsPublic
	}

	album, err := s.store.CreateAlbum(c.Request.Context(), models.Album{
		Title:     req.Title,
		Slug:      slug,
		SortOrder: models.ParseSortOrder(req.SortOrder, models.SortNewest),
		IsPublic:  public,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.fail(c, op, err)
		return
	}
	if err := s.files.EnsureDirs(album.Slug); err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, album)
}

type renameAlbumRequest struct {
	Slug string `json:"slug" binding:"required"`
}

func (s *Server) handleRenameAlbum(c *gin.Context) {
	const op = "server.handleRenameAlbum"

	album, ok := s.album(c, op)
	if !ok {
		return
	}
	var req renameAlbumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if !models.ValidSlug(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, models.ErrInvalidSlug)})
		return
	}

	if req.Slug != album.Slug {
		err := s.store.RenameAlbum(c.Request.Context(), album.ID, req.Slug,
			func() error { return s.files.Rename(album.Slug, req.Slug) },
			func() error { return s.files.Rename(req.Slug, album.Slug) },
		)
		if err != nil {
			s.fail(c, op, err)
			return
		}
	}
	album.Slug = req.Slug
	c.JSON(http.StatusOK, album)
}

func (s *Server) handleDeleteAlbum(c *gin.Context) {
	const op = "server.handleDeleteAlbum"

	album, ok := s.album(c, op)
	if !ok {
		return
	}
	if err := s.store.DeleteAlbum(c.Request.Context(), album.ID); err != nil {
		s.fail(c, op, err)
		return
	}
	if err := s.files.DeleteAlbum(album.Slug); err != nil {
		s.fail(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	album, ok := s.album(c, op)
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	headers := form.File["photos"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: no files in field \"photos\"", op)})
		return
	}

	uploads := make([]ingest.Upload, len(headers))
	for i, fh := range headers {
		uploads[i] = ingest.Upload{Name: fh.Filename, Open: func() (io.ReadCloser, error) { return fh.Open() }}
	}
	c.JSON(http.StatusOK, s.ingest.IngestBatch(c.Request.Context(), album, uploads))
}

func (s *Server) handleListImport(c *gin.Context) {
	const op = "server.handleListImport"

	if _, ok := s.album(c, op); !ok {
		return
	}
	files, err := ingest.ScanImportFolder(s.cfg.ImportDir)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

type importRequest struct {
	Paths  []string `json:"paths"`
	Remove bool     `json:"remove"`
}

func (s *Server) handleImport(c *gin.Context) {
	const op = "server.handleImport"

	album, ok := s.album(c, op)
	if !ok {
		return
	}
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	res, err := s.ingest.ImportFiles(c.Request.Context(), album, req.Paths, req.Remove)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRegenerate(c *gin.Context) {
	const op = "server.handleRegenerate"

	album, ok := s.album(c, op)
	if !ok {
		return
	}

	if s.publisher == nil {
		res, err := s.ingest.RegenerateAlbum(c.Request.Context(), album)
		if err != nil {
			s.fail(c, op, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	photos, err := s.store.GetPhotosByAlbum(c.Request.Context(), album.ID, "", models.SortOldest)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	jobs := make([]queue.RegenerateJob, len(photos))
	for i, p := range photos {
		jobs[i] = queue.RegenerateJob{AlbumID: album.ID, PhotoID: p.ID, Filename: p.Filename}
	}
	if err := s.publisher.PublishRegenerate(c.Request.Context(), jobs...); err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": len(jobs)})
}

func (s *Server) handleListTags(c *gin.Context) {
	const op = "server.handleListTags"

	album, ok := s.publicAlbum(c, op)
	if !ok {
		return
	}
	tags, err := s.store.GetTags(c.Request.Context(), album.ID)
	if err != nil {
		s.fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}
