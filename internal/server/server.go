package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gallery/internal/archive"
	"gallery/internal/ingest"
	"gallery/internal/models"
	"gallery/internal/queue"
)

type Store interface {
	GetAlbumBySlug(ctx context.Context, slug string) (models.Album, error)
	GetAlbumByID(ctx context.Context, id int64) (models.Album, error)
	CreateAlbum(ctx context.Context, album models.Album) (models.Album, error)
	RenameAlbum(ctx context.Context, id int64, newSlug string, moveFiles, revertFiles func() error) error
	DeleteAlbum(ctx context.Context, id int64) error
	GetPhotosByAlbum(ctx context.Context, albumID int64, tagSlug string, order models.SortOrder) ([]models.Photo, error)
	GetPhotosByIDs(ctx context.Context, albumID int64, ids []int64) ([]models.Photo, error)
	GetPhoto(ctx context.Context, id int64) (models.Photo, error)
	DeletePhoto(ctx context.Context, id int64) error
	GetTags(ctx context.Context, albumID int64) ([]models.Tag, error)
	SetAlbumVisibility(ctx context.Context, id int64, isPublic bool, expiresAt *time.Time) (models.Album, error)
	RecordEvent(ctx context.Context, albumID int64, photoID *int64, event models.EventType) error
	GetAlbumAnalytics(ctx context.Context, albumID int64) (models.AlbumAnalytics, error)
}

type Files interface {
	EnsureDirs(slug string) error
	Rename(oldSlug, newSlug string) error
	DeleteAlbum(slug string) error
	DeletePhoto(filename, slug string) error
	Path(slug string, kind models.DerivativeKind, filename string) string
	Stat(slug string, kind models.DerivativeKind, filename string) (fs.FileInfo, error)
}

type Ingester interface {
	IngestBatch(ctx context.Context, album models.Album, uploads []ingest.Upload) ingest.Result
	ImportFiles(ctx context.Context, album models.Album, paths []string, remove bool) (ingest.Result, error)
	RegenerateAlbum(ctx context.Context, album models.Album) (ingest.Result, error)
}

type Exporter interface {
	Export(ctx context.Context, entries []archive.Entry) *archive.Stream
	EstimateSize(entries []archive.Entry) int64
}

type Publisher interface {
	PublishRegenerate(ctx context.Context, jobs ...queue.RegenerateJob) error
}

type Deps struct {
	Store    Store
	Files    Files
	Ingest   Ingester
	Exporter Exporter
	// Publisher queues regeneration jobs. When nil, regeneration runs inside the request.
	Publisher Publisher
	Log       zerolog.Logger
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	http   *http.Server

	store     Store
	files     Files
	ingest    Ingester
	exporter  Exporter
	publisher Publisher
	log       zerolog.Logger
	now       func() time.Time
}

func NewServer(cfg *models.Config, deps Deps) *Server {
	r := gin.New()
	log := deps.Log.With().Str("component", "http").Logger()
	r.Use(gin.Recovery(), requestLogger(log))
	if cfg.MaxUploadSize > 0 {
		r.MaxMultipartMemory = cfg.MaxUploadSize
	}

	s := &Server{
		cfg:       cfg,
		router:    r,
		store:     deps.Store,
		files:     deps.Files,
		ingest:    deps.Ingest,
		exporter:  deps.Exporter,
		publisher: deps.Publisher,
		log:       log,
		now:       time.Now,
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/albums", s.handleCreateAlbum)
	api.PUT("/albums/:slug", s.handleRenameAlbum)
	api.PUT("/albums/:slug/visibility", s.handleSetVisibility)
	api.GET("/albums/:slug/analytics", s.handleAlbumAnalytics)
	api.DELETE("/albums/:slug", s.handleDeleteAlbum)
	api.POST("/albums/:slug/photos", s.handleUpload)
	api.GET("/albums/:slug/import", s.handleListImport)
	api.POST("/albums/:slug/import", s.handleImport)
	api.POST("/albums/:slug/regenerate", s.handleRegenerate)
	api.GET("/albums/:slug/photos", s.handleListPhotos)
	api.GET("/albums/:slug/tags", s.handleListTags)
	api.GET("/albums/:slug/download", s.handleDownloadAlbum)
	api.GET("/download/photos/:slug", s.handleDownloadSelected)
	api.POST("/download/track/:albumId", s.handleTrackAlbumDownload)
	api.POST("/download/track-photo/:albumId", s.handleTrackPhotoDownload)
	api.POST("/download/track-photo/:albumId/:photoId", s.handleTrackPhotoDownload)
	api.GET("/photos/:filename/:size", s.handleServePhoto)
	api.DELETE("/photos/:id", s.handleDeletePhoto)

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A clean Stop is not reported as an error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.ServerAddr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRenameConflict), errors.Is(err, models.ErrSlugTaken):
		return http.StatusConflict
	case errors.Is(err, models.ErrAlbumExpired):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidSlug), errors.Is(err, models.ErrPathTraversal):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
}

// album loads the album named by the :slug parameter, writing the error response itself
// when that fails.
func (s *Server) album(c *gin.Context, op string) (models.Album, bool) {
	slug := c.Param("slug")
	if !models.ValidSlug(slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, models.ErrInvalidSlug)})
		return models.Album{}, false
	}
	album, err := s.store.GetAlbumBySlug(c.Request.Context(), slug)
	if err != nil {
		s.fail(c, op, err)
		return models.Album{}, false
	}
	return album, true
}

// publicAlbum is album for visitor-facing routes: hidden albums answer 404 and expired
// ones 403.
func (s *Server) publicAlbum(c *gin.Context, op string) (models.Album, bool) {
	album, ok := s.album(c, op)
	if !ok {
		return models.Album{}, false
	}
	if err := album.Visible(s.now()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return models.Album{}, false
	}
	return album, true
}

// record stores an analytics event. Failures never reach the visitor.
func (s *Server) record(ctx context.Context, albumID int64, photoID *int64, event models.EventType) {
	if err := s.store.RecordEvent(ctx, albumID, photoID, event); err != nil {
		s.log.Warn().Err(err).Int64("album_id", albumID).Str("event", string(event)).Msg("analytics event not recorded")
	}
}
