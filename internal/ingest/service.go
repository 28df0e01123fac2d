// Package ingest registers new photos: it runs each file through the derivative generator
// and records the result in the metadata store, one isolated unit of work per file.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gallery/internal/models"
)

var ErrTooLarge = errors.New("file exceeds upload limit")

type Store interface {
	GetAlbumByID(ctx context.Context, id int64) (models.Album, error)
	CreatePhoto(ctx context.Context, photo models.Photo) (int64, error)
	UpdatePhotoImage(ctx context.Context, id int64, img models.ProcessedImage) error
	GetPhotosByAlbum(ctx context.Context, albumID int64, tagSlug string, order models.SortOrder) ([]models.Photo, error)
	EnsureTag(ctx context.Context, albumID int64, name, slug string) (int64, error)
	TagPhoto(ctx context.Context, photoID, tagID int64) error
}

type Generator interface {
	Generate(data []byte, originalFilename, albumSlug string) (models.ProcessedImage, error)
	Regenerate(filename, albumSlug string) (models.ProcessedImage, error)
}

// Files removes derivatives of photos that could not be registered.
type Files interface {
	DeletePhoto(filename, albumSlug string) error
}

// Upload is one file of a batch. Open is called once, from a worker goroutine.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
	Tags []string

	rejected error
}

type FileError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type Result struct {
	Uploaded int         `json:"uploaded"`
	Failed   int         `json:"failed"`
	PhotoIDs []int64     `json:"photoIds"`
	Errors   []FileError `json:"errors,omitempty"`
}

type Config struct {
	Workers       int
	MaxUploadSize int64
	ImportDir     string
}

type Service struct {
	store     Store
	generator Generator
	files     Files
	cfg       Config
	log       zerolog.Logger
}

func NewService(store Store, generator Generator, files Files, cfg Config, log zerolog.Logger) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Service{
		store:     store,
		generator: generator,
		files:     files,
		cfg:       cfg,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

type outcome struct {
	id  int64
	err error
}

// IngestBatch processes uploads with at most cfg.Workers files in flight. A failing file
// never affects its siblings; the result counts both.
func (s *Service) IngestBatch(ctx context.Context, album models.Album, uploads []Upload) Result {
	return summarize(uploads, s.run(ctx, album, uploads))
}

func (s *Service) run(ctx context.Context, album models.Album, uploads []Upload) []outcome {
	outcomes := make([]outcome, len(uploads))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, u := range uploads {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			id, err := s.ingestOne(ctx, album, u)
			if err != nil {
				s.log.Warn().Err(err).Str("album", album.Slug).Str("file", u.Name).Msg("file not ingested")
			}
			outcomes[i] = outcome{id: id, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func summarize(uploads []Upload, outcomes []outcome) Result {
	res := Result{PhotoIDs: []int64{}}
	for i, o := range outcomes {
		if o.err != nil {
			res.Failed++
			res.Errors = append(res.Errors, FileError{Name: uploads[i].Name, Error: o.err.Error()})
			continue
		}
		res.Uploaded++
		res.PhotoIDs = append(res.PhotoIDs, o.id)
	}
	return res
}

func (s *Service) ingestOne(ctx context.Context, album models.Album, u Upload) (int64, error) {
	const op = "ingest.ingestOne"

	if u.rejected != nil {
		return 0, fmt.Errorf("%s: %w", op, u.rejected)
	}
	data, err := s.read(u)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	img, err := s.generator.Generate(data, u.Name, album.Slug)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	id, err := s.store.CreatePhoto(ctx, models.Photo{
		AlbumID:          album.ID,
		Filename:         img.Filename,
		OriginalFilename: u.Name,
		Width:            img.Width,
		Height:           img.Height,
		FileSize:         img.FileSize,
		MimeType:         img.MimeType,
		ExifMetadata:     img.ExifMetadata,
	})
	if err != nil {
		if derr := s.files.DeletePhoto(img.Filename, album.Slug); derr != nil {
			s.log.Error().Err(derr).Str("filename", img.Filename).Msg("failed to remove unregistered photo files")
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	for _, name := range u.Tags {
		if err := s.tag(ctx, album.ID, id, name); err != nil {
			s.log.Warn().Err(err).Int64("photo_id", id).Str("tag", name).Msg("tag not applied")
		}
	}
	return id, nil
}

func (s *Service) read(u Upload) ([]byte, error) {
	rc, err := u.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStorageIO, err)
	}
	defer rc.Close()

	r := io.Reader(rc)
	if s.cfg.MaxUploadSize > 0 {
		r = io.LimitReader(rc, s.cfg.MaxUploadSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStorageIO, err)
	}
	if s.cfg.MaxUploadSize > 0 && int64(len(data)) > s.cfg.MaxUploadSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

func (s *Service) tag(ctx context.Context, albumID, photoID int64, name string) error {
	slug := models.Slugify(name)
	if slug == "" {
		return nil
	}
	tagID, err := s.store.EnsureTag(ctx, albumID, name, slug)
	if err != nil {
		return err
	}
	return s.store.TagPhoto(ctx, photoID, tagID)
}

// RegeneratePhoto rebuilds one photo's derivatives and stores the refreshed dimensions and
// metadata.
func (s *Service) RegeneratePhoto(ctx context.Context, albumSlug string, photoID int64, filename string) error {
	const op = "ingest.RegeneratePhoto"

	img, err := s.generator.Regenerate(filename, albumSlug)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.UpdatePhotoImage(ctx, photoID, img); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RegenerateQueued handles a regeneration job that names its album by ID. The slug is looked
// up when the job runs, so a job queued before a rename still finds the files.
func (s *Service) RegenerateQueued(ctx context.Context, albumID, photoID int64, filename string) error {
	const op = "ingest.RegenerateQueued"

	album, err := s.store.GetAlbumByID(ctx, albumID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return s.RegeneratePhoto(ctx, album.Slug, photoID, filename)
}

// RegenerateAlbum regenerates every photo of album in place.
func (s *Service) RegenerateAlbum(ctx context.Context, album models.Album) (Result, error) {
	const op = "ingest.RegenerateAlbum"

	photos, err := s.store.GetPhotosByAlbum(ctx, album.ID, "", models.SortOldest)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	var (
		mu  sync.Mutex
		res = Result{PhotoIDs: []int64{}}
		g   errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for _, p := range photos {
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = s.RegeneratePhoto(ctx, album.Slug, p.ID, p.Filename)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Int64("photo_id", p.ID).Msg("regenerate failed")
				res.Failed++
				res.Errors = append(res.Errors, FileError{Name: p.OriginalFilename, Error: err.Error()})
				return nil
			}
			res.Uploaded++
			res.PhotoIDs = append(res.PhotoIDs, p.ID)
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info().Str("album", album.Slug).Int("regenerated", res.Uploaded).Int("failed", res.Failed).
		Msg("album regenerated")
	return res, nil
}
