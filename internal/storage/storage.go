// Package storage is the PostgreSQL metadata store for albums, photos and tags.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"gallery/internal/models"
	"gallery/internal/ordering"
)

const uniqueViolation = "23505"

type Storage struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewStorage(ctx context.Context, dsn string, log zerolog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	if err := runMigrations(dsn, log); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, log: log.With().Str("component", "storage").Logger()}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

const photoColumns = `p.id, p.album_id, p.filename, p.original_filename, p.width, p.height, p.file_size,
	p.mime_type, p.created_at, p.date_taken, p.camera_make, p.camera_model, p.lens_model,
	p.focal_length, p.aperture, p.shutter_speed, p.iso`

var photoOrderBy = map[models.SortOrder]string{
	models.SortNewest: `COALESCE(p.date_taken, to_char(p.created_at, 'YYYY-MM-DD"T"HH24:MI:SS')) DESC, p.id DESC`,
	models.SortOldest: `COALESCE(p.date_taken, to_char(p.created_at, 'YYYY-MM-DD"T"HH24:MI:SS')) ASC, p.id ASC`,
	models.SortRandom: `p.id ASC`,
}

// photosQuery builds the album listing. Only allow-listed ORDER BY clauses are used.
func photosQuery(albumID int64, tagSlug string, order models.SortOrder) (string, []any) {
	orderBy, ok := photoOrderBy[order]
	if !ok {
		orderBy = photoOrderBy[models.SortNewest]
	}

	var b strings.Builder
	b.WriteString("SELECT " + photoColumns + " FROM photos p")
	args := []any{albumID}
	if tagSlug != "" {
		b.WriteString(` JOIN photo_tag_relations r ON r.photo_id = p.id
	JOIN photo_tags t ON t.id = r.tag_id AND t.slug = $2`)
		args = append(args, tagSlug)
	}
	b.WriteString(" WHERE p.album_id = $1 ORDER BY " + orderBy)
	return b.String(), args
}

func scanPhoto(row pgx.Row) (models.Photo, error) {
	var p models.Photo
	err := row.Scan(&p.ID, &p.AlbumID, &p.Filename, &p.OriginalFilename, &p.Width, &p.Height,
		&p.FileSize, &p.MimeType, &p.CreatedAt, &p.DateTaken, &p.CameraMake, &p.CameraModel,
		&p.LensModel, &p.FocalLength, &p.Aperture, &p.ShutterSpeed, &p.ISO)
	return p, err
}

func collectPhotos(rows pgx.Rows) ([]models.Photo, error) {
	defer rows.Close()
	photos := []models.Photo{}
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func (s *Storage) CreatePhoto(ctx context.Context, p models.Photo) (int64, error) {
	const op = "storage.CreatePhoto"

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO photos (album_id, filename, original_filename, width, height, file_size, mime_type,
			date_taken, camera_make, camera_model, lens_model, focal_length, aperture, shutter_speed, iso)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		p.AlbumID, p.Filename, p.OriginalFilename, p.Width, p.Height, p.FileSize, p.MimeType,
		p.DateTaken, p.CameraMake, p.CameraModel, p.LensModel, p.FocalLength, p.Aperture,
		p.ShutterSpeed, p.ISO).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// GetPhotosByAlbum lists an album, optionally restricted to one tag. SortRandom is the
// deterministic per-album order, so repeated calls page consistently.
func (s *Storage) GetPhotosByAlbum(ctx context.Context, albumID int64, tagSlug string, order models.SortOrder) ([]models.Photo, error) {
	const op = "storage.GetPhotosByAlbum"

	query, args := photosQuery(albumID, tagSlug, order)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	photos, err := collectPhotos(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if order == models.SortRandom {
		ordering.Sort(albumID, photos, func(p models.Photo) int64 { return p.ID })
	}
	return photos, nil
}

// GetPhotosByIDs returns the photos of albumID among ids, in the order of ids. Unknown ids
// and ids of other albums are dropped.
func (s *Storage) GetPhotosByIDs(ctx context.Context, albumID int64, ids []int64) ([]models.Photo, error) {
	const op = "storage.GetPhotosByIDs"

	rows, err := s.pool.Query(ctx,
		"SELECT "+photoColumns+" FROM photos p WHERE p.album_id = $1 AND p.id = ANY($2)", albumID, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	found, err := collectPhotos(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	byID := make(map[int64]models.Photo, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	photos := make([]models.Photo, 0, len(found))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			photos = append(photos, p)
			delete(byID, id)
		}
	}
	return photos, nil
}

func (s *Storage) GetPhoto(ctx context.Context, id int64) (models.Photo, error) {
	const op = "storage.GetPhoto"

	p, err := scanPhoto(s.pool.QueryRow(ctx, "SELECT "+photoColumns+" FROM photos p WHERE p.id = $1", id))
	if err != nil {
		return models.Photo{}, fmt.Errorf("%s: %w", op, notFound(err))
	}
	return p, nil
}

func (s *Storage) UpdatePhotoImage(ctx context.Context, id int64, img models.ProcessedImage) error {
	const op = "storage.UpdatePhotoImage"

	tag, err := s.pool.Exec(ctx,
		`UPDATE photos SET width = $2, height = $3, file_size = $4, mime_type = $5, date_taken = $6,
			camera_make = $7, camera_model = $8, lens_model = $9, focal_length = $10, aperture = $11,
			shutter_speed = $12, iso = $13
		WHERE id = $1`,
		id, img.Width, img.Height, img.FileSize, img.MimeType, img.DateTaken, img.CameraMake,
		img.CameraModel, img.LensModel, img.FocalLength, img.Aperture, img.ShutterSpeed, img.ISO)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

func (s *Storage) DeletePhoto(ctx context.Context, id int64) error {
	const op = "storage.DeletePhoto"

	tag, err := s.pool.Exec(ctx, `DELETE FROM photos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

const albumColumns = `id, title, slug, sort_order, is_public, expires_at, created_at`

func scanAlbum(row pgx.Row) (models.Album, error) {
	var a models.Album
	err := row.Scan(&a.ID, &a.Title, &a.Slug, &a.SortOrder, &a.IsPublic, &a.ExpiresAt, &a.CreatedAt)
	return a, err
}

func (s *Storage) GetAlbumBySlug(ctx context.Context, slug string) (models.Album, error) {
	const op = "storage.GetAlbumBySlug"

	a, err := scanAlbum(s.pool.QueryRow(ctx, "SELECT "+albumColumns+" FROM albums WHERE slug = $1", slug))
	if err != nil {
		return models.Album{}, fmt.Errorf("%s: %w", op, notFound(err))
	}
	return a, nil
}

func (s *Storage) GetAlbumByID(ctx context.Context, id int64) (models.Album, error) {
	const op = "storage.GetAlbumByID"

	a, err := scanAlbum(s.pool.QueryRow(ctx, "SELECT "+albumColumns+" FROM albums WHERE id = $1", id))
	if err != nil {
		return models.Album{}, fmt.Errorf("%s: %w", op, notFound(err))
	}
	return a, nil
}

func (s *Storage) CreateAlbum(ctx context.Context, a models.Album) (models.Album, error) {
	const op = "storage.CreateAlbum"

	if a.SortOrder == "" {
		a.SortOrder = models.SortNewest
	}
	created, err := scanAlbum(s.pool.QueryRow(ctx,
		`INSERT INTO albums (title, slug, sort_order, is_public, expires_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING `+albumColumns,
		a.Title, a.Slug, a.SortOrder, a.IsPublic, a.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Album{}, fmt.Errorf("%s: %w", op, models.ErrSlugTaken)
		}
		return models.Album{}, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// SetAlbumVisibility updates who may browse the album. A nil expiresAt removes the expiry.
func (s *Storage) SetAlbumVisibility(ctx context.Context, id int64, isPublic bool, expiresAt *time.Time) (models.Album, error) {
	const op = "storage.SetAlbumVisibility"

	a, err := scanAlbum(s.pool.QueryRow(ctx,
		`UPDATE albums SET is_public = $2, expires_at = $3 WHERE id = $1 RETURNING `+albumColumns,
		id, isPublic, expiresAt))
	if err != nil {
		return models.Album{}, fmt.Errorf("%s: %w", op, notFound(err))
	}
	return a, nil
}

// RenameAlbum changes the slug inside a transaction and calls moveFiles before committing,
// so a failed directory move leaves the old slug in place. If the commit fails after the
// move, revertFiles puts the directory back.
func (s *Storage) RenameAlbum(ctx context.Context, id int64, newSlug string, moveFiles, revertFiles func() error) error {
	const op = "storage.RenameAlbum"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.renameInTx(ctx, tx, id, newSlug, moveFiles, revertFiles); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) renameInTx(ctx context.Context, tx pgx.Tx, id int64, newSlug string, moveFiles, revertFiles func() error) error {
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE albums SET slug = $2 WHERE id = $1`, id, newSlug)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrRenameConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	if err := moveFiles(); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if rerr := revertFiles(); rerr != nil {
			s.log.Error().Err(rerr).Int64("album_id", id).Str("slug", newSlug).
				Msg("slug change not committed and album directory not moved back")
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

func (s *Storage) DeleteAlbum(ctx context.Context, id int64) error {
	const op = "storage.DeleteAlbum"

	tag, err := s.pool.Exec(ctx, `DELETE FROM albums WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

// EnsureTag returns the id of the album's tag with this slug, creating it if needed.
func (s *Storage) EnsureTag(ctx context.Context, albumID int64, name, slug string) (int64, error) {
	const op = "storage.EnsureTag"

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO photo_tags (album_id, name, slug) VALUES ($1, $2, $3)
		ON CONFLICT (album_id, slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id`,
		albumID, name, slug).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (s *Storage) TagPhoto(ctx context.Context, photoID, tagID int64) error {
	const op = "storage.TagPhoto"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO photo_tag_relations (photo_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		photoID, tagID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetTags(ctx context.Context, albumID int64) ([]models.Tag, error) {
	const op = "storage.GetTags"

	rows, err := s.pool.Query(ctx,
		`SELECT id, album_id, name, slug FROM photo_tags WHERE album_id = $1 ORDER BY name`, albumID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Tag, error) {
		var t models.Tag
		err := row.Scan(&t.ID, &t.AlbumID, &t.Name, &t.Slug)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tags, nil
}

// RecordEvent stores one analytics event. photoID is nil for album-level events.
func (s *Storage) RecordEvent(ctx context.Context, albumID int64, photoID *int64, event models.EventType) error {
	const op = "storage.RecordEvent"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO analytics (album_id, photo_id, event_type) VALUES ($1, $2, $3)`,
		albumID, photoID, event)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetAlbumAnalytics(ctx context.Context, albumID int64) (models.AlbumAnalytics, error) {
	const op = "storage.GetAlbumAnalytics"

	var a models.AlbumAnalytics
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'page_view'),
			COUNT(*) FILTER (WHERE event_type = 'download'),
			COUNT(*) FILTER (WHERE event_type = 'album_download')
		FROM analytics WHERE album_id = $1`, albumID).
		Scan(&a.PageViews, &a.Downloads, &a.AlbumDownloads)
	if err != nil {
		return models.AlbumAnalytics{}, fmt.Errorf("%s: %w", op, err)
	}

	a.PhotoDownloads, err = s.GetPhotoDownloadCounts(ctx, albumID)
	if err != nil {
		return models.AlbumAnalytics{}, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// GetPhotoDownloadCounts returns per-photo download counts; photos never downloaded are absent.
func (s *Storage) GetPhotoDownloadCounts(ctx context.Context, albumID int64) (map[int64]int64, error) {
	const op = "storage.GetPhotoDownloadCounts"

	rows, err := s.pool.Query(ctx, `
		SELECT photo_id, COUNT(*) FROM analytics
		WHERE album_id = $1 AND event_type = 'download' AND photo_id IS NOT NULL
		GROUP BY photo_id`, albumID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return counts, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
