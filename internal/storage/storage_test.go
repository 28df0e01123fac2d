package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gallery/internal/models"
	"gallery/internal/ordering"
)

func TestPhotosQuery(t *testing.T) {
	query, args := photosQuery(7, "", models.SortOldest)
	assert.Equal(t, []any{int64(7)}, args)
	assert.NotContains(t, query, "photo_tags")
	assert.Contains(t, query, "ORDER BY "+photoOrderBy[models.SortOldest])

	query, args = photosQuery(7, "beach", models.SortRandom)
	assert.Equal(t, []any{int64(7), "beach"}, args)
	assert.Contains(t, query, "t.slug = $2")
	assert.Contains(t, query, "ORDER BY p.id ASC")

	query, _ = photosQuery(7, "", models.SortOrder("id; DROP TABLE photos"))
	assert.Contains(t, query, "ORDER BY "+photoOrderBy[models.SortNewest])
	assert.NotContains(t, query, "DROP")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain")))
}

type fakeTx struct {
	pgx.Tx
	rows       int64
	execErr    error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", f.rows)), nil
}

func (f *fakeTx) Commit(ctx context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func noop() error { return nil }

func TestRenameInTx(t *testing.T) {
	commitFailed := errors.New("connection reset")
	revertFailed := errors.New("permission denied")

	tests := []struct {
		name       string
		tx         *fakeTx
		moveErr    error
		revertErr  error
		wantErr    error
		wantMoved  bool
		wantRevert bool
		wantCommit bool
	}{
		{
			name:       "success",
			tx:         &fakeTx{rows: 1},
			wantMoved:  true,
			wantCommit: true,
		},
		{
			name:    "slug taken",
			tx:      &fakeTx{execErr: &pgconn.PgError{Code: "23505"}},
			wantErr: models.ErrRenameConflict,
		},
		{
			name:    "unknown album",
			tx:      &fakeTx{rows: 0},
			wantErr: models.ErrNotFound,
		},
		{
			name:      "move fails",
			tx:        &fakeTx{rows: 1},
			moveErr:   models.ErrRenameConflict,
			wantErr:   models.ErrRenameConflict,
			wantMoved: true,
		},
		{
			name:       "commit fails after move",
			tx:         &fakeTx{rows: 1, commitErr: commitFailed},
			wantErr:    commitFailed,
			wantMoved:  true,
			wantRevert: true,
		},
		{
			name:       "commit and revert fail",
			tx:         &fakeTx{rows: 1, commitErr: commitFailed},
			revertErr:  revertFailed,
			wantErr:    revertFailed,
			wantMoved:  true,
			wantRevert: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Storage{log: zerolog.Nop()}
			var moved, reverted bool
			err := s.renameInTx(context.Background(), tt.tx, 4, "new-slug",
				func() error { moved = true; return tt.moveErr },
				func() error { reverted = true; return tt.revertErr })

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantMoved, moved)
			assert.Equal(t, tt.wantRevert, reverted)
			assert.Equal(t, tt.wantCommit, tt.tx.committed)
			assert.Equal(t, !tt.wantCommit, tt.tx.rolledBack)
		})
	}
}

// The remaining tests need a disposable PostgreSQL database.
func testStorage(t *testing.T) *Storage {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := NewStorage(context.Background(), dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestAlbumLifecycle(t *testing.T) {
	s := testStorage(t)
	ctx := context.Background()
	slug := fmt.Sprintf("it-%d", os.Getpid())

	album, err := s.CreateAlbum(ctx, models.Album{Title: "Integration", Slug: slug})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.DeleteAlbum(ctx, album.ID) })
	assert.Equal(t, models.SortNewest, album.SortOrder)

	_, err = s.CreateAlbum(ctx, models.Album{Title: "Dup", Slug: slug})
	assert.ErrorIs(t, err, models.ErrSlugTaken)

	date := "2023-05-01T14:30:00"
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.CreatePhoto(ctx, models.Photo{
			AlbumID:          album.ID,
			Filename:         fmt.Sprintf("%d.jpg", i),
			OriginalFilename: fmt.Sprintf("IMG_%d.jpg", i),
			Width:            10,
			Height:           10,
			ExifMetadata:     models.ExifMetadata{DateTaken: &date},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	random, err := s.GetPhotosByAlbum(ctx, album.ID, "", models.SortRandom)
	require.NoError(t, err)
	var got []int64
	for _, p := range random {
		got = append(got, p.ID)
	}
	assert.Equal(t, ordering.Order(album.ID, ids), got)

	tagID, err := s.EnsureTag(ctx, album.ID, "Beach", "beach")
	require.NoError(t, err)
	again, err := s.EnsureTag(ctx, album.ID, "Beach", "beach")
	require.NoError(t, err)
	assert.Equal(t, tagID, again)
	require.NoError(t, s.TagPhoto(ctx, ids[1], tagID))
	require.NoError(t, s.TagPhoto(ctx, ids[1], tagID))

	tagged, err := s.GetPhotosByAlbum(ctx, album.ID, "beach", models.SortNewest)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, ids[1], tagged[0].ID)
	assert.Equal(t, &date, tagged[0].DateTaken)

	selected, err := s.GetPhotosByIDs(ctx, album.ID, []int64{ids[3], 999999999, ids[0]})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, ids[3], selected[0].ID)
	assert.Equal(t, ids[0], selected[1].ID)

	moved := false
	require.NoError(t, s.RenameAlbum(ctx, album.ID, slug+"-b", func() error { moved = true; return nil }, noop))
	assert.True(t, moved)
	renamed, err := s.GetAlbumByID(ctx, album.ID)
	require.NoError(t, err)
	assert.Equal(t, slug+"-b", renamed.Slug)

	err = s.RenameAlbum(ctx, album.ID, slug+"-c", func() error { return models.ErrRenameConflict }, noop)
	assert.ErrorIs(t, err, models.ErrRenameConflict)
	unchanged, err := s.GetAlbumBySlug(ctx, slug+"-b")
	require.NoError(t, err)
	assert.Equal(t, album.ID, unchanged.ID)

	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	hidden, err := s.SetAlbumVisibility(ctx, album.ID, false, &expires)
	require.NoError(t, err)
	assert.False(t, hidden.IsPublic)
	require.NotNil(t, hidden.ExpiresAt)
	assert.True(t, expires.Equal(*hidden.ExpiresAt))

	require.NoError(t, s.RecordEvent(ctx, album.ID, nil, models.EventPageView))
	require.NoError(t, s.RecordEvent(ctx, album.ID, nil, models.EventAlbumDownload))
	require.NoError(t, s.RecordEvent(ctx, album.ID, &ids[2], models.EventDownload))
	require.NoError(t, s.RecordEvent(ctx, album.ID, &ids[2], models.EventDownload))
	stats, err := s.GetAlbumAnalytics(ctx, album.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlbumAnalytics{
		PageViews:      1,
		Downloads:      2,
		AlbumDownloads: 1,
		PhotoDownloads: map[int64]int64{ids[2]: 2},
	}, stats)

	require.NoError(t, s.DeletePhoto(ctx, ids[0]))
	_, err = s.GetPhoto(ctx, ids[0])
	assert.ErrorIs(t, err, models.ErrNotFound)
}
