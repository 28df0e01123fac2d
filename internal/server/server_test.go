package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gallery/internal/archive"
	"gallery/internal/ingest"
	"gallery/internal/layout"
	"gallery/internal/models"
	"gallery/internal/queue"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetAlbumBySlug(ctx context.Context, slug string) (models.Album, error) {
	args := m.Called(ctx, slug)
	return args.Get(0).(models.Album), args.Error(1)
}

func (m *mockStore) GetAlbumByID(ctx context.Context, id int64) (models.Album, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Album), args.Error(1)
}

func (m *mockStore) CreateAlbum(ctx context.Context, album models.Album) (models.Album, error) {
	args := m.Called(ctx, album)
	return args.Get(0).(models.Album), args.Error(1)
}

func (m *mockStore) RenameAlbum(ctx context.Context, id int64, newSlug string, moveFiles, revertFiles func() error) error {
	return m.Called(ctx, id, newSlug, moveFiles, revertFiles).Error(0)
}

func (m *mockStore) DeleteAlbum(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) GetPhotosByAlbum(ctx context.Context, albumID int64, tagSlug string, order models.SortOrder) ([]models.Photo, error) {
	args := m.Called(ctx, albumID, tagSlug, order)
	photos, _ := args.Get(0).([]models.Photo)
	return photos, args.Error(1)
}

func (m *mockStore) GetPhotosByIDs(ctx context.Context, albumID int64, ids []int64) ([]models.Photo, error) {
	args := m.Called(ctx, albumID, ids)
	photos, _ := args.Get(0).([]models.Photo)
	return photos, args.Error(1)
}

func (m *mockStore) GetPhoto(ctx context.Context, id int64) (models.Photo, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Photo), args.Error(1)
}

func (m *mockStore) DeletePhoto(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) GetTags(ctx context.Context, albumID int64) ([]models.Tag, error) {
	args := m.Called(ctx, albumID)
	tags, _ := args.Get(0).([]models.Tag)
	return tags, args.Error(1)
}

func (m *mockStore) SetAlbumVisibility(ctx context.Context, id int64, isPublic bool, expiresAt *time.Time) (models.Album, error) {
	args := m.Called(ctx, id, isPublic, expiresAt)
	return args.Get(0).(models.Album), args.Error(1)
}

func (m *mockStore) RecordEvent(ctx context.Context, albumID int64, photoID *int64, event models.EventType) error {
	return m.Called(ctx, albumID, photoID, event).Error(0)
}

func (m *mockStore) GetAlbumAnalytics(ctx context.Context, albumID int64) (models.AlbumAnalytics, error) {
	args := m.Called(ctx, albumID)
	return args.Get(0).(models.AlbumAnalytics), args.Error(1)
}

type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) IngestBatch(ctx context.Context, album models.Album, uploads []ingest.Upload) ingest.Result {
	return m.Called(ctx, album, uploads).Get(0).(ingest.Result)
}

func (m *mockIngester) ImportFiles(ctx context.Context, album models.Album, paths []string, remove bool) (ingest.Result, error) {
	args := m.Called(ctx, album, paths, remove)
	return args.Get(0).(ingest.Result), args.Error(1)
}

func (m *mockIngester) RegenerateAlbum(ctx context.Context, album models.Album) (ingest.Result, error) {
	args := m.Called(ctx, album)
	return args.Get(0).(ingest.Result), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishRegenerate(ctx context.Context, jobs ...queue.RegenerateJob) error {
	return m.Called(ctx, jobs).Error(0)
}

var summer = models.Album{ID: 3, Title: "Summer", Slug: "summer", SortOrder: models.SortNewest, IsPublic: true}

type fixture struct {
	store    *mockStore
	ingester *mockIngester
	layout   *layout.Layout
	cfg      *models.Config
	srv      *Server
}

func newFixture(t *testing.T, publisher Publisher) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	l, err := layout.New(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	cfg := models.DefaultConfig()
	cfg.ImportDir = filepath.Join(dir, "import")

	f := &fixture{
		store:    &mockStore{},
		ingester: &mockIngester{},
		layout:   l,
		cfg:      &cfg,
	}
	f.store.On("RecordEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	t.Cleanup(func() {
		f.store.AssertExpectations(t)
		f.ingester.AssertExpectations(t)
	})

	f.srv = NewServer(f.cfg, Deps{
		Store:     f.store,
		Files:     l,
		Ingest:    f.ingester,
		Exporter:  archive.New(l, archive.DefaultOptions(), zerolog.Nop()),
		Publisher: publisher,
		Log:       zerolog.Nop(),
	})
	return f
}

func (f *fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (f *fixture) expectAlbum(album models.Album) {
	f.store.On("GetAlbumBySlug", mock.Anything, album.Slug).Return(album, nil)
}

func (f *fixture) putOriginal(t *testing.T, slug, filename, content string) {
	t.Helper()
	require.NoError(t, f.layout.EnsureDirs(slug))
	require.NoError(t, f.layout.WriteFile(slug, models.KindOriginal, filename, []byte(content)))
}

func photos(n int) []models.Photo {
	out := make([]models.Photo, n)
	for i := range out {
		id := int64(i + 1)
		out[i] = models.Photo{
			ID:               id,
			AlbumID:          summer.ID,
			Filename:         fmt.Sprintf("stored-%d.jpg", id),
			OriginalFilename: fmt.Sprintf("IMG_%04d.jpg", id),
			FileSize:         100,
		}
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestCreateAlbum(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		setupMock      func(*mockStore)
		expectedStatus int
		expectedDir    string
	}{
		{
			name: "slug derived from title",
			body: `{"title":"Summer Trip 2024!"}`,
			setupMock: func(s *mockStore) {
				want := models.Album{Title: "Summer Trip 2024!", Slug: "summer-trip-2024", SortOrder: models.SortNewest, IsPublic: true}
				created := want
				created.ID = 9
				s.On("CreateAlbum", mock.Anything, want).Return(created, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			expectedDir:    "summer-trip-2024",
		},
		{
			name: "slug already taken",
			body: `{"title":"Summer","slug":"summer"}`,
			setupMock: func(s *mockStore) {
				s.On("CreateAlbum", mock.Anything, mock.Anything).
					Return(models.Album{}, fmt.Errorf("storage.CreateAlbum: %w", models.ErrSlugTaken)).Once()
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "invalid slug",
			body:           `{"title":"Escape","slug":"../etc"}`,
			setupMock:      func(*mockStore) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing title",
			body:           `{}`,
			setupMock:      func(*mockStore) {},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tt.setupMock(f.store)

			rr := f.do(http.MethodPost, "/api/albums", []byte(tt.body))

			require.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			if tt.expectedDir != "" {
				for _, kind := range models.Kinds {
					assert.DirExists(t, filepath.Join(f.layout.AlbumDir(tt.expectedDir), string(kind)))
				}
			}
		})
	}
}

func TestRenameAlbumMovesFiles(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.putOriginal(t, "summer", "a.jpg", "x")

	f.store.On("RenameAlbum", mock.Anything, summer.ID, "summer-2024", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, args.Get(3).(func() error)())
		}).
		Return(nil).Once()

	rr := f.do(http.MethodPut, "/api/albums/summer", []byte(`{"slug":"summer-2024"}`))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.FileExists(t, f.layout.Path("summer-2024", models.KindOriginal, "a.jpg"))
	assert.NoDirExists(t, f.layout.AlbumDir("summer"))
}

func TestRenameAlbumRevertsFilesWhenCommitFails(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.putOriginal(t, "summer", "a.jpg", "x")

	f.store.On("RenameAlbum", mock.Anything, summer.ID, "summer-2024", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, args.Get(3).(func() error)())
			require.NoError(t, args.Get(4).(func() error)())
		}).
		Return(errors.New("storage.RenameAlbum: commit failed")).Once()

	rr := f.do(http.MethodPut, "/api/albums/summer", []byte(`{"slug":"summer-2024"}`))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.FileExists(t, f.layout.Path("summer", models.KindOriginal, "a.jpg"))
	assert.NoDirExists(t, f.layout.AlbumDir("summer-2024"))
}

func TestRenameAlbumConflict(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.store.On("RenameAlbum", mock.Anything, summer.ID, "winter", mock.Anything, mock.Anything).
		Return(fmt.Errorf("storage.RenameAlbum: %w", models.ErrRenameConflict)).Once()

	rr := f.do(http.MethodPut, "/api/albums/summer", []byte(`{"slug":"winter"}`))

	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestDeleteAlbum(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.putOriginal(t, "summer", "a.jpg", "x")
	f.store.On("DeleteAlbum", mock.Anything, summer.ID).Return(nil).Once()

	rr := f.do(http.MethodDelete, "/api/albums/summer", nil)

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.NoDirExists(t, f.layout.AlbumDir("summer"))
}

func TestUnknownAlbum(t *testing.T) {
	f := newFixture(t, nil)
	f.store.On("GetAlbumBySlug", mock.Anything, "nope").
		Return(models.Album{}, fmt.Errorf("storage.GetAlbumBySlug: %w", models.ErrNotFound))

	rr := f.do(http.MethodGet, "/api/albums/nope/photos", nil)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListTags(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.store.On("GetTags", mock.Anything, summer.ID).
		Return([]models.Tag{{ID: 1, AlbumID: summer.ID, Name: "Beach Day", Slug: "beach-day"}}, nil).Once()

	rr := f.do(http.MethodGet, "/api/albums/summer/tags", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"slug":"beach-day"`)
}

func TestUpload(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range []string{"a.jpg", "b.png"} {
		part, err := mw.CreateFormFile("photos", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("data-" + name))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	f.ingester.On("IngestBatch", mock.Anything, summer, mock.MatchedBy(func(uploads []ingest.Upload) bool {
		if len(uploads) != 2 || uploads[0].Name != "a.jpg" || uploads[1].Name != "b.png" {
			return false
		}
		rc, err := uploads[1].Open()
		if err != nil {
			return false
		}
		defer rc.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(rc)
		return buf.String() == "data-b.png"
	})).Return(ingest.Result{Uploaded: 1, Failed: 1, PhotoIDs: []int64{7},
		Errors: []ingest.FileError{{Name: "b.png", Error: "image cannot be decoded"}}}).Once()

	req := httptest.NewRequest(http.MethodPost, "/api/albums/summer/photos", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res ingest.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []int64{7}, res.PhotoIDs)
}

func TestImport(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.ingester.On("ImportFiles", mock.Anything, summer, []string{"beach/a.jpg"}, true).
		Return(ingest.Result{Uploaded: 1, PhotoIDs: []int64{4}}, nil).Once()
	f.ingester.On("ImportFiles", mock.Anything, summer, []string(nil), false).
		Return(ingest.Result{}, fmt.Errorf("ingest.ImportFiles: %w", models.ErrPathTraversal)).Once()

	rr := f.do(http.MethodPost, "/api/albums/summer/import", []byte(`{"paths":["beach/a.jpg"],"remove":true}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(http.MethodPost, "/api/albums/summer/import", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
}

func TestListImport(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.ImportDir, "Beach Day"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.ImportDir, "top.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.ImportDir, "Beach Day", "sand.png"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.ImportDir, "notes.txt"), []byte("x"), 0o644))

	rr := f.do(http.MethodGet, "/api/albums/summer/import", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Files []ingest.ImportFile `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Files, 2)
	assert.Equal(t, "sand.png", resp.Files[0].Name)
	assert.Equal(t, "Beach Day", resp.Files[0].Tag)
	assert.Equal(t, "top.jpg", resp.Files[1].Name)
}

func TestListPhotosPagination(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	all := photos(30)
	f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "", models.SortRandom).Return(all, nil)
	f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "beach", models.SortNewest).Return(all[:3], nil).Once()

	var first photoPage
	rr := f.do(http.MethodGet, "/api/albums/summer/photos?sort=random", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))
	assert.Len(t, first.Photos, defaultPageSize)
	assert.True(t, first.HasMore)
	assert.Equal(t, 30, first.TotalCount)
	require.NotNil(t, first.NextOffset)
	assert.Equal(t, 24, *first.NextOffset)

	var second photoPage
	rr = f.do(http.MethodGet, "/api/albums/summer/photos?sort=random&offset=24&limit=500", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &second))
	assert.Len(t, second.Photos, 6)
	assert.False(t, second.HasMore)
	assert.Nil(t, second.NextOffset)
	assert.Equal(t, all[24].ID, second.Photos[0].ID)

	var tagged photoPage
	rr = f.do(http.MethodGet, "/api/albums/summer/photos?tag=beach&sort=bogus", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tagged))
	assert.Len(t, tagged.Photos, 3)
}

func TestPaginate(t *testing.T) {
	all := photos(5)

	page := paginate(all, 10, 24)
	assert.Empty(t, page.Photos)
	assert.False(t, page.HasMore)
	assert.Equal(t, 5, page.TotalCount)

	page = paginate(all, 2, 2)
	assert.Equal(t, []int64{3, 4}, []int64{page.Photos[0].ID, page.Photos[1].ID})
	require.NotNil(t, page.NextOffset)
	assert.Equal(t, 4, *page.NextOffset)
}

func TestServePhoto(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.layout.EnsureDirs("summer"))
	require.NoError(t, f.layout.WriteFile("summer", models.KindThumbnail, "abc.webp", []byte("thumb")))

	rr := f.do(http.MethodGet, "/api/photos/abc.webp/thumbnail?album=summer", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/webp", rr.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=31536000, immutable", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "thumb", rr.Body.String())

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing file", "/api/photos/abc.webp/medium?album=summer", http.StatusNotFound},
		{"unknown size", "/api/photos/abc.webp/huge?album=summer", http.StatusBadRequest},
		{"bad album", "/api/photos/abc.webp/thumbnail?album=..", http.StatusBadRequest},
		{"no album", "/api/photos/abc.webp/thumbnail", http.StatusBadRequest},
		{"dotfile", "/api/photos/.hidden/thumbnail?album=summer", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func TestDeletePhoto(t *testing.T) {
	f := newFixture(t, nil)
	photo := photos(1)[0]
	f.putOriginal(t, "summer", photo.Filename, "x")
	require.NoError(t, f.layout.WriteFile("summer", models.KindThumbnail, photo.Filename, []byte("t")))

	f.store.On("GetPhoto", mock.Anything, photo.ID).Return(photo, nil).Once()
	f.store.On("GetAlbumByID", mock.Anything, summer.ID).Return(summer, nil).Once()
	f.store.On("DeletePhoto", mock.Anything, photo.ID).Return(nil).Once()
	f.store.On("GetPhoto", mock.Anything, int64(99)).
		Return(models.Photo{}, fmt.Errorf("storage.GetPhoto: %w", models.ErrNotFound)).Once()

	rr := f.do(http.MethodDelete, "/api/photos/1", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	for _, kind := range models.Kinds {
		assert.NoFileExists(t, f.layout.Path("summer", kind, photo.Filename))
	}

	rr = f.do(http.MethodDelete, "/api/photos/99", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(http.MethodDelete, "/api/photos/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func zipNames(t *testing.T, body []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	names := make([]string, len(zr.File))
	for i, zf := range zr.File {
		names[i] = zf.Name
	}
	return names
}

func TestDownloadAlbum(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	all := photos(3)
	all[2].OriginalFilename = all[0].OriginalFilename
	for _, p := range all[:2] {
		f.putOriginal(t, "summer", p.Filename, "content of "+p.Filename)
	}
	f.putOriginal(t, "summer", all[2].Filename, "third")
	f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "", models.SortNewest).Return(all, nil).Once()

	rr := f.do(http.MethodGet, "/api/albums/summer/download", nil)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="summer.zip"`, rr.Header().Get("Content-Disposition"))
	assert.NotEmpty(t, rr.Header().Get("X-Estimated-Size"))
	assert.Empty(t, rr.Header().Get("Content-Length"))
	assert.Equal(t, []string{"IMG_0001.jpg", "IMG_0002.jpg", "IMG_0001 (1).jpg"}, zipNames(t, rr.Body.Bytes()))
}

func TestDownloadAlbumEmpty(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "", models.SortNewest).Return([]models.Photo{}, nil).Once()

	rr := f.do(http.MethodGet, "/api/albums/summer/download", nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDownloadSelected(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	all := photos(3)
	for _, p := range all {
		f.putOriginal(t, "summer", p.Filename, "x")
	}
	f.store.On("GetPhotosByIDs", mock.Anything, summer.ID, []int64{3, 1}).Return([]models.Photo{all[2], all[0]}, nil).Once()
	f.store.On("GetPhotosByIDs", mock.Anything, summer.ID, []int64{42}).Return([]models.Photo{}, nil).Once()

	rr := f.do(http.MethodGet, "/api/download/photos/summer?ids=3,1,3", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"IMG_0003.jpg", "IMG_0001.jpg"}, zipNames(t, rr.Body.Bytes()))

	rr = f.do(http.MethodGet, "/api/download/photos/summer?ids=42", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	for _, ids := range []string{"", "1,x", "-4"} {
		rr = f.do(http.MethodGet, "/api/download/photos/summer?ids="+ids, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "ids=%q", ids)
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 5, 2,,5 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 2}, ids)

	_, err = parseIDs("1;2")
	assert.Error(t, err)
}

func TestRegenerateInline(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.ingester.On("RegenerateAlbum", mock.Anything, summer).Return(ingest.Result{Uploaded: 2, PhotoIDs: []int64{1, 2}}, nil).Once()

	rr := f.do(http.MethodPost, "/api/albums/summer/regenerate", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"uploaded":2`)
}

func TestRegenerateQueued(t *testing.T) {
	pub := &mockPublisher{}
	f := newFixture(t, pub)
	f.expectAlbum(summer)
	all := photos(2)
	f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "", models.SortOldest).Return(all, nil).Once()
	pub.On("PublishRegenerate", mock.Anything, []queue.RegenerateJob{
		{AlbumID: summer.ID, PhotoID: 1, Filename: all[0].Filename},
		{AlbumID: summer.ID, PhotoID: 2, Filename: all[1].Filename},
	}).Return(nil).Once()

	rr := f.do(http.MethodPost, "/api/albums/summer/regenerate", nil)

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"queued":2}`, rr.Body.String())
	pub.AssertExpectations(t)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", models.ErrRenameConflict), http.StatusConflict},
		{models.ErrSlugTaken, http.StatusConflict},
		{models.ErrInvalidSlug, http.StatusBadRequest},
		{models.ErrPathTraversal, http.StatusBadRequest},
		{models.ErrStorageIO, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestVisitorRoutesRespectVisibility(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	hidden := summer
	hidden.IsPublic = false
	expired := summer
	expired.ExpiresAt = &past
	open := summer
	open.ExpiresAt = &future

	targets := []string{
		"/api/albums/summer/photos",
		"/api/albums/summer/tags",
		"/api/albums/summer/download",
		"/api/download/photos/summer?ids=1",
	}
	tests := []struct {
		name   string
		album  models.Album
		status int
	}{
		{"hidden album", hidden, http.StatusNotFound},
		{"expired album", expired, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.srv.now = func() time.Time { return now }
			f.expectAlbum(tt.album)
			for _, target := range targets {
				rr := f.do(http.MethodGet, target, nil)
				assert.Equal(t, tt.status, rr.Code, target)
			}
			f.store.AssertNotCalled(t, "GetPhotosByAlbum", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			f.store.AssertNotCalled(t, "RecordEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("expiry in the future", func(t *testing.T) {
		f := newFixture(t, nil)
		f.srv.now = func() time.Time { return now }
		f.expectAlbum(open)
		f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "", models.SortNewest).Return(photos(2), nil).Once()

		rr := f.do(http.MethodGet, "/api/albums/summer/photos", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestListPhotosRecordsPageView(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "", models.SortNewest).Return(photos(30), nil)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/albums/summer/photos", nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/albums/summer/photos?offset=24", nil).Code)

	f.store.AssertNumberOfCalls(t, "RecordEvent", 1)
	f.store.AssertCalled(t, "RecordEvent", mock.Anything, summer.ID, (*int64)(nil), models.EventPageView)
}

func TestDownloadsRecordEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	all := photos(2)
	for _, p := range all {
		f.putOriginal(t, "summer", p.Filename, "x")
	}
	f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "", models.SortNewest).Return(all, nil).Once()
	f.store.On("GetPhotosByIDs", mock.Anything, summer.ID, []int64{2}).Return(all[1:], nil).Once()

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/albums/summer/download", nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/download/photos/summer?ids=2", nil).Code)

	two := int64(2)
	f.store.AssertCalled(t, "RecordEvent", mock.Anything, summer.ID, (*int64)(nil), models.EventAlbumDownload)
	f.store.AssertCalled(t, "RecordEvent", mock.Anything, summer.ID, &two, models.EventDownload)
	f.store.AssertNumberOfCalls(t, "RecordEvent", 2)
}

func TestDownloadAlbumUsesAlbumSortOrder(t *testing.T) {
	f := newFixture(t, nil)
	random := summer
	random.SortOrder = models.SortRandom
	f.expectAlbum(random)
	all := photos(3)
	for _, p := range all {
		f.putOriginal(t, "summer", p.Filename, "x")
	}
	shuffled := []models.Photo{all[1], all[2], all[0]}
	f.store.On("GetPhotosByAlbum", mock.Anything, summer.ID, "", models.SortRandom).Return(shuffled, nil).Once()

	rr := f.do(http.MethodGet, "/api/albums/summer/download", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"IMG_0002.jpg", "IMG_0003.jpg", "IMG_0001.jpg"}, zipNames(t, rr.Body.Bytes()))
}

func TestTrackDownloads(t *testing.T) {
	f := newFixture(t, nil)
	f.store.On("GetAlbumByID", mock.Anything, summer.ID).Return(summer, nil)
	f.store.On("GetAlbumByID", mock.Anything, int64(77)).
		Return(models.Album{}, fmt.Errorf("storage.GetAlbumByID: %w", models.ErrNotFound)).Once()

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/download/track/3", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/download/track-photo/3", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/download/track-photo/3/12", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/download/track/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/download/track-photo/3/x", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/download/track/77", nil).Code)

	twelve := int64(12)
	f.store.AssertCalled(t, "RecordEvent", mock.Anything, summer.ID, (*int64)(nil), models.EventAlbumDownload)
	f.store.AssertCalled(t, "RecordEvent", mock.Anything, summer.ID, (*int64)(nil), models.EventDownload)
	f.store.AssertCalled(t, "RecordEvent", mock.Anything, summer.ID, &twelve, models.EventDownload)
	f.store.AssertNumberOfCalls(t, "RecordEvent", 3)
}

func TestAlbumAnalytics(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	f.store.On("GetAlbumAnalytics", mock.Anything, summer.ID).Return(models.AlbumAnalytics{
		PageViews:      10,
		Downloads:      4,
		AlbumDownloads: 1,
		PhotoDownloads: map[int64]int64{5: 3, 6: 1},
	}, nil).Once()

	rr := f.do(http.MethodGet, "/api/albums/summer/analytics", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"page_views":10,"downloads":4,"album_downloads":1,"photo_downloads":{"5":3,"6":1}}`, rr.Body.String())
}

func TestSetVisibility(t *testing.T) {
	f := newFixture(t, nil)
	f.expectAlbum(summer)
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	updated := summer
	updated.IsPublic = false
	updated.ExpiresAt = &expires
	f.store.On("SetAlbumVisibility", mock.Anything, summer.ID, false, mock.MatchedBy(func(at *time.Time) bool {
		return at != nil && at.Equal(expires)
	})).Return(updated, nil).Once()

	rr := f.do(http.MethodPut, "/api/albums/summer/visibility",
		[]byte(`{"is_public":false,"expires_at":"2030-01-02T03:04:05Z"}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"is_public":false`)

	rr = f.do(http.MethodPut, "/api/albums/summer/visibility", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
