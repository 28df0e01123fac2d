// Package derivative turns raw image bytes into the original/medium/thumbnail files of a photo.
package derivative

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"

	"gallery/internal/exif"
	"gallery/internal/layout"
	"gallery/internal/models"
)

type Options struct {
	// MediumSize bounds both sides of the medium derivative; smaller sources are kept as is.
	MediumSize int
	// ThumbnailSize is the side of the square, centre-cropped thumbnail.
	ThumbnailSize int
	JPEGQuality   int
	// MaxPixels rejects sources whose header announces more pixels than this.
	MaxPixels int
}

func DefaultOptions() Options {
	return Options{
		MediumSize:    1600,
		ThumbnailSize: 600,
		JPEGQuality:   85,
		MaxPixels:     268_402_689,
	}
}

var mimeTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

var defaultExt = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"gif":  ".gif",
	"webp": ".webp",
}

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

type encodeFunc func(w io.Writer, img image.Image, format string, quality int) error

type Generator struct {
	layout *layout.Layout
	opts   Options
	log    zerolog.Logger
	encode encodeFunc
}

func New(l *layout.Layout, opts Options, log zerolog.Logger) *Generator {
	def := DefaultOptions()
	if opts.MediumSize <= 0 {
		opts.MediumSize = def.MediumSize
	}
	if opts.ThumbnailSize <= 0 {
		opts.ThumbnailSize = def.ThumbnailSize
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = def.JPEGQuality
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = def.MaxPixels
	}
	return &Generator{
		layout: l,
		opts:   opts,
		log:    log.With().Str("component", "derivative").Logger(),
		encode: encodeImage,
	}
}

// Generate stores data as a new photo of albumSlug under a freshly generated filename and
// writes its medium and thumbnail derivatives. Either all three files exist afterwards or
// none do.
func (g *Generator) Generate(data []byte, originalFilename, albumSlug string) (models.ProcessedImage, error) {
	const op = "derivative.Generate"

	if err := g.layout.EnsureDirs(albumSlug); err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}

	img, format, err := g.decode(data)
	if err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}
	filename := uuid.NewString() + extension(originalFilename, format)

	if err := g.layout.WriteFile(albumSlug, models.KindOriginal, filename, data); err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := g.writeDerivatives(img, format, filename, albumSlug); err != nil {
		if cerr := g.layout.DeletePhoto(filename, albumSlug); cerr != nil {
			g.log.Error().Err(cerr).Str("album", albumSlug).Str("filename", filename).
				Msg("failed to clean up partially written photo")
		}
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}

	processed, err := g.describe(data, img, format, filename, albumSlug)
	if err != nil {
		if cerr := g.layout.DeletePhoto(filename, albumSlug); cerr != nil {
			g.log.Error().Err(cerr).Str("album", albumSlug).Str("filename", filename).
				Msg("failed to clean up partially written photo")
		}
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}

	g.log.Debug().Str("album", albumSlug).Str("filename", filename).
		Int("width", processed.Width).Int("height", processed.Height).Msg("photo stored")
	return processed, nil
}

// Regenerate rebuilds medium and thumbnail from the stored original, overwriting them in
// place, and re-reads the original's dimensions and metadata.
func (g *Generator) Regenerate(filename, albumSlug string) (models.ProcessedImage, error) {
	const op = "derivative.Regenerate"

	if err := g.layout.EnsureDirs(albumSlug); err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}
	data, err := g.layout.ReadFile(albumSlug, models.KindOriginal, filename)
	if err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}

	img, format, err := g.decode(data)
	if err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := g.writeDerivatives(img, format, filename, albumSlug); err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}
	processed, err := g.describe(data, img, format, filename, albumSlug)
	if err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%s: %w", op, err)
	}
	return processed, nil
}

func (g *Generator) decode(data []byte) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", models.ErrDecode, err)
	}
	if _, ok := mimeTypes[format]; !ok {
		return nil, "", fmt.Errorf("%w: unsupported format %q", models.ErrDecode, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > g.opts.MaxPixels {
		return nil, "", fmt.Errorf("%w: unreasonable dimensions %dx%d", models.ErrDecode, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", models.ErrDecode, err)
	}
	return img, format, nil
}

func (g *Generator) writeDerivatives(img image.Image, format, filename, albumSlug string) error {
	medium := imaging.Fit(img, g.opts.MediumSize, g.opts.MediumSize, imaging.Lanczos)
	if err := g.layout.Create(albumSlug, models.KindMedium, filename, func(w io.Writer) error {
		return g.encode(w, medium, format, g.opts.JPEGQuality)
	}); err != nil {
		return err
	}

	thumb := imaging.Thumbnail(img, g.opts.ThumbnailSize, g.opts.ThumbnailSize, imaging.Lanczos)
	return g.layout.Create(albumSlug, models.KindThumbnail, filename, func(w io.Writer) error {
		return g.encode(w, thumb, format, g.opts.JPEGQuality)
	})
}

func (g *Generator) describe(data []byte, img image.Image, format, filename, albumSlug string) (models.ProcessedImage, error) {
	info, err := g.layout.Stat(albumSlug, models.KindOriginal, filename)
	if err != nil {
		return models.ProcessedImage{}, fmt.Errorf("%w: %w", models.ErrStorageIO, err)
	}

	b := img.Bounds()
	return models.ProcessedImage{
		Filename:     filename,
		Width:        b.Dx(),
		Height:       b.Dy(),
		FileSize:     info.Size(),
		MimeType:     mimeTypes[format],
		ExifMetadata: exif.Extract(data),
	}, nil
}

// extension keeps the caller's extension only when it is short and alphanumeric; anything
// else falls back to the decoded format.
func extension(originalFilename, format string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if safeExt.MatchString(ext) {
		return ext
	}
	return defaultExt[format]
}

func encodeImage(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case "jpeg":
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case "png":
		return imaging.Encode(w, img, imaging.PNG)
	case "gif":
		return imaging.Encode(w, img, imaging.GIF)
	case "webp":
		return nativewebp.Encode(w, img, nil)
	}
	return fmt.Errorf("%w: no encoder for %q", models.ErrDecode, format)
}
