// Package archive streams album originals as a zip without buffering the archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"gallery/internal/models"
)

// DefaultEstimate is the per-file size assumed when neither the disk nor the store knows better.
const DefaultEstimate int64 = 7_000_000

// ErrIdleTimeout aborts a stream whose consumer stopped reading.
var ErrIdleTimeout = fmt.Errorf("%w: consumer idle", models.ErrCancelled)

// Files is the subset of the storage layout the exporter reads originals from.
type Files interface {
	Open(slug string, kind models.DerivativeKind, filename string) (*os.File, error)
	Stat(slug string, kind models.DerivativeKind, filename string) (fs.FileInfo, error)
}

type Entry struct {
	Filename    string
	AlbumSlug   string
	DisplayName string
	StoredSize  int64
}

type Options struct {
	CompressionLevel int
	// IdleTimeout aborts a stream nobody has read from for this long. Zero disables it.
	IdleTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{CompressionLevel: 5}
}

type Exporter struct {
	files Files
	opts  Options
	log   zerolog.Logger

	source func(*os.File) io.Reader
}

func New(files Files, opts Options, log zerolog.Logger) *Exporter {
	if opts.CompressionLevel < flate.HuffmanOnly || opts.CompressionLevel > flate.BestCompression {
		opts.CompressionLevel = DefaultOptions().CompressionLevel
	}
	return &Exporter{
		files:  files,
		opts:   opts,
		log:    log.With().Str("component", "archive").Logger(),
		source: plainFile,
	}
}

func plainFile(f *os.File) io.Reader {
	return f
}

// EstimateSize sums the originals' sizes on disk. It is a progress hint, never a Content-Length.
func (e *Exporter) EstimateSize(entries []Entry) int64 {
	var total int64
	for _, entry := range entries {
		info, err := e.files.Stat(entry.AlbumSlug, models.KindOriginal, entry.Filename)
		switch {
		case err == nil && info.Size() > 0:
			total += info.Size()
		case entry.StoredSize > 0:
			total += entry.StoredSize
		default:
			total += DefaultEstimate
		}
	}
	return total
}

// Stats counts entries by outcome. A Truncated entry is already in the archive with part of
// its content; a streamed zip cannot take back a header once it is written.
type Stats struct {
	Written   int
	Skipped   int
	Truncated int
}

// Stream is the read side of an export in progress. Close may be called at any time and
// any number of times; once it returns no further originals are opened.
type Stream struct {
	exporter *Exporter
	ctx      context.Context
	cancel   context.CancelFunc
	pr       *io.PipeReader
	pw       *io.PipeWriter

	once sync.Once
	err  error
	done chan struct{}

	lastRead atomic.Int64
	reading  atomic.Bool
	written   atomic.Int64
	skipped   atomic.Int64
	truncated atomic.Int64
}

// Export starts producing the archive in the background. Nothing is read from disk until
// the caller starts reading the returned stream.
func (e *Exporter) Export(ctx context.Context, entries []Entry) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &Stream{
		exporter: e,
		ctx:      ctx,
		cancel:   cancel,
		pr:       pr,
		pw:       pw,
		done:     make(chan struct{}),
	}
	s.lastRead.Store(time.Now().UnixNano())

	go s.produce(entries)
	go s.watch(e.opts.IdleTimeout)
	return s
}

func (s *Stream) Read(p []byte) (int, error) {
	s.reading.Store(true)
	n, err := s.pr.Read(p)
	s.lastRead.Store(time.Now().UnixNano())
	s.reading.Store(false)
	return n, err
}

func (s *Stream) Close() error {
	s.stop(models.ErrCancelled)
	<-s.done
	return nil
}

// Done is closed once the producer has released every file and the zip writer.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended. It is nil after a complete archive and only
// meaningful once Done is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func (s *Stream) Stats() Stats {
	return Stats{
		Written:   int(s.written.Load()),
		Skipped:   int(s.skipped.Load()),
		Truncated: int(s.truncated.Load()),
	}
}

// stop is the only teardown path. A nil err ends the archive normally; anything else
// breaks the pipe on both ends so a blocked producer or consumer returns immediately.
func (s *Stream) stop(err error) {
	s.once.Do(func() {
		s.err = err
		s.cancel()
		s.pw.CloseWithError(err)
		if err != nil {
			s.pr.CloseWithError(err)
		}
	})
}

func (s *Stream) watch(idle time.Duration) {
	var tick <-chan time.Time
	if idle > 0 {
		interval := idle / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.stop(models.ErrCancelled)
			return
		case <-tick:
			if s.reading.Load() {
				continue
			}
			if time.Since(time.Unix(0, s.lastRead.Load())) >= idle {
				s.exporter.log.Warn().Dur("idle", idle).Msg("export abandoned by consumer")
				s.stop(ErrIdleTimeout)
				return
			}
		}
	}
}

func (s *Stream) produce(entries []Entry) {
	defer close(s.done)

	log := s.exporter.log
	err := s.writeArchive(entries)
	if err != nil && s.ctx.Err() != nil {
		err = models.ErrCancelled
	}
	if err != nil {
		log.Info().Err(err).Int64("written", s.written.Load()).Msg("export stopped early")
	} else {
		log.Debug().Int64("written", s.written.Load()).Int64("skipped", s.skipped.Load()).Msg("export finished")
	}
	s.stop(err)
}

func (s *Stream) writeArchive(entries []Entry) error {
	const op = "archive.writeArchive"

	level := s.exporter.opts.CompressionLevel
	zw := zip.NewWriter(s.pw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	names := newNameSet()
	for _, entry := range entries {
		if s.ctx.Err() != nil {
			return models.ErrCancelled
		}
		if err := s.writeEntry(zw, names, entry); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// writeEntry copies one original into the archive. A source that cannot be opened, is not a
// regular file or cannot be stat'ed is skipped before its header is written. A read failure
// after the header leaves a truncated entry behind. Only a failure to write to the consumer
// is returned.
func (s *Stream) writeEntry(zw *zip.Writer, names *nameSet, entry Entry) error {
	log := s.exporter.log.With().Str("album", entry.AlbumSlug).Str("filename", entry.Filename).Logger()

	f, err := s.exporter.files.Open(entry.AlbumSlug, models.KindOriginal, entry.Filename)
	if err != nil {
		log.Warn().Err(err).Msg("original missing, skipped")
		s.skipped.Add(1)
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Warn().Err(err).Msg("cannot stat original, skipped")
		s.skipped.Add(1)
		return nil
	}
	if !info.Mode().IsRegular() {
		log.Warn().Str("mode", info.Mode().String()).Msg("original is not a regular file, skipped")
		s.skipped.Add(1)
		return nil
	}

	hdr := &zip.FileHeader{
		Name:     names.unique(displayName(entry)),
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	out := &trackingWriter{w: w}
	if _, err := io.Copy(out, s.exporter.source(f)); err != nil {
		if out.err != nil {
			return out.err
		}
		log.Warn().Err(err).Str("entry", hdr.Name).Msg("read failed mid-entry, entry truncated")
		s.truncated.Add(1)
		return nil
	}
	s.written.Add(1)
	return nil
}

// trackingWriter remembers write errors so they can be told apart from read errors after
// io.Copy returns.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func displayName(entry Entry) string {
	name := filepath.Base(strings.ReplaceAll(entry.DisplayName, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return entry.Filename
	}
	return name
}

type nameSet struct {
	used map[string]struct{}
}

func newNameSet() *nameSet {
	return &nameSet{used: make(map[string]struct{})}
}

// unique returns name, or name with " (n)" before the extension when an entry with the
// same name (ignoring case) was already added.
func (n *nameSet) unique(name string) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; n.taken(candidate); i++ {
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
	n.used[strings.ToLower(candidate)] = struct{}{}
	return candidate
}

func (n *nameSet) taken(name string) bool {
	_, ok := n.used[strings.ToLower(name)]
	return ok
}

// IsCancelled reports whether err came from an abandoned stream rather than a real failure.
func IsCancelled(err error) bool {
	return errors.Is(err, models.ErrCancelled) || errors.Is(err, io.ErrClosedPipe)
}
