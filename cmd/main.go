package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gallery/internal/archive"
	"gallery/internal/derivative"
	"gallery/internal/ingest"
	"gallery/internal/layout"
	"gallery/internal/logger"
	"gallery/internal/models"
	"gallery/internal/queue"
	"gallery/internal/server"
	"gallery/internal/storage"
)

const shutdownTimeout = 15 * time.Second

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gallery: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gallery",
		Short:        "Photo gallery server and maintenance tools",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "YAML config file")
	cmd.AddCommand(
		newServeCmd(),
		newImportCmd(),
		newRegenerateCmd(),
	)
	return cmd
}

// app holds the components every subcommand needs.
type app struct {
	cfg     *models.Config
	log     zerolog.Logger
	store   *storage.Storage
	layout  *layout.Layout
	ingest  *ingest.Service
	cleanup func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel)

	store, err := storage.NewStorage(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	l, err := layout.New(cfg.UploadDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init upload dir: %w", err)
	}

	opts := derivative.DefaultOptions()
	opts.MediumSize = cfg.Derivatives.MediumSize
	opts.ThumbnailSize = cfg.Derivatives.ThumbnailSize
	opts.JPEGQuality = cfg.Derivatives.JPEGQuality
	gen := derivative.New(l, opts, log)

	svc := ingest.NewService(store, gen, l, ingest.Config{
		Workers:       cfg.IngestWorkers,
		MaxUploadSize: cfg.MaxUploadSize,
		ImportDir:     cfg.ImportDir,
	}, log)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		layout:  l,
		ingest:  svc,
		cleanup: store.Close,
	}, nil
}

func (a *app) album(ctx context.Context, slug string) (models.Album, error) {
	if !models.ValidSlug(slug) {
		return models.Album{}, models.ErrInvalidSlug
	}
	return a.store.GetAlbumBySlug(ctx, slug)
}

func (a *app) report(res ingest.Result) error {
	for _, fe := range res.Errors {
		a.log.Warn().Str("file", fe.Name).Str("error", fe.Error).Msg("file failed")
	}
	a.log.Info().Int("ok", res.Uploaded).Int("failed", res.Failed).Msg("done")
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", res.Failed, res.Failed+res.Uploaded)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the regeneration consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.cleanup()

			exporter := archive.New(a.layout, archive.Options{
				CompressionLevel: a.cfg.Export.CompressionLevel,
				IdleTimeout:      a.cfg.Export.IdleTimeout,
			}, a.log)

			deps := server.Deps{
				Store:    a.store,
				Files:    a.layout,
				Ingest:   a.ingest,
				Exporter: exporter,
				Log:      a.log,
			}

			g, gctx := errgroup.WithContext(ctx)

			if a.cfg.KafkaBroker != "" {
				producer := queue.NewProducer(a.cfg.KafkaBroker, a.cfg.KafkaTopic)
				defer producer.Close()
				deps.Publisher = producer

				consumer := queue.NewConsumer(a.cfg.KafkaBroker, a.cfg.KafkaTopic, a.cfg.KafkaGroupID,
					func(ctx context.Context, job queue.RegenerateJob) error {
						return a.ingest.RegenerateQueued(ctx, job.AlbumID, job.PhotoID, job.Filename)
					}, a.log)
				g.Go(func() error {
					return consumer.Run(gctx)
				})
			} else {
				a.log.Info().Msg("kafka_broker not set, regeneration runs inline")
			}

			srv := server.NewServer(a.cfg, deps)
			g.Go(srv.Start)
			g.Go(func() error {
				<-gctx.Done()
				a.log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Stop(shutdownCtx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	var (
		albumSlug string
		remove    bool
	)
	cmd := &cobra.Command{
		Use:   "import [path...]",
		Short: "Import images from the import folder into an album",
		Long: `Import ingests images found in the import folder. Paths are relative to the folder;
with none given, every image in it is imported. First-level subfolder names become tags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.cleanup()

			album, err := a.album(ctx, albumSlug)
			if err != nil {
				return err
			}
			res, err := a.ingest.ImportFiles(ctx, album, args, remove)
			if err != nil {
				return err
			}
			return a.report(res)
		},
	}
	cmd.Flags().StringVar(&albumSlug, "album", "", "Slug of the target album")
	cmd.Flags().BoolVar(&remove, "remove", false, "Delete source files after a successful import")
	_ = cmd.MarkFlagRequired("album")
	return cmd
}

func newRegenerateCmd() *cobra.Command {
	var albumSlug string
	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Rebuild medium and thumbnail derivatives for an album",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.cleanup()

			album, err := a.album(ctx, albumSlug)
			if err != nil {
				return err
			}
			res, err := a.ingest.RegenerateAlbum(ctx, album)
			if err != nil {
				return err
			}
			return a.report(res)
		},
	}
	cmd.Flags().StringVar(&albumSlug, "album", "", "Slug of the album")
	_ = cmd.MarkFlagRequired("album")
	return cmd
}
