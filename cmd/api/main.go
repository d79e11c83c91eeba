package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"admissions/api/internal/app"
	"admissions/api/internal/blob"
	"admissions/api/internal/config"
	"admissions/api/internal/email"
	"admissions/api/internal/logging"
	"admissions/api/internal/outbox"
	"admissions/api/internal/search"
	"admissions/api/internal/store"
)

type rootOptions struct {
	ConfigFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "admissions-api",
		Short:         "Document threads, escalations and digests for the admissions portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "optional YAML config file; environment variables win")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDigestCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newReindexCommand(opts))
	cmd.AddCommand(newOutboxCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

// runtime holds the wired service and everything that must be closed with it.
type runtime struct {
	cfg     config.Config
	log     *zap.Logger
	db      *sql.DB
	queue   outbox.Queue
	service *app.Service
	closers []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func openRuntime(ctx context.Context, opts *rootOptions) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	rt := &runtime{cfg: cfg, log: log}
	rt.closers = append(rt.closers, func() { _ = log.Sync() })

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.db = db
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	migrations, err := store.Migrations(cfg.MigrationsDir)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	var blobs blob.Store
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("blob storage: %w", err)
		}
		blobs = minioStore
	} else {
		log.Warn("S3 endpoint not configured, attachments are kept in memory")
		blobs = blob.NewMemoryStore()
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisQueue, err := outbox.NewRedisQueue(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.queue = redisQueue
		rt.closers = append(rt.closers, func() { _ = redisQueue.Close() })
	} else {
		log.Warn("redis not configured, side effects use an in-process queue")
		rt.queue = outbox.NewMemoryQueue(0)
	}

	var primary search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.Named("search"))
		primary = meili
		rt.closers = append(rt.closers, meili.Close)
	}
	searchService := search.NewService(primary, search.NewPgSearch(db), log.Named("search"))

	mailer := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		PortalURL: cfg.PortalURL,
	})
	if !mailer.IsConfigured() {
		log.Warn("SMTP not configured, notification deliveries will be dead-lettered")
	}

	rt.service = app.New(cfg, store.NewPostgresStore(db), app.Deps{
		Blobs:    blobs,
		Outbox:   outbox.New(rt.queue, log.Named("outbox")),
		Search:   searchService,
		Notifier: mailer,
		Logger:   log,
	})
	return rt, nil
}

func (rt *runtime) worker() *outbox.Worker {
	worker := outbox.NewWorker(rt.queue, rt.log.Named("worker"))
	rt.service.RegisterHandlers(worker)
	return worker
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the side-effect worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			workerDone := make(chan error, 1)
			go func() {
				workerDone <- rt.worker().Run(ctx)
			}()

			httpServer := app.NewHTTPServer(rt.service, rt.cfg.CORSOrigin, rt.log.Named("http"))
			server := &http.Server{
				Addr:              rt.cfg.Addr,
				Handler:           httpServer.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       60 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				rt.log.Info("admissions API listening", zap.String("addr", rt.cfg.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				rt.log.Warn("shutdown error", zap.Error(err))
			}
			stop()
			return <-workerDone
		},
	}
}
