package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/api/handlers"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/api/middleware"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/config"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/database"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/render"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/repository"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/server"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/service"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/storage/artifacts"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить HTTP API и фоновые задачи",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

// components — собранный сервисный слой.
type components struct {
	pool    *pgxpool.Pool
	store   *artifacts.Store
	shares  *service.ShareLinkService
	svc     *service.ExtractionService
	sweeper *service.SweeperService
}

// buildComponents подключается к PostgreSQL и собирает сервисный слой.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := artifacts.New(cfg.DataDir)
	if err != nil {
		pool.Close()
		return nil, err
	}

	extractionRepo := repository.NewExtractionRepository(pool)
	shareLinkRepo := repository.NewShareLinkRepository(pool)

	cache := service.NewStatusCache(cfg.StatusCacheSize, cfg.StatusCacheTTL)
	progress := service.NewProgressTracker(cfg.StatusCacheSize, cfg.StatusCacheTTL)

	renderer := render.NewRenderer(render.FitzOpener{}, render.Options{
		Scale:        cfg.RenderScale,
		MaxDimension: cfg.RenderMaxDimension,
	}, logger)

	shares := service.NewShareLinkService(shareLinkRepo, extractionRepo, cache, logger)
	svc := service.NewExtractionService(
		extractionRepo, shares, renderer, store, cache, progress,
		service.ExtractionConfig{
			MaxPages:         cfg.MaxPages,
			MaxFileSize:      cfg.MaxFileSize,
			Expiry:           cfg.Expiry(),
			Workers:          cfg.RenderWorkers,
			CompressionLevel: cfg.ArchiveCompressionLevel,
		},
		logger,
	)
	sweeper := service.NewSweeperService(
		extractionRepo, store, cache, svc.IsProcessing,
		cfg.CleanupInterval, cfg.StaleProcessingAfter,
		logger,
	)

	return &components{
		pool:    pool,
		store:   store,
		shares:  shares,
		svc:     svc,
		sweeper: sweeper,
	}, nil
}

func runServe(parent context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("PDF Extractor запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
	)

	if os.Getenv("PE_DEPHEALTH_GROUP") == "" {
		logger.Warn("PE_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 1. Миграции БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return fmt.Errorf("ошибка миграций БД: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. PostgreSQL и сервисный слой
	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.pool.Close()

	// 2.1 Адаптер pgxpool → *sql.DB для topologymetrics: проверка идёт через пул
	pgDB := stdlib.OpenDBFromPool(c.pool)
	defer pgDB.Close()

	// 3. Фоновая очистка
	if cfg.CleanupEnabled {
		c.sweeper.Start(ctx)
		defer c.sweeper.Stop()
		logger.Info("Очистка запущена",
			slog.String("interval", cfg.CleanupInterval.String()),
		)
	}

	// 4. topologymetrics — мониторинг зависимостей
	var deps handlers.DependencyHealth
	dephealthSvc, err := service.NewDephealthService(
		"pdf-extractor",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.JWTJWKSURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
	} else {
		defer dephealthSvc.Stop()
		deps = dephealthSvc
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 5. JWT для admin API
	var jwtAuth *middleware.JWTAuth
	if cfg.JWTJWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(cfg.JWTJWKSURL, cfg.JWTIssuer, cfg.AdminGroups, logger)
		if err != nil {
			return fmt.Errorf("ошибка создания JWT middleware: %w", err)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	}

	// 6. HTTP
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(c.pool), deps)
	apiHandler := handlers.NewAPIHandler(c.svc, c.shares, c.sweeper, c.store, cfg.MaxFileSize, logger)
	srv := server.New(cfg, logger, apiHandler, healthHandler, jwtAuth)

	runErr := srv.Run(ctx)

	// 7. Дожидаемся конвейеров; не успевшие к сроку отменяются
	// и переводятся в failed.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := c.svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Конвейеры не завершились за отведённое время", slog.String("error", err.Error()))
	}

	logger.Info("PDF Extractor остановлен")
	return runErr
}
