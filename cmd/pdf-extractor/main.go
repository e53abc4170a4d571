// Точка входа PDF Extractor — сервиса извлечения изображений из PDF.
// Команды: serve (HTTP API + фоновые задачи), sweep (разовая очистка),
// migrate (применение миграций БД).
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/config"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/database"
)

var rootCmd = &cobra.Command{
	Use:           "pdf-extractor",
	Short:         "Сервис извлечения изображений страниц из PDF",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Применить миграции БД и выйти",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return database.Migrate(cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Ошибка выполнения команды", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadConfig загружает конфигурацию и настраивает логирование.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := config.SetupLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
