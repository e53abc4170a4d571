package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Выполнить один проход очистки и выйти",
	Long: `Удаляет извлечения с истёкшим сроком хранения вместе с артефактами
и переводит зависшие в processing записи в failed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		c, err := buildComponents(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer c.pool.Close()

		result := c.sweeper.RunOnce(cmd.Context())
		logger.Info("Очистка выполнена",
			slog.Int("deleted", result.DeletedCount),
			slog.Int("stale_failed", result.StaleFailedCount),
			slog.Int("errors", result.Errors),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d stale_failed=%d errors=%d duration=%s\n",
			result.DeletedCount, result.StaleFailedCount, result.Errors, result.Duration)
		if result.Errors > 0 {
			return fmt.Errorf("очистка завершилась с ошибками: %d", result.Errors)
		}
		return nil
	},
}
