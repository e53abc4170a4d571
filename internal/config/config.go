// Пакет config — загрузка и валидация конфигурации сервиса извлечения
// изображений из PDF. Источник — переменные окружения с префиксом PE_,
// опционально дополненные файлом .env.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория артефактов (images/ + архив на каждое извлечение)
	DataDir string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Конвейер извлечения ---

	// Максимальное количество страниц в документе
	MaxPages int
	// Максимальный размер исходного файла в байтах
	MaxFileSize int64
	// Срок хранения извлечения в днях; 0 — бессрочно
	ExpiryDays int
	// Базовый масштаб растеризации (2.0 = 144 dpi)
	RenderScale float64
	// Максимальный размер стороны изображения в пикселях
	RenderMaxDimension int
	// Количество одновременно выполняемых конвейеров рендеринга
	RenderWorkers int
	// Уровень сжатия ZIP-архива (1..9)
	ArchiveCompressionLevel int

	// --- Очистка ---

	// Включена ли периодическая очистка просроченных извлечений
	CleanupEnabled bool
	// Интервал периодической очистки
	CleanupInterval time.Duration
	// Через сколько запись в статусе processing считается зависшей
	StaleProcessingAfter time.Duration

	// --- Кэш статусов ---

	StatusCacheSize int
	StatusCacheTTL  time.Duration

	// --- Admin API ---

	// URL JWKS endpoint; пустое значение отключает admin API
	JWTJWKSURL string
	// Ожидаемый issuer JWT (пусто — не проверяется)
	JWTIssuer string
	// Группы IdP, дающие роль admin
	AdminGroups []string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера и фоновых конвейеров
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
// Если в рабочей директории есть .env — его значения подхватываются,
// уже заданные переменные окружения не перезаписываются.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("ошибка чтения .env: %w", err)
	}

	cfg := &Config{}
	var err error

	// PE_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("PE_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("PE_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PE_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.DataDir = getEnvDefault("PE_DATA_DIR", "./data")

	// --- PostgreSQL ---
	cfg.DBHost = getEnvDefault("PE_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("PE_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("PE_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("PE_DB_NAME", "pdfextractor")
	cfg.DBUser = getEnvDefault("PE_DB_USER", "pdfextractor")
	cfg.DBPassword, err = getEnvRequired("PE_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("PE_DB_SSL_MODE", "disable")
	validSSL := map[string]bool{"disable": true, "allow": true, "prefer": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PE_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
	}

	// --- Конвейер извлечения ---
	cfg.MaxPages, err = getEnvInt("PE_MAX_PAGES", 100)
	if err != nil {
		return nil, fmt.Errorf("PE_MAX_PAGES: %w", err)
	}
	if cfg.MaxPages <= 0 {
		return nil, fmt.Errorf("PE_MAX_PAGES: значение должно быть положительным")
	}

	cfg.MaxFileSize, err = getEnvInt64("PE_MAX_FILE_SIZE", 50*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("PE_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("PE_MAX_FILE_SIZE: значение должно быть положительным")
	}

	cfg.ExpiryDays, err = getEnvInt("PE_EXPIRY_DAYS", 7)
	if err != nil {
		return nil, fmt.Errorf("PE_EXPIRY_DAYS: %w", err)
	}
	if cfg.ExpiryDays < 0 {
		return nil, fmt.Errorf("PE_EXPIRY_DAYS: значение не может быть отрицательным (0 — бессрочно)")
	}

	cfg.RenderScale, err = getEnvFloat("PE_RENDER_SCALE", 2.0)
	if err != nil {
		return nil, fmt.Errorf("PE_RENDER_SCALE: %w", err)
	}
	if cfg.RenderScale <= 0 || cfg.RenderScale > 8 {
		return nil, fmt.Errorf("PE_RENDER_SCALE: значение %.2f вне диапазона (0, 8]", cfg.RenderScale)
	}

	cfg.RenderMaxDimension, err = getEnvInt("PE_RENDER_MAX_DIMENSION", 4096)
	if err != nil {
		return nil, fmt.Errorf("PE_RENDER_MAX_DIMENSION: %w", err)
	}
	if cfg.RenderMaxDimension < 64 {
		return nil, fmt.Errorf("PE_RENDER_MAX_DIMENSION: значение должно быть >= 64")
	}

	cfg.RenderWorkers, err = getEnvInt("PE_RENDER_WORKERS", 2)
	if err != nil {
		return nil, fmt.Errorf("PE_RENDER_WORKERS: %w", err)
	}
	if cfg.RenderWorkers < 1 {
		return nil, fmt.Errorf("PE_RENDER_WORKERS: значение должно быть >= 1")
	}

	cfg.ArchiveCompressionLevel, err = getEnvInt("PE_ARCHIVE_COMPRESSION_LEVEL", 5)
	if err != nil {
		return nil, fmt.Errorf("PE_ARCHIVE_COMPRESSION_LEVEL: %w", err)
	}
	if cfg.ArchiveCompressionLevel < 1 || cfg.ArchiveCompressionLevel > 9 {
		return nil, fmt.Errorf("PE_ARCHIVE_COMPRESSION_LEVEL: значение %d вне диапазона 1-9", cfg.ArchiveCompressionLevel)
	}

	// --- Очистка ---
	cfg.CleanupEnabled, err = getEnvBool("PE_CLEANUP_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("PE_CLEANUP_ENABLED: %w", err)
	}
	cfg.CleanupInterval, err = getEnvDuration("PE_CLEANUP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PE_CLEANUP_INTERVAL: %w", err)
	}
	if cfg.CleanupInterval < time.Minute {
		return nil, fmt.Errorf("PE_CLEANUP_INTERVAL: значение должно быть >= 1m")
	}
	cfg.StaleProcessingAfter, err = getEnvDuration("PE_STALE_PROCESSING_AFTER", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PE_STALE_PROCESSING_AFTER: %w", err)
	}

	// --- Кэш статусов ---
	cfg.StatusCacheSize, err = getEnvInt("PE_STATUS_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("PE_STATUS_CACHE_SIZE: %w", err)
	}
	if cfg.StatusCacheSize < 1 {
		return nil, fmt.Errorf("PE_STATUS_CACHE_SIZE: значение должно быть >= 1")
	}
	cfg.StatusCacheTTL, err = getEnvDuration("PE_STATUS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PE_STATUS_CACHE_TTL: %w", err)
	}

	// --- Admin API ---
	cfg.JWTJWKSURL = getEnvDefault("PE_JWT_JWKS_URL", "")
	if cfg.JWTJWKSURL != "" {
		if u, parseErr := url.Parse(cfg.JWTJWKSURL); parseErr != nil || u.Host == "" {
			return nil, fmt.Errorf("PE_JWT_JWKS_URL: некорректный URL %q", cfg.JWTJWKSURL)
		}
	}
	cfg.JWTIssuer = getEnvDefault("PE_JWT_ISSUER", "")
	cfg.AdminGroups = parseCSV(getEnvDefault("PE_ADMIN_GROUPS", "admins"))

	// --- topologymetrics ---
	cfg.DephealthGroup = getEnvDefault("PE_DEPHEALTH_GROUP", "pdf-extractor")
	cfg.DephealthCheckInterval, err = getEnvDuration("PE_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PE_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Логирование ---
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PE_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PE_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("PE_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PE_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("PE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PE_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// Expiry возвращает срок хранения извлечения; 0 — бессрочно.
func (c *Config) Expiry() time.Duration {
	return time.Duration(c.ExpiryDays) * 24 * time.Hour
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL без пароля.
// Используется для лейблов topologymetrics.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает float64 значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvBool возвращает bool значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q (true/false)", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбивает строку через запятую, отбрасывая пустые элементы.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
