// Пакет archive — сборка ZIP-архива изображений извлечения.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ErrNoFiles — архив без файлов не собирается.
var ErrNoFiles = errors.New("нет файлов для архива")

// File — файл, включаемый в архив.
type File struct {
	// Name — имя записи внутри архива (без директорий)
	Name string
	// Path — путь к файлу на диске
	Path string
}

// Build собирает ZIP-архив из files в dest.
// level — уровень сжатия deflate (0..9, -1 — по умолчанию).
//
// Архив пишется во временный файл рядом с dest и публикуется
// атомарным rename. При ошибке dest не создаётся.
func Build(files []File, dest string, level int) (int64, error) {
	if len(files) == 0 {
		return 0, ErrNoFiles
	}
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return 0, fmt.Errorf("недопустимый уровень сжатия: %d", level)
	}

	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного архива: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	for _, f := range files {
		if err := addFile(zw, f); err != nil {
			zw.Close()
			cleanup()
			return 0, err
		}
	}

	if err := zw.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("ошибка финализации архива: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("ошибка fsync архива: %w", err)
	}

	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("ошибка stat архива: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия архива: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования архива: %w", err)
	}

	return info.Size(), nil
}

// addFile копирует один файл в архив.
func addFile(zw *zip.Writer, f File) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", f.Name, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("ошибка stat %s: %w", f.Name, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("ошибка заголовка %s: %w", f.Name, err)
	}
	header.Name = filepath.Base(f.Name)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("ошибка создания записи %s: %w", f.Name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("ошибка записи %s в архив: %w", f.Name, err)
	}
	return nil
}
