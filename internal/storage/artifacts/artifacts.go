// Пакет artifacts — файловое хранилище артефактов извлечения.
//
// Раскладка на диске (на каждое извлечение):
//
//	{dataDir}/{extraction_id}/images/page_0001.png
//	{dataDir}/{extraction_id}/images/page_0003.png
//	{dataDir}/{extraction_id}/images.zip
//
// Директорией извлечения владеет только процесс, удерживающий запись
// в статусе processing. Повторная попытка сначала удаляет старую директорию.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	// ImagesDirName — поддиректория с изображениями страниц
	ImagesDirName = "images"
	// ArchiveName — имя ZIP-архива со всеми изображениями
	ArchiveName = "images.zip"
)

// ErrArtifactsMissing — артефакты извлечения отсутствуют или неполны.
var ErrArtifactsMissing = errors.New("артефакты извлечения отсутствуют")

// ErrInvalidName — недопустимый идентификатор или имя файла.
var ErrInvalidName = errors.New("недопустимое имя артефакта")

// ContentHash вычисляет SHA-256 содержимого и возвращает его в hex.
// Используется как ключ дедупликации, а не как граница безопасности.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store — управление директориями артефактов на диске.
type Store struct {
	// dataDir — корневая директория артефактов (PE_DATA_DIR)
	dataDir string
}

// New создаёт Store. Создаёт корневую директорию, если её нет.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir возвращает корневую директорию артефактов.
func (s *Store) DataDir() string {
	return s.dataDir
}

// Dir возвращает директорию извлечения.
func (s *Store) Dir(extractionID string) string {
	return filepath.Join(s.dataDir, extractionID)
}

// ImagesDir возвращает директорию изображений извлечения.
func (s *Store) ImagesDir(extractionID string) string {
	return filepath.Join(s.dataDir, extractionID, ImagesDirName)
}

// ArchivePath возвращает путь к ZIP-архиву извлечения.
func (s *Store) ArchivePath(extractionID string) string {
	return filepath.Join(s.dataDir, extractionID, ArchiveName)
}

// ImagePath возвращает путь к изображению извлечения.
func (s *Store) ImagePath(extractionID, filename string) string {
	return filepath.Join(s.ImagesDir(extractionID), filename)
}

// Prepare удаляет прежние артефакты извлечения и создаёт пустую
// директорию изображений. Возвращает путь к ней.
func (s *Store) Prepare(extractionID string) (string, error) {
	extractionID, err := CanonicalID(extractionID)
	if err != nil {
		return "", err
	}
	if err := s.Remove(extractionID); err != nil {
		return "", err
	}

	imagesDir := s.ImagesDir(extractionID)
	if err := os.MkdirAll(imagesDir, 0o750); err != nil {
		return "", fmt.Errorf("ошибка создания директории %s: %w", imagesDir, err)
	}
	return imagesDir, nil
}

// Remove удаляет директорию извлечения целиком.
// Идемпотентна: отсутствие директории не является ошибкой.
func (s *Store) Remove(extractionID string) error {
	extractionID, err := CanonicalID(extractionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(extractionID)); err != nil {
		return fmt.Errorf("ошибка удаления артефактов %s: %w", extractionID, err)
	}
	return nil
}

// Verify проверяет целостность артефактов: директория изображений и архив
// существуют, каждый ожидаемый файл — непустой обычный файл.
// Пустой список filenames считается неполными артефактами.
func (s *Store) Verify(extractionID string, filenames []string) error {
	extractionID, err := CanonicalID(extractionID)
	if err != nil {
		return err
	}

	info, err := os.Stat(s.ImagesDir(extractionID))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: нет директории изображений", ErrArtifactsMissing)
	}

	if err := checkRegularFile(s.ArchivePath(extractionID)); err != nil {
		return fmt.Errorf("%w: архив: %v", ErrArtifactsMissing, err)
	}

	if len(filenames) == 0 {
		return fmt.Errorf("%w: нет изображений", ErrArtifactsMissing)
	}

	for _, name := range filenames {
		if err := validateFilename(name); err != nil {
			return err
		}
		if err := checkRegularFile(s.ImagePath(extractionID, name)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrArtifactsMissing, name, err)
		}
	}
	return nil
}

// OpenImage открывает изображение извлечения для чтения.
// Вызывающий код обязан закрыть файл.
func (s *Store) OpenImage(extractionID, filename string) (*os.File, error) {
	extractionID, err := CanonicalID(extractionID)
	if err != nil {
		return nil, err
	}
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	return openExisting(s.ImagePath(extractionID, filename))
}

// OpenArchive открывает ZIP-архив извлечения для чтения.
// Вызывающий код обязан закрыть файл.
func (s *Store) OpenArchive(extractionID string) (*os.File, error) {
	extractionID, err := CanonicalID(extractionID)
	if err != nil {
		return nil, err
	}
	return openExisting(s.ArchivePath(extractionID))
}

// WriteFileAtomic записывает файл name в директорию dir через временный файл.
//
// Паттерн: temp файл → запись → fsync → atomic rename.
// При ошибке temp файл удаляется, целевой путь не появляется.
func WriteFileAtomic(dir, name string, write func(w io.Writer) error) (int64, error) {
	if err := validateFilename(name); err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	cw := &countingWriter{w: f}
	if err := write(cw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка записи %s: %w", name, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return cw.n, nil
}

// countingWriter считает записанные байты.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// checkRegularFile проверяет, что путь — непустой обычный файл.
func checkRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("не является обычным файлом")
	}
	if info.Size() == 0 {
		return fmt.Errorf("пустой файл")
	}
	return nil
}

// openExisting открывает файл, приводя отсутствие к ErrArtifactsMissing.
func openExisting(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactsMissing, filepath.Base(path))
		}
		return nil, fmt.Errorf("ошибка открытия %s: %w", path, err)
	}
	return f, nil
}

// CanonicalID проверяет, что идентификатор извлечения — UUID, и приводит
// его к каноническому виду (нижний регистр, с дефисами), которым названа
// директория. uuid.Parse принимает и другие записи: верхний регистр,
// {...}, urn:uuid:, без дефисов. Защищает от выхода за пределы dataDir.
func CanonicalID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: идентификатор %q", ErrInvalidName, id)
	}
	return u.String(), nil
}

// validateFilename запрещает пути, скрытые файлы и разделители в имени.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: файл %q", ErrInvalidName, name)
	}
	return nil
}
