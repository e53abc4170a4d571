// Пакет render — растеризация страниц PDF в изображения.
//
// Порядок работы:
//   - проверка количества страниц до любой растеризации
//   - анализ содержимого: какие страницы рисуют изображения
//   - если такие страницы есть, рендерятся только они, иначе все страницы
//   - каждая страница сохраняется в PNG сразу после рендеринга
package render

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/storage/artifacts"
)

// MimePNG — тип всех выходных изображений.
const MimePNG = "image/png"

// Document — открытый PDF-документ. Номера страниц 0-based.
type Document interface {
	NumPage() int
	// PageHasImages сообщает, рисует ли страница растровые изображения.
	PageHasImages(n int) (bool, error)
	// PageSize возвращает размер страницы в пунктах (1/72 дюйма).
	PageSize(n int) (width, height float64, err error)
	// RenderPage растеризует страницу с масштабом scale (1.0 = 72 dpi).
	RenderPage(n int, scale float64) (image.Image, error)
	Close() error
}

// Opener открывает документ из байтов. Ошибки — *Error
// с кодом INVALID_PDF или ENCRYPTED.
type Opener interface {
	Open(data []byte) (Document, error)
}

// RenderedPage — сохранённое изображение страницы.
type RenderedPage struct {
	Filename   string
	Path       string
	Width      int
	Height     int
	SizeBytes  int64
	MimeType   string
	PageNumber int // 1-based
	SortOrder  int
}

// Result — итог рендеринга документа.
type Result struct {
	Pages     []RenderedPage
	PageCount int
	// Fallback — изображений не найдено, отрендерены все страницы.
	Fallback bool
}

// Options — параметры растеризации.
type Options struct {
	// Базовый масштаб (2.0 = 144 dpi)
	Scale float64
	// Максимальная сторона изображения в пикселях
	MaxDimension int
}

// Renderer — рендерер страниц PDF.
type Renderer struct {
	opener Opener
	opts   Options
	logger *slog.Logger
}

// NewRenderer создаёт рендерер.
func NewRenderer(opener Opener, opts Options, logger *slog.Logger) *Renderer {
	if opts.Scale <= 0 {
		opts.Scale = 2.0
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = 4096
	}
	return &Renderer{
		opener: opener,
		opts:   opts,
		logger: logger.With(slog.String("component", "renderer")),
	}
}

// PageFilename возвращает имя файла изображения для страницы (1-based).
func PageFilename(pageNumber int) string {
	return fmt.Sprintf("page_%04d.png", pageNumber)
}

// FitScale подбирает масштаб так, чтобы ни одна сторона не превышала maxDim.
// Пропорции страницы сохраняются.
func FitScale(width, height, base float64, maxDim int) float64 {
	if width <= 0 || height <= 0 || maxDim <= 0 {
		return base
	}
	limit := float64(maxDim)
	if width*base <= limit && height*base <= limit {
		return base
	}
	return math.Min(limit/width, limit/height)
}

// maxRescaleAttempts — сколько раз страница перерисовывается с меньшим
// масштабом, если результат вышел за MaxDimension.
const maxRescaleAttempts = 3

func withinLimit(b image.Rectangle, maxDim int) bool {
	return maxDim <= 0 || (b.Dx() <= maxDim && b.Dy() <= maxDim)
}

// shrinkScale уменьшает scale пропорционально превышению, с запасом в пиксель.
func shrinkScale(scale float64, b image.Rectangle, maxDim int) float64 {
	limit := float64(maxDim - 1)
	if limit < 1 {
		limit = 1
	}
	return scale * math.Min(limit/float64(b.Dx()), limit/float64(b.Dy()))
}

// Render растеризует документ data в imagesDir.
//
// Ошибки уровня документа возвращаются как *Error. Ошибки отдельных страниц
// логируются и пропускаются; если не сохранено ни одного изображения,
// возвращается NO_IMAGES. Отмена ctx прерывает обработку между страницами.
func (r *Renderer) Render(ctx context.Context, data []byte, maxPages int, imagesDir string, onProgress ProgressFunc) (*Result, error) {
	progress := newProgressReporter(onProgress)

	result, err := r.render(ctx, data, maxPages, imagesDir, progress)
	if err != nil {
		progress.fail(err.Error())
		return nil, err
	}
	return result, nil
}

func (r *Renderer) render(ctx context.Context, data []byte, maxPages int, imagesDir string, progress *progressReporter) (*Result, error) {
	progress.report(Progress{Stage: StageLoading, Percent: 0, Message: "Загрузка документа"})

	doc, err := r.opener.Open(data)
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, newError(CodeInvalidPDF, "не удалось открыть документ", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount <= 0 {
		return nil, newError(CodeNoPages, "документ не содержит страниц", nil)
	}
	if maxPages > 0 && pageCount > maxPages {
		return nil, newError(CodeTooManyPages,
			fmt.Sprintf("документ содержит %d страниц, допустимо не более %d", pageCount, maxPages), nil)
	}

	progress.report(Progress{
		Stage:      StageAnalyzing,
		Percent:    5,
		Message:    "Анализ страниц",
		TotalPages: pageCount,
	})

	targets := r.imagePages(ctx, doc, pageCount, progress)
	if err := ctx.Err(); err != nil {
		return nil, newError(CodeIO, "рендеринг прерван", err)
	}

	fallback := len(targets) == 0
	if fallback {
		targets = make([]int, pageCount)
		for i := range targets {
			targets[i] = i
		}
	}

	r.logger.Debug("Страницы для рендеринга выбраны",
		slog.Int("page_count", pageCount),
		slog.Int("targets", len(targets)),
		slog.Bool("fallback", fallback),
	)

	pages := make([]RenderedPage, 0, len(targets))
	for i, n := range targets {
		if err := ctx.Err(); err != nil {
			return nil, newError(CodeIO, "рендеринг прерван", err)
		}

		progress.report(Progress{
			Stage:       StageExtracting,
			Percent:     20 + 70*i/len(targets),
			Message:     fmt.Sprintf("Рендеринг страницы %d", n+1),
			CurrentPage: n + 1,
			TotalPages:  pageCount,
		})

		page, err := r.renderPage(doc, n, imagesDir)
		if err != nil {
			r.logger.Warn("Ошибка рендеринга страницы, страница пропущена",
				slog.Int("page", n+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		page.SortOrder = len(pages)
		pages = append(pages, *page)
	}

	progress.report(Progress{
		Stage:      StageSaving,
		Percent:    90,
		Message:    fmt.Sprintf("Сохранено изображений: %d", len(pages)),
		TotalPages: pageCount,
	})

	if len(pages) == 0 {
		return nil, newError(CodeNoImages, "не удалось получить ни одного изображения", nil)
	}

	progress.report(Progress{
		Stage:      StageComplete,
		Percent:    100,
		Message:    "Готово",
		TotalPages: pageCount,
	})

	return &Result{Pages: pages, PageCount: pageCount, Fallback: fallback}, nil
}

// imagePages возвращает страницы, рисующие изображения.
// Ошибка анализа страницы означает «изображений нет».
func (r *Renderer) imagePages(ctx context.Context, doc Document, pageCount int, progress *progressReporter) []int {
	var targets []int
	for n := 0; n < pageCount; n++ {
		if ctx.Err() != nil {
			return nil
		}
		has, err := doc.PageHasImages(n)
		if err != nil {
			r.logger.Debug("Не удалось проанализировать страницу",
				slog.Int("page", n+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		if has {
			targets = append(targets, n)
		}
		progress.report(Progress{
			Stage:       StageAnalyzing,
			Percent:     5 + 15*(n+1)/pageCount,
			Message:     "Анализ страниц",
			CurrentPage: n + 1,
			TotalPages:  pageCount,
		})
	}
	return targets
}

// renderPage растеризует одну страницу и атомарно сохраняет PNG.
// Паника растеризатора превращается в ошибку страницы.
func (r *Renderer) renderPage(doc Document, n int, imagesDir string) (page *RenderedPage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			page = nil
			err = fmt.Errorf("паника при рендеринге: %v", rec)
		}
	}()

	width, height, err := doc.PageSize(n)
	if err != nil {
		return nil, fmt.Errorf("размер страницы: %w", err)
	}
	scale := FitScale(width, height, r.opts.Scale, r.opts.MaxDimension)

	img, err := doc.RenderPage(n, scale)
	if err != nil {
		return nil, fmt.Errorf("растеризация: %w", err)
	}
	// Растеризатор округляет размер наружу, поэтому результат проверяется
	// и при превышении страница перерисовывается с меньшим масштабом.
	for attempt := 0; !withinLimit(img.Bounds(), r.opts.MaxDimension); attempt++ {
		if attempt == maxRescaleAttempts {
			b := img.Bounds()
			return nil, fmt.Errorf("размер %dx%d превышает %d", b.Dx(), b.Dy(), r.opts.MaxDimension)
		}
		scale = shrinkScale(scale, img.Bounds(), r.opts.MaxDimension)
		if img, err = doc.RenderPage(n, scale); err != nil {
			return nil, fmt.Errorf("растеризация: %w", err)
		}
	}

	filename := PageFilename(n + 1)
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	size, err := artifacts.WriteFileAtomic(imagesDir, filename, func(w io.Writer) error {
		return encoder.Encode(w, img)
	})
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	return &RenderedPage{
		Filename:   filename,
		Path:       filepath.Join(imagesDir, filename),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		SizeBytes:  size,
		MimeType:   MimePNG,
		PageNumber: n + 1,
	}, nil
}
