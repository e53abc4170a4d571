package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
)

// FitzOpener открывает документы через MuPDF (go-fitz) для растеризации
// и ledongthuc/pdf для анализа содержимого страниц.
type FitzOpener struct{}

// Open открывает PDF из памяти.
func (FitzOpener) Open(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		if errors.Is(err, fitz.ErrNeedsPassword) {
			return nil, newError(CodeEncrypted, "документ защищён паролем", err)
		}
		return nil, newError(CodeInvalidPDF, "повреждённый или неподдерживаемый PDF", err)
	}

	d := &fitzDocument{doc: doc}

	// Анализатор строже MuPDF: если он не смог разобрать файл,
	// документ рендерится целиком.
	reader, err := openReader(data)
	if err == nil {
		d.reader = reader
	} else {
		d.readerErr = err
	}
	return d, nil
}

func openReader(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("паника анализатора: %v", rec)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

// fitzDocument — Document поверх go-fitz и ledongthuc/pdf.
type fitzDocument struct {
	doc       *fitz.Document
	reader    *pdf.Reader
	readerErr error
}

func (d *fitzDocument) NumPage() int {
	return d.doc.NumPage()
}

func (d *fitzDocument) PageHasImages(n int) (bool, error) {
	if d.reader == nil {
		return false, fmt.Errorf("анализатор недоступен: %w", d.readerErr)
	}
	if n+1 > d.reader.NumPage() {
		return false, fmt.Errorf("страница %d вне диапазона анализатора", n+1)
	}
	return pageHasImages(d.reader.Page(n + 1))
}

func (d *fitzDocument) PageSize(n int) (float64, float64, error) {
	bound, err := d.doc.Bound(n)
	if err != nil {
		return 0, 0, err
	}
	// Bound отбрасывает дробную часть MediaBox; +1 даёт оценку сверху.
	return float64(bound.Dx() + 1), float64(bound.Dy() + 1), nil
}

func (d *fitzDocument) RenderPage(n int, scale float64) (image.Image, error) {
	img, err := d.doc.ImageDPI(n, 72*scale)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
