package render

import (
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// maxFormDepth — предел вложенности Form XObject при обходе.
const maxFormDepth = 8

// errImageFound прерывает интерпретацию потока при первом изображении.
var errImageFound = errors.New("найдено изображение")

// pageHasImages проверяет, рисует ли страница растровое изображение:
// оператор Do с XObject подтипа Image (в том числе внутри Form XObject)
// или встроенное изображение BI/ID/EI.
func pageHasImages(page pdf.Page) (found bool, err error) {
	if page.V.IsNull() {
		return false, fmt.Errorf("страница отсутствует")
	}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == errImageFound {
				found, err = true, nil
				return
			}
			found, err = false, fmt.Errorf("ошибка разбора содержимого: %v", rec)
		}
	}()

	s := &contentScanner{}
	s.scanContents(page.V.Key("Contents"), page.Resources(), 0)
	return false, nil
}

// contentScanner обходит потоки содержимого страницы.
type contentScanner struct{}

// scanContents обрабатывает Contents: один поток или массив потоков.
func (s *contentScanner) scanContents(contents, resources pdf.Value, depth int) {
	switch contents.Kind() {
	case pdf.Stream:
		s.scanStream(contents, resources, depth)
	case pdf.Array:
		for i := 0; i < contents.Len(); i++ {
			s.scanContents(contents.Index(i), resources, depth)
		}
	}
}

func (s *contentScanner) scanStream(strm, resources pdf.Value, depth int) {
	xobjects := resources.Key("XObject")

	pdf.Interpret(strm, func(stk *pdf.Stack, op string) {
		switch op {
		case "BI", "ID":
			panic(errImageFound)
		case "Do":
			if stk.Len() < 1 {
				return
			}
			name := stk.Pop().Name()
			xobj := xobjects.Key(name)
			switch xobj.Key("Subtype").Name() {
			case "Image":
				panic(errImageFound)
			case "Form":
				if depth >= maxFormDepth {
					return
				}
				formResources := xobj.Key("Resources")
				if formResources.IsNull() {
					formResources = resources
				}
				s.scanStream(xobj, formResources, depth+1)
			}
		}
	})
}
