package render

import "fmt"

// Коды ошибок рендеринга.
const (
	CodeTooManyPages = "TOO_MANY_PAGES"
	CodeInvalidPDF   = "INVALID_PDF"
	CodeEncrypted    = "ENCRYPTED"
	CodeNoPages      = "NO_PAGES"
	CodeNoImages     = "NO_IMAGES"
	CodeIO           = "IO_ERROR"
)

// Error — структурированная ошибка рендеринга документа.
type Error struct {
	Code    string // Машиночитаемый код (TOO_MANY_PAGES, NO_IMAGES, ...)
	Message string // Человекочитаемое описание
	Err     error  // Исходная ошибка, если есть
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
