// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — состояние записи не удалось согласовать.
	ErrConflict = errors.New("конфликт состояния записи")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrShuttingDown — сервис останавливается и не принимает новую работу.
	ErrShuttingDown = errors.New("сервис останавливается")
)
