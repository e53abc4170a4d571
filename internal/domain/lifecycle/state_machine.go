// Пакет lifecycle — конечный автомат статусов извлечения.
//
// Жизненный цикл для одного хэша содержимого:
//   - (нет записи) → processing → completed | failed
//   - failed → processing — повторная попытка (та же запись)
//   - processing → processing — повторный опрос, работа не запускается
//   - completed → processing — только если артефакты на диске утрачены
//
// Иных выходов из completed нет: запись только удаляется.
package lifecycle

import (
	"fmt"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[model.Status]map[model.Status]bool{
	model.StatusPending:    {model.StatusProcessing: true, model.StatusFailed: true},
	model.StatusProcessing: {model.StatusProcessing: true, model.StatusCompleted: true, model.StatusFailed: true},
	model.StatusFailed:     {model.StatusProcessing: true},
	model.StatusCompleted:  {model.StatusProcessing: true},
}

// needsArtifactLoss — переходы, допустимые только при утрате артефактов.
var needsArtifactLoss = map[model.Status]map[model.Status]bool{
	model.StatusCompleted: {model.StatusProcessing: true},
}

// CanTransition проверяет, допустим ли переход без учёта состояния артефактов.
func CanTransition(from, to model.Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Transition проверяет переход from → to.
// artifactsMissing — артефакты completed-записи отсутствуют на диске.
//
// Ошибки:
//   - INVALID_TRANSITION — переход недопустим
//   - ARTIFACTS_PRESENT — повторная обработка completed-записи с целыми артефактами
func Transition(from, to model.Status, artifactsMissing bool) error {
	if !from.Valid() || !to.Valid() {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("недопустимый статус: %q → %q", from, to),
		}
	}

	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", from, to),
		}
	}

	if guarded, ok := needsArtifactLoss[from]; ok && guarded[to] && !artifactsMissing {
		return &TransitionError{
			Code:    "ARTIFACTS_PRESENT",
			Message: fmt.Sprintf("переход %s → %s разрешён только при утрате артефактов", from, to),
		}
	}

	return nil
}

// IsTerminal проверяет, является ли статус конечным для одного прохода конвейера.
func IsTerminal(s model.Status) bool {
	return s == model.StatusCompleted || s == model.StatusFailed
}

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, ARTIFACTS_PRESENT)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
