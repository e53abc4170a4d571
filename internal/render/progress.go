package render

import "sync"

// Stage — этап конвейера рендеринга.
type Stage string

const (
	StageLoading    Stage = "loading"
	StageAnalyzing  Stage = "analyzing"
	StageExtracting Stage = "extracting"
	StageSaving     Stage = "saving"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// stageOrder — порядок этапов. error допустим после любого незавершённого этапа.
var stageOrder = map[Stage]int{
	StageLoading:    0,
	StageAnalyzing:  1,
	StageExtracting: 2,
	StageSaving:     3,
	StageComplete:   4,
	StageError:      4,
}

// Progress — событие прогресса рендеринга.
type Progress struct {
	Stage       Stage  `json:"stage"`
	Percent     int    `json:"percent"`
	Message     string `json:"message"`
	CurrentPage int    `json:"current_page,omitempty"`
	TotalPages  int    `json:"total_pages,omitempty"`
}

// ProgressFunc получает события прогресса. Вызывается синхронно из
// горутины рендеринга, поэтому не должна блокироваться надолго.
type ProgressFunc func(Progress)

// progressReporter гарантирует монотонность: этапы и проценты не откатываются,
// после complete или error события не отправляются.
type progressReporter struct {
	mu    sync.Mutex
	fn    ProgressFunc
	last  Progress
	sent  bool
	final bool
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn}
}

func (r *progressReporter) report(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.final {
		return
	}
	if r.sent {
		if stageOrder[p.Stage] < stageOrder[r.last.Stage] {
			return
		}
		if p.Percent < r.last.Percent {
			p.Percent = r.last.Percent
		}
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	if p.Percent < 0 {
		p.Percent = 0
	}

	r.last = p
	r.sent = true
	if p.Stage == StageComplete || p.Stage == StageError {
		r.final = true
	}
	if r.fn != nil {
		r.fn(p)
	}
}

func (r *progressReporter) fail(message string) {
	r.mu.Lock()
	percent := r.last.Percent
	r.mu.Unlock()
	r.report(Progress{Stage: StageError, Percent: percent, Message: message})
}
