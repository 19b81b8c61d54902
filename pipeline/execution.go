package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lumenlabs/renderq/job"
)

// Progress is a stage-local progress report. Fraction is the stage's own
// completion in [0, 1]; the runner scales it by the stage weight into
// overall job progress.
type Progress struct {
	Fraction    float64
	Message     string
	CurrentFile string
	TotalFiles  int
}

// Execution is the per-run context shared by a pipeline's stages. It
// carries the job being processed, a scratch value space for passing
// intermediate artifacts between stages, and the final result.
//
// Execution methods are safe for concurrent use; a stage may fan work out
// to goroutines that all report progress.
type Execution struct {
	job *job.Job

	mu     sync.Mutex
	values map[string]any
	result []byte

	// Stage window maintained by the runner.
	stageName   string
	doneWeight  float64
	stageWeight float64
	emit        func(overall float64, stage string, p Progress)
}

func newExecution(j *job.Job, emit func(overall float64, stage string, p Progress)) *Execution {
	return &Execution{
		job:    j,
		values: make(map[string]any),
		emit:   emit,
	}
}

// beginStage moves the progress window to the next stage.
func (e *Execution) beginStage(name string, doneWeight, stageWeight float64) {
	e.mu.Lock()
	e.stageName = name
	e.doneWeight = doneWeight
	e.stageWeight = stageWeight
	e.mu.Unlock()
}

// Job returns the job being executed.
func (e *Execution) Job() *job.Job { return e.job }

// Report publishes a stage-local progress fraction. Values outside [0, 1]
// are clamped. Reporting is best-effort and never fails the stage.
func (e *Execution) Report(p Progress) {
	if p.Fraction < 0 {
		p.Fraction = 0
	}
	if p.Fraction > 1 {
		p.Fraction = 1
	}

	e.mu.Lock()
	overall := e.doneWeight + e.stageWeight*p.Fraction
	stage := e.stageName
	emit := e.emit
	e.mu.Unlock()

	if emit != nil {
		emit(overall, stage, p)
	}
}

// Set stashes an intermediate value for downstream stages.
func (e *Execution) Set(key string, value any) {
	e.mu.Lock()
	e.values[key] = value
	e.mu.Unlock()
}

// Value retrieves a value stashed by an earlier stage.
func (e *Execution) Value(key string) (any, bool) {
	e.mu.Lock()
	v, ok := e.values[key]
	e.mu.Unlock()
	return v, ok
}

// SetResult records the job's final result. Typically called by the last
// stage; the JSON encoding is what MarkJobCompleted persists and what
// subscribers receive in the completed message.
func (e *Execution) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("renderq/pipeline: marshal result: %w", err)
	}

	e.mu.Lock()
	e.result = data
	e.mu.Unlock()

	return nil
}

// Result returns the recorded result, or nil if no stage set one.
func (e *Execution) Result() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}
