package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumenlabs/renderq/fault"
)

// StageFunc is the body of one pipeline stage.
type StageFunc func(ctx context.Context, exec *Execution) error

// Stage is one ordered step of a pipeline. Weight is the stage's share of
// overall progress relative to its siblings; any positive proportions work,
// they are normalized at pipeline construction.
type Stage struct {
	Name   string
	Weight float64
	Run    StageFunc
}

// Pipeline is an ordered, weighted list of stages registered for a job type.
type Pipeline struct {
	jobType  string
	stages   []Stage
	weights  []float64 // normalized, sums to 1
	validate func(payload []byte) error
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithValidation sets a payload validator run at submission time, before
// the job is ever enqueued. A validation failure rejects the submit call;
// it never reaches the runner.
func WithValidation(fn func(payload []byte) error) Option {
	return func(p *Pipeline) {
		p.validate = fn
	}
}

// New builds a pipeline for the given job type. Stage names must be unique
// and non-empty, every stage needs a body, and weights must be positive.
func New(jobType string, stages []Stage, opts ...Option) (*Pipeline, error) {
	if jobType == "" {
		return nil, fmt.Errorf("renderq/pipeline: empty job type")
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("renderq/pipeline: pipeline %q has no stages", jobType)
	}

	var total float64
	seen := make(map[string]bool, len(stages))
	for i, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("renderq/pipeline: pipeline %q: stage %d has no name", jobType, i)
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("renderq/pipeline: pipeline %q: duplicate stage %q", jobType, st.Name)
		}
		seen[st.Name] = true
		if st.Run == nil {
			return nil, fmt.Errorf("renderq/pipeline: pipeline %q: stage %q has no body", jobType, st.Name)
		}
		if st.Weight <= 0 {
			return nil, fmt.Errorf("renderq/pipeline: pipeline %q: stage %q weight must be positive", jobType, st.Name)
		}
		total += st.Weight
	}

	weights := make([]float64, len(stages))
	for i, st := range stages {
		weights[i] = st.Weight / total
	}

	p := &Pipeline{jobType: jobType, stages: stages, weights: weights}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// MustNew is like New but panics on error. Use for pipelines assembled
// from compile-time constants.
func MustNew(jobType string, stages []Stage, opts ...Option) *Pipeline {
	p, err := New(jobType, stages, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Type returns the job type this pipeline processes.
func (p *Pipeline) Type() string { return p.jobType }

// Stages returns the ordered stage list.
func (p *Pipeline) Stages() []Stage { return p.stages }

// ValidatePayload runs the pipeline's payload validator, if any.
func (p *Pipeline) ValidatePayload(payload []byte) error {
	if p.validate == nil {
		return nil
	}
	return p.validate(payload)
}

// Payload unmarshals the execution's job payload into T. Stages use this
// to get their typed view of the submitted request.
func Payload[T any](exec *Execution) (T, error) {
	var t T
	raw := exec.Job().Payload
	if len(raw) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fault.Validation("unmarshal payload for job type %q: %v", exec.Job().Type, err)
	}
	return t, nil
}

// ValidatorFor returns a payload validator that requires the payload to
// unmarshal cleanly into T, for use with WithValidation.
func ValidatorFor[T any]() func(payload []byte) error {
	return func(payload []byte) error {
		var t T
		if len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, &t); err != nil {
			return fault.Validation("invalid payload: %v", err)
		}
		return nil
	}
}
