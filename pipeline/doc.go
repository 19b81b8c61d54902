// Package pipeline defines multi-stage render pipelines and the runner
// that drives a claimed job through one.
//
// # Pipelines
//
// A [Pipeline] is an ordered list of named [Stage] values registered for a
// job type. Each stage carries a weight describing its share of overall
// progress; weights are normalized at construction so callers can use any
// proportional values:
//
//	p, err := pipeline.New("render",
//	    pipeline.Stage{Name: "narration", Weight: 0.5, Run: synthesize},
//	    pipeline.Stage{Name: "composition", Weight: 0.3, Run: compose},
//	    pipeline.Stage{Name: "upload", Weight: 0.2, Run: upload},
//	)
//
// Stages communicate through the [Execution]: upstream stages stash
// intermediate artifacts with Set, downstream stages read them with Value,
// and the final stage records the job result with SetResult. Stages report
// stage-local progress fractions via Report; the runner converts them to
// overall job progress using the stage weights.
//
// # Runner
//
// [Runner.Run] executes the stages strictly in sequence, racing the whole
// pipeline against the job's deadline. Between stages it consults the
// job's current status so an external cancellation stops the pipeline at
// the next safe checkpoint rather than mid-stage. Stage errors are
// returned unmodified (annotated with the stage name) for the failure
// classifier — the runner itself never decides whether to retry.
package pipeline
