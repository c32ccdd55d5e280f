package flow

// Reporter turns a terminal run into a persisted report file.
//
// The engine calls Generate when a run turns terminal, before the terminal
// persist, so the saved row already carries the report path. Generate
// receives a deep snapshot; it must not retain or mutate engine state.
//
// Report failures are logged and do not block the run's transition.
type Reporter interface {
	Generate(run *Run) (path string, err error)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(run *Run) (string, error)

// Generate implements Reporter.
func (f ReporterFunc) Generate(run *Run) (string, error) {
	return f(run)
}
