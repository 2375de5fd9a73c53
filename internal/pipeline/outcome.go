// Package pipeline assembles the backup and restore flows: streaming stages
// joined by pipes, supervised so the first failure cancels everything and
// surfaces as the run's outcome.
package pipeline

import "time"

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const (
	directionBackup  = "backup"
	directionRestore = "restore"
)

// Stage labels for duration metrics.
const (
	stageTransfer = "transfer"
	stageApply    = "apply"
	stagePrune    = "prune"
)

// RunOutcome is the single record a run produces for logging and the exit
// path. Exactly one of Status success or Err is meaningful.
type RunOutcome struct {
	Direction      string
	Status         string
	ObjectKey      string
	BytesProcessed int64
	PartCount      int32
	Duration       time.Duration
	Err            error
}

// LogFields returns the outcome as structured log attributes.
func (o *RunOutcome) LogFields() []any {
	fields := []any{
		"direction", o.Direction,
		"status", o.Status,
		"duration", o.Duration.Round(time.Millisecond),
	}
	if o.ObjectKey != "" {
		fields = append(fields, "object_key", o.ObjectKey)
	}
	if o.BytesProcessed > 0 {
		fields = append(fields, "bytes", o.BytesProcessed)
	}
	if o.PartCount > 0 {
		fields = append(fields, "parts", o.PartCount)
	}
	if o.Err != nil {
		fields = append(fields, "error", o.Err)
	}
	return fields
}

func (o *RunOutcome) fail(err error) *RunOutcome {
	o.Status = StatusFailure
	o.Err = err
	return o
}
