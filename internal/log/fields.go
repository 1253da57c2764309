package log

// Canonical field names for structured logging.
const (
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldRunID     = "run_id"
	FieldJobID     = "job_id"
	FieldLineup    = "lineup"
	FieldStation   = "station_id"
	FieldProgram   = "program_id"
	FieldStage     = "stage"
)
