package schema

// Event type constants for the unit transition log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventJobStarted   = "job_started"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobSkipped   = "job_skipped"
	EventJobCancelled = "job_cancelled"
)

// UnitKind names the level of a unit in the run tree.
type UnitKind string

const (
	UnitWorkflow UnitKind = "workflow"
	UnitJob      UnitKind = "job"
	UnitStrategy UnitKind = "strategy"
	UnitStage    UnitKind = "stage"
)

// TransitionEvent returns the event type emitted when a unit of the given kind
// enters status to. Empty means the transition is not logged.
func TransitionEvent(kind UnitKind, to Status) string {
	switch kind {
	case UnitWorkflow:
		switch to {
		case StatusRunning:
			return EventWorkflowStarted
		case StatusSuccess:
			return EventWorkflowCompleted
		case StatusFailed:
			return EventWorkflowFailed
		case StatusCancel:
			return EventWorkflowCancelled
		}
	case UnitJob:
		switch to {
		case StatusRunning:
			return EventJobStarted
		case StatusSuccess:
			return EventJobCompleted
		case StatusFailed:
			return EventJobFailed
		case StatusSkip:
			return EventJobSkipped
		case StatusCancel:
			return EventJobCancelled
		}
	}
	return ""
}
