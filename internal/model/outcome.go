package model

// PipelineState is a node of the release pipeline state machine.
type PipelineState string

const (
	PipelineInit      PipelineState = "init"
	PipelinePrepared  PipelineState = "prepared"
	PipelineTested    PipelineState = "tested"
	PipelineFinalized PipelineState = "finalized"
	PipelineReported  PipelineState = "reported"
	PipelineAborted   PipelineState = "aborted"
)

// Verdict is the single status a run reports.
type Verdict string

const (
	VerdictSuccess   Verdict = "success"
	VerdictNoChanges Verdict = "no changes to release"
	VerdictFailure   Verdict = "failure"
)

// PipelineOutcome accumulates stage by stage and is consumed once by the
// notifier.
type PipelineOutcome struct {
	PrepareOK        bool
	TestOK           bool
	FinalizeOK       bool
	FinalizeEntered  bool
	ReleasableCrates bool
	Version          string
	Tag              string

	// Aborted is set when a fatal error or cancellation ended the run early.
	Aborted    bool
	FailedStep string
	Err        error

	// Results holds the per-cell breakdown of the test stage.
	Results []StageResult
	// Steps lists finalize steps that ran, in order.
	Steps []string
}

// Verdict maps the outcome to success, "no changes to release" or failure.
func (o PipelineOutcome) Verdict() Verdict {
	if o.Aborted || !o.PrepareOK || !o.TestOK {
		return VerdictFailure
	}
	if o.FinalizeEntered && !o.FinalizeOK {
		return VerdictFailure
	}
	if !o.ReleasableCrates {
		return VerdictNoChanges
	}
	return VerdictSuccess
}
