package model

import "time"

// RunStatus represents the outcome of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// TerminalReason is the actionable reason a run stopped early.
type TerminalReason string

const (
	TerminalNone                TerminalReason = ""
	TerminalCredentialsRejected TerminalReason = "credentials_rejected"
	TerminalRequiresHuman       TerminalReason = "requires_human"
	TerminalAuthExhausted       TerminalReason = "auth_retries_exhausted"
	TerminalSessionCapture      TerminalReason = "session_capture_failed"
	TerminalDetectionLockout    TerminalReason = "detection_lockout"
	TerminalStorageUnavailable  TerminalReason = "storage_unavailable"
	TerminalCancelled           TerminalReason = "cancelled"
	TerminalEmergencyStop       TerminalReason = "emergency_stop"
	TerminalResourceExhausted   TerminalReason = "resource_exhausted"
)

// WindowStatus is the per-window outcome inside a run report.
type WindowStatus string

const (
	WindowComplete WindowStatus = "complete"
	WindowDeferred WindowStatus = "deferred"
	WindowSkipped  WindowStatus = "skipped"
)

// WindowResult summarizes one processed window.
type WindowResult struct {
	Window   string       `json:"window"`
	Status   WindowStatus `json:"status"`
	Pages    int          `json:"pages"`
	Records  int          `json:"records"`
	NotFound bool         `json:"not_found,omitempty"`
	Reason   DeferReason  `json:"reason,omitempty"`
	Detail   string       `json:"detail,omitempty"`
}

// RunReport is the user-visible result of a run.
type RunReport struct {
	RunID      string         `json:"run_id"`
	Identity   string         `json:"identity"`
	Restored   bool           `json:"session_restored"`
	Windows    []WindowResult `json:"windows"`
	Inserted   int            `json:"inserted"`
	Updated    int            `json:"updated"`
	Partial    int            `json:"partial"`
	Flagged    int            `json:"flagged"`
	Deferred   []Deferral     `json:"deferred,omitempty"`
	Checkpoint *time.Time     `json:"checkpoint,omitempty"`
	Terminal   TerminalReason `json:"terminal,omitempty"`
	Message    string         `json:"message,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Stored returns the number of receipts written during the run.
func (r *RunReport) Stored() int {
	return r.Inserted + r.Updated
}

// Completed counts windows marked complete.
func (r *RunReport) Completed() int {
	n := 0
	for _, w := range r.Windows {
		if w.Status == WindowComplete {
			n++
		}
	}
	return n
}

// Status derives the run status from the terminal reason and deferrals.
func (r *RunReport) Status() RunStatus {
	switch {
	case r.Terminal != TerminalNone:
		return RunStatusFailed
	case len(r.Deferred) > 0:
		return RunStatusPartial
	default:
		return RunStatusComplete
	}
}

// Run is a persisted pipeline run.
type Run struct {
	ID        string     `json:"id"`
	Identity  string     `json:"identity"`
	Status    RunStatus  `json:"status"`
	Report    *RunReport `json:"report,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
