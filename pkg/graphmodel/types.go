package graphmodel

import (
	"strings"
	"time"
)

// Phase is an ordered stage of the mission workflow.
type Phase string

// Workflow phases, in execution order.
const (
	PhaseOSINT     Phase = "OSINT"
	PhaseSafe      Phase = "SAFE"
	PhaseActive    Phase = "ACTIVE"
	PhaseIntrusive Phase = "INTRUSIVE"
	PhaseVerif     Phase = "VERIF"
	PhaseReport    Phase = "REPORT"
)

// Phases lists the workflow phases in order.
var Phases = []Phase{PhaseOSINT, PhaseSafe, PhaseActive, PhaseIntrusive, PhaseVerif, PhaseReport}

// ParsePhase canonicalizes a phase name. Unknown names are kept upper-cased.
func ParsePhase(s string) Phase {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case "VERIFY", "VERIFICATION":
		return PhaseVerif
	case "RECON", "PASSIVE":
		return PhaseOSINT
	case "REPORTING":
		return PhaseReport
	}
	return p
}

// Order returns the position of p in the workflow, or -1 when unknown.
func (p Phase) Order() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// RunStatus is the lifecycle state of an agent run or tool call.
type RunStatus string

// Lifecycle states.
const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// ParseRunStatus maps the loose status vocabulary used upstream onto the
// four lifecycle states. The second return is false for unrecognised input.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "scheduled":
		return StatusPending, true
	case "running", "started", "in_progress", "active":
		return StatusRunning, true
	case "completed", "complete", "success", "succeeded", "ok", "done", "finished":
		return StatusCompleted, true
	case "error", "failed", "failure", "errored", "cancelled", "canceled", "timeout":
		return StatusError, true
	}
	return "", false
}

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// AgentRun is one automated analysis step of a mission.
type AgentRun struct {
	ID        string        `json:"id"`
	AgentName string        `json:"agent_name"`
	Phase     Phase         `json:"phase,omitempty"`
	Status    RunStatus     `json:"status"`
	StartTime time.Time     `json:"start_time,omitempty"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Tokens    int64         `json:"tokens,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ToolCall is a capability invoked within an agent run. AgentID is a weak,
// lookup-only reference to an AgentRun.
type ToolCall struct {
	ID        string                 `json:"id"`
	ToolName  string                 `json:"tool_name"`
	AgentID   string                 `json:"agent_id,omitempty"`
	AgentName string                 `json:"agent_name,omitempty"`
	Status    RunStatus              `json:"status"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
	StartTime time.Time              `json:"start_time,omitempty"`
	EndTime   time.Time              `json:"end_time,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Position is a rendered node coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Positions maps node ids to coordinates.
type Positions map[string]Position

// Layout is the user-adjusted view state of a mission graph. It is owned by
// the rendering layer and persisted independently of graph content.
type Layout struct {
	Positions Positions `json:"positions"`
	Zoom      float64   `json:"zoom"`
	Pan       Position  `json:"pan"`
}

// Clone returns a copy of l with its own positions map.
func (l *Layout) Clone() *Layout {
	if l == nil {
		return nil
	}
	c := *l
	c.Positions = make(Positions, len(l.Positions))
	for id, p := range l.Positions {
		c.Positions[id] = p
	}
	return &c
}
