package model

import (
	"encoding/json"
	"time"
)

// EventClass distinguishes who is allowed to author an event and what
// semantic weight it carries.
type EventClass string

const (
	ClassFact     EventClass = "fact"
	ClassDecision EventClass = "decision"
	ClassSignal   EventClass = "signal"
)

// EventSource identifies the subsystem that produced an event.
type EventSource string

const (
	SourceWebhook      EventSource = "webhook"
	SourceWorker       EventSource = "worker"
	SourceOrchestrator EventSource = "orchestrator"
	SourceToolLayer    EventSource = "tool_layer"
	SourceOperator     EventSource = "operator"
	SourceSystem       EventSource = "system"
)

// EventType is the required taxonomy. The Orchestrator only ever
// authors PhaseTransitioned and GateEvaluated; every other source is free to
// emit any other type.
type EventType string

const (
	EventInstallation      EventType = "installation"
	EventIssue             EventType = "issue"
	EventIssueComment      EventType = "issue_comment"
	EventPullRequest       EventType = "pr"
	EventPullRequestMerged EventType = "pr.merged"
	EventPushReceived      EventType = "push.received"
	EventCheckSuiteDone    EventType = "check_suite.completed"
	EventCheckRunDone      EventType = "check_run.completed"

	EventPhaseTransitioned EventType = "phase.transitioned"
	EventAgentStarted      EventType = "agent.started"
	EventAgentCompleted    EventType = "agent.completed"
	EventAgentFailed       EventType = "agent.failed"
	EventGateEvaluated     EventType = "gate.evaluated"
	EventGatePassed        EventType = "gate.passed"
	EventGateFailed        EventType = "gate.failed"
	EventOperatorAction    EventType = "operator.action"
	EventSystemTimeout     EventType = "system.timeout"
	EventSystemRetry       EventType = "system.retry"
)

// Event is an immutable record of something that happened.
type Event struct {
	EventID string
	RunID   string // empty for pre-run events (nullable in the schema)
	Type    EventType
	Class   EventClass
	Source  EventSource

	Payload json.RawMessage

	Sequence       *int64 // nil unless run-scoped; unique per run when set
	IdempotencyKey string // unique globally

	CausationID   string
	CorrelationID string

	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// AppendEventInput is the argument to eventlog.AppendEvent.
type AppendEventInput struct {
	RunID          string
	Type           EventType
	Class          EventClass
	Source         EventSource
	Payload        json.RawMessage
	IdempotencyKey string
	CausationID    string
	CorrelationID  string

	// Sequence, when non-nil, requests a specific sequence number (used only
	// by the Orchestrator for phase-transition and gate-evaluation events,
	// per the sequence-floor algorithm). Fact events leave this nil
	// and get an auto-allocated sequence that does not advance
	// runs.next_sequence.
	Sequence *int64
}
