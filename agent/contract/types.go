package contract

import (
	"encoding/json"
	"time"

	leadx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/lead"
	memoryx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/memory"
)

type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleLeadAdmin   AgentRole = "lead_admin"
	RoleScheduler   AgentRole = "scheduler"
)

func ValidRole(r AgentRole) bool {
	switch r {
	case RoleCoordinator, RoleLeadAdmin, RoleScheduler:
		return true
	}
	return false
}

type EventType string

const (
	EventNewLead        EventType = "new_lead"
	EventInboundMessage EventType = "inbound_message"
	EventInternalTimer  EventType = "internal_timer"
)

// InboundEvent triggers one workflow run for a lead.
type InboundEvent struct {
	Type       EventType `json:"type"`
	LeadID     string    `json:"lead_id"`
	Channel    string    `json:"channel,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WorkflowResult is the terminal outcome of one run.
type WorkflowResult string

const (
	ResultCompleted WorkflowResult = "completed"
	ResultSuspended WorkflowResult = "suspended"
	ResultEscalated WorkflowResult = "needs_human_escalation"
	ResultCancelled WorkflowResult = "cancelled"
	ResultBusy      WorkflowResult = "busy"
)

type DecisionKind string

const (
	DecisionStay       DecisionKind = "stay"
	DecisionTransition DecisionKind = "transition"
	DecisionHandoff    DecisionKind = "handoff"
	DecisionInvokeTool DecisionKind = "invoke_tool"
	DecisionSuspend    DecisionKind = "suspend"
)

// Decision is the structured output of one reasoning turn. Exactly the
// fields implied by Kind are set; the orchestrator validates before acting.
type Decision struct {
	Kind       DecisionKind   `json:"kind"`
	Note       string         `json:"note,omitempty"`
	Transition leadx.Event    `json:"transition,omitempty"`
	TargetRole AgentRole      `json:"target_role,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Tool       *ToolCall      `json:"tool,omitempty"`
}

// ToolCall names an external operation to execute through the gateway.
type ToolCall struct {
	Integration    string         `json:"integration"`
	Operation      string         `json:"operation"`
	Args           map[string]any `json:"args,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type ToolOutcome string

const (
	OutcomeSuccess        ToolOutcome = "success"
	OutcomeTransientError ToolOutcome = "transient_error"
	OutcomePermanentError ToolOutcome = "permanent_error"
)

// ToolResult is the bounded outcome of a gateway invocation.
type ToolResult struct {
	Integration string          `json:"integration"`
	Operation   string          `json:"operation"`
	Outcome     ToolOutcome     `json:"outcome"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
}

// Credential is an access token for one (user, integration) pair.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the credential is usable at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && (c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt))
}

// MemoryView is the consistent, durable context handed to a reasoning
// capability: the lead snapshot, the role's ordered stream, and any tool
// results produced since the last turn.
type MemoryView struct {
	Lead        leadx.Lead       `json:"lead"`
	Role        AgentRole        `json:"role"`
	Inbound     InboundEvent     `json:"inbound"`
	Records     []memoryx.Record `json:"records,omitempty"`
	ToolResults []ToolResult     `json:"tool_results,omitempty"`
	Now         time.Time        `json:"now"`
}
