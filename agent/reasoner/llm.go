package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	leadx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/lead"
)

type llmReasoner struct {
	role   contractx.AgentRole
	runner compose.Runnable[map[string]any, decisionLLMOutput]
}

// decisionLLMOutput is the raw JSON shape the model must produce. It is
// validated into a contract.Decision before anything acts on it.
type decisionLLMOutput struct {
	Kind       string         `json:"kind"`
	Note       string         `json:"note,omitempty"`
	Transition string         `json:"transition,omitempty"`
	TargetRole string         `json:"target_role,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Tool       *toolLLMOutput `json:"tool,omitempty"`
}

type toolLLMOutput struct {
	Integration string         `json:"integration"`
	Operation   string         `json:"operation"`
	Args        map[string]any `json:"args,omitempty"`
}

func newLLMReasoner(ctx context.Context, role contractx.AgentRole, chatModel einomodel.BaseChatModel, systemPrompt string) (*llmReasoner, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: empty prompt for role=%s", contractx.ErrPromptMissing, role)
	}
	runner, err := compileDecisionGraph(ctx, chatModel, systemPrompt, string(role)+".decision_graph")
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s graph: %v", contractx.ErrModelInvoke, role, err)
	}
	return &llmReasoner{role: role, runner: runner}, nil
}

func (r *llmReasoner) Decide(ctx context.Context, view contractx.MemoryView) (contractx.Decision, error) {
	payload := summarizeView(view)
	inputBytes, err := json.Marshal(payload)
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: marshal view: %v", contractx.ErrValidation, err)
	}

	out, err := r.runner.Invoke(ctx, map[string]any{
		"input": string(inputBytes),
	})
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %s invoke: %v", contractx.ErrModelInvoke, r.role, err)
	}

	return validateDecision(r.role, out)
}

// validateDecision enforces the schema: exactly the fields implied by kind
// are accepted, everything else is a schema violation.
func validateDecision(role contractx.AgentRole, out decisionLLMOutput) (contractx.Decision, error) {
	kind := contractx.DecisionKind(strings.TrimSpace(out.Kind))
	d := contractx.Decision{
		Kind: kind,
		Note: strings.TrimSpace(out.Note),
	}

	switch kind {
	case contractx.DecisionStay, contractx.DecisionSuspend:
		// Note only.

	case contractx.DecisionTransition:
		event := leadx.Event(strings.TrimSpace(out.Transition))
		if !leadx.ValidEvent(event) {
			return contractx.Decision{}, fmt.Errorf("%w: role=%s unknown transition %q", contractx.ErrSchemaViolation, role, out.Transition)
		}
		d.Transition = event

	case contractx.DecisionHandoff:
		target := contractx.AgentRole(strings.TrimSpace(out.TargetRole))
		if !contractx.ValidRole(target) {
			return contractx.Decision{}, fmt.Errorf("%w: role=%s unknown target role %q", contractx.ErrSchemaViolation, role, out.TargetRole)
		}
		if target == role {
			return contractx.Decision{}, fmt.Errorf("%w: role=%s handoff to itself", contractx.ErrSchemaViolation, role)
		}
		d.TargetRole = target
		d.Payload = out.Payload

	case contractx.DecisionInvokeTool:
		if out.Tool == nil {
			return contractx.Decision{}, fmt.Errorf("%w: role=%s invoke_tool without tool", contractx.ErrSchemaViolation, role)
		}
		integration := strings.TrimSpace(out.Tool.Integration)
		operation := strings.TrimSpace(out.Tool.Operation)
		if integration == "" || operation == "" {
			return contractx.Decision{}, fmt.Errorf("%w: role=%s tool call missing integration or operation", contractx.ErrSchemaViolation, role)
		}
		d.Tool = &contractx.ToolCall{
			Integration: integration,
			Operation:   operation,
			Args:        out.Tool.Args,
		}

	default:
		return contractx.Decision{}, fmt.Errorf("%w: role=%s unknown kind %q", contractx.ErrSchemaViolation, role, out.Kind)
	}

	return d, nil
}

// summarizeView flattens the memory view into the JSON document the prompt
// templates describe. Expired records are dropped here, not in storage.
func summarizeView(view contractx.MemoryView) map[string]any {
	records := make([]map[string]any, 0, len(view.Records))
	for _, rec := range view.Records {
		if rec.Expired(view.Now) {
			continue
		}
		records = append(records, map[string]any{
			"seq":     rec.Seq,
			"kind":    string(rec.Kind),
			"payload": json.RawMessage(rec.Payload),
		})
	}

	tools := make([]map[string]any, 0, len(view.ToolResults))
	for _, tr := range view.ToolResults {
		tools = append(tools, map[string]any{
			"integration": tr.Integration,
			"operation":   tr.Operation,
			"outcome":     string(tr.Outcome),
			"payload":     json.RawMessage(tr.Payload),
			"error":       tr.Error,
		})
	}

	return map[string]any{
		"lead": map[string]any{
			"id":                view.Lead.ID,
			"status":            string(view.Lead.Status),
			"source":            view.Lead.Source,
			"qualified":         view.Lead.Qualified(),
			"contacted":         view.Lead.Contacted(),
			"meeting_scheduled": view.Lead.MeetingScheduled(),
		},
		"inbound": map[string]any{
			"type":    string(view.Inbound.Type),
			"channel": view.Inbound.Channel,
			"message": view.Inbound.Message,
		},
		"memory":       records,
		"tool_results": tools,
		"now":          view.Now,
	}
}
