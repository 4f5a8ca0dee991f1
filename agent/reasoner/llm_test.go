package reasoner

import (
	"context"
	"errors"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	leadx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/lead"
	memoryx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/memory"
)

type fakeChatModel struct {
	responses []*schema.Message
	err       error
	idx       int
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.responses) {
		return nil, errors.New("no fake response left")
	}
	msg := f.responses[f.idx]
	f.idx++
	return msg, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func testView() contractx.MemoryView {
	return contractx.MemoryView{
		Lead: leadx.Lead{ID: "lead-1", Status: leadx.StatusQualifying},
		Role: contractx.RoleLeadAdmin,
		Inbound: contractx.InboundEvent{
			Type:    contractx.EventInboundMessage,
			Message: "we use 40 seats of your competitor",
		},
		Now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newTestReasoner(t *testing.T, role contractx.AgentRole, content string) *llmReasoner {
	t.Helper()
	fake := &fakeChatModel{responses: []*schema.Message{{Role: schema.Assistant, Content: content}}}
	r, err := newLLMReasoner(context.Background(), role, fake, "reasoner prompt")
	if err != nil {
		t.Fatalf("newLLMReasoner() error = %v", err)
	}
	return r
}

func TestDecideTransition(t *testing.T) {
	t.Parallel()

	r := newTestReasoner(t, contractx.RoleLeadAdmin,
		`{"kind":"transition","transition":"qualify","note":"strong fit"}`)

	d, err := r.Decide(context.Background(), testView())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Kind != contractx.DecisionTransition || d.Transition != leadx.EventQualify {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDecideInvokeTool(t *testing.T) {
	t.Parallel()

	r := newTestReasoner(t, contractx.RoleLeadAdmin,
		`{"kind":"invoke_tool","tool":{"integration":"crm","operation":"get_contact","args":{"email":"a@b.co"}}}`)

	d, err := r.Decide(context.Background(), testView())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Tool == nil || d.Tool.Integration != "crm" || d.Tool.Operation != "get_contact" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDecideHandoff(t *testing.T) {
	t.Parallel()

	r := newTestReasoner(t, contractx.RoleLeadAdmin,
		`{"kind":"handoff","target_role":"coordinator","note":"prospect wants a meeting","payload":{"ask":"meeting"}}`)

	d, err := r.Decide(context.Background(), testView())
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Kind != contractx.DecisionHandoff || d.TargetRole != contractx.RoleCoordinator {
		t.Fatalf("decision = %+v", d)
	}
	if d.Payload["ask"] != "meeting" {
		t.Fatalf("payload = %v", d.Payload)
	}
}

func TestDecideSchemaViolations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"unknown kind", `{"kind":"improvise"}`},
		{"unknown transition", `{"kind":"transition","transition":"teleport"}`},
		{"handoff to self", `{"kind":"handoff","target_role":"lead_admin"}`},
		{"handoff to unknown role", `{"kind":"handoff","target_role":"janitor"}`},
		{"tool without target", `{"kind":"invoke_tool"}`},
		{"tool missing operation", `{"kind":"invoke_tool","tool":{"integration":"crm"}}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newTestReasoner(t, contractx.RoleLeadAdmin, tc.content)
			_, err := r.Decide(context.Background(), testView())
			if !errors.Is(err, contractx.ErrSchemaViolation) {
				t.Fatalf("err = %v, want ErrSchemaViolation", err)
			}
		})
	}
}

func TestDecideModelFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{err: errors.New("upstream 500")}
	r, err := newLLMReasoner(context.Background(), contractx.RoleCoordinator, fake, "reasoner prompt")
	if err != nil {
		t.Fatalf("newLLMReasoner() error = %v", err)
	}
	if _, err := r.Decide(context.Background(), testView()); !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("err = %v, want ErrModelInvoke", err)
	}
}

func TestEmptyPromptRejected(t *testing.T) {
	t.Parallel()

	fake := &fakeChatModel{}
	if _, err := newLLMReasoner(context.Background(), contractx.RoleCoordinator, fake, "  "); !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("err = %v, want ErrPromptMissing", err)
	}
}

func TestSummarizeViewDropsExpiredRecords(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	view := testView()
	view.Now = now
	view.Records = []memoryx.Record{
		{Seq: 1, Kind: memoryx.KindMessage, Payload: []byte(`"hello"`)},
		{Seq: 2, Kind: memoryx.KindMessage, Payload: []byte(`"stale"`), ExpiresAt: &past},
	}

	out := summarizeView(view)
	records, ok := out["memory"].([]map[string]any)
	if !ok {
		t.Fatalf("memory type = %T", out["memory"])
	}
	if len(records) != 1 || records[0]["seq"] != int64(1) {
		t.Fatalf("records = %v", records)
	}
}
