package storage

import (
	"testing"
	"time"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	leadx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/lead"
)

func TestLeadRowRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	in := &leadx.Lead{
		ID:               "lead-1",
		Status:           leadx.StatusQualified,
		Source:           "webform",
		WorkflowID:       "wf-1",
		Role:             "lead_admin",
		Archived:         true,
		CreatedAt:        now,
		LastTransitionAt: now.Add(time.Hour),
	}
	out := fromLeadRow(toLeadRow(in))
	if *out != *in {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestHandoffRowRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	in := &contractx.Handoff{
		ID:        "h-1",
		LeadID:    "lead-1",
		FromRole:  contractx.RoleCoordinator,
		ToRole:    contractx.RoleScheduler,
		State:     contractx.HandoffPending,
		Reason:    "meeting requested",
		Payload:   map[string]any{"slot": "tuesday"},
		CreatedAt: now,
	}
	row, err := toHandoffRow(in)
	if err != nil {
		t.Fatalf("toHandoffRow: %v", err)
	}
	out, err := fromHandoffRow(row)
	if err != nil {
		t.Fatalf("fromHandoffRow: %v", err)
	}
	if out.ID != in.ID || out.LeadID != in.LeadID || out.ToRole != in.ToRole || out.State != in.State {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
	if out.Payload["slot"] != "tuesday" {
		t.Fatalf("payload = %v", out.Payload)
	}
}

func TestCacheKeys(t *testing.T) {
	t.Parallel()

	if got := leadKey("l1"); got != "lead:l1" {
		t.Fatalf("leadKey = %q", got)
	}
	if got := seqKey("l1", "scheduler"); got != "memseq:l1:scheduler" {
		t.Fatalf("seqKey = %q", got)
	}
}

func TestNilCacheIsSafe(t *testing.T) {
	t.Parallel()

	var c *cache
	if _, ok := c.get("k"); ok {
		t.Fatal("nil cache returned a hit")
	}
	c.set("k", []byte("v"))
	c.del("k")
	c.close()
}

func TestBuildStoresSharesOneCache(t *testing.T) {
	t.Parallel()

	stores, err := BuildStores(nil, Config{})
	if err != nil {
		t.Fatalf("BuildStores() error = %v", err)
	}
	defer stores.Close()

	if stores.Leads == nil || stores.Memory == nil || stores.Invocations == nil || stores.Handoffs == nil {
		t.Fatalf("stores = %+v, want all populated", stores)
	}
	if stores.Leads.cache != stores.Memory.cache {
		t.Fatal("lead store and memory log must share the L1 cache")
	}

	var nilStores *Stores
	nilStores.Close()
}
