package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/coordinator.txt
	coordinatorRaw string

	//go:embed template/lead_admin.txt
	leadAdminRaw string

	//go:embed template/scheduler.txt
	schedulerRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Coordinator string
	LeadAdmin   string
	Scheduler   string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// This is safe to call concurrently; the embed is compile-time, and trimming is cheap.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Coordinator: strings.TrimSpace(coordinatorRaw),
		LeadAdmin:   strings.TrimSpace(leadAdminRaw),
		Scheduler:   strings.TrimSpace(schedulerRaw),
	}
}
