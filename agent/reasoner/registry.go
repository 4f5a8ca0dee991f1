package reasoner

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	llmx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/llm"
	promptx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/prompt"
)

type registryImpl struct {
	coordinator contractx.Reasoner
	leadAdmin   contractx.Reasoner
	scheduler   contractx.Reasoner
}

func (r *registryImpl) Coordinator() contractx.Reasoner {
	return r.coordinator
}

func (r *registryImpl) LeadAdmin() contractx.Reasoner {
	return r.leadAdmin
}

func (r *registryImpl) Scheduler() contractx.Reasoner {
	return r.scheduler
}

func NewRegistry(ctx context.Context, cfg llmx.Config) (contractx.Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prompts := promptx.LoadPromptSet()

	build := func(role contractx.AgentRole, prompt string) (contractx.Reasoner, error) {
		modelCfg := cfg.OpenRouterFor(role)
		chatModel, err := modelCfg.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, role, err)
		}
		return newLLMReasoner(ctx, role, chatModel, prompt)
	}

	coordinator, err := build(contractx.RoleCoordinator, prompts.Coordinator)
	if err != nil {
		return nil, err
	}
	leadAdmin, err := build(contractx.RoleLeadAdmin, prompts.LeadAdmin)
	if err != nil {
		return nil, err
	}
	scheduler, err := build(contractx.RoleScheduler, prompts.Scheduler)
	if err != nil {
		return nil, err
	}

	return &registryImpl{
		coordinator: coordinator,
		leadAdmin:   leadAdmin,
		scheduler:   scheduler,
	}, nil
}
