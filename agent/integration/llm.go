package integration

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
)

// LLM wraps the model provider as a probe-only integration so the health
// monitor treats the reasoning backend like any other dependency.
type LLM struct {
	client *openaisdk.Client
}

func NewLLM(client *openaisdk.Client) (*LLM, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	return &LLM{client: client}, nil
}

func (l *LLM) Name() string { return NameLLM }

func (l *LLM) Invoke(ctx context.Context, operation string, args map[string]any, cred contractx.Credential) ([]byte, error) {
	if operation != ProbeOperation {
		return nil, fmt.Errorf("%w: integration %s has no operation %q", contractx.ErrPermanent, NameLLM, operation)
	}
	// A model listing is the cheapest authenticated round trip the
	// provider offers.
	if _, err := l.client.Models.List(ctx); err != nil {
		return nil, fmt.Errorf("%w: llm ping: %v", contractx.ErrTransient, err)
	}
	return []byte(`{"ok":true}`), nil
}
