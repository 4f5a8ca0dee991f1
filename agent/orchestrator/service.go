// Package orchestrator drives one workflow run per inbound event: it locks
// the lead, rebuilds context from the persistent memory log, loops over
// reasoning decisions, and applies their effects through the state machine
// and the tool gateway. Every decision is flushed durably before its effect
// so a crash can always be replayed.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	healthx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/health"
	leadx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/lead"
	memoryx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/memory"
	runlockx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/runlock"
)

// TopicEscalation is the queue topic for human escalations.
const TopicEscalation = "lead.escalation"

type Config struct {
	MaxSteps        int           `envconfig:"MAX_STEPS" split_words:"true" default:"8"`
	ReasonerRetries int           `envconfig:"REASONER_RETRIES" split_words:"true" default:"2"`
	ReasonerTimeout time.Duration `envconfig:"REASONER_TIMEOUT" split_words:"true" default:"60s"`
	RunLockTTL      time.Duration `envconfig:"RUN_LOCK_TTL" split_words:"true" default:"5m"`
}

// ToolInvoker is the slice of the gateway the orchestrator needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, integration, operation string, args map[string]any, idempotencyKey string) (contractx.ToolResult, error)
}

// HealthChecker lets the orchestrator skip tool calls against an integration
// that is known to be down.
type HealthChecker interface {
	Status(integration string) healthx.Status
}

type Orchestrator struct {
	cfg      Config
	leads    leadx.Store
	memlog   memoryx.Log
	handoffs contractx.HandoffStore
	registry contractx.Registry
	tools    ToolInvoker
	locker   runlockx.Locker
	health   HealthChecker
	pub      contractx.Publisher

	now   func() time.Time
	newID func() string
}

func New(
	cfg Config,
	leads leadx.Store,
	memlog memoryx.Log,
	handoffs contractx.HandoffStore,
	registry contractx.Registry,
	tools ToolInvoker,
	locker runlockx.Locker,
	opts ...Option,
) (*Orchestrator, error) {
	if leads == nil {
		return nil, errors.New("lead store is required")
	}
	if memlog == nil {
		return nil, errors.New("memory log is required")
	}
	if handoffs == nil {
		return nil, errors.New("handoff store is required")
	}
	if registry == nil {
		return nil, errors.New("reasoner registry is required")
	}
	if tools == nil {
		return nil, errors.New("tool invoker is required")
	}
	if locker == nil {
		return nil, errors.New("run locker is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if cfg.ReasonerRetries < 0 {
		cfg.ReasonerRetries = 2
	}
	if cfg.ReasonerTimeout <= 0 {
		cfg.ReasonerTimeout = 60 * time.Second
	}
	if cfg.RunLockTTL <= 0 {
		cfg.RunLockTTL = 5 * time.Minute
	}

	o := &Orchestrator{
		cfg:      cfg,
		leads:    leads,
		memlog:   memlog,
		handoffs: handoffs,
		registry: registry,
		tools:    tools,
		locker:   locker,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type Option func(*Orchestrator)

// WithPublisher wires escalation notifications to an external queue.
func WithPublisher(pub contractx.Publisher) Option {
	return func(o *Orchestrator) { o.pub = pub }
}

// WithHealthChecker short-circuits tool calls against down integrations.
func WithHealthChecker(h HealthChecker) Option {
	return func(o *Orchestrator) { o.health = h }
}

// decisionPayload is what a KindDecision record carries. The idempotency key
// is minted when the decision is recorded, before the tool call happens, so
// a replayed call reuses it.
type decisionPayload struct {
	Decision       contractx.Decision `json:"decision"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// outcomePayload links a tool result back to the decision that caused it.
type outcomePayload struct {
	DecisionSeq int64                `json:"decision_seq"`
	Result      contractx.ToolResult `json:"result"`
}

type transitionAuditPayload struct {
	From  leadx.Status `json:"from"`
	To    leadx.Status `json:"to"`
	Event leadx.Event  `json:"event"`
}

type handoffPayload struct {
	HandoffID string              `json:"handoff_id"`
	FromRole  contractx.AgentRole `json:"from_role"`
	ToRole    contractx.AgentRole `json:"to_role"`
	Reason    string              `json:"reason,omitempty"`
	Payload   map[string]any      `json:"payload,omitempty"`
}

// EscalationNotice is published and recorded when a run gives up.
type EscalationNotice struct {
	LeadID string              `json:"lead_id"`
	Role   contractx.AgentRole `json:"role"`
	Reason string              `json:"reason"`
	Detail string              `json:"detail,omitempty"`
}

// run is the mutable state of one locked workflow run.
type run struct {
	lead        *leadx.Lead
	role        contractx.AgentRole
	buffer      *memoryx.Buffer
	machine     *leadx.Machine
	inbound     contractx.InboundEvent
	toolResults []contractx.ToolResult
}

// Run executes one workflow run for the lead. A run already in flight for
// the same lead yields ResultBusy with ErrWorkflowBusy; everything else runs
// to one of the terminal results.
func (o *Orchestrator) Run(ctx context.Context, leadID string, inbound contractx.InboundEvent) (contractx.WorkflowResult, error) {
	if strings.TrimSpace(leadID) == "" {
		return "", fmt.Errorf("%w: lead id is required", contractx.ErrValidation)
	}

	release, err := o.locker.Acquire(ctx, leadID, o.cfg.RunLockTTL)
	if err != nil {
		if errors.Is(err, runlockx.ErrLockHeld) {
			return contractx.ResultBusy, fmt.Errorf("%w: lead=%s", contractx.ErrWorkflowBusy, leadID)
		}
		return "", fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			log.Warn().Err(err).Str("lead_id", leadID).Msg("failed to release run lock")
		}
	}()

	l, err := o.loadOrCreate(ctx, leadID, inbound)
	if err != nil {
		return "", err
	}

	buffer, err := memoryx.NewBuffer(o.memlog, leadID)
	if err != nil {
		return "", err
	}

	r := &run{
		lead:    l,
		role:    currentRole(l),
		buffer:  buffer,
		inbound: inbound,
	}
	machine, err := leadx.NewMachine(o.leads, &bufferAuditor{buffer: buffer, run: r})
	if err != nil {
		return "", err
	}
	r.machine = machine

	log.Info().
		Str("lead_id", leadID).
		Str("role", string(r.role)).
		Str("event_type", string(inbound.Type)).
		Msg("workflow run started")

	if err := o.recover(ctx, r); err != nil {
		return "", err
	}

	if _, err := buffer.Append(ctx, string(r.role), memoryx.KindMessage, inbound); err != nil {
		return "", err
	}
	if err := buffer.Flush(ctx); err != nil {
		return "", err
	}

	return o.loop(ctx, r)
}

// loadOrCreate fetches the lead, creating it when the trigger is a new-lead
// event. Any other event against an unknown lead is the caller's error.
func (o *Orchestrator) loadOrCreate(ctx context.Context, leadID string, inbound contractx.InboundEvent) (*leadx.Lead, error) {
	l, err := o.leads.Get(ctx, leadID)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, leadx.ErrLeadNotFound) {
		return nil, err
	}
	if inbound.Type != contractx.EventNewLead {
		return nil, err
	}

	now := o.now().UTC()
	l = &leadx.Lead{
		ID:               leadID,
		Status:           leadx.StatusNew,
		Source:           inbound.Channel,
		WorkflowID:       o.newID(),
		Role:             string(contractx.RoleCoordinator),
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := o.leads.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}
	log.Info().Str("lead_id", leadID).Str("workflow_id", l.WorkflowID).Msg("lead created")
	return l, nil
}

// recover adopts a pending handoff left by a previous run and replays the
// last recorded decision whose effect never landed. Both are idempotent, so
// recovery after a crash at any point applies each effect exactly once.
func (o *Orchestrator) recover(ctx context.Context, r *run) error {
	pending, err := o.handoffs.Pending(ctx, r.lead.ID)
	if err != nil && !errors.Is(err, contractx.ErrNoHandoff) {
		return fmt.Errorf("read pending handoff: %w", err)
	}
	if pending != nil {
		if err := o.adopt(ctx, r, pending); err != nil {
			return err
		}
	}

	return o.replay(ctx, r)
}

// adopt delivers the baton: the run switches to the target role and the
// handoff is recorded on the receiving stream.
func (o *Orchestrator) adopt(ctx context.Context, r *run, h *contractx.Handoff) error {
	ok, err := o.handoffs.MarkDelivered(ctx, h.ID, o.now().UTC())
	if err != nil {
		return fmt.Errorf("deliver handoff: %w", err)
	}
	if !ok {
		// Lost the state race; whoever delivered it owns the role change.
		return nil
	}

	r.role = h.ToRole
	if err := o.leads.SetRole(ctx, r.lead.ID, string(h.ToRole)); err != nil {
		return err
	}
	r.lead.Role = string(h.ToRole)

	if _, err := r.buffer.Append(ctx, string(h.ToRole), memoryx.KindHandoff, handoffPayload{
		HandoffID: h.ID,
		FromRole:  h.FromRole,
		ToRole:    h.ToRole,
		Reason:    h.Reason,
		Payload:   h.Payload,
	}); err != nil {
		return err
	}
	if err := r.buffer.Flush(ctx); err != nil {
		return err
	}

	// Receipt is acknowledged once the target stream records the baton, so
	// it is archived here rather than at the end of the run.
	if _, err := o.handoffs.MarkArchived(ctx, h.ID, o.now().UTC()); err != nil {
		log.Warn().Err(err).Str("handoff_id", h.ID).Msg("failed to archive handoff")
	}

	log.Info().
		Str("lead_id", r.lead.ID).
		Str("handoff_id", h.ID).
		Str("to_role", string(h.ToRole)).
		Msg("handoff adopted")
	return nil
}

// replay re-applies the last flushed decision when its effect is missing
// from the stream. Tool calls rerun under their original idempotency key,
// transitions are idempotent at the state machine, and handoffs re-create
// the baton guarded by the one-pending-per-lead constraint.
func (o *Orchestrator) replay(ctx context.Context, r *run) error {
	stream, err := o.memlog.Stream(ctx, r.lead.ID, string(r.role))
	if err != nil {
		return fmt.Errorf("read stream for replay: %w", err)
	}

	var (
		last    *memoryx.Record
		applied bool
	)
	for i := range stream {
		rec := stream[i]
		switch rec.Kind {
		case memoryx.KindDecision:
			last, applied = &stream[i], false
		case memoryx.KindToolResult:
			var out outcomePayload
			if last != nil && json.Unmarshal(rec.Payload, &out) == nil && out.DecisionSeq == last.Seq {
				applied = true
			}
		case memoryx.KindTransitionAudit, memoryx.KindHandoff, memoryx.KindEscalation:
			if last != nil && rec.Seq > last.Seq {
				applied = true
			}
		}
	}
	if last == nil || applied {
		return nil
	}

	var dp decisionPayload
	if err := json.Unmarshal(last.Payload, &dp); err != nil {
		return fmt.Errorf("decode decision for replay: %w", err)
	}

	switch dp.Decision.Kind {
	case contractx.DecisionInvokeTool:
		if dp.Decision.Tool == nil {
			return nil
		}
		log.Info().
			Str("lead_id", r.lead.ID).
			Str("idempotency_key", dp.IdempotencyKey).
			Msg("replaying interrupted tool call")
		result, err := o.tools.Invoke(ctx, dp.Decision.Tool.Integration, dp.Decision.Tool.Operation, dp.Decision.Tool.Args, dp.IdempotencyKey)
		if err != nil {
			result.Error = err.Error()
		}
		if _, aerr := r.buffer.Append(ctx, string(r.role), memoryx.KindToolResult, outcomePayload{
			DecisionSeq: last.Seq,
			Result:      result,
		}); aerr != nil {
			return aerr
		}
		if err == nil {
			r.toolResults = append(r.toolResults, result)
		}
		return r.buffer.Flush(ctx)

	case contractx.DecisionTransition:
		_, err := r.machine.Transition(ctx, r.lead.ID, dp.Decision.Transition)
		if err != nil && !errors.Is(err, leadx.ErrInvalidTransition) && !errors.Is(err, leadx.ErrStaleTransition) {
			return err
		}
		if rerr := o.refresh(ctx, r); rerr != nil {
			return rerr
		}
		return r.buffer.Flush(ctx)

	case contractx.DecisionHandoff:
		if !contractx.ValidRole(dp.Decision.TargetRole) || dp.Decision.TargetRole == r.role {
			return nil
		}
		log.Info().
			Str("lead_id", r.lead.ID).
			Str("to_role", string(dp.Decision.TargetRole)).
			Msg("replaying interrupted handoff")
		if err := o.handoff(ctx, r, dp.Decision); err != nil {
			// An open baton means the interrupted run got as far as creating
			// it; recovery already adopted it above.
			if errors.Is(err, contractx.ErrHandoffPending) {
				return nil
			}
			return err
		}
		return nil
	}
	return nil
}

// loop is the bounded decision loop of one run.
func (o *Orchestrator) loop(ctx context.Context, r *run) (contractx.WorkflowResult, error) {
	for step := 1; step <= o.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return o.cancel(r, err)
		}

		view, err := o.buildView(ctx, r)
		if err != nil {
			return "", err
		}

		decision, err := o.decideWithRetry(ctx, r, view)
		if err != nil {
			return o.escalate(ctx, r, "reasoner failure", err.Error())
		}

		key := ""
		if decision.Kind == contractx.DecisionInvokeTool {
			key = o.newID()
		}
		decisionRec, err := r.buffer.Append(ctx, string(r.role), memoryx.KindDecision, decisionPayload{
			Decision:       decision,
			IdempotencyKey: key,
		})
		if err != nil {
			return "", err
		}
		// The decision must be durable before its effect happens.
		if err := r.buffer.Flush(ctx); err != nil {
			return "", err
		}

		log.Info().
			Str("lead_id", r.lead.ID).
			Str("role", string(r.role)).
			Str("kind", string(decision.Kind)).
			Int("step", step).
			Msg("decision recorded")

		switch decision.Kind {
		case contractx.DecisionStay:
			return o.complete(ctx, r)

		case contractx.DecisionSuspend:
			return contractx.ResultSuspended, nil

		case contractx.DecisionTransition:
			if done, result, err := o.applyTransition(ctx, r, decision); done {
				return result, err
			}

		case contractx.DecisionHandoff:
			if err := o.handoff(ctx, r, decision); err != nil {
				if errors.Is(err, contractx.ErrHandoffPending) {
					return o.escalate(ctx, r, "handoff conflict", err.Error())
				}
				return "", err
			}

		case contractx.DecisionInvokeTool:
			done, result, err := o.invokeTool(ctx, r, decision, decisionRec.Seq, key)
			if done {
				return result, err
			}
		}
	}

	return o.escalate(ctx, r, "step budget exhausted",
		fmt.Sprintf("no terminal decision after %d steps", o.cfg.MaxSteps))
}

// decideWithRetry asks the role's reasoner, retrying model and schema
// failures a bounded number of times.
func (o *Orchestrator) decideWithRetry(ctx context.Context, r *run, view contractx.MemoryView) (contractx.Decision, error) {
	reasoner, err := o.reasonerFor(r.role)
	if err != nil {
		return contractx.Decision{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.ReasonerRetries; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, o.cfg.ReasonerTimeout)
		decision, err := reasoner.Decide(dctx, view)
		cancel()
		if err == nil {
			err = checkDecision(r.role, decision)
			if err == nil {
				return decision, nil
			}
		}
		lastErr = err
		if !errors.Is(err, contractx.ErrModelInvoke) && !errors.Is(err, contractx.ErrSchemaViolation) {
			break
		}
		log.Warn().
			Str("lead_id", r.lead.ID).
			Str("role", string(r.role)).
			Int("attempt", attempt+1).
			Err(err).
			Msg("reasoner attempt failed")
	}
	return contractx.Decision{}, lastErr
}

// checkDecision rejects decision shapes the loop cannot act on. The in-tree
// reasoners validate their own output, but the registry accepts any
// implementation, so the loop trusts nothing it did not check itself.
func checkDecision(role contractx.AgentRole, d contractx.Decision) error {
	switch d.Kind {
	case contractx.DecisionStay, contractx.DecisionSuspend:
		return nil
	case contractx.DecisionTransition:
		if !leadx.ValidEvent(d.Transition) {
			return fmt.Errorf("%w: unknown transition event %q", contractx.ErrSchemaViolation, d.Transition)
		}
		return nil
	case contractx.DecisionHandoff:
		if !contractx.ValidRole(d.TargetRole) || d.TargetRole == role {
			return fmt.Errorf("%w: bad handoff target %q", contractx.ErrSchemaViolation, d.TargetRole)
		}
		return nil
	case contractx.DecisionInvokeTool:
		if d.Tool == nil || d.Tool.Integration == "" || d.Tool.Operation == "" {
			return fmt.Errorf("%w: invoke_tool without a tool call", contractx.ErrSchemaViolation)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown decision kind %q", contractx.ErrSchemaViolation, d.Kind)
}

func (o *Orchestrator) reasonerFor(role contractx.AgentRole) (contractx.Reasoner, error) {
	switch role {
	case contractx.RoleCoordinator:
		return o.registry.Coordinator(), nil
	case contractx.RoleLeadAdmin:
		return o.registry.LeadAdmin(), nil
	case contractx.RoleScheduler:
		return o.registry.Scheduler(), nil
	}
	return nil, fmt.Errorf("%w: no reasoner for role %q", contractx.ErrValidation, role)
}

// applyTransition fires the decided lifecycle event. Reaching closed ends
// the run; a rejected event feeds back into the loop as context.
func (o *Orchestrator) applyTransition(ctx context.Context, r *run, decision contractx.Decision) (bool, contractx.WorkflowResult, error) {
	status, err := r.machine.Transition(ctx, r.lead.ID, decision.Transition)
	switch {
	case err == nil:
		if ferr := r.buffer.Flush(ctx); ferr != nil {
			return true, "", ferr
		}
		r.lead.Status = status
		if status == leadx.StatusClosed {
			result, cerr := o.complete(ctx, r)
			return true, result, cerr
		}
		return false, "", nil

	case errors.Is(err, leadx.ErrInvalidTransition), errors.Is(err, leadx.ErrStaleTransition):
		if rerr := o.refresh(ctx, r); rerr != nil {
			return true, "", rerr
		}
		if _, aerr := r.buffer.Append(ctx, string(r.role), memoryx.KindMessage, map[string]any{
			"rejected_event": string(decision.Transition),
			"reason":         err.Error(),
		}); aerr != nil {
			return true, "", aerr
		}
		return false, "", nil

	default:
		return true, "", err
	}
}

// handoff creates the baton and immediately adopts it, so the target role
// continues within this run. A crash between the two steps leaves a pending
// baton that the next run's recovery adopts instead.
func (o *Orchestrator) handoff(ctx context.Context, r *run, decision contractx.Decision) error {
	h := &contractx.Handoff{
		ID:        o.newID(),
		LeadID:    r.lead.ID,
		FromRole:  r.role,
		ToRole:    decision.TargetRole,
		State:     contractx.HandoffPending,
		Reason:    decision.Note,
		Payload:   decision.Payload,
		CreatedAt: o.now().UTC(),
	}
	if err := o.handoffs.Create(ctx, h); err != nil {
		return err
	}
	return o.adopt(ctx, r, h)
}

// invokeTool runs the decided tool call through the gateway. Exhausted
// retries and permanent failures escalate to a human.
func (o *Orchestrator) invokeTool(ctx context.Context, r *run, decision contractx.Decision, decisionSeq int64, key string) (bool, contractx.WorkflowResult, error) {
	tool := decision.Tool

	if o.health != nil && o.health.Status(tool.Integration) == healthx.StatusDown {
		result, err := o.escalate(ctx, r, "integration down",
			fmt.Sprintf("could not connect to %s: integration is down", tool.Integration))
		return true, result, err
	}

	result, err := o.tools.Invoke(ctx, tool.Integration, tool.Operation, tool.Args, key)
	if _, aerr := r.buffer.Append(ctx, string(r.role), memoryx.KindToolResult, outcomePayload{
		DecisionSeq: decisionSeq,
		Result:      result,
	}); aerr != nil {
		return true, "", aerr
	}
	if ferr := r.buffer.Flush(ctx); ferr != nil {
		return true, "", ferr
	}

	if err != nil {
		if errors.Is(err, contractx.ErrRetriesExhausted) ||
			errors.Is(err, contractx.ErrCircuitOpen) ||
			errors.Is(err, contractx.ErrPermanent) ||
			errors.Is(err, contractx.ErrRefreshFailed) {
			res, eerr := o.escalate(ctx, r, "tool failure", result.Error)
			return true, res, eerr
		}
		return true, "", err
	}

	r.toolResults = append(r.toolResults, result)
	return false, "", nil
}

// buildView assembles the consistent context for the next reasoning turn
// from the durable stream. Everything staged so far has been flushed.
func (o *Orchestrator) buildView(ctx context.Context, r *run) (contractx.MemoryView, error) {
	stream, err := o.memlog.Stream(ctx, r.lead.ID, string(r.role))
	if err != nil {
		return contractx.MemoryView{}, fmt.Errorf("read memory stream: %w", err)
	}
	return contractx.MemoryView{
		Lead:        *r.lead,
		Role:        r.role,
		Inbound:     r.inbound,
		Records:     stream,
		ToolResults: r.toolResults,
		Now:         o.now().UTC(),
	}, nil
}

func (o *Orchestrator) refresh(ctx context.Context, r *run) error {
	l, err := o.leads.Get(ctx, r.lead.ID)
	if err != nil {
		return err
	}
	r.lead = l
	return nil
}

// complete flushes any staged records and ends the run.
func (o *Orchestrator) complete(ctx context.Context, r *run) (contractx.WorkflowResult, error) {
	if err := r.buffer.Flush(ctx); err != nil {
		return "", err
	}
	log.Info().Str("lead_id", r.lead.ID).Str("status", string(r.lead.Status)).Msg("workflow run completed")
	return contractx.ResultCompleted, nil
}

// escalate records the give-up durably, notifies the queue, and surfaces
// NeedsHumanEscalation to the caller.
func (o *Orchestrator) escalate(ctx context.Context, r *run, reason, detail string) (contractx.WorkflowResult, error) {
	notice := EscalationNotice{
		LeadID: r.lead.ID,
		Role:   r.role,
		Reason: reason,
		Detail: detail,
	}
	if _, err := r.buffer.Append(ctx, string(r.role), memoryx.KindEscalation, notice); err != nil {
		return "", err
	}
	if err := r.buffer.Flush(ctx); err != nil {
		return "", err
	}
	if o.pub != nil {
		if err := o.pub.Publish(ctx, TopicEscalation, notice); err != nil {
			log.Warn().Err(err).Str("lead_id", r.lead.ID).Msg("failed to publish escalation")
		}
	}
	log.Warn().
		Str("lead_id", r.lead.ID).
		Str("role", string(r.role)).
		Str("reason", reason).
		Msg("workflow escalated to human")
	return contractx.ResultEscalated, nil
}

// cancel records the interruption best-effort and reports the run cancelled.
func (o *Orchestrator) cancel(r *run, cause error) (contractx.WorkflowResult, error) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.buffer.Append(flushCtx, string(r.role), memoryx.KindCancellation, map[string]any{
		"reason": cause.Error(),
	}); err == nil {
		if ferr := r.buffer.Flush(flushCtx); ferr != nil {
			log.Warn().Err(ferr).Str("lead_id", r.lead.ID).Msg("failed to flush cancellation record")
		}
	}
	log.Info().Str("lead_id", r.lead.ID).Msg("workflow run cancelled")
	return contractx.ResultCancelled, nil
}

// currentRole reads the role stored on the lead, defaulting to coordinator.
func currentRole(l *leadx.Lead) contractx.AgentRole {
	role := contractx.AgentRole(l.Role)
	if !contractx.ValidRole(role) {
		return contractx.RoleCoordinator
	}
	return role
}

// bufferAuditor lands transition audits on the acting role's stream.
type bufferAuditor struct {
	buffer *memoryx.Buffer
	run    *run
}

func (a *bufferAuditor) AppendTransition(ctx context.Context, leadID string, from, to leadx.Status, event leadx.Event) error {
	_, err := a.buffer.Append(ctx, string(a.run.role), memoryx.KindTransitionAudit, transitionAuditPayload{
		From:  from,
		To:    to,
		Event: event,
	})
	return err
}
