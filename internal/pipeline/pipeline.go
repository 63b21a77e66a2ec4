// Package pipeline wires the five triage stages into the ordered workflow:
// structuring, reasoning, evidence, safety, communication. The orchestrator
// times every stage, maintains the audit trace, and computes the final
// aggregates. Stages degrade instead of failing; safety always runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"clinicaflow/internal/comms"
	"clinicaflow/internal/evidence"
	"clinicaflow/internal/intake"
	"clinicaflow/internal/reasoning"
	"clinicaflow/internal/safety"
	"clinicaflow/internal/types"
)

// Version is the pipeline_version stamped on every result.
const Version = "2026.07.0"

// Errors surfaced to the caller. Everything else degrades in-trace.
var (
	ErrIntakeInvalid = errors.New("intake_invalid")
	ErrCancelled     = errors.New("cancelled")
)

// Confidence heuristic constants. Tier caps keep the copilot from
// overstating certainty on routine presentations.
const (
	confidenceBase            = 0.55
	confidencePerTrigger      = 0.07
	confidenceTriggersMax     = 3
	confidenceCompleteBonus   = 0.05
	confidencePerMissing      = 0.06
	confidenceExternalPenalty = 0.05
	confidenceFloor           = 0.20
)

var tierConfidenceCap = map[string]float64{
	types.TierRoutine:  0.85,
	types.TierUrgent:   0.90,
	types.TierCritical: 0.95,
}

var dataImageURLRe = regexp.MustCompile(`^data:image/[a-zA-Z+.-]+;base64,`)

// Rewriter is the optional external communication pass.
type Rewriter interface {
	Rewrite(ctx context.Context, draft *types.CommunicationOutput, redFlags, phiHits []string) *types.CommunicationOutput
}

// Options configures the orchestrator. Zero-value fields get safe defaults;
// Evidence left nil disables policy grounding.
type Options struct {
	Reasoner          reasoning.Reasoner
	ExternalReasoning bool
	Evidence          *evidence.Agent
	Safety            *safety.Engine
	Rewriter          Rewriter
	Metrics           *Metrics
	Logger            *zap.Logger
}

// Orchestrator executes the five-stage workflow for one request at a time.
// It is stateless across requests and safe for concurrent use.
type Orchestrator struct {
	reasoner          reasoning.Reasoner
	externalReasoning bool
	evidence          *evidence.Agent
	safety            *safety.Engine
	rewriter          Rewriter
	validate          *validator.Validate
	metrics           *Metrics
	logger            *zap.Logger
}

// New builds the orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Reasoner == nil {
		opts.Reasoner = reasoning.NewDeterministic()
	}
	if opts.Safety == nil {
		opts.Safety = safety.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		reasoner:          opts.Reasoner,
		externalReasoning: opts.ExternalReasoning,
		evidence:          opts.Evidence,
		safety:            opts.Safety,
		rewriter:          opts.Rewriter,
		validate:          validator.New(),
		metrics:           opts.Metrics,
		logger:            opts.Logger,
	}
}

// Run executes the pipeline for one intake. requestID may be empty, in which
// case one is generated. The only error returns are ErrIntakeInvalid and
// ErrCancelled (cancellation before structuring completed); every other
// failure degrades on the trace.
func (o *Orchestrator) Run(ctx context.Context, in types.Intake, requestID string) (*types.TriageResult, error) {
	start := time.Now()

	if strings.TrimSpace(in.ChiefComplaint) == "" {
		return nil, fmt.Errorf("%w: chief_complaint is required", ErrIntakeInvalid)
	}
	if err := o.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntakeInvalid, err)
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}
	in.ImageDataURLs = o.filterImageURLs(in.ImageDataURLs)
	createdAt := time.Now().UTC()
	logger := o.logger.With(zap.String("request_id", requestID))
	trace := make([]types.AgentTrace, 0, len(types.StageOrder))

	// Stage 1: intake structuring.
	var structured *types.StructuredIntake
	tr := o.runStage(types.StageStructuring, func() (any, string) {
		structured = intake.Structure(in)
		return structured, ""
	})
	if structured == nil {
		structured = emptyStructured()
		tr.Output = structured
	}
	trace = append(trace, tr)

	// Stage 2: multimodal reasoning. The reasoner degrades internally; the
	// trace error is only set when the call itself was cancelled or panicked.
	var reasoningOut *types.ReasoningOutput
	tr = o.runStage(types.StageReasoning, func() (any, string) {
		reasoningOut = o.reasoner.Reason(ctx, in, structured)
		if reasoningOut.BackendError == reasoning.ErrCancelled {
			return reasoningOut, "cancelled"
		}
		return reasoningOut, ""
	})
	if reasoningOut == nil {
		reasoningOut = reasoning.NewDeterministic().Reason(context.Background(), in, structured)
		tr.Output = reasoningOut
	}
	if !o.externalReasoning && reasoningOut.BackendSkippedReason == "" && reasoningOut.BackendError == "" {
		reasoningOut.BackendSkippedReason = reasoning.SkipBackendDeterministic
	}
	if reasoningOut.BackendError != "" {
		o.metrics.ExternalFailures.WithLabelValues("reasoning").Inc()
	}
	trace = append(trace, tr)

	// Stage 3: evidence & policy.
	var evidenceOut *types.EvidenceOutput
	tr = o.runStage(types.StageEvidence, func() (any, string) {
		if o.evidence == nil {
			evidenceOut = emptyEvidence()
		} else {
			evidenceOut = o.evidence.Evaluate(structured, in.Vitals)
		}
		return evidenceOut, ""
	})
	if evidenceOut == nil {
		evidenceOut = emptyEvidence()
		tr.Output = evidenceOut
	}
	trace = append(trace, tr)

	// Stage 4: safety & escalation. Runs regardless of upstream state or
	// cancellation; downstream consumers rely on a tier.
	var safetyOut *types.SafetyOutput
	tr = o.runStage(types.StageSafety, func() (any, string) {
		safetyOut = o.safety.Evaluate(structured, in.Vitals, reasoningOut)
		return safetyOut, ""
	})
	if safetyOut == nil {
		safetyOut = o.safety.Evaluate(emptyStructured(), types.Vitals{}, reasoningOut)
		tr.Output = safetyOut
	}
	trace = append(trace, tr)

	actions := mergeActions(safetyOut.ActionsAddedBySafety, evidenceOut.RecommendedActionsFromPolicy)

	// Stage 5: communication. Skipped when the caller is already gone.
	var commOut *types.CommunicationOutput
	if ctx.Err() != nil {
		trace = append(trace, types.AgentTrace{Agent: types.StageCommunication, Error: "cancelled"})
		commOut = &types.CommunicationOutput{Backend: types.BackendDeterministic, PromptVersion: comms.PromptVersion}
		logger.Warn("request cancelled after safety, returning partial result")
	} else {
		tr = o.runStage(types.StageCommunication, func() (any, string) {
			commOut = o.communicate(ctx, in, structured, reasoningOut, safetyOut, actions)
			if commOut.BackendError == comms.ErrCancelled {
				return commOut, "cancelled"
			}
			return commOut, ""
		})
		if commOut == nil {
			commOut = comms.Draft(comms.DraftInput{Intake: in, Structured: structured, Reasoning: reasoningOut, Safety: safetyOut, Actions: actions})
			tr.Output = commOut
		}
		if commOut.BackendError != "" {
			o.metrics.ExternalFailures.WithLabelValues("communication").Inc()
		}
		trace = append(trace, tr)
	}

	result := &types.TriageResult{
		RequestID:                  requestID,
		CreatedAt:                  createdAt.Format(time.RFC3339),
		PipelineVersion:            Version,
		TotalLatencyMS:             time.Since(start).Milliseconds(),
		Confidence:                 o.confidence(structured, reasoningOut, safetyOut),
		RiskTier:                   safetyOut.RiskTier,
		EscalationRequired:         safetyOut.EscalationRequired,
		RedFlags:                   safetyOut.RedFlags,
		DifferentialConsiderations: reasoningOut.DifferentialConsiderations,
		RecommendedNextActions:     actions,
		ActionsAddedBySafety:       safetyOut.ActionsAddedBySafety,
		SafetyTriggers:             safetyOut.SafetyTriggers,
		RiskScores:                 safetyOut.RiskScores,
		ClinicianHandoff:           commOut.ClinicianHandoff,
		PatientSummary:             commOut.PatientSummary,
		UncertaintyReasons:         safetyOut.UncertaintyReasons,
		Trace:                      trace,
	}

	o.metrics.RequestsTotal.WithLabelValues(result.RiskTier).Inc()
	logger.Info("triage complete",
		zap.String("risk_tier", result.RiskTier),
		zap.Float64("confidence", result.Confidence),
		zap.Int64("total_latency_ms", result.TotalLatencyMS))
	return result, nil
}

// runStage times fn and converts panics into a degraded trace entry.
func (o *Orchestrator) runStage(stage string, fn func() (any, string)) types.AgentTrace {
	start := time.Now()
	var out any
	var errStr string
	func() {
		defer func() {
			if r := recover(); r != nil {
				errStr = fmt.Sprintf("panic: %v", r)
				o.logger.Error("stage panicked", zap.String("stage", stage), zap.Any("panic", r))
			}
		}()
		out, errStr = fn()
	}()
	elapsed := time.Since(start)
	o.metrics.StageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
	return types.AgentTrace{
		Agent:     stage,
		LatencyMS: elapsed.Milliseconds(),
		Output:    out,
		Error:     errStr,
	}
}

func (o *Orchestrator) communicate(ctx context.Context, in types.Intake, structured *types.StructuredIntake, reasoningOut *types.ReasoningOutput, safetyOut *types.SafetyOutput, actions []string) *types.CommunicationOutput {
	draft := comms.Draft(comms.DraftInput{
		Intake:     in,
		Structured: structured,
		Reasoning:  reasoningOut,
		Safety:     safetyOut,
		Actions:    actions,
	})
	if o.rewriter == nil {
		draft.BackendSkippedReason = comms.SkipBackendDeterministic
		return draft
	}
	return o.rewriter.Rewrite(ctx, draft, safetyOut.RedFlags, structured.PHIHits)
}

// mergeActions places safety-mandated actions ahead of policy actions and
// deduplicates, first occurrence winning.
func mergeActions(safetyActions, policyActions []string) []string {
	merged := make([]string, 0, len(safetyActions)+len(policyActions))
	merged = append(merged, safetyActions...)
	merged = append(merged, policyActions...)
	return types.DedupeStrings(merged)
}

// confidence is the deterministic coverage heuristic: triggers raise it
// toward the tier cap, missing fields and degraded reasoning lower it.
func (o *Orchestrator) confidence(structured *types.StructuredIntake, reasoningOut *types.ReasoningOutput, safetyOut *types.SafetyOutput) float64 {
	c := confidenceBase

	triggers := 0
	for _, t := range safetyOut.SafetyTriggers {
		if t.Severity == types.SeverityCritical || t.Severity == types.SeverityUrgent {
			triggers++
		}
	}
	if triggers > confidenceTriggersMax {
		triggers = confidenceTriggersMax
	}
	c += confidencePerTrigger * float64(triggers)

	if missing := len(structured.MissingCriticalFields); missing == 0 {
		c += confidenceCompleteBonus
	} else {
		c -= confidencePerMissing * float64(missing)
	}

	if o.externalReasoning && (reasoningOut.BackendError != "" || reasoningOut.BackendSkippedReason == reasoning.SkipPHIGuard || reasoningOut.BackendSkippedReason == reasoning.SkipCircuitOpen) {
		c -= confidenceExternalPenalty
	}

	tierCap, ok := tierConfidenceCap[safetyOut.RiskTier]
	if !ok {
		tierCap = tierConfidenceCap[types.TierRoutine]
	}
	if c > tierCap {
		c = tierCap
	}
	if c < confidenceFloor {
		c = confidenceFloor
	}
	return math.Round(c*100) / 100
}

// filterImageURLs drops entries that are not base64 image data URLs before
// anything downstream can forward them.
func (o *Orchestrator) filterImageURLs(urls []string) []string {
	if len(urls) == 0 {
		return urls
	}
	kept := make([]string, 0, len(urls))
	for _, u := range urls {
		if dataImageURLRe.MatchString(u) {
			kept = append(kept, u)
		} else {
			o.logger.Warn("dropping malformed image data URL")
		}
	}
	return kept
}

func emptyStructured() *types.StructuredIntake {
	return &types.StructuredIntake{
		Symptoms:              []string{},
		RiskFactors:           []string{},
		MissingCriticalFields: []string{},
		DataQualityWarnings:   []string{},
		PHIHits:               []string{},
	}
}

func emptyEvidence() *types.EvidenceOutput {
	return &types.EvidenceOutput{
		RecommendedActionsFromPolicy: []string{},
		ProtocolCitations:            []types.PolicyCitation{},
	}
}
