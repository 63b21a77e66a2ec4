package comms

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"clinicaflow/internal/inference"
	"clinicaflow/internal/types"
)

// Skip and error reasons recorded on the communication output.
const (
	SkipBackendDeterministic = "backend=deterministic"
	SkipPHIGuard             = "phi_guard"
	SkipCircuitOpen          = "circuit_open"
	ErrInvalidJSON           = "invalid_json"
	ErrFactsDropped          = "facts_dropped"
	ErrCancelled             = "cancelled"
)

const rewriteSystemPrompt = "Rewrite the following for clarity. Do not add " +
	"new clinical facts. Preserve section headers. Return JSON with keys " +
	"`clinician_handoff` and `patient_summary`."

// Rewriter sends the deterministic draft through an OpenAI-compatible
// endpoint for a clarity pass. Any failure, skip, or validation rejection
// keeps the draft.
type Rewriter struct {
	client   *inference.Client
	phiGuard bool
	logger   *zap.Logger
}

// NewRewriter builds the external rewriter around a configured client.
func NewRewriter(client *inference.Client, phiGuard bool, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{client: client, phiGuard: phiGuard, logger: logger}
}

// Rewrite attempts the external pass over draft. redFlags are the safety
// red-flag phrases; every phrase present in the draft handoff must survive
// the rewrite, as must all four SBAR section headers, or the draft is kept
// with communication_backend_error="facts_dropped". Never returns an error.
func (r *Rewriter) Rewrite(ctx context.Context, draft *types.CommunicationOutput, redFlags []string, phiHits []string) *types.CommunicationOutput {
	if r.phiGuard && len(phiHits) > 0 {
		out := *draft
		out.BackendSkippedReason = SkipPHIGuard
		return &out
	}

	content, err := r.client.ChatCompletion(ctx, r.buildMessages(draft))
	if err != nil {
		out := *draft
		switch {
		case errors.Is(err, inference.ErrCircuitOpen):
			out.BackendSkippedReason = SkipCircuitOpen
		case ctx.Err() != nil:
			out.BackendError = ErrCancelled
		default:
			out.BackendError = err.Error()
		}
		r.logger.Warn("external rewrite unavailable, keeping deterministic draft", zap.Error(err))
		return &out
	}

	handoff, summary, ok := parseRewriteJSON(content)
	if !ok {
		out := *draft
		out.BackendError = ErrInvalidJSON
		return &out
	}
	if !preservesFacts(draft.ClinicianHandoff, handoff, redFlags) {
		out := *draft
		out.BackendError = ErrFactsDropped
		r.logger.Warn("external rewrite dropped clinical facts, keeping deterministic draft")
		return &out
	}

	return &types.CommunicationOutput{
		ClinicianHandoff: handoff,
		PatientSummary:   summary,
		Backend:          types.BackendExternal,
		BackendModel:     r.client.Model(),
		PromptVersion:    PromptVersion,
	}
}

func (r *Rewriter) buildMessages(draft *types.CommunicationOutput) []inference.Message {
	payload, _ := json.Marshal(map[string]string{
		"clinician_handoff": draft.ClinicianHandoff,
		"patient_summary":   draft.PatientSummary,
	})
	return []inference.Message{
		inference.TextMessage("system", rewriteSystemPrompt),
		inference.TextMessage("user", string(payload)),
	}
}

func parseRewriteJSON(content string) (handoff, summary string, ok bool) {
	obj, err := inference.ExtractFirstJSONObject(content)
	if err != nil {
		return "", "", false
	}
	handoff, _ = obj["clinician_handoff"].(string)
	summary, _ = obj["patient_summary"].(string)
	handoff = strings.TrimSpace(handoff)
	summary = strings.TrimSpace(summary)
	if handoff == "" || summary == "" {
		return "", "", false
	}
	return handoff, summary, true
}

// preservesFacts checks that the rewrite kept every SBAR section header and
// every red-flag phrase that the draft handoff carried.
func preservesFacts(draftHandoff, rewritten string, redFlags []string) bool {
	for _, h := range sectionHeaders {
		if !strings.Contains(rewritten, h) {
			return false
		}
	}
	for _, flag := range redFlags {
		if strings.Contains(draftHandoff, flag) && !strings.Contains(rewritten, flag) {
			return false
		}
	}
	return true
}
