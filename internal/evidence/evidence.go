// Package evidence implements the evidence & policy stage: it grounds
// recommended actions in the loaded policy pack. The stage never errors at
// request time; an empty match yields no citations and no actions.
package evidence

import (
	"clinicaflow/internal/policy"
	"clinicaflow/internal/types"
)

// DefaultTopK is the default number of matching policies selected.
const DefaultTopK = 2

// Agent evaluates the pack against a structured intake.
type Agent struct {
	loader *policy.Loader
	topK   int
}

// New builds the evidence agent. topK <= 0 falls back to DefaultTopK.
func New(loader *policy.Loader, topK int) *Agent {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Agent{loader: loader, topK: topK}
}

// Evaluate selects up to topK matching policies in pack order and returns
// their deduplicated actions and citations together with the pack hash.
func (a *Agent) Evaluate(structured *types.StructuredIntake, vitals types.Vitals) *types.EvidenceOutput {
	snap := a.loader.Snapshot()

	out := &types.EvidenceOutput{
		RecommendedActionsFromPolicy: []string{},
		ProtocolCitations:            []types.PolicyCitation{},
		PolicyPackSHA256:             snap.SHA256,
		PolicyPackSource:             snap.Source,
	}

	var actions []string
	for _, pol := range snap.Pack.Policies {
		if len(out.ProtocolCitations) >= a.topK {
			break
		}
		if !pol.Matches(structured, vitals) {
			continue
		}
		actions = append(actions, pol.RecommendedActions...)
		out.ProtocolCitations = append(out.ProtocolCitations, types.PolicyCitation{
			PolicyID:           pol.ID,
			Title:              pol.Title,
			Citation:           pol.Citation,
			RecommendedActions: types.CloneStrings(pol.RecommendedActions),
		})
	}
	out.RecommendedActionsFromPolicy = types.DedupeStrings(actions)
	return out
}
