package safety

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"clinicaflow/internal/intake"
	"clinicaflow/internal/types"
)

// Engine runs the trigger catalog. It is stateless and safe for concurrent
// use.
type Engine struct{}

// New returns the safety engine.
func New() *Engine { return &Engine{} }

// Evaluate runs every trigger against the structured intake and vitals,
// derives risk scores, applies combination escalations, and assigns the
// final tier. reasoning may be nil; it only feeds uncertainty reasons.
func (en *Engine) Evaluate(structured *types.StructuredIntake, vitals types.Vitals, reasoning *types.ReasoningOutput) *types.SafetyOutput {
	ev := &EvalInput{Structured: structured, Vitals: vitals}

	out := &types.SafetyOutput{
		RedFlags:             []string{},
		SafetyTriggers:       []types.SafetyTrigger{},
		ActionsAddedBySafety: []string{},
		UncertaintyReasons:   []string{},
		SafetyRulesVersion:   RulesVersion,
	}

	out.RiskScores = riskScores(vitals, structured)

	// Base triggers, in catalog order.
	var mandated []string
	categories := map[string]bool{}
	for _, tr := range triggerCatalog {
		if !tr.When(ev) {
			continue
		}
		sev := tr.Severity
		if tr.EscalateToCritical != nil && tr.EscalateToCritical(ev) {
			sev = types.SeverityCritical
		}
		out.SafetyTriggers = append(out.SafetyTriggers, types.SafetyTrigger{
			ID:       tr.ID,
			Label:    tr.Label,
			Severity: sev,
			Detail:   tr.Detail,
		})
		mandated = append(mandated, tr.MandatedActions...)
		if sev != types.SeverityInfo {
			categories[tr.Category] = true
		}
	}

	// Combination rules on top of the base triggers.
	if len(categories) >= 2 && hasSeverity(out.SafetyTriggers, types.SeverityUrgent) {
		out.SafetyTriggers = append(out.SafetyTriggers, types.SafetyTrigger{
			ID:       "multi_category",
			Label:    "Multiple red-flag categories",
			Severity: types.SeverityCritical,
			Detail:   fmt.Sprintf("Urgent findings across %s", joinSorted(categories)),
		})
	}
	if out.RiskScores.ShockIndexHigh {
		out.SafetyTriggers = append(out.SafetyTriggers, types.SafetyTrigger{
			ID:       "shock_index_high",
			Label:    "Elevated shock index",
			Severity: types.SeverityInfo,
			Detail:   fmt.Sprintf("Shock index %.2f at or above %.1f", *out.RiskScores.ShockIndex, ShockIndexHigh),
		})
		if hasSeverity(out.SafetyTriggers, types.SeverityUrgent) {
			out.SafetyTriggers = append(out.SafetyTriggers, types.SafetyTrigger{
				ID:       "shock_index_escalation",
				Label:    "Shock index with urgent findings",
				Severity: types.SeverityCritical,
				Detail:   "Elevated shock index alongside an urgent trigger",
			})
		}
	}
	if out.RiskScores.QSOFAHighRisk {
		out.SafetyTriggers = append(out.SafetyTriggers, types.SafetyTrigger{
			ID:       "qsofa_high_risk",
			Label:    "qSOFA high risk",
			Severity: types.SeverityInfo,
			Detail:   fmt.Sprintf("qSOFA score %d of 3", out.RiskScores.QSOFA),
		})
	}

	out.ActionsAddedBySafety = types.DedupeStrings(mandated)
	out.RedFlags = redFlags(structured, vitals)
	out.RiskTier = tierFor(out.SafetyTriggers)
	out.EscalationRequired = out.RiskTier != types.TierRoutine
	out.RiskTierRationale = rationale(out.RiskTier, out.SafetyTriggers)
	out.UncertaintyReasons = uncertaintyReasons(structured, vitals, reasoning, out)
	return out
}

func riskScores(vitals types.Vitals, structured *types.StructuredIntake) types.RiskScores {
	var rs types.RiskScores
	if vitals.HeartRate != nil && vitals.SystolicBP != nil && *vitals.SystolicBP > 0 {
		si := math.Round(*vitals.HeartRate / *vitals.SystolicBP * 100) / 100
		rs.ShockIndex = types.Float(si)
		rs.ShockIndexHigh = si >= ShockIndexHigh
	}
	if vitals.RespiratoryRate != nil && *vitals.RespiratoryRate >= QSOFARespRate {
		rs.QSOFA++
	}
	if vitals.SystolicBP != nil && *vitals.SystolicBP <= QSOFASystolicBP {
		rs.QSOFA++
	}
	if structured.HasSymptom(intake.SymAlteredMentation) {
		rs.QSOFA++
	}
	rs.QSOFAHighRisk = rs.QSOFA >= 2
	return rs
}

func redFlags(structured *types.StructuredIntake, vitals types.Vitals) []string {
	var flags []string
	for _, tok := range redFlagOrder {
		if structured.HasSymptom(tok) {
			flags = append(flags, redFlagKeywords[tok])
		}
	}
	if structured.HasRiskFactor(intake.RiskPregnancy) && structured.HasSymptom(intake.SymBleeding) {
		flags = append(flags, "Bleeding in pregnancy")
	}
	if vitals.SpO2 != nil && *vitals.SpO2 < SpO2UrgentBelow {
		flags = append(flags, "Low oxygen saturation (SpO2 < 92%)")
	}
	if vitals.SystolicBP != nil && *vitals.SystolicBP < SBPHypotensionBelow {
		flags = append(flags, "Hypotension (systolic BP < 90)")
	}
	if vitals.HeartRate != nil && *vitals.HeartRate >= HRSevereTachycardia {
		flags = append(flags, "Severe tachycardia (HR >= 130)")
	}
	if vitals.TemperatureC != nil && *vitals.TemperatureC >= TempSepsisFever {
		flags = append(flags, "High fever (>= 39.5 C)")
	}
	return types.DedupeStrings(flags)
}

func hasSeverity(triggers []types.SafetyTrigger, severity string) bool {
	for _, t := range triggers {
		if t.Severity == severity {
			return true
		}
	}
	return false
}

func tierFor(triggers []types.SafetyTrigger) string {
	switch {
	case hasSeverity(triggers, types.SeverityCritical):
		return types.TierCritical
	case hasSeverity(triggers, types.SeverityUrgent):
		return types.TierUrgent
	default:
		return types.TierRoutine
	}
}

func rationale(tier string, triggers []types.SafetyTrigger) string {
	if tier == types.TierRoutine {
		return "No critical or urgent safety triggers fired."
	}
	var labels []string
	for _, t := range triggers {
		if t.Severity == types.SeverityCritical || (tier == types.TierUrgent && t.Severity == types.SeverityUrgent) {
			labels = append(labels, t.Label)
		}
	}
	return fmt.Sprintf("Risk tier %s driven by: %s.", tier, strings.Join(labels, ", "))
}

func uncertaintyReasons(structured *types.StructuredIntake, vitals types.Vitals, reasoning *types.ReasoningOutput, out *types.SafetyOutput) []string {
	var reasons []string
	if len(structured.MissingCriticalFields) > 0 {
		reasons = append(reasons, "Missing intake fields: "+strings.Join(structured.MissingCriticalFields, ", "))
	}
	if structured.HasSymptom(intake.SymChestPain) && noVitals(vitals) {
		reasons = append(reasons, "Cardiopulmonary symptoms reported without any vital signs")
	}
	if reasoning != nil {
		if reasoning.BackendError != "" {
			reasons = append(reasons, "External reasoning unavailable, deterministic fallback used")
		} else if reasoning.BackendSkippedReason != "" && reasoning.BackendSkippedReason != "backend=deterministic" {
			reasons = append(reasons, "External reasoning skipped ("+reasoning.BackendSkippedReason+")")
		}
	}
	if out.RiskScores.ShockIndexHigh && !hasSeverity(out.SafetyTriggers, types.SeverityCritical) {
		reasons = append(reasons, "Elevated shock index without other critical findings")
	}
	if reasons == nil {
		return []string{}
	}
	return reasons
}

func noVitals(v types.Vitals) bool {
	return v.HeartRate == nil && v.SystolicBP == nil && v.DiastolicBP == nil &&
		v.TemperatureC == nil && v.SpO2 == nil && v.RespiratoryRate == nil
}

func joinSorted(set map[string]bool) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
