// Package comms implements the communication stage: a deterministic SBAR
// clinician handoff and plain-language patient precautions, with an optional
// rewrite-only external pass that may never add or drop clinical facts.
package comms

import (
	"fmt"
	"strconv"
	"strings"

	"clinicaflow/internal/types"
)

// PromptVersion tags the communication prompt and draft template.
const PromptVersion = "2026-06-30.v2"

// Caps for the fixed draft template.
const (
	maxDraftRedFlags      = 5
	maxDraftDifferentials = 3
	maxDraftActions       = 3
)

// SBAR section headers. The rewrite validator requires all four to survive.
var sectionHeaders = []string{"Situation:", "Background:", "Assessment:", "Recommendation:"}

// DraftInput carries everything the fixed template needs.
type DraftInput struct {
	Intake     types.Intake
	Structured *types.StructuredIntake
	Reasoning  *types.ReasoningOutput
	Safety     *types.SafetyOutput
	Actions    []string
}

// Draft builds the deterministic handoff and patient summary. Stable
// ordering, no randomness.
func Draft(in DraftInput) *types.CommunicationOutput {
	return &types.CommunicationOutput{
		ClinicianHandoff: clinicianHandoff(in),
		PatientSummary:   patientSummary(in),
		Backend:          types.BackendDeterministic,
		PromptVersion:    PromptVersion,
	}
}

func clinicianHandoff(in DraftInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Situation: %s presenting with %s. Risk tier: %s",
		patientDescriptor(in.Intake.Demographics),
		strings.TrimSpace(in.Intake.ChiefComplaint),
		in.Safety.RiskTier)
	if in.Safety.EscalationRequired {
		b.WriteString(" (escalation required)")
	}
	b.WriteString(".")
	if flags := top(in.Safety.RedFlags, maxDraftRedFlags); len(flags) > 0 {
		fmt.Fprintf(&b, " Red flags: %s.", strings.Join(flags, "; "))
	}
	b.WriteString("\n")

	b.WriteString("Background:")
	if h := strings.TrimSpace(in.Intake.History); h != "" {
		fmt.Fprintf(&b, " History: %s.", h)
	}
	if len(in.Structured.RiskFactors) > 0 {
		fmt.Fprintf(&b, " Risk factors: %s.", strings.Join(in.Structured.RiskFactors, ", "))
	}
	fmt.Fprintf(&b, " Vitals: %s.", vitalsLine(in.Intake.Vitals))
	if len(in.Structured.MissingCriticalFields) > 0 {
		fmt.Fprintf(&b, " Missing: %s.", strings.Join(in.Structured.MissingCriticalFields, ", "))
	}
	b.WriteString("\n")

	b.WriteString("Assessment:")
	if diffs := top(in.Reasoning.DifferentialConsiderations, maxDraftDifferentials); len(diffs) > 0 {
		fmt.Fprintf(&b, " Leading considerations: %s.", strings.Join(diffs, "; "))
	}
	fmt.Fprintf(&b, " %s", in.Safety.RiskTierRationale)
	b.WriteString("\n")

	b.WriteString("Recommendation:")
	for i, a := range top(in.Actions, maxDraftActions) {
		fmt.Fprintf(&b, " %d) %s.", i+1, a)
	}
	b.WriteString(" Clinician confirmation required for all actions.")
	return b.String()
}

func patientSummary(in DraftInput) string {
	var b strings.Builder
	b.WriteString("You were evaluated with an AI-assisted triage tool. ")
	b.WriteString("This output supports your care team and is not a final diagnosis.\n")

	switch in.Safety.RiskTier {
	case types.TierCritical, types.TierUrgent:
		b.WriteString("Seek emergency care immediately if symptoms worsen or new warning signs appear.\n")
	default:
		b.WriteString("Return to clinic if symptoms persist beyond 48 hours or get worse.\n")
	}

	if flags := top(in.Safety.RedFlags, maxDraftRedFlags); len(flags) > 0 {
		b.WriteString("Warning signs to watch for:\n")
		for _, f := range flags {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func patientDescriptor(d types.Demographics) string {
	switch {
	case d.Age != nil && d.Sex != "":
		return fmt.Sprintf("%d-year-old %s", *d.Age, d.Sex)
	case d.Age != nil:
		return fmt.Sprintf("%d-year-old patient", *d.Age)
	case d.Sex != "":
		return d.Sex + " patient"
	default:
		return "Patient"
	}
}

func vitalsLine(v types.Vitals) string {
	return fmt.Sprintf("HR=%s, BP=%s/%s, Temp=%sC, SpO2=%s%%, RR=%s",
		fmtVital(v.HeartRate), fmtVital(v.SystolicBP), fmtVital(v.DiastolicBP),
		fmtVital(v.TemperatureC), fmtVital(v.SpO2), fmtVital(v.RespiratoryRate))
}

func fmtVital(p *float64) string {
	if p == nil {
		return "?"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func top(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
