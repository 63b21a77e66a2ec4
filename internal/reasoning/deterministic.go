// Package reasoning implements the multimodal clinical reasoning stage.
// Two reasoners exist: a deterministic rule table that is always available,
// and an external OpenAI-compatible adapter that falls back to the table on
// any failure. Neither surfaces errors to the orchestrator.
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"clinicaflow/internal/intake"
	"clinicaflow/internal/types"
)

// PromptVersion identifies the reasoning prompt contract.
const PromptVersion = "2026-06-30.v3"

// maxDifferentials bounds the differential list.
const maxDifferentials = 6

// Reasoner produces a ReasoningOutput. Implementations never fail; degraded
// paths are encoded in the output fields.
type Reasoner interface {
	Reason(ctx context.Context, in types.Intake, structured *types.StructuredIntake) *types.ReasoningOutput
}

// Deterministic is the rule-table fallback reasoner.
type Deterministic struct{}

// NewDeterministic returns the rule-table reasoner.
func NewDeterministic() *Deterministic { return &Deterministic{} }

type differentialRule struct {
	when func(s *types.StructuredIntake, v types.Vitals) bool
	list []string
}

func anySymptom(s *types.StructuredIntake, tokens ...string) bool {
	for _, t := range tokens {
		if s.HasSymptom(t) {
			return true
		}
	}
	return false
}

func hypotensive(v types.Vitals) bool {
	return v.SystolicBP != nil && *v.SystolicBP < 90
}

func shockIndexHigh(v types.Vitals) bool {
	if v.HeartRate == nil || v.SystolicBP == nil || *v.SystolicBP <= 0 {
		return false
	}
	return *v.HeartRate / *v.SystolicBP >= 0.9
}

func hypoxemic(v types.Vitals) bool {
	return v.SpO2 != nil && *v.SpO2 < 92
}

// differentialRules is evaluated in declaration order; matches accumulate
// and the deduplicated list is capped at maxDifferentials.
var differentialRules = []differentialRule{
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymChestPain) && (hypotensive(v) || shockIndexHigh(v))
		},
		list: []string{"Acute coronary syndrome", "Aortic dissection", "Pulmonary embolism"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymChestPain)
		},
		list: []string{"Acute coronary syndrome", "Pulmonary embolism", "GERD", "Musculoskeletal chest pain"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymDyspnea) && hypoxemic(v)
		},
		list: []string{"Acute hypoxemic respiratory failure", "Pulmonary embolism", "Pneumonia", "Heart failure exacerbation"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymDyspnea)
		},
		list: []string{"Asthma/COPD exacerbation", "Pneumonia", "Heart failure exacerbation"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return anySymptom(s, intake.SymSlurredSpeech, intake.SymFacialDroop, intake.SymUnilateralWeak, intake.SymAphasia)
		},
		list: []string{"Acute ischemic stroke", "Transient ischemic attack", "Hypoglycemia"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymFever) && s.HasSymptom(intake.SymAlteredMentation)
		},
		list: []string{"Sepsis", "Meningitis or encephalitis", "UTI with delirium"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymFever) && s.HasSymptom(intake.SymCough)
		},
		list: []string{"Community-acquired pneumonia", "Viral respiratory infection"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return anySymptom(s, intake.SymHematemesis, intake.SymMelena)
		},
		list: []string{"Upper gastrointestinal bleed", "Peptic ulcer disease", "Esophageal varices"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymSyncope)
		},
		list: []string{"Vasovagal syncope", "Cardiac arrhythmia", "Orthostatic hypotension"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymSevereHeadache)
		},
		list: []string{"Subarachnoid hemorrhage", "Migraine", "Meningitis"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymAbdominalPain)
		},
		list: []string{"Appendicitis", "Cholecystitis", "Gastroenteritis"},
	},
	{
		when: func(s *types.StructuredIntake, v types.Vitals) bool {
			return s.HasSymptom(intake.SymSoreThroat)
		},
		list: []string{"Viral pharyngitis", "Streptococcal pharyngitis"},
	},
}

// Reason builds the deterministic differential and templated rationale.
func (d *Deterministic) Reason(_ context.Context, in types.Intake, structured *types.StructuredIntake) *types.ReasoningOutput {
	var pool []string
	for _, rule := range differentialRules {
		if rule.when(structured, in.Vitals) {
			pool = append(pool, rule.list...)
		}
	}
	if len(pool) == 0 {
		pool = []string{"Viral syndrome", "Medication side effect", "Dehydration"}
	}
	differential := types.DedupeStrings(pool)
	if len(differential) > maxDifferentials {
		differential = differential[:maxDifferentials]
	}

	return &types.ReasoningOutput{
		DifferentialConsiderations: differential,
		ReasoningRationale:         rationale(structured, in.Vitals),
		Backend:                    types.BackendDeterministic,
		PromptVersion:              PromptVersion,
		ImagesPresent:              len(in.ImageDataURLs),
		ImagesSent:                 0,
	}
}

func rationale(s *types.StructuredIntake, v types.Vitals) string {
	var features []string
	if len(s.Symptoms) > 0 {
		features = append(features, "symptom pattern ("+strings.Join(s.Symptoms, ", ")+")")
	}
	if len(s.RiskFactors) > 0 {
		features = append(features, "risk factors ("+strings.Join(s.RiskFactors, ", ")+")")
	}
	var outliers []string
	if hypotensive(v) {
		outliers = append(outliers, "hypotension")
	}
	if hypoxemic(v) {
		outliers = append(outliers, "hypoxemia")
	}
	if shockIndexHigh(v) {
		outliers = append(outliers, "elevated shock index")
	}
	if len(outliers) > 0 {
		features = append(features, "vitals outliers ("+strings.Join(outliers, ", ")+")")
	}
	if len(features) == 0 {
		features = append(features, "the available intake narrative")
	}
	return fmt.Sprintf(
		"Differentials are ranked from %s. No diagnosis is made; clinician validation is required.",
		strings.Join(features, " and "))
}
