// Package safety implements the deterministic safety & escalation stage:
// trigger evaluation, red-flag detection, risk scores, tier assignment and
// mandatory action injection. Given identical inputs and rulebook version,
// the output is bit-identical. Upstream results can never bypass it.
package safety

import (
	"clinicaflow/internal/intake"
	"clinicaflow/internal/types"
)

// RulesVersion identifies the trigger catalog below. Bump on any change to
// triggers, thresholds, or red-flag keyword mappings.
const RulesVersion = "2026.07.v1"

// Vitals thresholds referenced by triggers and red flags.
const (
	SpO2UrgentBelow     = 92.0
	SpO2CriticalBelow   = 88.0
	SBPHypotensionBelow = 90.0
	HRSevereTachycardia = 130.0
	TempSepsisFever     = 39.5
	ShockIndexHigh      = 0.9
	QSOFARespRate       = 22.0
	QSOFASystolicBP     = 100.0
)

// Trigger categories, used by the multi_category escalation rule.
const (
	CategoryCardiac     = "cardiac"
	CategoryNeuro       = "neuro"
	CategoryRespiratory = "respiratory"
	CategoryHemodynamic = "hemodynamic"
	CategoryInfection   = "infection"
	CategoryGI          = "gi"
	CategoryObstetric   = "obstetric"
	CategoryComposite   = "composite"
)

// EvalInput is the read-only view a trigger precondition sees.
type EvalInput struct {
	Structured *types.StructuredIntake
	Vitals     types.Vitals
}

func (e *EvalInput) vital(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func (e *EvalInput) strokeTokenCount() int {
	n := 0
	for _, tok := range []string{intake.SymSlurredSpeech, intake.SymFacialDroop, intake.SymUnilateralWeak, intake.SymAphasia} {
		if e.Structured.HasSymptom(tok) {
			n++
		}
	}
	return n
}

// Trigger is one atomic deterministic rule. Severity is the base severity;
// EscalateToCritical upgrades it when the escalation condition holds.
type Trigger struct {
	ID                 string                `json:"id"`
	Label              string                `json:"label"`
	Severity           string                `json:"severity"`
	Category           string                `json:"category"`
	Detail             string                `json:"detail"`
	MandatedActions    []string              `json:"mandated_actions"`
	When               func(*EvalInput) bool `json:"-"`
	EscalateToCritical func(*EvalInput) bool `json:"-"`
}

// triggerCatalog declaration order fixes both trigger-list ordering and
// mandated-action injection order.
var triggerCatalog = []Trigger{
	{
		ID:       "hypotension",
		Label:    "Hypotension",
		Severity: types.SeverityCritical,
		Category: CategoryHemodynamic,
		Detail:   "Systolic BP below 90 mmHg",
		MandatedActions: []string{
			"Establish IV access and begin fluid resuscitation per protocol",
			"Immediate clinician assessment at bedside",
		},
		When: func(e *EvalInput) bool {
			sbp, ok := e.vital(e.Vitals.SystolicBP)
			return ok && sbp < SBPHypotensionBelow
		},
	},
	{
		ID:       "hemodynamic_combo",
		Label:    "Hypoxemia with chest pain",
		Severity: types.SeverityCritical,
		Category: CategoryHemodynamic,
		Detail:   "SpO2 below 92% together with chest pain",
		MandatedActions: []string{
			"Move to resuscitation-capable area for urgent clinician review",
		},
		When: func(e *EvalInput) bool {
			spo2, ok := e.vital(e.Vitals.SpO2)
			return ok && spo2 < SpO2UrgentBelow && e.Structured.HasSymptom(intake.SymChestPain)
		},
	},
	{
		ID:       "cardiopulmonary_red_flag",
		Label:    "Cardiopulmonary red flag",
		Severity: types.SeverityUrgent,
		Category: CategoryCardiac,
		Detail:   "Chest pain reported",
		MandatedActions: []string{
			"Obtain 12-lead ECG and establish IV access immediately",
			"Continuous cardiac monitoring",
		},
		When: func(e *EvalInput) bool {
			return e.Structured.HasSymptom(intake.SymChestPain)
		},
	},
	{
		ID:       "stroke_red_flag",
		Label:    "Stroke red flag",
		Severity: types.SeverityUrgent,
		Category: CategoryNeuro,
		Detail:   "Focal neurological deficit reported",
		MandatedActions: []string{
			"Document time of last known well / symptom onset",
			"Emergent neurological evaluation (stroke pathway)",
		},
		When: func(e *EvalInput) bool {
			return e.strokeTokenCount() >= 1
		},
		EscalateToCritical: func(e *EvalInput) bool {
			return e.strokeTokenCount() >= 2
		},
	},
	{
		ID:       "hypoxemia",
		Label:    "Hypoxemia",
		Severity: types.SeverityUrgent,
		Category: CategoryRespiratory,
		Detail:   "SpO2 below 92%",
		MandatedActions: []string{
			"Apply supplemental oxygen and titrate to SpO2 >= 94%",
		},
		When: func(e *EvalInput) bool {
			spo2, ok := e.vital(e.Vitals.SpO2)
			return ok && spo2 < SpO2UrgentBelow
		},
		EscalateToCritical: func(e *EvalInput) bool {
			spo2, ok := e.vital(e.Vitals.SpO2)
			return ok && spo2 < SpO2CriticalBelow
		},
	},
	{
		ID:       "tachycardia_severe",
		Label:    "Severe tachycardia",
		Severity: types.SeverityUrgent,
		Category: CategoryCardiac,
		Detail:   "Heart rate at or above 130 bpm",
		MandatedActions: []string{
			"Continuous cardiac monitoring",
			"Obtain 12-lead ECG",
		},
		When: func(e *EvalInput) bool {
			hr, ok := e.vital(e.Vitals.HeartRate)
			return ok && hr >= HRSevereTachycardia
		},
	},
	{
		ID:       "fever_sepsis",
		Label:    "High fever, sepsis risk",
		Severity: types.SeverityUrgent,
		Category: CategoryInfection,
		Detail:   "Temperature at or above 39.5 C",
		MandatedActions: []string{
			"Obtain blood cultures and serum lactate",
			"Begin sepsis bundle evaluation",
		},
		When: func(e *EvalInput) bool {
			t, ok := e.vital(e.Vitals.TemperatureC)
			return ok && t >= TempSepsisFever
		},
		// High fever with severe tachycardia reads as probable sepsis.
		EscalateToCritical: func(e *EvalInput) bool {
			t, tok := e.vital(e.Vitals.TemperatureC)
			hr, hok := e.vital(e.Vitals.HeartRate)
			return tok && hok && t >= TempSepsisFever && hr >= HRSevereTachycardia
		},
	},
	{
		ID:       "pregnancy_bleeding",
		Label:    "Bleeding in pregnancy",
		Severity: types.SeverityUrgent,
		Category: CategoryObstetric,
		Detail:   "Bleeding symptom with pregnancy risk factor",
		MandatedActions: []string{
			"Urgent obstetric consultation",
		},
		When: func(e *EvalInput) bool {
			return e.Structured.HasRiskFactor(intake.RiskPregnancy) &&
				(e.Structured.HasSymptom(intake.SymBleeding) || e.Structured.HasSymptom(intake.SymHematemesis) || e.Structured.HasSymptom(intake.SymMelena))
		},
	},
	{
		ID:       "gi_bleed",
		Label:    "Gastrointestinal bleed",
		Severity: types.SeverityUrgent,
		Category: CategoryGI,
		Detail:   "Hematemesis or melena reported",
		MandatedActions: []string{
			"Establish two large-bore IV lines",
			"Type and crossmatch blood",
		},
		When: func(e *EvalInput) bool {
			return e.Structured.HasSymptom(intake.SymHematemesis) || e.Structured.HasSymptom(intake.SymMelena)
		},
	},
	{
		ID:       "syncope",
		Label:    "Syncope",
		Severity: types.SeverityUrgent,
		Category: CategoryCardiac,
		Detail:   "Syncope or near-syncope reported",
		MandatedActions: []string{
			"Obtain 12-lead ECG",
			"Orthostatic vital signs",
		},
		When: func(e *EvalInput) bool {
			return e.Structured.HasSymptom(intake.SymSyncope)
		},
	},
}

// redFlagKeywords maps symptom tokens to human-readable red-flag phrases.
var redFlagKeywords = map[string]string{
	intake.SymChestPain:        "Chest pain or pressure (possible acute coronary syndrome)",
	intake.SymDyspnea:          "Shortness of breath",
	intake.SymSlurredSpeech:    "Slurred speech (possible stroke)",
	intake.SymFacialDroop:      "Facial droop (possible stroke)",
	intake.SymUnilateralWeak:   "One-sided weakness (possible stroke)",
	intake.SymAphasia:          "Word-finding difficulty (possible stroke)",
	intake.SymAlteredMentation: "Confusion or altered mental status",
	intake.SymSyncope:          "Fainting episode",
	intake.SymHematemesis:      "Vomiting blood",
	intake.SymMelena:           "Blood in stool",
	intake.SymSevereHeadache:   "Sudden severe headache",
}

// redFlagOrder fixes red-flag emission order (catalog declaration order of
// the underlying symptoms).
var redFlagOrder = []string{
	intake.SymChestPain,
	intake.SymDyspnea,
	intake.SymSevereHeadache,
	intake.SymSyncope,
	intake.SymHematemesis,
	intake.SymMelena,
	intake.SymSlurredSpeech,
	intake.SymFacialDroop,
	intake.SymUnilateralWeak,
	intake.SymAphasia,
	intake.SymAlteredMentation,
}
