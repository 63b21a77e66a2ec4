// Package types defines the records shared across the triage pipeline:
// the raw intake, the per-stage outputs, the run context, and the final
// TriageResult. All stage outputs are fresh values; no stage mutates its
// inputs.
package types

// Stage names, in fixed pipeline order. The trace always contains exactly
// one entry per stage, in this order.
const (
	StageStructuring   = "intake_structuring"
	StageReasoning     = "multimodal_reasoning"
	StageEvidence      = "evidence_policy"
	StageSafety        = "safety_escalation"
	StageCommunication = "communication"
)

// StageOrder lists the five stage names in execution order.
var StageOrder = []string{
	StageStructuring,
	StageReasoning,
	StageEvidence,
	StageSafety,
	StageCommunication,
}

// Risk tiers.
const (
	TierRoutine  = "routine"
	TierUrgent   = "urgent"
	TierCritical = "critical"
)

// Trigger severities.
const (
	SeverityCritical = "critical"
	SeverityUrgent   = "urgent"
	SeverityInfo     = "info"
)

// Backend identifiers for the reasoning and communication adapters.
const (
	BackendDeterministic = "deterministic"
	BackendExternal      = "external"
)

// Vitals carries the structured vital signs. Unknown values are nil, never
// sentinel numbers.
type Vitals struct {
	HeartRate       *float64 `json:"heart_rate,omitempty"`
	SystolicBP      *float64 `json:"systolic_bp,omitempty"`
	DiastolicBP     *float64 `json:"diastolic_bp,omitempty"`
	TemperatureC    *float64 `json:"temperature_c,omitempty"`
	SpO2            *float64 `json:"spo2,omitempty"`
	RespiratoryRate *float64 `json:"respiratory_rate,omitempty"`
}

// Demographics is free-form apart from the age range check done during
// structuring.
type Demographics struct {
	Age *int   `json:"age,omitempty"`
	Sex string `json:"sex,omitempty"`
}

// Intake is the raw triage request payload. chief_complaint is the only
// required field; the entry point rejects requests where it is empty after
// trimming.
type Intake struct {
	ChiefComplaint    string       `json:"chief_complaint" validate:"required"`
	History           string       `json:"history,omitempty"`
	Demographics      Demographics `json:"demographics,omitempty"`
	Vitals            Vitals       `json:"vitals,omitempty"`
	ImageDescriptions []string     `json:"image_descriptions,omitempty"`
	ImageDataURLs     []string     `json:"image_data_urls,omitempty"`
	PriorNotes        []string     `json:"prior_notes,omitempty"`
}

// StructuredIntake is the output of the intake structuring stage.
// Symptom and risk-factor tokens are canonical catalog tokens, deduplicated
// and in catalog-then-insertion order. PHIHits holds "field:pattern_name"
// pairs only, never matched text.
type StructuredIntake struct {
	NormalizedSummary     string   `json:"normalized_summary"`
	Symptoms              []string `json:"symptoms"`
	RiskFactors           []string `json:"risk_factors"`
	MissingCriticalFields []string `json:"missing_critical_fields"`
	DataQualityWarnings   []string `json:"data_quality_warnings"`
	PHIHits               []string `json:"phi_hits"`
}

// HasSymptom reports whether the canonical token is present.
func (s *StructuredIntake) HasSymptom(token string) bool {
	for _, t := range s.Symptoms {
		if t == token {
			return true
		}
	}
	return false
}

// HasRiskFactor reports whether the canonical token is present.
func (s *StructuredIntake) HasRiskFactor(token string) bool {
	for _, t := range s.RiskFactors {
		if t == token {
			return true
		}
	}
	return false
}

// ReasoningOutput is the output of the multimodal reasoning stage. When the
// external backend fails or is skipped, Backend is "deterministic" and
// BackendError/BackendSkippedReason explain why.
type ReasoningOutput struct {
	DifferentialConsiderations []string `json:"differential_considerations"`
	ReasoningRationale         string   `json:"reasoning_rationale"`
	Backend                    string   `json:"reasoning_backend"`
	BackendModel               string   `json:"reasoning_backend_model,omitempty"`
	PromptVersion              string   `json:"reasoning_prompt_version"`
	ImagesPresent              int      `json:"images_present"`
	ImagesSent                 int      `json:"images_sent"`
	BackendError               string   `json:"reasoning_backend_error,omitempty"`
	BackendSkippedReason       string   `json:"reasoning_backend_skipped_reason,omitempty"`
}

// PolicyCitation records one matched policy.
type PolicyCitation struct {
	PolicyID           string   `json:"policy_id"`
	Title              string   `json:"title"`
	Citation           string   `json:"citation"`
	RecommendedActions []string `json:"recommended_actions"`
}

// EvidenceOutput is the output of the evidence & policy stage.
type EvidenceOutput struct {
	RecommendedActionsFromPolicy []string         `json:"recommended_actions_from_policy"`
	ProtocolCitations            []PolicyCitation `json:"protocol_citations"`
	PolicyPackSHA256             string           `json:"policy_pack_sha256"`
	PolicyPackSource             string           `json:"policy_pack_source"`
}

// SafetyTrigger is one fired deterministic rule.
type SafetyTrigger struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// RiskScores carries the interpretable bedside scores.
type RiskScores struct {
	ShockIndex     *float64 `json:"shock_index,omitempty"`
	ShockIndexHigh bool     `json:"shock_index_high"`
	QSOFA          int      `json:"qsofa"`
	QSOFAHighRisk  bool     `json:"qsofa_high_risk"`
}

// SafetyOutput is the output of the safety & escalation stage. It can never
// be bypassed by upstream results.
type SafetyOutput struct {
	RiskTier             string          `json:"risk_tier"`
	EscalationRequired   bool            `json:"escalation_required"`
	RedFlags             []string        `json:"red_flags"`
	SafetyTriggers       []SafetyTrigger `json:"safety_triggers"`
	ActionsAddedBySafety []string        `json:"actions_added_by_safety"`
	RiskTierRationale    string          `json:"risk_tier_rationale"`
	RiskScores           RiskScores      `json:"risk_scores"`
	UncertaintyReasons   []string        `json:"uncertainty_reasons"`
	SafetyRulesVersion   string          `json:"safety_rules_version"`
}

// CommunicationOutput is the output of the communication stage.
type CommunicationOutput struct {
	ClinicianHandoff     string `json:"clinician_handoff"`
	PatientSummary       string `json:"patient_summary"`
	Backend              string `json:"communication_backend"`
	BackendModel         string `json:"communication_backend_model,omitempty"`
	PromptVersion        string `json:"communication_prompt_version"`
	BackendError         string `json:"communication_backend_error,omitempty"`
	BackendSkippedReason string `json:"communication_backend_skipped_reason,omitempty"`
}

// AgentTrace is one trace entry: which stage ran, how long it took, what it
// produced, and the error string when the stage degraded.
type AgentTrace struct {
	Agent     string `json:"agent"`
	LatencyMS int64  `json:"latency_ms"`
	Output    any    `json:"output"`
	Error     string `json:"error,omitempty"`
}

// TriageResult is the final aggregate returned to the caller.
type TriageResult struct {
	RequestID                  string          `json:"request_id"`
	CreatedAt                  string          `json:"created_at"`
	PipelineVersion            string          `json:"pipeline_version"`
	TotalLatencyMS             int64           `json:"total_latency_ms"`
	Confidence                 float64         `json:"confidence"`
	RiskTier                   string          `json:"risk_tier"`
	EscalationRequired         bool            `json:"escalation_required"`
	RedFlags                   []string        `json:"red_flags"`
	DifferentialConsiderations []string        `json:"differential_considerations"`
	RecommendedNextActions     []string        `json:"recommended_next_actions"`
	ActionsAddedBySafety       []string        `json:"actions_added_by_safety"`
	SafetyTriggers             []SafetyTrigger `json:"safety_triggers"`
	RiskScores                 RiskScores      `json:"risk_scores"`
	ClinicianHandoff           string          `json:"clinician_handoff"`
	PatientSummary             string          `json:"patient_summary"`
	UncertaintyReasons         []string        `json:"uncertainty_reasons"`
	Trace                      []AgentTrace    `json:"trace"`
}

// Float returns a pointer to v. Convenience for building Vitals literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
