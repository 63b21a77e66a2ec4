package safety

import (
	"encoding/json"
	"fmt"

	"clinicaflow/internal/policy"
	"clinicaflow/internal/textnorm"
)

// Rulebook is the read-only published form of the trigger catalog. It lets
// reviewers diff rule versions without reading code.
type Rulebook struct {
	Version             string             `json:"version"`
	NegationWindowWords int                `json:"negation_window_words"`
	Thresholds          map[string]float64 `json:"thresholds"`
	Triggers            []Trigger          `json:"triggers"`
	RedFlagKeywords     map[string]string  `json:"red_flag_keywords"`
}

// CurrentRulebook returns the published view of the active rules.
func CurrentRulebook() Rulebook {
	return Rulebook{
		Version:             RulesVersion,
		NegationWindowWords: textnorm.NegationWindowWords,
		Thresholds: map[string]float64{
			"spo2_urgent_below":     SpO2UrgentBelow,
			"spo2_critical_below":   SpO2CriticalBelow,
			"sbp_hypotension_below": SBPHypotensionBelow,
			"hr_severe_tachycardia": HRSevereTachycardia,
			"temp_sepsis_fever":     TempSepsisFever,
			"shock_index_high":      ShockIndexHigh,
			"qsofa_resp_rate":       QSOFARespRate,
			"qsofa_systolic_bp":     QSOFASystolicBP,
		},
		Triggers:        triggerCatalog,
		RedFlagKeywords: redFlagKeywords,
	}
}

// RulebookJSON serializes the rulebook with the same canonicalization rules
// as the policy pack (sorted keys, compact, no HTML escaping) and returns
// the canonical bytes with their SHA-256.
func RulebookJSON() ([]byte, string, error) {
	raw, err := json.Marshal(CurrentRulebook())
	if err != nil {
		return nil, "", fmt.Errorf("marshal rulebook: %w", err)
	}
	canonical, err := policy.Canonicalize(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize rulebook: %w", err)
	}
	return canonical, policy.HashCanonical(canonical), nil
}
