// Package policy loads, validates, canonicalizes and hashes the policy
// pack, and evaluates its matchers against a structured intake. The loaded
// snapshot is immutable; reloads swap the snapshot atomically.
package policy

import (
	"fmt"
	"strings"

	"clinicaflow/internal/intake"
	"clinicaflow/internal/types"
)

// Pack is the versioned, ordered policy collection.
type Pack struct {
	Version  string   `json:"version"`
	Policies []Policy `json:"policies"`
}

// Policy is one protocol snippet.
type Policy struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Citation           string   `json:"citation"`
	Matchers           Matchers `json:"matchers"`
	RecommendedActions []string `json:"recommended_actions"`
}

// Matchers holds the predicates a policy requires. A policy matches when
// every present matcher group succeeds.
type Matchers struct {
	SymptomsAllOf    []string         `json:"symptoms_all_of,omitempty"`
	SymptomsAnyOf    []string         `json:"symptoms_any_of,omitempty"`
	RiskFactorsAnyOf []string         `json:"risk_factors_any_of,omitempty"`
	Vitals           []VitalPredicate `json:"vitals,omitempty"`
}

// VitalPredicate compares one vital field against a threshold. An absent
// vital never satisfies a predicate.
type VitalPredicate struct {
	Field string  `json:"field"`
	Op    string  `json:"op"`
	Value float64 `json:"value"`
}

var vitalFields = map[string]func(types.Vitals) *float64{
	"heart_rate":       func(v types.Vitals) *float64 { return v.HeartRate },
	"systolic_bp":      func(v types.Vitals) *float64 { return v.SystolicBP },
	"diastolic_bp":     func(v types.Vitals) *float64 { return v.DiastolicBP },
	"temperature_c":    func(v types.Vitals) *float64 { return v.TemperatureC },
	"spo2":             func(v types.Vitals) *float64 { return v.SpO2 },
	"respiratory_rate": func(v types.Vitals) *float64 { return v.RespiratoryRate },
}

var vitalOps = map[string]func(a, b float64) bool{
	"<":  func(a, b float64) bool { return a < b },
	"<=": func(a, b float64) bool { return a <= b },
	">":  func(a, b float64) bool { return a > b },
	">=": func(a, b float64) bool { return a >= b },
	"==": func(a, b float64) bool { return a == b },
}

// Eval reports whether the predicate holds for the given vitals.
func (p VitalPredicate) Eval(v types.Vitals) bool {
	get, ok := vitalFields[p.Field]
	if !ok {
		return false
	}
	val := get(v)
	if val == nil {
		return false
	}
	op, ok := vitalOps[p.Op]
	if !ok {
		return false
	}
	return op(*val, p.Value)
}

// Matches reports whether every matcher group of the policy succeeds
// against the structured intake and vitals.
func (p Policy) Matches(s *types.StructuredIntake, v types.Vitals) bool {
	for _, tok := range p.Matchers.SymptomsAllOf {
		if !s.HasSymptom(tok) {
			return false
		}
	}
	if len(p.Matchers.SymptomsAnyOf) > 0 {
		hit := false
		for _, tok := range p.Matchers.SymptomsAnyOf {
			if s.HasSymptom(tok) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(p.Matchers.RiskFactorsAnyOf) > 0 {
		hit := false
		for _, tok := range p.Matchers.RiskFactorsAnyOf {
			if s.HasRiskFactor(tok) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, pred := range p.Matchers.Vitals {
		if !pred.Eval(v) {
			return false
		}
	}
	return true
}

// Validate checks pack structure: unique non-empty ids, non-empty titles
// and actions, matchers referencing known tokens, fields and operators.
func (p *Pack) Validate() error {
	if len(p.Policies) == 0 {
		return fmt.Errorf("policy pack: policies must not be empty")
	}
	seen := make(map[string]struct{}, len(p.Policies))
	for i, pol := range p.Policies {
		prefix := fmt.Sprintf("policy_pack.policies[%d]", i)
		id := strings.TrimSpace(pol.ID)
		if id == "" {
			return fmt.Errorf("%s.id: required", prefix)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s.id: duplicate %q", prefix, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(pol.Title) == "" {
			return fmt.Errorf("%s.title: required", prefix)
		}
		if len(pol.RecommendedActions) == 0 {
			return fmt.Errorf("%s.recommended_actions: must not be empty", prefix)
		}
		for _, a := range pol.RecommendedActions {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("%s.recommended_actions: blank entry", prefix)
			}
		}
		if err := pol.Matchers.validate(); err != nil {
			return fmt.Errorf("%s.matchers: %w", prefix, err)
		}
	}
	return nil
}

func (m Matchers) validate() error {
	for _, tok := range m.SymptomsAllOf {
		if !intake.KnownSymptomToken(tok) {
			return fmt.Errorf("unknown symptom token %q", tok)
		}
	}
	for _, tok := range m.SymptomsAnyOf {
		if !intake.KnownSymptomToken(tok) {
			return fmt.Errorf("unknown symptom token %q", tok)
		}
	}
	for _, tok := range m.RiskFactorsAnyOf {
		if !intake.KnownRiskFactorToken(tok) {
			return fmt.Errorf("unknown risk factor token %q", tok)
		}
	}
	for _, pred := range m.Vitals {
		if _, ok := vitalFields[pred.Field]; !ok {
			return fmt.Errorf("unknown vital field %q", pred.Field)
		}
		if _, ok := vitalOps[pred.Op]; !ok {
			return fmt.Errorf("unknown vital operator %q", pred.Op)
		}
	}
	return nil
}
