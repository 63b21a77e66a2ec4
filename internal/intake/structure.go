package intake

import (
	"fmt"
	"strconv"
	"strings"

	"clinicaflow/internal/privacy"
	"clinicaflow/internal/textnorm"
	"clinicaflow/internal/types"
)

// historySummaryLimit bounds the history excerpt embedded in the
// normalized summary.
const historySummaryLimit = 400

// Structure produces a StructuredIntake from the raw intake. It never
// fails; unparsable fields become absent plus a data-quality warning.
func Structure(in types.Intake) *types.StructuredIntake {
	narrative := combinedNarrative(in)

	structured := &types.StructuredIntake{
		Symptoms:    matchCatalog(symptomCatalog, narrative),
		RiskFactors: matchCatalog(riskFactorCatalog, narrative),
	}
	structured.MissingCriticalFields = missingCriticalFields(in, structured.Symptoms)
	structured.DataQualityWarnings = qualityWarnings(in)
	structured.PHIHits = phiHits(in)
	structured.NormalizedSummary = normalizedSummary(in, structured)
	return structured
}

// combinedNarrative folds chief complaint, history, prior notes and image
// descriptions into one matchable string, padded so space-delimited
// abbreviations match at the edges.
func combinedNarrative(in types.Intake) string {
	parts := []string{in.ChiefComplaint, in.History}
	parts = append(parts, in.PriorNotes...)
	parts = append(parts, in.ImageDescriptions...)
	return " " + textnorm.Fold(strings.Join(parts, " \n ")) + " "
}

func matchCatalog(catalog []catalogEntry, narrative string) []string {
	var tokens []string
	for _, entry := range catalog {
		for _, kw := range entry.Keywords {
			if textnorm.ContainsTerm(narrative, kw) {
				tokens = append(tokens, entry.Token)
				break
			}
		}
	}
	return types.DedupeStrings(tokens)
}

func missingCriticalFields(in types.Intake, symptoms []string) []string {
	var missing []string
	if strings.TrimSpace(in.ChiefComplaint) == "" {
		missing = append(missing, "chief_complaint")
	}

	required := false
	for _, tok := range symptoms {
		if VitalsRequiredFor(tok) {
			required = true
			break
		}
	}
	if !required {
		return missing
	}
	if in.Vitals.HeartRate == nil {
		missing = append(missing, "vitals.heart_rate")
	}
	if in.Vitals.SystolicBP == nil {
		missing = append(missing, "vitals.systolic_bp")
	}
	if in.Vitals.SpO2 == nil {
		missing = append(missing, "vitals.spo2")
	}
	if in.Vitals.TemperatureC == nil {
		missing = append(missing, "vitals.temperature_c")
	}
	return missing
}

// qualityWarnings flags vitals outside plausible physiological ranges and
// suspect demographics. Intentionally conservative and non-diagnostic.
func qualityWarnings(in types.Intake) []string {
	var w []string

	if age := in.Demographics.Age; age != nil {
		if *age < 0 {
			w = append(w, "Age < 0 (input error)")
		} else if *age > 120 {
			w = append(w, "Age > 120 (check units/input)")
		}
	}

	v := in.Vitals
	if v.HeartRate != nil && (*v.HeartRate < 20 || *v.HeartRate > 250) {
		w = append(w, "Heart rate out of plausible range (check units/input)")
	}
	if v.SystolicBP != nil && (*v.SystolicBP < 40 || *v.SystolicBP > 260) {
		w = append(w, "Systolic BP out of plausible range (check units/input)")
	}
	if v.DiastolicBP != nil && (*v.DiastolicBP < 20 || *v.DiastolicBP > 200) {
		w = append(w, "Diastolic BP out of plausible range (check units/input)")
	}
	if v.SystolicBP != nil && v.DiastolicBP != nil && *v.DiastolicBP >= *v.SystolicBP && *v.SystolicBP > 0 {
		w = append(w, "Diastolic BP >= systolic BP (input error)")
	}
	if v.TemperatureC != nil && (*v.TemperatureC < 30 || *v.TemperatureC > 44) {
		w = append(w, "Temperature out of plausible range (possible Fahrenheit / input error)")
	}
	if v.SpO2 != nil && (*v.SpO2 < 0 || *v.SpO2 > 100) {
		w = append(w, "SpO2 outside 0-100 (input error)")
	}
	if v.RespiratoryRate != nil && (*v.RespiratoryRate < 4 || *v.RespiratoryRate > 70) {
		w = append(w, "Respiratory rate out of plausible range (check units/input)")
	}

	return types.DedupeStrings(w)
}

// phiHits scans the textual fields and records "field:pattern_name" pairs.
func phiHits(in types.Intake) []string {
	fields := map[string]string{
		"chief_complaint":    in.ChiefComplaint,
		"history":            in.History,
		"prior_notes":        strings.Join(in.PriorNotes, "\n"),
		"image_descriptions": strings.Join(in.ImageDescriptions, "\n"),
	}
	order := []string{"chief_complaint", "history", "prior_notes", "image_descriptions"}
	return privacy.DetectFieldHits(fields, order)
}

// normalizedSummary renders the deterministic compact summary. Empty
// segments are omitted; token ordering follows catalog declaration order.
func normalizedSummary(in types.Intake, s *types.StructuredIntake) string {
	return Summary(in, s, func(text string) string { return text })
}

// Summary renders the compact intake summary with clean applied to each
// free-text field before it is embedded. The external adapters pass a
// prompt-hardening transform here so line-anchored stripping runs on the
// original field line boundaries, not on the flattened summary.
func Summary(in types.Intake, s *types.StructuredIntake, clean func(string) string) string {
	var segments []string

	if cc := strings.TrimSpace(clean(in.ChiefComplaint)); cc != "" {
		segments = append(segments, "CC: "+cc)
	}
	if hx := strings.TrimSpace(clean(in.History)); hx != "" {
		if len(hx) > historySummaryLimit {
			hx = hx[:historySummaryLimit]
		}
		segments = append(segments, "Hx: "+hx)
	}
	if vs := vitalsSummary(in.Vitals); vs != "" {
		segments = append(segments, "Vitals: "+vs)
	}
	if len(s.Symptoms) > 0 {
		segments = append(segments, "Symptoms: "+strings.Join(s.Symptoms, ", "))
	}
	if len(s.RiskFactors) > 0 {
		segments = append(segments, "RiskFactors: "+strings.Join(s.RiskFactors, ", "))
	}
	return strings.Join(segments, " | ")
}

func vitalsSummary(v types.Vitals) string {
	var parts []string
	if v.HeartRate != nil {
		parts = append(parts, "HR="+formatVital(*v.HeartRate))
	}
	switch {
	case v.SystolicBP != nil && v.DiastolicBP != nil:
		parts = append(parts, fmt.Sprintf("BP=%s/%s", formatVital(*v.SystolicBP), formatVital(*v.DiastolicBP)))
	case v.SystolicBP != nil:
		parts = append(parts, "BP="+formatVital(*v.SystolicBP)+"/?")
	}
	if v.TemperatureC != nil {
		parts = append(parts, "Temp="+formatVital(*v.TemperatureC)+"C")
	}
	if v.SpO2 != nil {
		parts = append(parts, "SpO2="+formatVital(*v.SpO2)+"%")
	}
	if v.RespiratoryRate != nil {
		parts = append(parts, "RR="+formatVital(*v.RespiratoryRate))
	}
	return strings.Join(parts, ", ")
}

func formatVital(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
