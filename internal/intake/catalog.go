// Package intake implements the intake structuring stage: canonical symptom
// and risk-factor extraction, missing-field detection, data-quality
// warnings, and PHI heuristics. The stage is deterministic: no randomness,
// no I/O, no observable errors.
package intake

// catalogEntry maps one canonical token to the keyword set that detects it.
// Matching is substring-based on the folded narrative; abbreviations carry
// surrounding spaces so they only match as whole words.
type catalogEntry struct {
	Token    string
	Keywords []string
}

// Canonical symptom tokens referenced by the safety rulebook and the
// deterministic reasoner.
const (
	SymChestPain        = "chest_pain"
	SymDyspnea          = "dyspnea"
	SymCough            = "cough"
	SymFever            = "fever"
	SymSoreThroat       = "sore_throat"
	SymHeadache         = "headache"
	SymSevereHeadache   = "severe_headache"
	SymDizziness        = "dizziness"
	SymSyncope          = "syncope"
	SymNausea           = "nausea"
	SymVomiting         = "vomiting"
	SymHematemesis      = "hematemesis"
	SymMelena           = "melena"
	SymBleeding         = "bleeding"
	SymAbdominalPain    = "abdominal_pain"
	SymRash             = "rash"
	SymBlurredVision    = "blurred_vision"
	SymSlurredSpeech    = "slurred_speech"
	SymFacialDroop      = "facial_droop"
	SymUnilateralWeak   = "unilateral_weakness"
	SymAphasia          = "aphasia"
	SymAlteredMentation = "altered_mental_status"
	SymPalpitations     = "palpitations"
)

// Canonical risk-factor tokens.
const (
	RiskDiabetes        = "diabetes"
	RiskHypertension    = "hypertension"
	RiskPregnancy       = "pregnancy"
	RiskAnticoagulation = "anticoagulation"
	RiskImmunocomp      = "immunocompromise"
	RiskPriorMI         = "prior_mi"
	RiskPriorStroke     = "prior_stroke"
	RiskCOPD            = "copd"
	RiskAsthma          = "asthma"
	RiskCKD             = "ckd"
	RiskCancer          = "cancer"
	RiskSmoker          = "smoker"
)

// symptomCatalog declaration order fixes the output ordering of extracted
// symptom tokens.
var symptomCatalog = []catalogEntry{
	{SymChestPain, []string{"chest pain", "chest tightness", "tightness in chest", "chest pressure", "crushing chest", " cp "}},
	{SymDyspnea, []string{"shortness of breath", "short of breath", " sob ", "dyspnea", "cannot catch breath", "can't catch breath", "difficulty breathing", "trouble breathing"}},
	{SymCough, []string{"cough"}},
	{SymFever, []string{"fever", "febrile", "high temperature"}},
	{SymSoreThroat, []string{"sore throat", "throat pain", "pharyngitis"}},
	{SymSevereHeadache, []string{"worst headache", "thunderclap headache", "severe headache"}},
	{SymHeadache, []string{"headache", "head pain"}},
	{SymDizziness, []string{"dizzy", "dizziness", "lightheaded", "light-headed", "vertigo"}},
	{SymSyncope, []string{"syncope", "near-syncope", "fainted", "fainting", "passed out", "blacked out"}},
	{SymNausea, []string{"nausea", "nauseous", "nauseated"}},
	{SymVomiting, []string{"vomiting", "vomited", "emesis", "throwing up"}},
	{SymHematemesis, []string{"vomiting blood", "hematemesis", "blood in vomit", "coffee-ground emesis"}},
	{SymMelena, []string{"melena", "black tarry stool", "black stool", "bloody stool", "blood in stool"}},
	{SymBleeding, []string{"bleeding", "blood loss", "hemorrhage", "spotting"}},
	{SymAbdominalPain, []string{"abdominal pain", "stomach pain", "belly pain", "abd pain"}},
	{SymRash, []string{"rash", "hives", "urticaria"}},
	{SymBlurredVision, []string{"blurred vision", "blurry vision", "double vision"}},
	{SymSlurredSpeech, []string{"slurred speech", "slurring", "slurred"}},
	{SymFacialDroop, []string{"facial droop", "face drooping", "droopy face", "face droop"}},
	{SymUnilateralWeak, []string{"weakness one side", "one-sided weakness", "unilateral weakness", "arm weakness", "leg weakness", "hemiparesis", "weakness on one side"}},
	{SymAphasia, []string{"aphasia", "word-finding difficulty", "trouble speaking", "cannot find words", "can't find words"}},
	{SymAlteredMentation, []string{"confusion", "confused", "altered mental status", "disoriented", "unresponsive", "lethargic", "not acting right"}},
	{SymPalpitations, []string{"palpitations", "racing heart", "heart racing"}},
}

var riskFactorCatalog = []catalogEntry{
	{RiskDiabetes, []string{"diabetes", "diabetic", " t2dm ", " t1dm "}},
	{RiskHypertension, []string{"hypertension", "high blood pressure", " htn "}},
	{RiskPregnancy, []string{"pregnant", "pregnancy", "gravid", "weeks pregnant"}},
	{RiskAnticoagulation, []string{"anticoagulant", "blood thinner", "warfarin", "coumadin", "apixaban", "eliquis", "rivaroxaban", "xarelto", "heparin"}},
	{RiskImmunocomp, []string{"immunocompromised", "immunosuppressed", "chemotherapy", "transplant", " hiv "}},
	{RiskPriorMI, []string{"prior mi", "previous mi", "previous heart attack", "prior heart attack", "history of mi", "known cad", "coronary artery disease"}},
	{RiskPriorStroke, []string{"prior stroke", "previous stroke", "history of stroke", " tia "}},
	{RiskCOPD, []string{" copd ", "emphysema", "chronic bronchitis"}},
	{RiskAsthma, []string{"asthma", "asthmatic"}},
	{RiskCKD, []string{" ckd ", "chronic kidney disease", "dialysis"}},
	{RiskCancer, []string{"cancer", "malignancy", "lymphoma", "leukemia"}},
	{RiskSmoker, []string{"smoker", "smoking", "tobacco"}},
}

// vitalsRequiredSymptoms is the configurable subset of symptoms whose
// presence makes HR, SBP, SpO2 and Temp critical intake fields
// (cardiopulmonary, sepsis and hemodynamic triggers).
var vitalsRequiredSymptoms = map[string]struct{}{
	SymChestPain:        {},
	SymDyspnea:          {},
	SymSyncope:          {},
	SymFever:            {},
	SymAlteredMentation: {},
	SymHematemesis:      {},
	SymMelena:           {},
	SymBleeding:         {},
	SymPalpitations:     {},
}

// VitalsRequiredFor reports whether the token demands a full vitals set.
func VitalsRequiredFor(token string) bool {
	_, ok := vitalsRequiredSymptoms[token]
	return ok
}

// KnownSymptomToken reports whether token is in the symptom catalog. The
// policy-pack validator uses this to reject matchers on unknown tokens.
func KnownSymptomToken(token string) bool {
	for _, e := range symptomCatalog {
		if e.Token == token {
			return true
		}
	}
	return false
}

// KnownRiskFactorToken reports whether token is in the risk-factor catalog.
func KnownRiskFactorToken(token string) bool {
	for _, e := range riskFactorCatalog {
		if e.Token == token {
			return true
		}
	}
	return false
}
