package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "chest pain for 2 hours", Fold("  Chest   PAIN\nfor 2 hours "))
	// NFKC folds the fullwidth digits, the replacer folds smart quotes.
	assert.Equal(t, "spo2 88% 'dizzy'", Fold("SpO２ 88% ‘dizzy’"))
}

func TestContainsTerm(t *testing.T) {
	assert.True(t, ContainsTerm("crushing chest pain since morning", "chest pain"))
	assert.False(t, ContainsTerm("crushing chest pain since morning", ""))
	assert.False(t, ContainsTerm("feels fine today", "chest pain"))
}

func TestContainsTermNegation(t *testing.T) {
	cases := []struct {
		name string
		text string
		term string
		want bool
	}{
		{"denies immediately before", "denies chest pain", "chest pain", false},
		{"no within window", "no fever or chills", "fever", false},
		{"negative for cue", "negative for chest pain", "chest pain", false},
		{"cue outside window", "denies headache but reports severe chest pain now", "chest pain", true},
		{"negated then affirmed", "no chest pain yesterday but chest pain now", "chest pain", true},
		{"without cue", "without shortness of breath", "shortness of breath", false},
		{"cue followed by colon", "denies: chest pain", "chest pain", false},
		{"cue followed by comma", "no, fever reported", "fever", false},
		{"negative for with comma", "negative for: fever, chills", "fever", false},
		{"parenthesized cue", "(denies) chest pain", "chest pain", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ContainsTerm(Fold(tc.text), tc.term))
		})
	}
}
