package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectHits(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{"email", "contact bob.smith+1@clinic.org please", []string{"email"}},
		{"phone", "call (415) 555-0123 after 5", []string{"phone"}},
		{"ssn", "ssn is 123-45-6789", []string{"ssn"}},
		{"mrn", "MRN: 8675309", []string{"mrn"}},
		{"dob", "DOB 04/12/1985", []string{"dob"}},
		{"clean", "patient reports chest pain since 7am", nil},
		{"empty", "", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectHits(tc.text))
		})
	}
}

func TestDetectFieldHits(t *testing.T) {
	fields := map[string]string{
		"history": "email me at a@b.co, DOB 1990-01-02",
		"notes":   "nothing identifying",
	}
	hits := DetectFieldHits(fields, []string{"history", "notes"})
	assert.Equal(t, []string{"history:email", "history:dob"}, hits)
}
