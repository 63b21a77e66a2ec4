package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Digest computed independently (python json.dumps with sorted keys and
// compact separators, sha256 over UTF-8 bytes).
const fixtureSHA256 = "d90992f311bd7ddc9c0fca2915f52b8af331b2cb64014ce1467bf5321e98cd24"

const fixtureCompact = `{"version":"t1","policies":[{"id":"b","title":"B","citation":"c2","matchers":{"symptoms_any_of":["cough"]},"recommended_actions":["Rest"]}]}`

const fixtureShuffled = `{
  "policies": [ {"recommended_actions":["Rest"], "matchers":{"symptoms_any_of":["cough"]}, "citation":"c2", "title":"B", "id":"b"} ],
  "version": "t1"
}`

func TestCanonicalizeKnownDigest(t *testing.T) {
	canonical, err := Canonicalize([]byte(fixtureCompact))
	require.NoError(t, err)
	assert.Equal(t,
		`{"policies":[{"citation":"c2","id":"b","matchers":{"symptoms_any_of":["cough"]},"recommended_actions":["Rest"],"title":"B"}],"version":"t1"}`,
		string(canonical))
	assert.Equal(t, fixtureSHA256, HashCanonical(canonical))
}

func TestCanonicalizeIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := Canonicalize([]byte(fixtureCompact))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(fixtureShuffled))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCanonicalizePreservesNumberText(t *testing.T) {
	canonical, err := Canonicalize([]byte(`{"a": 38.0, "b": 92}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":38.0,"b":92}`, string(canonical))
}

func TestCanonicalizeNoHTMLEscaping(t *testing.T) {
	canonical, err := Canonicalize([]byte(`{"s":"a<b>&c"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"s":"a<b>&c"}`, string(canonical))
}

func TestCanonicalizeRejectsMalformed(t *testing.T) {
	_, err := Canonicalize([]byte(`{"unterminated":`))
	assert.Error(t, err)
}
