package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeEvidence(t *testing.T) {
	require.Equal(t, []string{}, NormalizeEvidence(nil))
	require.Equal(t, []string{"one"}, NormalizeEvidence("one"))
	require.Equal(t, []string{"a", "b"}, NormalizeEvidence([]string{"a", "b"}))
	require.Equal(t, []string{}, NormalizeEvidence([]string(nil)))

	// Mixed sequences: non-strings are JSON-serialized in place.
	got := NormalizeEvidence([]any{"plain", map[string]any{"n": 1}})
	require.Equal(t, []string{"plain", `{"n":1}`}, got)

	// Arbitrary values wrap as a JSON singleton.
	require.Equal(t, []string{`{"user":"root"}`}, NormalizeEvidence(map[string]string{"user": "root"}))
	require.Equal(t, []string{"42"}, NormalizeEvidence(42))
}

func TestJSONEvidence(t *testing.T) {
	require.Equal(t, `{"attempts":3}`, JSONEvidence(map[string]int{"attempts": 3}))
}
