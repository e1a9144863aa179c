package synonym

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandKnownClass(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	got := e.Expand("bug")
	sort.Strings(got)
	want := []string{"bug", "defect", "error", "fault", "issue", "problem"}
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestExpandUnknownTermReturnsItself(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	assert.Equal(t, []string{"xyzzy"}, e.Expand("xyzzy"))
}

func TestExpandCaseInsensitive(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	got := e.Expand("Developer")
	found := false
	for _, g := range got {
		if g == "coder" {
			found = true
		}
	}
	assert.True(t, found, "Expand should be case-insensitive and find synonyms regardless of term casing")
}

func TestExpandTermsDedupes(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	got := e.ExpandTerms([]string{"bug", "issue"})
	counts := map[string]int{}
	for _, g := range got {
		counts[g]++
	}
	for term, c := range counts {
		assert.Equal(t, 1, c, "term %q should appear exactly once", term)
	}
}

func TestIsStopword(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	assert.True(t, e.IsStopword("the"))
	assert.False(t, e.IsStopword("blocker"))
}
