// Package synonym expands a search token into its equivalence class so
// query.SearchNodes can match "bug" against a document
// that only says "defect". Grounded on
// GoKitt/pkg/implicit-matcher/dictionary.go's CanonicalizeForMatch +
// RuntimeDictionary idiom: one Aho-Corasick automaton built over every
// member of every class, with a class-id lookup table keyed by canonical
// pattern.
package synonym

import (
	"strings"
	"unicode"

	"github.com/coregx/ahocorasick"
	"github.com/orsinium-labs/stopwords"
)

// classes is the static equivalence table (spec.md §4.D). Each inner slice
// is one equivalence class; membership is case-insensitive.
var classes = [][]string{
	{"coder", "programmer", "developer", "engineer", "dev"},
	{"bug", "issue", "defect", "error", "problem", "fault"},
	{"done", "completed", "finished", "resolved"},
	{"critical", "urgent", "p0", "blocker"},
	// Multilingual extensions (spec.md §4.D.1 SUPPLEMENT).
	{"desarrollador", "ingeniero", "programador"},      // es: developer
	{"error", "fallo", "defecto"},                       // es: bug (error also joins the en bug class by value)
	{"entwickler", "programmierer", "ingenieur"},        // de: developer
	{"fehler", "störung"},                               // de: bug
}

// Expander resolves a token to every other token in its equivalence class.
type Expander struct {
	ac           *ahocorasick.Automaton
	patterns     []string
	patternToIDs [][]int // pattern index -> class indices (a value can appear in >1 class)
	classMembers [][]string
	stop         *stopwords.Stopwords
}

// New compiles the static table into an Expander.
func New() (*Expander, error) {
	e := &Expander{classMembers: classes, stop: stopwords.MustGet("en")}

	patternIndex := make(map[string]int)
	for classIdx, members := range classes {
		for _, m := range members {
			key := canonicalize(m)
			if key == "" {
				continue
			}
			idx, ok := patternIndex[key]
			if !ok {
				idx = len(e.patterns)
				e.patterns = append(e.patterns, key)
				e.patternToIDs = append(e.patternToIDs, nil)
				patternIndex[key] = idx
			}
			e.patternToIDs[idx] = appendUniqueInt(e.patternToIDs[idx], classIdx)
		}
	}

	automaton, err := ahocorasick.NewBuilder().
		AddStrings(e.patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	e.ac = automaton
	return e, nil
}

// Expand returns term plus every member of every equivalence class term
// belongs to (term itself always included first), deduplicated,
// case-insensitive. A term in no class expands to just itself.
func (e *Expander) Expand(term string) []string {
	key := canonicalize(term)
	out := []string{term}
	seen := map[string]bool{strings.ToLower(term): true}

	idx, ok := e.patternIndexOf(key)
	if !ok {
		return out
	}
	for _, classIdx := range e.patternToIDs[idx] {
		for _, member := range e.classMembers[classIdx] {
			lower := strings.ToLower(member)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			out = append(out, member)
		}
	}
	return out
}

// patternIndexOf is a linear fallback used by Expand; the automaton itself
// is reserved for ScanMatches' whole-text scanning, where its
// O(n) multi-pattern scan earns its keep. A single-token lookup against a
// few dozen patterns does not need the automaton.
func (e *Expander) patternIndexOf(key string) (int, bool) {
	for i, p := range e.patterns {
		if p == key {
			return i, true
		}
	}
	return -1, false
}

// ExpandTerms expands every term in terms and flattens the result,
// deduplicated, preserving first-seen order.
func (e *Expander) ExpandTerms(terms []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range terms {
		for _, x := range e.Expand(t) {
			lower := strings.ToLower(x)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			out = append(out, x)
		}
	}
	return out
}

// ScanMatches reports every synonym-class occurrence in text in one
// automaton pass. search_nodes does not call it: query's matcher tests
// each expanded term with strings.Contains.
type Match struct {
	Start, End int
	Text       string
	ClassIdx   int
}

func (e *Expander) ScanMatches(text string) []Match {
	if e.ac == nil {
		return nil
	}
	canon := canonicalize(text)
	found := e.ac.FindAllOverlapping([]byte(canon))
	out := make([]Match, 0, len(found))
	for _, m := range found {
		for _, classIdx := range e.patternToIDs[m.PatternID] {
			out = append(out, Match{Start: m.Start, End: m.End, Text: canon[m.Start:m.End], ClassIdx: classIdx})
		}
	}
	return out
}

// IsStopword reports whether token is an English stopword ("the", "a").
// query.SearchNodes does not call it; search query tokens are expanded
// without stopword filtering.
func (e *Expander) IsStopword(token string) bool {
	return e.stop != nil && e.stop.Contains(strings.ToLower(token))
}

// canonicalize lowercases and collapses internal whitespace/punctuation to
// single spaces, mirroring CanonicalizeForMatch. Any Unicode letter or
// digit is kept (so "störung" survives); everything else is a separator.
func canonicalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		c := unicode.ToLower(r)
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			b.WriteRune(c)
			lastSpace = false
		} else if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	out := b.String()
	return strings.TrimSpace(out)
}

func appendUniqueInt(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
