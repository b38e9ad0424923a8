package billing

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/arbor-portal/arbor-portal/internal/registry"
)

// MatchResult records which plot a row resolved to and which strategy won.
type MatchResult struct {
	PlotID int64
	Type   MatchType
}

// matchStrategy is one entry of the ordered matcher chain. The chain is an
// explicit data structure so priority order is visible and testable rather
// than buried in conditionals.
type matchStrategy struct {
	typ   MatchType
	match func(row ImportRow) (int64, bool)
}

// Matcher resolves free-text payment rows to plot ids. Build one per batch:
// it indexes the plot directory once and is then read-only.
type Matcher struct {
	strategies []matchStrategy
	byNumber   map[string]int64
	byPhone    map[string]int64
	byName     map[string]int64
}

// NewMatcher indexes plots for the three resolution strategies, in priority
// order: explicit plot number, phone digits, normalised owner name. The first
// successful strategy wins.
func NewMatcher(plots []registry.Plot) *Matcher {
	m := &Matcher{
		byNumber: make(map[string]int64, len(plots)),
		byPhone:  make(map[string]int64, len(plots)),
		byName:   make(map[string]int64, len(plots)),
	}
	for _, p := range plots {
		if key := normalizeRef(p.Number); key != "" {
			// First plot wins, like the other indexes. Duplicate numbers
			// happen when streets renumber; the directory lists the
			// surviving record first.
			if _, taken := m.byNumber[key]; !taken {
				m.byNumber[key] = p.ID
			}
		}
		if key := digitsOnly(p.OwnerPhone); key != "" {
			// First plot wins on shared phones; ambiguity here means the
			// phone belongs to a person, and person-level rollup reunites
			// the plots anyway.
			if _, taken := m.byPhone[key]; !taken {
				m.byPhone[key] = p.ID
			}
		}
		if key := foldName(p.OwnerName); key != "" {
			if _, taken := m.byName[key]; !taken {
				m.byName[key] = p.ID
			}
		}
	}
	m.strategies = []matchStrategy{
		{typ: MatchByPlotNumber, match: func(row ImportRow) (int64, bool) {
			id, ok := m.byNumber[normalizeRef(row.PlotRef)]
			return id, ok && row.PlotRef != ""
		}},
		{typ: MatchByPhone, match: func(row ImportRow) (int64, bool) {
			key := digitsOnly(row.Phone)
			id, ok := m.byPhone[key]
			return id, ok && key != ""
		}},
		{typ: MatchByOwnerName, match: func(row ImportRow) (int64, bool) {
			key := foldName(row.PayerName)
			id, ok := m.byName[key]
			return id, ok && key != ""
		}},
	}
	return m
}

// Match runs the strategy chain. A miss is not an error: the payment stays
// unmatched and is excluded from reconciliation until matched.
func (m *Matcher) Match(row ImportRow) (MatchResult, bool) {
	for _, s := range m.strategies {
		if id, ok := s.match(row); ok {
			return MatchResult{PlotID: id, Type: s.typ}, true
		}
	}
	return MatchResult{}, false
}

var nameFolder = cases.Fold()

// foldName normalises a person name for matching: NFC-normalised, case
// folded, tokens sorted so "Ivanova Anna" and "Anna Ivanova" agree.
func foldName(s string) string {
	folded := nameFolder.String(norm.NFC.String(s))
	tokens := strings.Fields(folded)
	if len(tokens) == 0 {
		return ""
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
