package billing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arbor-portal/arbor-portal/internal/registry"
)

func matcherPlots() []registry.Plot {
	return []registry.Plot{
		{ID: 1, Number: "15", OwnerName: "Anna Petrova", OwnerPhone: "+7 900 123-45-67"},
		{ID: 2, Number: "16", OwnerName: "Boris Volkov", OwnerPhone: "+7 911 222-33-44"},
		{ID: 3, Number: "21", OwnerName: "Olga Smirnova"},
	}
}

func TestMatcherStrategyPriority(t *testing.T) {
	m := NewMatcher(matcherPlots())

	// Plot number beats phone and name even when all three would hit.
	res, ok := m.Match(ImportRow{PlotRef: "16", Phone: "79001234567", PayerName: "Anna Petrova"})
	require.True(t, ok)
	require.Equal(t, int64(2), res.PlotID)
	require.Equal(t, MatchByPlotNumber, res.Type)

	// Phone beats name.
	res, ok = m.Match(ImportRow{Phone: "+7 (911) 222-33-44", PayerName: "Anna Petrova"})
	require.True(t, ok)
	require.Equal(t, int64(2), res.PlotID)
	require.Equal(t, MatchByPhone, res.Type)

	// Name is the last resort.
	res, ok = m.Match(ImportRow{PayerName: "Olga Smirnova"})
	require.True(t, ok)
	require.Equal(t, int64(3), res.PlotID)
	require.Equal(t, MatchByOwnerName, res.Type)
}

func TestMatcherNameWordOrderAndCase(t *testing.T) {
	m := NewMatcher(matcherPlots())

	for _, name := range []string{"Petrova Anna", "ANNA PETROVA", "anna  petrova"} {
		res, ok := m.Match(ImportRow{PayerName: name})
		require.True(t, ok, name)
		require.Equal(t, int64(1), res.PlotID, name)
	}
}

func TestMatcherDuplicatePlotNumberFirstWins(t *testing.T) {
	m := NewMatcher([]registry.Plot{
		{ID: 1, Number: "15", OwnerName: "Anna Petrova"},
		{ID: 2, Number: "15", OwnerName: "Boris Volkov"},
	})

	res, ok := m.Match(ImportRow{PlotRef: "15"})
	require.True(t, ok)
	require.Equal(t, int64(1), res.PlotID)
}

func TestMatcherMissIsNotAnError(t *testing.T) {
	m := NewMatcher(matcherPlots())

	_, ok := m.Match(ImportRow{PayerName: "Nobody Known", Phone: "12345", PlotRef: "999"})
	require.False(t, ok)

	// Empty fields must not accidentally match empty index keys.
	_, ok = m.Match(ImportRow{})
	require.False(t, ok)
}

func TestFoldName(t *testing.T) {
	require.Equal(t, foldName("Ivanova Anna"), foldName("Anna Ivanova"))
	require.Equal(t, foldName("ПЕТРОВА Анна"), foldName("анна петрова"))
	require.Equal(t, "", foldName("   "))
}
