package policy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBank(t *testing.T) *ReasoningBank {
	t.Helper()
	bank, err := OpenReasoningBank(filepath.Join(t.TempDir(), "reasoning.db"), zap.NewNop())
	require.NoError(t, err)
	return bank
}

func bankEntry(id, overrideType string, old, new float64, at time.Time) *ReasoningEntry {
	return &ReasoningEntry{
		EntryID:      id,
		Timestamp:    at,
		OverrideType: overrideType,
		OldValue:     old,
		NewValue:     new,
		Confidence:   50,
	}
}

func TestBankAppendAndQuery(t *testing.T) {
	bank := testBank(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, bank.Append(bankEntry("RB-1", FieldRiskThreshold, 70, 75, base)))
	require.NoError(t, bank.Append(bankEntry("RB-2", FieldRiskThreshold, 75, 80, base.Add(time.Hour))))
	require.NoError(t, bank.Append(bankEntry("RB-3", FieldPIKExposureLimit, 5e6, 4e6, base.Add(2*time.Hour))))

	byType, err := bank.ByType(FieldRiskThreshold)
	require.NoError(t, err)
	require.Len(t, byType, 2)
	assert.Equal(t, "RB-1", byType[0].EntryID)
	assert.Equal(t, "RB-2", byType[1].EntryID)

	recent, err := bank.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "RB-3", recent[0].EntryID)
	assert.Equal(t, "RB-2", recent[1].EntryID)

	all, err := bank.All()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBankRejectsDuplicateEntryIDs(t *testing.T) {
	bank := testBank(t)
	at := time.Now().UTC()

	require.NoError(t, bank.Append(bankEntry("RB-1", FieldRiskThreshold, 70, 75, at)))
	assert.Error(t, bank.Append(bankEntry("RB-1", FieldRiskThreshold, 75, 80, at)))
}

func TestBankDetectPatterns(t *testing.T) {
	bank := testBank(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Three threshold bumps of +5 each, one unrelated entry.
	for i, old := range []float64{70, 75, 80} {
		entry := bankEntry("RB-"+string(rune('a'+i)), FieldRiskThreshold, old, old+5, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, bank.Append(entry))
	}
	require.NoError(t, bank.Append(bankEntry("RB-x", FieldPIKExposureLimit, 5e6, 4e6, base)))

	patterns, err := bank.DetectPatterns(3)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, FieldRiskThreshold, patterns[0].OverrideType)
	assert.Equal(t, 3, patterns[0].Occurrences)
	assert.Equal(t, 5.0, patterns[0].AverageChange)

	// Lowering the bar surfaces the single-entry group too.
	patterns, err = bank.DetectPatterns(1)
	require.NoError(t, err)
	assert.Len(t, patterns, 2)
}

func TestBankPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reasoning.db")

	bank, err := OpenReasoningBank(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, bank.Append(bankEntry("RB-1", FieldRiskThreshold, 70, 75, time.Now().UTC())))

	reopened, err := OpenReasoningBank(path, zap.NewNop())
	require.NoError(t, err)
	all, err := reopened.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "RB-1", all[0].EntryID)
}
