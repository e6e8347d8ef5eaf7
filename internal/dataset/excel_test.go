package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "customers.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCSVTypesColumns(t *testing.T) {
	path := writeTempCSV(t, `churn_30d,support_tickets,channel
1,3,Referral
0,1,Paid
0,,Organic
1,2,Referral
`)

	table, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 4, table.NumRows())
	assert.True(t, table.IsNumeric("churn_30d"))
	assert.True(t, table.IsNumeric("support_tickets"))
	assert.False(t, table.IsNumeric("channel"))
	assert.InDelta(t, 0.25, table.Missingness("support_tickets"), 1e-9)
}

func TestLoadCSVDetectsTimeIndex(t *testing.T) {
	path := writeTempCSV(t, `date,signups
2025-01-01,10
2025-01-02,12
2025-01-03,9
`)

	table, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.True(t, table.HasTimeIndex())
	assert.False(t, table.HasColumn("date"))
}

func TestLoadCSVMostlyTextColumnStaysCategorical(t *testing.T) {
	path := writeTempCSV(t, `plan
pro
basic
pro
`)

	table, err := NewLoader(path).Load()
	require.NoError(t, err)
	levels := table.Levels("plan")
	assert.Equal(t, []string{"basic", "pro"}, levels)
}

func TestLoadRejectsHeaderOnlyFile(t *testing.T) {
	path := writeTempCSV(t, "a,b,c\n")
	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}
