package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuz-tech/gamified-ims/activity"
)

// buildExport renders n entries through the same writer the API uses.
func buildExport(t *testing.T, n int) [][]string {
	t.Helper()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	entries := make([]activity.Entry, 0, n)
	for i := 0; i < n; i++ {
		// Newest first, as the store returns them.
		e, err := activity.NewEntry("user-1", activity.LoginDetails{SessionID: "s"},
			activity.Origin{IPAddress: "10.0.0.1"}, base.Add(-time.Duration(i)*time.Minute))
		require.NoError(t, err)
		entries = append(entries, e)
	}
	var buf bytes.Buffer
	require.NoError(t, activity.WriteCSV(&buf, entries, func(string) (string, string) {
		return "alice", "alice@example.com"
	}))
	rows, err := readExport(&buf)
	require.NoError(t, err)
	return rows
}

func checkNamed(t *testing.T, r verifyResult, name string) checkResult {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", name, r.Checks)
	return checkResult{}
}

func TestVerify_ValidExport(t *testing.T) {
	result := verifyExport(buildExport(t, 5))

	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.RowCount)
	for _, c := range result.Checks {
		assert.Equal(t, "pass", c.Status, "check %s", c.Name)
	}
}

func TestVerify_HeaderOnly(t *testing.T) {
	result := verifyExport([][]string{exportHeader})

	assert.True(t, result.Valid)
	assert.Equal(t, 0, result.RowCount)
	assert.Equal(t, "pass", checkNamed(t, result, "empty_export").Status)
}

func TestVerify_EmptyFile(t *testing.T) {
	result := verifyExport(nil)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkNamed(t, result, "header").Status)
}

func TestVerify_WrongHeader(t *testing.T) {
	rows := buildExport(t, 1)
	rows[0][0] = "time"
	result := verifyExport(rows)

	assert.False(t, result.Valid)
	require.Len(t, result.Checks, 1)
}

func TestVerify_UnknownAction(t *testing.T) {
	rows := buildExport(t, 3)
	rows[2][colAction] = "teleported"
	result := verifyExport(rows)

	assert.False(t, result.Valid)
	c := checkNamed(t, result, "known_actions")
	assert.Equal(t, "fail", c.Status)
	assert.Contains(t, c.Detail, "row 2")
}

func TestVerify_BadTimestamp(t *testing.T) {
	rows := buildExport(t, 2)
	rows[1][colTimestamp] = "yesterday"
	result := verifyExport(rows)

	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkNamed(t, result, "timestamps").Status)
}

func TestVerify_OutOfOrderIsWarning(t *testing.T) {
	rows := buildExport(t, 3)
	rows[1], rows[3] = rows[3], rows[1]
	result := verifyExport(rows)

	assert.True(t, result.Valid)
	assert.Equal(t, "warn", checkNamed(t, result, "timestamps").Status)
}

func TestVerify_DetailsNotJSON(t *testing.T) {
	rows := buildExport(t, 2)
	rows[2][colDetails] = "{broken"
	result := verifyExport(rows)

	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkNamed(t, result, "details_json").Status)
}

func TestVerify_OrphanedRowsWarn(t *testing.T) {
	rows := buildExport(t, 2)
	rows[1][colUsername] = ""
	result := verifyExport(rows)

	assert.True(t, result.Valid)
	c := checkNamed(t, result, "resolved_users")
	assert.Equal(t, "warn", c.Status)
	assert.Contains(t, c.Detail, "1 row")
}

func TestVerify_FormulaCellFails(t *testing.T) {
	rows := buildExport(t, 2)
	rows[2][colUsername] = "=2+5+cmd|' /C calc'!A0"
	result := verifyExport(rows)

	assert.False(t, result.Valid)
	c := checkNamed(t, result, "formula_cells")
	assert.Equal(t, "fail", c.Status)
	assert.Contains(t, c.Detail, "row 2 username")
}

func TestVerify_EscapedFormulaCellPasses(t *testing.T) {
	rows := buildExport(t, 1)
	rows[1][colUsername] = activity.EscapeCell("=2+5")
	result := verifyExport(rows)

	assert.True(t, result.Valid)
	assert.Equal(t, "pass", checkNamed(t, result, "formula_cells").Status)
}

func TestVerify_HumanOutput(t *testing.T) {
	rows := buildExport(t, 2)
	rows[1][colAction] = "bogus"
	result := verifyExport(rows)
	result.File = "export.csv"

	var buf bytes.Buffer
	printHumanResult(&buf, result)
	out := buf.String()
	assert.Contains(t, out, "export.csv")
	assert.Contains(t, out, "[FAIL] known_actions")
	assert.Contains(t, out, "Result: INVALID (1 error(s), 0 warning(s))")
}

func TestVerify_JSONOutput(t *testing.T) {
	result := verifyExport(buildExport(t, 1))
	result.File = "export.csv"

	var buf bytes.Buffer
	require.NoError(t, printJSONResult(&buf, result))

	var decoded verifyResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, result, decoded)
}

func TestReadExportRejectsRaggedRows(t *testing.T) {
	_, err := readExport(strings.NewReader("timestamp,username,email,action,ip,details\na,b\n"))
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Equal(t, Version+"\n", buf.String())
}
