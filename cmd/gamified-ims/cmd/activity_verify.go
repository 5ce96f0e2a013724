package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/Yuz-tech/gamified-ims/activity"
)

var exportHeader = []string{"timestamp", "username", "email", "action", "ip", "details"}

const (
	colTimestamp = iota
	colUsername
	colEmail
	colAction
	colIP
	colDetails
)

type verifyResult struct {
	File     string        `json:"file"`
	RowCount int           `json:"row_count"`
	Valid    bool          `json:"valid"`
	Checks   []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

// verifyExport checks an activity CSV export: the header, that every row
// has a known action, a parseable timestamp and JSON details, that rows run
// newest first and that no user supplied cell would run as a formula.
func verifyExport(rows [][]string) verifyResult {
	result := verifyResult{Valid: true}
	if len(rows) == 0 {
		result.fail("header", "file is empty")
		return result
	}
	if !slices.Equal(rows[0], exportHeader) {
		result.fail("header", fmt.Sprintf("got %v, expected %v", rows[0], exportHeader))
		return result
	}
	result.pass("header", "")

	data := rows[1:]
	result.RowCount = len(data)
	if len(data) == 0 {
		result.pass("empty_export", "no entries to verify")
		return result
	}

	// Known actions.
	badAction := ""
	for i, row := range data {
		if !activity.Action(row[colAction]).Valid() {
			badAction = fmt.Sprintf("row %d has unknown action %q", i+1, row[colAction])
			break
		}
	}
	if badAction == "" {
		result.pass("known_actions", "")
	} else {
		result.fail("known_actions", badAction)
	}

	// Timestamps parse and run newest first.
	var (
		prev      time.Time
		badTime   string
		orderNote string
	)
	for i, row := range data {
		t, err := time.Parse(time.RFC3339, row[colTimestamp])
		if err != nil {
			badTime = fmt.Sprintf("row %d has timestamp %q", i+1, row[colTimestamp])
			break
		}
		if orderNote == "" && !prev.IsZero() && t.After(prev) {
			orderNote = fmt.Sprintf("row %d (%s) is newer than row %d", i+1, row[colTimestamp], i)
		}
		prev = t
	}
	switch {
	case badTime != "":
		result.fail("timestamps", badTime)
	case orderNote != "":
		// Exports filtered by hand or merged from several files are still usable.
		result.warn("timestamps", orderNote)
	default:
		result.pass("timestamps", "")
	}

	// Details are JSON objects.
	badDetails := ""
	for i, row := range data {
		var obj map[string]any
		if err := json.Unmarshal([]byte(row[colDetails]), &obj); err != nil || obj == nil {
			badDetails = fmt.Sprintf("row %d details are not a JSON object", i+1)
			break
		}
	}
	if badDetails == "" {
		result.pass("details_json", "")
	} else {
		result.fail("details_json", badDetails)
	}

	// User supplied columns must not evaluate as spreadsheet formulas.
	formula := ""
	for i, row := range data {
		for _, col := range []int{colUsername, colEmail, colIP} {
			if activity.IsFormulaCell(row[col]) {
				formula = fmt.Sprintf("row %d %s %q would run as a formula", i+1, exportHeader[col], row[col])
				break
			}
		}
		if formula != "" {
			break
		}
	}
	if formula == "" {
		result.pass("formula_cells", "")
	} else {
		result.fail("formula_cells", formula)
	}

	// Entries of deleted users export without a username.
	orphans := 0
	for _, row := range data {
		if row[colUsername] == "" {
			orphans++
		}
	}
	if orphans == 0 {
		result.pass("resolved_users", "")
	} else {
		result.warn("resolved_users", fmt.Sprintf("%d row(s) belong to users that no longer exist", orphans))
	}

	return result
}

func readExport(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(exportHeader)
	return cr.ReadAll()
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Activity export verification: %s\n", result.File)
	fmt.Fprintf(w, "Rows: %d\n\n", result.RowCount)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check an exported activity CSV",
	Long: `Reads a CSV file from GET /api/admin/activity-logs/export and checks its
header, actions, timestamps and details. Exits 1 when the file is invalid
and 2 when it cannot be read.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	activityCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	f, err := os.Open(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}
	rows, err := readExport(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid CSV: %v\n", err)
		os.Exit(2)
	}

	result := verifyExport(rows)
	result.File = filePath

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONResult(out, result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
