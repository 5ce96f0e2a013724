package activity

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// UserLookup resolves a user id to its username and email for export.
// Unknown users yield empty strings.
type UserLookup func(userID string) (username, email string)

var csvHeader = []string{"timestamp", "username", "email", "action", "ip", "details"}

// formulaPrefixes are the leading characters spreadsheets treat as the
// start of a formula.
const formulaPrefixes = "=+-@\t\r"

// IsFormulaCell reports whether a spreadsheet would evaluate s.
func IsFormulaCell(s string) bool {
	return s != "" && strings.ContainsRune(formulaPrefixes, rune(s[0]))
}

// EscapeCell prefixes a formula-looking value with a single quote so it is
// shown as text.
func EscapeCell(s string) string {
	if IsFormulaCell(s) {
		return "'" + s
	}
	return s
}

// WriteCSV writes entries as timestamp,username,email,action,ip,details.
// User supplied columns go through EscapeCell.
func WriteCSV(w io.Writer, entries []Entry, lookup UserLookup) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		var username, email string
		if lookup != nil {
			username, email = lookup(e.UserID)
		}
		details, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		if err := cw.Write([]string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			EscapeCell(username),
			EscapeCell(email),
			string(e.Action),
			EscapeCell(e.IPAddress),
			string(details),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
