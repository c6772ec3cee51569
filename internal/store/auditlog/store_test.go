package auditlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"outcome": "admit"})
	for i, outcome := range []string{"admit", "reject", "escalate"} {
		err := s.Append(ctx, Record{
			TraceID:   "trace-" + outcome,
			At:        time.Now().Add(time.Duration(i) * time.Second),
			Symbol:    "AAPL",
			Outcome:   outcome,
			Reason:    "high_risk_score",
			RiskScore: 0.4,
			AmountUSD: 2500,
			Payload:   payload,
		})
		require.NoError(t, err)
	}

	recs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Newest first.
	assert.Equal(t, "escalate", recs[0].Outcome)
	assert.Equal(t, "admit", recs[2].Outcome)
	assert.Equal(t, "trace-admit", recs[2].TraceID)
	assert.JSONEq(t, string(payload), string(recs[2].Payload))
}

func TestListLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, Record{TraceID: "t", Symbol: "AAPL", Outcome: "admit"}))
	}
	recs, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestListSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), Record{TraceID: "t1", Symbol: "AAPL", Outcome: "reject", Reason: "malformed_proposal"}))
	require.NoError(t, s.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	recs, err := reopened.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "malformed_proposal", recs[0].Reason)
}
