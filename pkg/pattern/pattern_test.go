package pattern

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		samples, saturation int
		want                float64
	}{
		{0, 20, 0},
		{5, 20, 0.25},
		{20, 20, 1},
		{45, 20, 1},
		{3, 5, 0.6},
		{3, 0, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Confidence(tt.samples, tt.saturation), 1e-9, "%d/%d", tt.samples, tt.saturation)
	}
}

func TestConfidenceMonotonic(t *testing.T) {
	prev := 0.0
	for n := 0; n <= 40; n++ {
		c := Confidence(n, 20)
		assert.GreaterOrEqual(t, c, prev)
		assert.LessOrEqual(t, c, 1.0)
		prev = c
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.5))
	assert.Equal(t, 1.0, Clamp(1.7))
	assert.Equal(t, 0.8, Clamp(0.8))
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("SYLVIA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SYLVIA_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPgStoreUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewPgStore(testPool(t))
	require.NoError(t, store.EnsureTable(ctx))

	user := "pattern-test-user"
	data := json.RawMessage(`{"optimalHours":[9,14,20],"sampleSize":12}`)
	_, err := store.Upsert(ctx, &Pattern{UserID: user, Type: TypeOptimalScheduling, Data: data, Confidence: 0.6, SampleSize: 12})
	require.NoError(t, err)

	got, err := store.Get(ctx, user, TypeOptimalScheduling)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(got.Data))
	assert.InDelta(t, 0.6, got.Confidence, 1e-9)

	// Second write for the same type replaces the first.
	_, err = store.Upsert(ctx, &Pattern{UserID: user, Type: TypeOptimalScheduling, Data: json.RawMessage(`{"optimalHours":[10]}`), Confidence: 0.65, SampleSize: 13})
	require.NoError(t, err)

	all, err := store.List(ctx, user)
	require.NoError(t, err)
	var scheduling []Pattern
	for _, p := range all {
		if p.Type == TypeOptimalScheduling {
			scheduling = append(scheduling, p)
		}
	}
	require.Len(t, scheduling, 1)
	assert.Equal(t, 13, scheduling[0].SampleSize)

	_, err = store.Get(ctx, user, "missing_type")
	assert.ErrorIs(t, err, ErrNotFound)
}
