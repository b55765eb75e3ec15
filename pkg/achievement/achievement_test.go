package achievement

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogBySlug(t *testing.T) map[string]Achievement {
	t.Helper()
	m := map[string]Achievement{}
	for _, a := range DefaultCatalog() {
		require.NoError(t, a.Conditions.Validate(), a.Slug)
		m[a.Slug] = a
	}
	return m
}

func TestConditionEval(t *testing.T) {
	f := Facts{FactInnovation: 4, FactTotalXP: 49, FactOnTime: 1}
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"gte hit", Leaf(FactInnovation, OpGte, 4), true},
		{"gt miss", Leaf(FactInnovation, OpGt, 4), false},
		{"lt hit", Leaf(FactTotalXP, OpLt, 50), true},
		{"lte hit", Leaf(FactTotalXP, OpLte, 49), true},
		{"eq hit", Leaf(FactOnTime, OpEq, 1), true},
		{"missing fact", Leaf(FactQuality, OpGte, 0), false},
		{"unknown op", Leaf(FactInnovation, "approx", 4), false},
		{"all short-circuits", All(Leaf(FactInnovation, OpGte, 4), Leaf(FactTotalXP, OpGte, 50)), false},
		{"any", Condition{Any: []Condition{Leaf(FactTotalXP, OpGte, 50), Leaf(FactOnTime, OpEq, 1)}}, true},
		{"empty", Condition{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Eval(f))
		})
	}
}

func TestConditionJSON(t *testing.T) {
	raw := `{"all":[{"metric":"speed","op":"gte","value":4},{"metric":"on_time","op":"eq","value":1}]}`
	var c Condition
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	require.NoError(t, c.Validate())
	assert.True(t, c.Eval(Facts{FactSpeed: 5, FactOnTime: 1}))
	assert.False(t, c.Eval(Facts{FactSpeed: 5, FactOnTime: 0}))
}

func TestConditionValidate(t *testing.T) {
	assert.Error(t, Condition{}.Validate())
	assert.Error(t, All(Leaf(FactSpeed, "between", 1)).Validate())
	assert.NoError(t, All(Leaf(FactSpeed, OpGte, 1)).Validate())
}

func TestFirstBloodOnlyOnFirstCompletion(t *testing.T) {
	fb := catalogBySlug(t)["first_blood"]

	// Granted regardless of how poorly the task scored.
	assert.True(t, fb.Conditions.Eval(Facts{
		FactQuality: 1, FactSpeed: 1, FactPreviousTasksCompleted: 0, FactTasksCompleted: 1,
	}))
	assert.False(t, fb.Conditions.Eval(Facts{FactPreviousTasksCompleted: 1, FactTasksCompleted: 2}))
	// Re-scoring the first task does not move the counter.
	assert.False(t, fb.Conditions.Eval(Facts{FactPreviousTasksCompleted: 1, FactTasksCompleted: 1}))
}

func TestUnlockableSkipsEarned(t *testing.T) {
	facts := Facts{
		FactQuality: 5, FactSpeed: 4, FactOnTime: 1, FactInnovation: 2,
		FactTotalXP: 12, FactTasksCompleted: 1, FactPreviousTasksCompleted: 0,
	}
	got := Unlockable(DefaultCatalog(), map[string]bool{"perfectionist": true}, facts)
	var slugs []string
	for _, a := range got {
		slugs = append(slugs, a.Slug)
	}
	assert.ElementsMatch(t, []string{"first_blood", "speed_demon"}, slugs)
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

func TestPgStoreCreditIsIdempotentPerTask(t *testing.T) {
	ctx := context.Background()
	store := NewPgStore(testPool(t))
	require.NoError(t, store.EnsureTable(ctx))
	require.NoError(t, store.Seed(ctx, DefaultCatalog()))

	user := "ach-" + uuid.NewString()
	facts := Facts{FactQuality: 3, FactSpeed: 2, FactInnovation: 2}

	out, err := store.Credit(ctx, Credit{UserID: user, TaskID: "t1", XP: 8, Facts: facts})
	require.NoError(t, err)
	assert.True(t, out.FirstCredit)
	assert.Equal(t, 8, out.TotalXP)
	assert.Equal(t, 1, out.TasksCompleted)
	require.Len(t, out.Unlocked, 1)
	assert.Equal(t, "first_blood", out.Unlocked[0].Slug)

	// Redelivery with a different score applies only the delta.
	out, err = store.Credit(ctx, Credit{UserID: user, TaskID: "t1", XP: 10, Facts: facts})
	require.NoError(t, err)
	assert.False(t, out.FirstCredit)
	assert.Equal(t, 10, out.TotalXP)
	assert.Equal(t, 1, out.TasksCompleted)
	assert.Empty(t, out.Unlocked)
}

func TestPgStoreConcurrentCreditsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewPgStore(testPool(t))
	require.NoError(t, store.EnsureTable(ctx))
	require.NoError(t, store.Seed(ctx, DefaultCatalog()))

	user := "race-" + uuid.NewString()
	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Credit(ctx, Credit{UserID: user, TaskID: fmt.Sprintf("%s-%d", user, i), XP: 5, Facts: Facts{}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := store.Stats(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, n*5, st.TotalXP)
	assert.Equal(t, n, st.TasksCompleted)

	earned, err := store.Earned(ctx, user)
	require.NoError(t, err)
	count := map[string]int{}
	for _, e := range earned {
		count[e.Slug]++
	}
	assert.Equal(t, 1, count["first_blood"])
	assert.Equal(t, 1, count["marathoner"])
}
