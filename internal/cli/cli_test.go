package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sylvia/pkg/agent"
	"sylvia/pkg/cache"
	"sylvia/pkg/llm"
	"sylvia/pkg/orchestrator"
)

// unreachable fails every generation; tests only drive paths that skip it.
var unreachable = llm.GeneratorFunc(func(context.Context, string) (string, error) {
	return "", errors.New("chat model not available in tests")
})

func setup(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("SYLVIA_REDIS_ADDR", mr.Addr())
	t.Setenv("SYLVIA_DATABASE_URL", "")
	t.Setenv("SYLVIA_EVENTS_BACKEND", "redis")
	t.Setenv("SYLVIA_LLM_API_KEY", "")
	return mr
}

func run(t *testing.T, gen llm.Generator, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(Options{Generator: gen, LogOutput: io.Discard})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateInMemory(t *testing.T) {
	setup(t)
	out, err := run(t, nil, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "in-memory")
}

func TestMigrateRejectsPostgresStreamWithoutDatabase(t *testing.T) {
	setup(t)
	t.Setenv("SYLVIA_EVENTS_BACKEND", "postgres")
	_, err := run(t, nil, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestTriggerArgs(t *testing.T) {
	setup(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"planner needs task", []string{"trigger", "planner"}, "--task is required"},
		{"assessor needs task", []string{"trigger", "assessor", "--user", "u1"}, "--task is required"},
		{"analyzer needs user", []string{"trigger", "analyzer"}, "--user is required"},
		{"unknown agent", []string{"trigger", "scheduler"}, "invalid argument"},
		{"no agent", []string{"trigger"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, unreachable, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTriggerNeedsChatModel(t *testing.T) {
	setup(t)
	_, err := run(t, nil, "trigger", "planner", "--task", "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestTriggerPlannerSkipsUnknownTask(t *testing.T) {
	setup(t)
	out, err := run(t, unreachable, "trigger", "planner", "--task", "missing", "--user", "u1")
	require.NoError(t, err)

	var res agent.PlanResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
	assert.Equal(t, "task not found", res.Reason)
}

func TestTriggerAnalyzerWithoutHistory(t *testing.T) {
	setup(t)
	out, err := run(t, unreachable, "trigger", "analyzer", "--user", "u1")
	require.NoError(t, err)

	var res agent.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	require.NotNil(t, res.Bundle)
	assert.Equal(t, agent.TriggerManual, res.Bundle.Trigger)
}

func TestDailyFansOutOverActiveUsers(t *testing.T) {
	mr := setup(t)
	_, err := mr.SAdd(cache.ActiveUsersKey(), "u1", "u2")
	require.NoError(t, err)

	out, err := run(t, unreachable, "daily")
	require.NoError(t, err)

	var sum orchestrator.DailySummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 2, sum.Users)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Empty(t, sum.Failed)
}

func TestInvalidConfig(t *testing.T) {
	setup(t)
	t.Setenv("SYLVIA_LLM_PROVIDER", "llama")
	_, err := run(t, unreachable, "daily")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.provider")
}
