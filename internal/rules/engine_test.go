package rules

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/database"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), config.DatabaseConfig{
		BusyTimeout:  5 * time.Second,
		ReadPoolSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewEngine(db)
}

func TestValidate(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Validate(ctx, "_ROW_.published = TRUE", []string{"id", "published"}))
	require.NoError(t, engine.Validate(ctx, "_USER_.id IS NOT NULL", []string{"id"}))

	assert.Error(t, engine.Validate(ctx, "", nil))
	assert.Error(t, engine.Validate(ctx, "SELECT FROM WHERE", []string{"id"}))
	assert.Error(t, engine.Validate(ctx, "_ROW_.missing = 1", []string{"id"}))
}

func TestEvaluateRowRule(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()

	allowed, err := engine.Evaluate(ctx, "_ROW_.published = TRUE", &EvalContext{
		Row: database.Row{"id": int64(1), "published": int64(1)},
	})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = engine.Evaluate(ctx, "_ROW_.published = TRUE", &EvalContext{
		Row: database.Row{"id": int64(2), "published": int64(0)},
	})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestEvaluateUserRule(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()

	userID := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	// Owner check: the row's owner column matches the caller.
	rule := "_ROW_.owner = _USER_.id"

	allowed, err := engine.Evaluate(ctx, rule, &EvalContext{
		User: &UserContext{ID: userID, Email: "a@b.co", Verified: true},
		Row:  database.Row{"owner": userID},
	})
	require.NoError(t, err)
	assert.True(t, allowed)

	// Anonymous caller: _USER_.id is NULL, the comparison is NULL, NULL
	// denies.
	allowed, err = engine.Evaluate(ctx, rule, &EvalContext{
		Row: database.Row{"owner": userID},
	})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestNullResultDenies(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()

	allowed, err := engine.Evaluate(ctx, "NULL", &EvalContext{})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestEvaluationErrorDenies(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()

	err := engine.CheckAccess(ctx, "_ROW_.nonexistent = 1", &EvalContext{
		Row: database.Row{"id": int64(1)},
	})
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestParamsBinding(t *testing.T) {
	engine := testEngine(t)
	ctx := context.Background()

	allowed, err := engine.Evaluate(ctx, "_PARAMS_.tag = 'vip'", &EvalContext{
		Params: map[string]any{"tag": "vip"},
	})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBuildQueryParameterizesEverything(t *testing.T) {
	query, args := buildQuery("_ROW_.a = 1", &EvalContext{
		Row:    database.Row{"a": int64(1), "b": "x'); DROP TABLE t; --"},
		Params: map[string]any{"q": "value"},
	})

	assert.Contains(t, query, "AS _ROW_")
	assert.Contains(t, query, "AS _REQ_")
	assert.Contains(t, query, "AS _USER_")
	assert.Contains(t, query, "AS _PARAMS_")
	// Values never appear in the SQL text.
	assert.NotContains(t, query, "DROP TABLE")
	assert.NotEmpty(t, args)
}
