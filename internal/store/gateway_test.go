package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInsertStatementPlaceholders(t *testing.T) {
	rows := [][]any{
		{"a1", "Alice"},
		{"a2", "Bob"},
	}
	sql, args := buildInsertStatement("users", []string{"id", "name"}, "ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name", rows)

	assert.Equal(t, "INSERT INTO users (id, name) VALUES ($1, $2), ($3, $4) ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name", sql)
	require.Len(t, args, 4)
	assert.Equal(t, "a1", args[0])
	assert.Equal(t, "Bob", args[3])
}

func TestBuildInsertStatementNoConflictClause(t *testing.T) {
	sql, _ := buildInsertStatement("t", []string{"x"}, "", [][]any{{1}})
	assert.Equal(t, "INSERT INTO t (x) VALUES ($1)", sql)
}
