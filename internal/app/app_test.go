package app

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/pgrab/internal/catalog"
	"github.com/willibrandon/pgrab/internal/db"
	"github.com/willibrandon/pgrab/internal/partial"
	"github.com/willibrandon/pgrab/internal/scheduler"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"configuration", configError("bad"), 2},
		{"connectivity", connectivityError(errors.New("refused")), 3},
		{"runtime", runtimeError(scheduler.ErrWorkerFailed), 4},
		{"wrapped", fmt.Errorf("outer: %w", runtimeError(errors.New("x"))), 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestConnectivityError_CarriesSource(t *testing.T) {
	inner := errors.New("dial tcp 10.0.0.1:5432: connection refused")
	err := connectivityError(&db.SourceError{Source: db.Remote, Err: inner})

	assert.Equal(t, db.Remote, err.Source)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "connectivity error (remote): "+inner.Error(), err.Error())

	msg := Describe(err)
	assert.Contains(t, msg, "Cannot reach the remote database")
	assert.Contains(t, msg, "Connection refused")
}

func TestFormatConnectionError(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"password authentication failed for user \"x\"", "Authentication failed"},
		{"database \"app\" does not exist", "Database does not exist"},
		{"lookup db: no such host", "Host not found"},
		{"connection timed out after 15s", "Connection timeout"},
		{"something odd", "Database connection error"},
	}
	for _, tc := range tests {
		assert.Contains(t, FormatConnectionError(errors.New(tc.err)), tc.want)
	}
}

func TestDescribe_NonConnectivity(t *testing.T) {
	err := configError("tables missing locally: users")
	assert.Equal(t, "configuration error: tables missing locally: users", Describe(err))
}

func TestDependencyTree(t *testing.T) {
	assert.Empty(t, DependencyTree([]partial.DependencyEntry{{Table: "users"}}))

	out := DependencyTree([]partial.DependencyEntry{
		{Table: "users"},
		{Table: "orders", Dependencies: []string{"users"}},
		{Table: "shipments", Dependencies: []string{"users", "orders"}},
	})
	assert.Contains(t, out, "Partial dependencies")
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "shipments")
}

func TestTablePlan_Skip(t *testing.T) {
	assert.True(t, TablePlan{LocalRows: 5, RemoteRows: 5}.Skip())
	assert.False(t, TablePlan{LocalRows: 4, RemoteRows: 5}.Skip())
}

func TestInitTables(t *testing.T) {
	md := catalog.Metadata{
		"users": {Name: "users", Columns: []catalog.Column{
			{Name: "id", Type: "integer"},
			{Name: "updated_at", Type: "timestamp with time zone"},
		}},
		"tags": {Name: "tags", Columns: []catalog.Column{{Name: "name", Type: "text"}}},
	}
	got := InitTables(md)
	require.Len(t, got, 2)
	assert.Equal(t, "updated_at", got["users"].Bookmark)
	assert.Empty(t, got["tags"].Bookmark)
}

func TestDifference(t *testing.T) {
	assert.Equal(t, []string{"c"}, difference([]string{"a", "b", "c"}, []string{"b", "a"}))
	assert.Empty(t, difference([]string{"a"}, []string{"a"}))
}
