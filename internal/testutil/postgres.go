// Package testutil starts disposable PostgreSQL servers for integration tests.
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver for wait.ForSQL
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image    = "postgres:16-alpine"
	user     = "test"
	password = "test"
	database = "testdb"
)

// Postgres is a running container together with a pool connected to it.
type Postgres struct {
	Container testcontainers.Container
	URI       string
	Pool      *pgxpool.Pool
}

// SkipUnlessIntegration skips the test in short mode or when psql is missing.
func SkipUnlessIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	if _, err := exec.LookPath("psql"); err != nil {
		t.Skip("psql not found on PATH")
	}
}

// StartPostgres starts a PostgreSQL container and returns once it accepts
// connections.
func StartPostgres(ctx context.Context, t *testing.T) *Postgres {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       database,
		},
		WaitingFor: waitStrategy(),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start postgres container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	uri := connString(host, port)
	pool, err := pgxpool.New(ctx, uri)
	require.NoError(t, err)

	return &Postgres{Container: container, URI: uri, Pool: pool}
}

// Terminate closes the pool and removes the container.
func (p *Postgres) Terminate(ctx context.Context) {
	if p == nil {
		return
	}
	if p.Pool != nil {
		p.Pool.Close()
	}
	if p.Container != nil {
		_ = p.Container.Terminate(ctx)
	}
}

func waitStrategy() wait.Strategy {
	return wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
		return connString(host, port)
	}).WithStartupTimeout(60 * time.Second).WithPollInterval(500 * time.Millisecond)
}

func connString(host string, port nat.Port) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), database)
}
