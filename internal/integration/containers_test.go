//go:build integration

// Package integration starts the backing services in containers and
// verifies connectivity. Run with: go test -tags integration ./internal/integration/
package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestBackingServicesUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Postgres with the pgvector extension baked in.
	pgReq := testcontainers.ContainerRequest{
		Image: "pgvector/pgvector:pg16",
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "dealgraph",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: pgReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	pgHost, err := pgC.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + pgHost + ":" + pgPort.Port() + "/dealgraph?sslmode=disable"

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(2)
	require.Eventually(t, func() bool { return db.Ping() == nil }, 30*time.Second, time.Second)
	_, err = db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	require.NoError(t, err)

	// Redis backs the provider rate limiter.
	rdReq := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	rdC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: rdReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdC.Terminate(ctx) })

	rdHost, err := rdC.Host(ctx)
	require.NoError(t, err)
	rdPort, err := rdC.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: rdHost + ":" + rdPort.Port()})
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)

	// Neo4j holds the knowledge graph.
	njReq := testcontainers.ContainerRequest{
		Image:        "neo4j:5",
		Env:          map[string]string{"NEO4J_AUTH": "neo4j/letmein12"},
		ExposedPorts: []string{"7687/tcp"},
		WaitingFor:   wait.ForLog("Started.").WithStartupTimeout(120 * time.Second),
	}
	njC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: njReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = njC.Terminate(ctx) })

	njHost, err := njC.Host(ctx)
	require.NoError(t, err)
	njPort, err := njC.MappedPort(ctx, "7687")
	require.NoError(t, err)
	driver, err := neo4j.NewDriverWithContext(
		"bolt://"+njHost+":"+njPort.Port(),
		neo4j.BasicAuth("neo4j", "letmein12", ""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close(ctx) })
	require.Eventually(t, func() bool { return driver.VerifyConnectivity(ctx) == nil }, 60*time.Second, 2*time.Second)
}
