//go:build integration
// +build integration

// Package storagetest startet eine migrierte PostgreSQL-Instanz für
// Integrationstests.
package storagetest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"graphloom/config"
	"graphloom/models"
	"graphloom/storage"
)

// Open startet einen Postgres-Container, spielt die Migrationen ein und
// liefert die Verbindung. Ohne Docker wird der Test übersprungen.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := provider.Health(ctx); err != nil {
		t.Skip("Docker not running, skipping integration test")
	}

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "loom",
			"POSTGRES_PASSWORD": "loom",
			"POSTGRES_DB":       "graphloom",
		},
		// Das Init-Skript startet den Server einmal vorab neu.
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	cfg := &config.Config{
		DBHost:     host,
		DBPort:     portNum,
		DBUser:     "loom",
		DBPassword: "loom",
		DBName:     "graphloom",
		DBSSLMode:  "disable",
		LogLevel:   "info",
	}
	db, err := storage.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, storage.Migrate(db))
	return db
}

// DataSource legt eine aktive Standard-Quelle im Container an.
func DataSource(t *testing.T, db *gorm.DB, containerID string) models.DataSource {
	t.Helper()
	ds := models.DataSource{ContainerID: containerID, Name: "integration", AdapterType: "standard", Active: true}
	require.NoError(t, db.Create(&ds).Error)
	return ds
}
