package dbosruntime

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("SELECT workflow_uuid, name, status").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"workflow_uuid", "name", "status", "error", "created_at", "updated_at"}).
			AddRow("run-1", "thumbnail", "SUCCESS", "", created.UnixMilli(), created.Add(time.Second).UnixMilli()))
	mock.ExpectQuery("SELECT workflow_uuid, name, status").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	store := NewStatusStore(db)

	st, err := store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "thumbnail", st.Name)
	assert.Equal(t, created, st.CreatedAt)
	assert.Equal(t, created.Add(time.Second), st.UpdatedAt)
	assert.True(t, st.Terminal())

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, (&RunStatus{Status: "PENDING"}).Terminal())
	assert.False(t, (&RunStatus{Status: "ENQUEUED"}).Terminal())
	assert.True(t, (&RunStatus{Status: "ERROR"}).Terminal())
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://localhost/db"}
	cfg.WithDefaults()
	assert.Equal(t, "image-loader", cfg.QueueName)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "simple-image-loader", cfg.AppName)
}

func TestNewRuntimeRequiresDatabaseURL(t *testing.T) {
	_, err := NewRuntime(context.Background(), Config{}, nil)
	assert.ErrorContains(t, err, "DBOS_SYSTEM_DATABASE_URL")
}
