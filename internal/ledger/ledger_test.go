package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tendant/simple-image-loader/internal/download"
)

func newLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS image_fetch_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))

	l, err := New(context.Background(), db, zaptest.NewLogger(t))
	require.NoError(t, err)
	return l, mock
}

func TestRecordFetch(t *testing.T) {
	l, mock := newLedger(t)

	f := download.Fetch{
		Key:      "https://example.com/a.png",
		URI:      "https://example.com/a.png",
		Bytes:    2048,
		Attempts: 2,
		Duration: 1500 * time.Millisecond,
		Cached:   true,
	}

	mock.ExpectQuery("INSERT INTO image_fetch_ledger").
		WithArgs(f.Key, f.URI, int64(2048), 2, int64(1500)).
		WillReturnRows(sqlmock.NewRows([]string{"fetch_count"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO image_fetch_ledger").
		WithArgs(f.Key, f.URI, int64(2048), 2, int64(1500)).
		WillReturnRows(sqlmock.NewRows([]string{"fetch_count"}).AddRow(2))

	require.NoError(t, l.RecordFetch(context.Background(), f))
	count, err := l.Record(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFetchError(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectQuery("INSERT INTO image_fetch_ledger").
		WillReturnError(errors.New("connection reset"))

	err := l.RecordFetch(context.Background(), download.Fetch{Key: "k", URI: "k"})
	assert.ErrorContains(t, err, "failed to record fetch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchCount(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectQuery("SELECT fetch_count FROM image_fetch_ledger").
		WithArgs("known").
		WillReturnRows(sqlmock.NewRows([]string{"fetch_count"}).AddRow(3))
	mock.ExpectQuery("SELECT fetch_count FROM image_fetch_ledger").
		WithArgs("unknown").
		WillReturnError(sql.ErrNoRows)

	count, err := l.FetchCount(context.Background(), "known")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = l.FetchCount(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectQuery("SELECT cache_key, uri, fetch_count, total_bytes FROM image_fetch_ledger").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"cache_key", "uri", "fetch_count", "total_bytes"}).
			AddRow("k", "https://example.com/k", 4, 4096))
	mock.ExpectQuery("SELECT cache_key, uri, fetch_count, total_bytes FROM image_fetch_ledger").
		WithArgs("none").
		WillReturnError(sql.ErrNoRows)

	e, err := l.Get(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 4, e.FetchCount)
	assert.Equal(t, int64(4096), e.TotalBytes)

	e, err = l.Get(context.Background(), "none")
	require.NoError(t, err)
	assert.Nil(t, e)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFailsWhenTableCannotBeCreated(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	_, err = New(context.Background(), db, nil)
	assert.ErrorContains(t, err, "failed to ensure ledger table")
}
