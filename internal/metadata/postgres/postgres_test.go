package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-collector/internal/collector"
)

func newMockBackend(t *testing.T) (*Backend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	b, err := NewWithPool(mock, "")
	require.NoError(t, err)
	return b, mock
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "bad;table")
	require.Error(t, err)
	_, err = NewWithPool(nil, "ok")
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS source_records").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, b.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadScansRows(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := mock.NewRows([]string{"url", "last_modified", "etag", "content_hash", "document_id"}).
		AddRow("http://a", &ts, `"e"`, "sha256:aa", "d1")
	mock.ExpectQuery("SELECT url, last_modified, etag, content_hash, document_id FROM source_records").
		WillReturnRows(rows)

	records, err := b.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, collector.SourceRecord{
		URL: "http://a", LastModified: ts, ETag: `"e"`, ContentHash: "sha256:aa", DocumentID: "d1",
	}, records["http://a"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitUpsertsAndDeletes(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO source_records").
		WithArgs("http://a", &ts, `"e"`, "sha256:aa", "d1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM source_records").
		WithArgs("http://gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := b.Commit(context.Background(),
		[]collector.SourceRecord{{URL: "http://a", LastModified: ts, ETag: `"e"`, ContentHash: "sha256:aa", DocumentID: "d1"}},
		[]string{"http://gone"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO source_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err := b.Commit(context.Background(), []collector.SourceRecord{{URL: "http://a"}}, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
