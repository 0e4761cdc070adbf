package checkpoint

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresBackend_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewPostgresBackend(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM checkpoints WHERE session_id = $1")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"a":1}`))

	body, err := backend.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM checkpoints WHERE session_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	_, err = backend.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNoCheckpointFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_SaveThroughStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(NewPostgresBackend(db))
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM checkpoints WHERE session_id = $1")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Save(ctx, sampleCheckpoint("s1", 1)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_KeysAndDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewPostgresBackend(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT session_id FROM checkpoints ORDER BY session_id")).
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("a").AddRow("b"))
	keys, err := backend.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE session_id = $1")).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, backend.Delete(ctx, "a"))

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, backend.Migrate(ctx))

	assert.Equal(t, "postgres:checkpoints/b", backend.Location("b"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
