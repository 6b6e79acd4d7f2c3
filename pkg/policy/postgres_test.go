package policy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valdrix/enforcement/pkg/contracts"
)

func TestPostgresStore_Put(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO policy_documents`).
		WithArgs("t-1", "1.0.0", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"policy_version", "created_at"}).AddRow(3, created))

	s := NewPostgresStore(db)
	doc, err := s.Put(context.Background(), "t-1", []byte(`{"schema_version": "1.0.0"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, doc.PolicyVersion)
	assert.Equal(t, created, doc.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutRejectsBeforeSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	_, err = s.Put(context.Background(), "t-1", []byte(`{"schema_version": "not-semver"}`))
	assert.ErrorIs(t, err, contracts.ErrInvalidRequest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Active(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	payload := []byte(`{"schema_version":"2.0.0","plan_monthly_ceiling_usd":"250"}`)
	mock.ExpectQuery(`SELECT policy_version, payload, created_at`).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"policy_version", "payload", "created_at"}).
			AddRow(7, payload, time.Now()))

	s := NewPostgresStore(db)
	doc, err := s.Active(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, 7, doc.PolicyVersion)
	assert.Equal(t, "2.0.0", doc.SchemaVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT policy_version, payload, created_at`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"policy_version", "payload", "created_at"}))

	s := NewPostgresStore(db)
	_, err = s.Active(context.Background(), "ghost")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
