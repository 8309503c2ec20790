package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/database"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockReadingDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ReadingRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewReadingRepository(db, database.Postgres, zap.NewNop())
	return db, mock, repo
}

func TestInsertReading_Success(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reading := &models.Reading{
		TenantID:  "demo",
		Device:    "smoke_detector",
		Timestamp: ts,
		Readings:  map[string]any{"smoke_ppm": 65.2, "alarm": true},
	}

	mock.ExpectExec(`INSERT INTO sensor_data`).
		WithArgs(ts, "smoke_detector", `{"alarm":true,"smoke_ppm":65.2}`, "demo").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.InsertReading(context.Background(), reading))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading_StoreError(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO sensor_data`).
		WillReturnError(errors.New("disk I/O error"))

	err := repo.InsertReading(context.Background(), &models.Reading{
		TenantID: "demo", Device: "door_sensor", Timestamp: time.Now(),
	})
	require.Error(t, err)

	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "insert_reading", serr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading_Validation(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	err := repo.InsertReading(context.Background(), &models.Reading{Device: "door_sensor"})
	assert.ErrorIs(t, err, ErrTenantRequired)

	err = repo.InsertReading(context.Background(), &models.Reading{TenantID: "demo"})
	assert.ErrorIs(t, err, ErrDeviceRequired)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentReadings_Success(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	rows := sqlmock.NewRows([]string{"timestamp", "device", "readings", "tenant_id"}).
		AddRow(t2, "temperature_sensor", []byte(`{"temp_C":22}`), "demo").
		AddRow(t1, "temperature_sensor", []byte(`{"temp_C":21}`), "demo")

	mock.ExpectQuery(`SELECT timestamp, device, readings, tenant_id FROM sensor_data`).
		WithArgs("demo", "temperature_sensor", DefaultRecentLimit).
		WillReturnRows(rows)

	readings, err := repo.RecentReadings(context.Background(), "demo", "temperature_sensor", 0)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, t2, readings[0].Timestamp)
	assert.Equal(t, float64(22), readings[0].Readings["temp_C"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentReadings_AllDevicesAndClamp(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"timestamp", "device", "readings", "tenant_id"}).
		AddRow(time.Now(), "door_sensor", []byte(`{"state":"open"}`), "demo").
		AddRow(time.Now(), "door_sensor", []byte(`not-json`), "demo")

	mock.ExpectQuery(`WHERE tenant_id = \$1\s+ORDER BY`).
		WithArgs("demo", MaxRecentLimit).
		WillReturnRows(rows)

	readings, err := repo.RecentReadings(context.Background(), "demo", "", 100000)
	require.NoError(t, err)
	require.Len(t, readings, 1, "corrupt blobs are skipped")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentReadings_QueryError(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrConnDone)

	_, err := repo.RecentReadings(context.Background(), "demo", "oven", 10)
	var serr *StoreError
	require.True(t, errors.As(err, &serr))
	assert.ErrorIs(t, err, sql.ErrConnDone)

	_, err = repo.RecentReadings(context.Background(), "", "oven", 10)
	assert.ErrorIs(t, err, ErrTenantRequired)

	require.NoError(t, mock.ExpectationsWereMet())
}
