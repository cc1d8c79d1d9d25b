package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"visionpulse-alert/internal/models"
)

func TestGetUserRules_DefaultsWhenNoOverrides(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRulesRepository(db, zap.NewNop())
	userID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"alert_type", "config"}))

	rules, err := repo.GetUserRules(context.Background(), userID)

	require.NoError(t, err)
	assert.Equal(t, models.DefaultRules(), rules)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserRules_PartialOverrideKeepsDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRulesRepository(db, zap.NewNop())
	userID := uuid.New().String()

	rows := sqlmock.NewRows([]string{"alert_type", "config"}).
		AddRow("microsleep", []byte(`{"thresholds":{"microsleep_seconds":8}}`))
	mock.ExpectQuery(`SELECT`).
		WithArgs(userID).
		WillReturnRows(rows)

	rules, err := repo.GetUserRules(context.Background(), userID)

	require.NoError(t, err)
	rule := rules[models.AlertMicrosleep]
	// 覆盖项生效
	assert.Equal(t, 8.0, rule.Thresholds.MicrosleepSeconds)
	// 未覆盖字段保持默认
	assert.Equal(t, 5.0, rule.SustainSeconds)
	assert.Equal(t, 3, rule.MaxRepetitionsPerHour)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserRules_MalformedConfigIsConfigurationError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRulesRepository(db, zap.NewNop())
	userID := uuid.New().String()

	rows := sqlmock.NewRows([]string{"alert_type", "config"}).
		AddRow("fatigue", []byte(`{not json`))
	mock.ExpectQuery(`SELECT`).
		WithArgs(userID).
		WillReturnRows(rows)

	rules, err := repo.GetUserRules(context.Background(), userID)

	require.Error(t, err)
	assert.Nil(t, rules)
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserRules_InvalidOverrideFailsValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRulesRepository(db, zap.NewNop())
	userID := uuid.New().String()

	// 负的持续时长通不过校验
	rows := sqlmock.NewRows([]string{"alert_type", "config"}).
		AddRow("fatigue", []byte(`{"sustain_seconds":-1}`))
	mock.ExpectQuery(`SELECT`).
		WithArgs(userID).
		WillReturnRows(rows)

	rules, err := repo.GetUserRules(context.Background(), userID)

	require.Error(t, err)
	assert.Nil(t, rules)
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserRules_UnknownTypeIgnored(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRulesRepository(db, zap.NewNop())
	userID := uuid.New().String()

	rows := sqlmock.NewRows([]string{"alert_type", "config"}).
		AddRow("legacy_posture_alert", []byte(`{"sustain_seconds":3}`))
	mock.ExpectQuery(`SELECT`).
		WithArgs(userID).
		WillReturnRows(rows)

	rules, err := repo.GetUserRules(context.Background(), userID)

	require.NoError(t, err)
	assert.Equal(t, models.DefaultRules(), rules)

	require.NoError(t, mock.ExpectationsWereMet())
}
