package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"orca/pkg/models"
	"orca/pkg/storage"
)

var terminalUnitStatuses = []models.UnitStatus{
	models.UnitCompleted, models.UnitFailed, models.UnitTimeout, models.UnitCancelled,
}

var terminalJobStatuses = []models.JobStatus{
	models.JobCompleted, models.JobFailed, models.JobPartial, models.JobCancelled,
}

// PostgresStore is the durable result sink and system registry.
type PostgresStore struct {
	db    *gorm.DB
	creds storage.CredentialSource
}

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxIdleConns:    5,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
		LogLevel:        logger.Warn,
	}
}

// NewPostgresStore initializes GORM connection and AutoMigrates schemas.
func NewPostgresStore(cfg Config, creds storage.CredentialSource) (*PostgresStore, error) {
	gormCfg := &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.System{}, &models.Job{}, &models.ExecutionUnit{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db, creds: creds}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- ResultSink ---

// SaveJob upserts a job. Finished jobs are left untouched.
func (s *PostgresStore) SaveJob(ctx context.Context, job models.Job) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "jobs.status NOT IN ?", Vars: []interface{}{terminalJobStatuses}},
		}},
	}).Create(&job)
	if result.Error != nil {
		return fmt.Errorf("failed to save job: %w", result.Error)
	}
	return nil
}

// CreateUnit inserts a unit, ignoring replays.
func (s *PostgresStore) CreateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&unit)
	if result.Error != nil {
		return fmt.Errorf("failed to create unit: %w", result.Error)
	}
	return nil
}

// UpdateUnit upserts a unit. A terminal row is never overwritten and a
// running row never goes back to pending.
func (s *PostgresStore) UpdateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	guard := []clause.Expression{
		clause.Expr{SQL: "execution_units.status NOT IN ?", Vars: []interface{}{terminalUnitStatuses}},
	}
	if unit.Status == models.UnitPending {
		guard = append(guard, clause.Expr{SQL: "execution_units.status = ?", Vars: []interface{}{models.UnitPending}})
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
		Where:     clause.Where{Exprs: guard},
	}).Create(&unit)
	if result.Error != nil {
		return fmt.Errorf("failed to update unit: %w", result.Error)
	}
	return nil
}

// --- HistoryStore ---

// GetJob retrieves a job by ID.
func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

// ListJobs returns jobs newest first with pagination.
func (s *PostgresStore) ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return jobs, nil
}

func (s *PostgresStore) GetUnit(ctx context.Context, id uuid.UUID) (*models.ExecutionUnit, error) {
	var unit models.ExecutionUnit
	result := s.db.WithContext(ctx).First(&unit, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &unit, nil
}

// ListUnits returns a job's units in expansion order.
func (s *PostgresStore) ListUnits(ctx context.Context, jobID uuid.UUID) ([]models.ExecutionUnit, error) {
	var units []models.ExecutionUnit
	result := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence asc").
		Find(&units)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list units: %w", result.Error)
	}
	return units, nil
}

// --- SystemRegistry ---

// UpsertSystem inserts or updates a system by ID.
func (s *PostgresStore) UpsertSystem(ctx context.Context, sys *models.System) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "address", "port", "platform", "use_tls", "username", "credential_ref", "active", "updated_at"}),
	}).Create(sys)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert system: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	var sys models.System
	result := s.db.WithContext(ctx).First(&sys, "id = ? AND active = ?", id, true)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("system %s: %w", id, storage.ErrNotFound)
		}
		return nil, result.Error
	}
	if s.creds == nil {
		return nil, fmt.Errorf("system %s: no credential source configured", id)
	}
	cred, err := s.creds.Credential(ctx, sys)
	if err != nil {
		return nil, err
	}
	return &models.Target{System: sys, Credential: cred}, nil
}

func (s *PostgresStore) ListSystems(ctx context.Context) ([]models.System, error) {
	var systems []models.System
	result := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("name asc").
		Find(&systems)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list systems: %w", result.Error)
	}
	return systems, nil
}

func (s *PostgresStore) UpdateHealth(ctx context.Context, id uuid.UUID, health models.HealthStatus, checkedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.System{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"health":          health,
			"last_checked_at": checkedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update health: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
