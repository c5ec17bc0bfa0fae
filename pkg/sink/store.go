package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/stressoor/pkg/config"
)

// ErrResultNotFound is returned when no result exists for a run ID.
var ErrResultNotFound = errors.New("result not found")

// Store provides persistence for run results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Upsert writes a result, replacing any previous result for the same
	// run ID.
	Upsert(ctx context.Context, result *RunResult) error
	Get(ctx context.Context, runID string) (*RunResult, error)
	List(ctx context.Context) ([]RunResult, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&RunResult{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Upsert(ctx context.Context, result *RunResult) error {
	var existing RunResult

	err := s.db.WithContext(ctx).
		Where("run_id = ?", result.RunID).
		First(&existing).Error

	switch {
	case err == nil:
		result.ID = existing.ID
		result.CreatedAt = existing.CreatedAt

		if err := s.db.WithContext(ctx).Save(result).Error; err != nil {
			return fmt.Errorf("updating result: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
			return fmt.Errorf("creating result: %w", err)
		}
	default:
		return fmt.Errorf("looking up result: %w", err)
	}

	return nil
}

func (s *store) Get(ctx context.Context, runID string) (*RunResult, error) {
	var result RunResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResultNotFound
		}

		return nil, fmt.Errorf("getting result: %w", err)
	}

	return &result, nil
}

func (s *store) List(ctx context.Context) ([]RunResult, error) {
	var results []RunResult
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}
