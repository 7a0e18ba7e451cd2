// Package export writes run results into a Postgres warehouse table.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// Schema is the Postgres schema holding the exported tables.
const Schema = "districtshift"

const batchSize = 500

// Exporter replaces the warehouse observations with a run's rows.
type Exporter struct {
	db     *gorm.DB
	ns     uuid.UUID
	logger *zap.Logger
}

// Open connects to Postgres. namespace seeds the deterministic row ids.
func Open(databaseURL, namespace string, logger *zap.Logger) (*Exporter, error) {
	ns, err := uuid.Parse(namespace)
	if err != nil {
		return nil, fmt.Errorf("invalid export namespace uuid: %w", err)
	}
	logger = logging.OrNop(logger)

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormLogger(logger),
	})
	if err != nil {
		return nil, dserrors.NewExportError(dserrors.CodeConnectFailed, "failed to connect to database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dserrors.NewExportError(dserrors.CodeConnectFailed, "failed to get sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return New(db, ns, logger), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, ns uuid.UUID, logger *zap.Logger) *Exporter {
	return &Exporter{db: db, ns: ns, logger: logging.OrNop(logger)}
}

// gormLogger routes gorm's slow-query and error logging through zap.
func gormLogger(logger *zap.Logger) gormlogger.Interface {
	return gormlogger.New(
		zap.NewStdLog(logger.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// Export replaces the contents of districtshift.observations with rows in a
// single transaction. A failure leaves the previous contents in place.
func (e *Exporter) Export(ctx context.Context, runID string, rows []types.DerivedRow) error {
	models := FromRows(e.ns, runID, rows, time.Now().UTC())

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE SCHEMA IF NOT EXISTS " + Schema).Error; err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if err := tx.AutoMigrate(&Observation{}); err != nil {
			return fmt.Errorf("migrate observations: %w", err)
		}
		if err := tx.Exec("TRUNCATE TABLE " + Observation{}.TableName()).Error; err != nil {
			return fmt.Errorf("truncate observations: %w", err)
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&models, batchSize).Error; err != nil {
			return fmt.Errorf("insert observations: %w", err)
		}
		return nil
	})
	if err != nil {
		return dserrors.NewExportError(dserrors.CodeWriteFailed, "failed to export observations", err)
	}

	e.logger.Info("exported observations",
		zap.String("run_id", runID),
		zap.String("table", Observation{}.TableName()),
		zap.Int("rows", len(models)),
	)
	return nil
}

// Close releases the database connection.
func (e *Exporter) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
