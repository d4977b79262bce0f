// Package store persists terminal swarm executions for later
// inspection. Writes are best-effort: archival failure never affects
// an execution's outcome.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/swarmflow/types"
)

// Config configures the execution archive.
type Config struct {
	// Driver selects the backend: "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the driver-specific connection string. For sqlite it is
	// a file path or ":memory:".
	DSN string `yaml:"dsn" json:"dsn"`

	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`
}

// DefaultConfig returns an embedded sqlite archive.
func DefaultConfig() Config {
	return Config{
		Driver:       "sqlite",
		DSN:          "swarmflow.db",
		MaxIdleConns: 2,
		MaxOpenConns: 10,
	}
}

// ExecutionRecord is the persisted form of a terminal execution.
// Slice and map fields are stored as JSON columns so the schema works
// identically on sqlite and postgres.
type ExecutionRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	Task          string
	Status        string `gorm:"index;size:16"`
	AgentSequence string
	HandoffCount  int
	MaxHandoffs   int
	SharedContext string
	FinalOutput   string
	Error         string
	CreatedAt     time.Time `gorm:"index"`
	FinishedAt    *time.Time
}

// TableName implements gorm's table naming.
func (ExecutionRecord) TableName() string { return "swarm_executions" }

// Archive stores terminal executions in a relational database.
type Archive struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured backend and migrates the schema.
func Open(config Config, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported archive driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}

	if err := db.AutoMigrate(&ExecutionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}

	logger.Info("execution archive opened",
		zap.String("driver", config.Driver))
	return &Archive{
		db:     db,
		logger: logger.With(zap.String("component", "archive")),
	}, nil
}

// Save upserts a terminal execution. Implements swarm.Archiver.
func (a *Archive) Save(ctx context.Context, exec types.SwarmExecution) error {
	record, err := toRecord(exec)
	if err != nil {
		return err
	}
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
}

// Get loads one archived execution.
func (a *Archive) Get(ctx context.Context, id string) (*types.SwarmExecution, error) {
	var record ExecutionRecord
	err := a.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("execution %s not archived", id))
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(record)
}

// List returns the most recently created archived executions.
func (a *Archive) List(ctx context.Context, limit int) ([]types.SwarmExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []ExecutionRecord
	if err := a.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]types.SwarmExecution, 0, len(records))
	for _, record := range records {
		exec, err := fromRecord(record)
		if err != nil {
			a.logger.Warn("skipping malformed archive record",
				zap.String("id", record.ID), zap.Error(err))
			continue
		}
		out = append(out, *exec)
	}
	return out, nil
}

// Delete removes one archived execution.
func (a *Archive) Delete(ctx context.Context, id string) error {
	return a.db.WithContext(ctx).Delete(&ExecutionRecord{}, "id = ?", id).Error
}

// Ping verifies the database connection, for readiness probes.
func (a *Archive) Ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(exec types.SwarmExecution) (ExecutionRecord, error) {
	sequence, err := json.Marshal(exec.AgentSequence)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("marshal agent sequence: %w", err)
	}
	sharedCtx, err := json.Marshal(exec.SharedContext)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("marshal shared context: %w", err)
	}
	return ExecutionRecord{
		ID:            exec.ID,
		Task:          exec.Task,
		Status:        string(exec.Status),
		AgentSequence: string(sequence),
		HandoffCount:  exec.HandoffCount,
		MaxHandoffs:   exec.MaxHandoffs,
		SharedContext: string(sharedCtx),
		FinalOutput:   exec.FinalOutput,
		Error:         exec.Error,
		CreatedAt:     exec.CreatedAt,
		FinishedAt:    exec.FinishedAt,
	}, nil
}

func fromRecord(record ExecutionRecord) (*types.SwarmExecution, error) {
	exec := &types.SwarmExecution{
		ID:           record.ID,
		Task:         record.Task,
		Status:       types.ExecutionStatus(record.Status),
		HandoffCount: record.HandoffCount,
		MaxHandoffs:  record.MaxHandoffs,
		FinalOutput:  record.FinalOutput,
		Error:        record.Error,
		CreatedAt:    record.CreatedAt,
		FinishedAt:   record.FinishedAt,
	}
	if record.AgentSequence != "" {
		if err := json.Unmarshal([]byte(record.AgentSequence), &exec.AgentSequence); err != nil {
			return nil, fmt.Errorf("unmarshal agent sequence: %w", err)
		}
	}
	if record.SharedContext != "" {
		if err := json.Unmarshal([]byte(record.SharedContext), &exec.SharedContext); err != nil {
			return nil, fmt.Errorf("unmarshal shared context: %w", err)
		}
	}
	return exec, nil
}
