// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medroster/medroster/pkg/saga"
)

// ErrEmptyMySQLDSN indicates that the MySQL DSN is empty.
var ErrEmptyMySQLDSN = errors.New("mysql DSN cannot be empty")

// MySQLConfig holds the configuration for the MySQL storage adapter.
type MySQLConfig struct {
	// DSN is the go-sql-driver connection string. Required.
	// Format: "user:password@tcp(host:port)/database?parseTime=true"
	DSN string `json:"dsn" yaml:"dsn"`

	// TablePrefix is prepended to all table names. Default: "".
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`

	// AutoMigrate creates the schema on startup when true. Default: false.
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`

	// LogQueries enables GORM query logging at info level. Default: false.
	LogQueries bool `json:"log_queries" yaml:"log_queries"`
}

// Validate validates the configuration.
func (c *MySQLConfig) Validate() error {
	if c.DSN == "" {
		return ErrEmptyMySQLDSN
	}
	return nil
}

// sagaExecutionRecord is the GORM model backing saga executions. Payload
// maps are serialized to JSON text columns.
type sagaExecutionRecord struct {
	ID                    string `gorm:"primaryKey;size:64"`
	SagaName              string `gorm:"size:255;not null"`
	SagaVersion           string `gorm:"size:64;not null;default:''"`
	Status                string `gorm:"size:32;not null;index"`
	InputData             []byte `gorm:"type:json"`
	AccumulatedData       []byte `gorm:"type:json"`
	Metadata              []byte `gorm:"type:json"`
	StartedAt             time.Time
	CompletedAt           *time.Time
	TimeoutAt             *time.Time
	CompensatedStepsCount int    `gorm:"not null;default:0"`
	ErrorMessage          string `gorm:"type:text"`
}

type sagaStepRecord struct {
	ID                string `gorm:"primaryKey;size:64"`
	SagaID            string `gorm:"size:64;not null;uniqueIndex:uniq_saga_step,priority:1"`
	StepName          string `gorm:"size:255;not null;uniqueIndex:uniq_saga_step,priority:2"`
	StepOrder         int    `gorm:"not null"`
	ParallelGroup     string `gorm:"size:255;not null;default:''"`
	Status            string `gorm:"size:32;not null"`
	OutputData        []byte `gorm:"type:json"`
	ErrorMessage      string `gorm:"type:text"`
	CompensationError string `gorm:"type:text"`
	RetryCount        int    `gorm:"not null;default:0"`
	MaxRetries        int    `gorm:"not null;default:0"`
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CompensatedAt     *time.Time
	TimeoutAt         *time.Time
}

type sagaEventRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	SagaID     string `gorm:"size:64;not null;index"`
	StepID     string `gorm:"size:64;not null;default:''"`
	EventType  string `gorm:"size:64;not null"`
	EventData  []byte `gorm:"type:json"`
	Message    string `gorm:"type:text"`
	OccurredAt time.Time
}

// MySQLStorage implements saga.Storage on MySQL through GORM.
type MySQLStorage struct {
	db     *gorm.DB
	config *MySQLConfig
}

// NewMySQLStorage opens a GORM session and optionally creates the schema.
func NewMySQLStorage(config *MySQLConfig) (*MySQLStorage, error) {
	if config == nil {
		config = &MySQLConfig{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logLevel := logger.Silent
	if config.LogQueries {
		logLevel = logger.Info
	}
	db, err := gorm.Open(mysql.Open(config.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	s := NewMySQLStorageWithDB(db, config)
	if config.AutoMigrate {
		if err := s.Migrate(); err != nil {
			return nil, fmt.Errorf("failed to create saga schema: %w", err)
		}
	}
	return s, nil
}

// NewMySQLStorageWithDB wraps an existing GORM session.
func NewMySQLStorageWithDB(db *gorm.DB, config *MySQLConfig) *MySQLStorage {
	if config == nil {
		config = &MySQLConfig{}
	}
	return &MySQLStorage{db: db, config: config}
}

// Migrate creates the saga tables if they do not exist.
func (m *MySQLStorage) Migrate() error {
	db := m.session(context.Background())
	if err := db.Table(m.executionsTable()).AutoMigrate(&sagaExecutionRecord{}); err != nil {
		return err
	}
	if err := db.Table(m.stepsTable()).AutoMigrate(&sagaStepRecord{}); err != nil {
		return err
	}
	return db.Table(m.eventsTable()).AutoMigrate(&sagaEventRecord{})
}

// Close closes the underlying connection pool.
func (m *MySQLStorage) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping implements saga.Pinger.
func (m *MySQLStorage) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (m *MySQLStorage) session(ctx context.Context) *gorm.DB {
	return m.db.WithContext(ctx)
}

func (m *MySQLStorage) executionsTable() string { return m.config.TablePrefix + "saga_execution_records" }
func (m *MySQLStorage) stepsTable() string      { return m.config.TablePrefix + "saga_step_records" }
func (m *MySQLStorage) eventsTable() string     { return m.config.TablePrefix + "saga_event_records" }

// CreateExecution implements saga.Storage.
func (m *MySQLStorage) CreateExecution(ctx context.Context, def *saga.SagaDefinition, sagaCtx *saga.SagaContext) (*saga.SagaExecution, error) {
	exec := &saga.SagaExecution{
		ID:              sagaCtx.SagaID,
		SagaName:        def.Name,
		SagaVersion:     def.Version,
		Status:          saga.StatusPending,
		InputData:       sagaCtx.InputSnapshot(),
		AccumulatedData: sagaCtx.AccumulatedSnapshot(),
		Metadata:        sagaCtx.Metadata,
		StartedAt:       time.Now(),
	}

	record := executionToRecord(exec)
	err := m.session(ctx).Table(m.executionsTable()).Create(record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, saga.NewDuplicateSagaError(exec.ID)
		}
		return nil, saga.NewStorageError("insert execution", err)
	}
	return exec, nil
}

// GetExecution implements saga.Storage.
func (m *MySQLStorage) GetExecution(ctx context.Context, sagaID string) (*saga.SagaExecution, error) {
	var record sagaExecutionRecord
	err := m.session(ctx).Table(m.executionsTable()).First(&record, "id = ?", sagaID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, saga.NewSagaNotFoundError(sagaID)
		}
		return nil, saga.NewStorageError("select execution", err)
	}

	exec := recordToExecution(&record)
	steps, err := m.loadSteps(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	exec.Steps = steps
	return exec, nil
}

// UpdateExecution implements saga.Storage.
func (m *MySQLStorage) UpdateExecution(ctx context.Context, exec *saga.SagaExecution) error {
	updates := map[string]interface{}{
		"status":                  string(exec.Status),
		"accumulated_data":        marshalJSON(exec.AccumulatedData),
		"completed_at":            exec.CompletedAt,
		"timeout_at":              exec.TimeoutAt,
		"compensated_steps_count": exec.CompensatedStepsCount,
		"error_message":           exec.ErrorMessage,
	}
	res := m.session(ctx).Table(m.executionsTable()).Where("id = ?", exec.ID).Updates(updates)
	if res.Error != nil {
		return saga.NewStorageError("update execution", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		m.session(ctx).Table(m.executionsTable()).Where("id = ?", exec.ID).Count(&count)
		if count == 0 {
			return saga.NewSagaNotFoundError(exec.ID)
		}
	}
	return nil
}

// GetOrCreateStep implements saga.Storage.
func (m *MySQLStorage) GetOrCreateStep(ctx context.Context, exec *saga.SagaExecution, stepDef *saga.StepDefinition, order int) (*saga.StepExecution, error) {
	var record sagaStepRecord
	err := m.session(ctx).Table(m.stepsTable()).
		First(&record, "saga_id = ? AND step_name = ?", exec.ID, stepDef.Name).Error
	if err == nil {
		return recordToStep(&record), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, saga.NewStorageError("select step", err)
	}

	step := &saga.StepExecution{
		ID:            "step-" + uuid.NewString(),
		SagaID:        exec.ID,
		StepName:      stepDef.Name,
		StepOrder:     order,
		ParallelGroup: stepDef.ParallelGroup,
		Status:        saga.StepStatusPending,
		MaxRetries:    stepDef.RetryAttempts,
	}
	if err := m.session(ctx).Table(m.stepsTable()).Create(stepToRecord(step)).Error; err != nil {
		return nil, saga.NewStorageError("insert step", err)
	}
	return step, nil
}

// UpdateStep implements saga.Storage.
func (m *MySQLStorage) UpdateStep(ctx context.Context, sagaID string, step *saga.StepExecution) error {
	updates := map[string]interface{}{
		"status":             string(step.Status),
		"output_data":        marshalJSON(step.OutputData),
		"error_message":      step.ErrorMessage,
		"compensation_error": step.CompensationError,
		"retry_count":        step.RetryCount,
		"started_at":         step.StartedAt,
		"completed_at":       step.CompletedAt,
		"compensated_at":     step.CompensatedAt,
		"timeout_at":         step.TimeoutAt,
	}
	res := m.session(ctx).Table(m.stepsTable()).
		Where("saga_id = ? AND id = ?", sagaID, step.ID).Updates(updates)
	if res.Error != nil {
		return saga.NewStorageError("update step", res.Error)
	}
	return nil
}

// AppendEvent implements saga.Storage.
func (m *MySQLStorage) AppendEvent(ctx context.Context, event *saga.SagaEvent) error {
	record := &sagaEventRecord{
		ID:         event.ID,
		SagaID:     event.SagaID,
		StepID:     event.StepID,
		EventType:  string(event.EventType),
		EventData:  marshalBytes(event.EventData),
		Message:    event.Message,
		OccurredAt: event.Timestamp,
	}
	if err := m.session(ctx).Table(m.eventsTable()).Create(record).Error; err != nil {
		return saga.NewStorageError("insert event", err)
	}
	return nil
}

// GetEvents returns the audit trail of a saga in append order.
func (m *MySQLStorage) GetEvents(ctx context.Context, sagaID string) ([]*saga.SagaEvent, error) {
	var records []sagaEventRecord
	err := m.session(ctx).Table(m.eventsTable()).
		Where("saga_id = ?", sagaID).Order("occurred_at ASC").Find(&records).Error
	if err != nil {
		return nil, saga.NewStorageError("select events", err)
	}

	out := make([]*saga.SagaEvent, len(records))
	for i, record := range records {
		out[i] = &saga.SagaEvent{
			ID:        record.ID,
			SagaID:    record.SagaID,
			StepID:    record.StepID,
			EventType: saga.EventType(record.EventType),
			EventData: unmarshalJSON(record.EventData),
			Message:   record.Message,
			Timestamp: record.OccurredAt,
		}
	}
	return out, nil
}

// FindExecutionsByStatus implements saga.Storage.
func (m *MySQLStorage) FindExecutionsByStatus(ctx context.Context, statuses []saga.SagaStatus) ([]*saga.SagaExecution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	var records []sagaExecutionRecord
	err := m.session(ctx).Table(m.executionsTable()).
		Where("status IN ?", values).Order("started_at ASC").Find(&records).Error
	if err != nil {
		return nil, saga.NewStorageError("select executions", err)
	}

	out := make([]*saga.SagaExecution, 0, len(records))
	for i := range records {
		exec := recordToExecution(&records[i])
		steps, err := m.loadSteps(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		exec.Steps = steps
		out = append(out, exec)
	}
	return out, nil
}

// DeleteExecution implements saga.Storage.
func (m *MySQLStorage) DeleteExecution(ctx context.Context, sagaID string) error {
	return m.session(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Table(m.executionsTable()).Where("id = ?", sagaID).Delete(&sagaExecutionRecord{})
		if res.Error != nil {
			return saga.NewStorageError("delete execution", res.Error)
		}
		if res.RowsAffected == 0 {
			return saga.NewSagaNotFoundError(sagaID)
		}
		if err := tx.Table(m.stepsTable()).Where("saga_id = ?", sagaID).Delete(&sagaStepRecord{}).Error; err != nil {
			return saga.NewStorageError("delete steps", err)
		}
		if err := tx.Table(m.eventsTable()).Where("saga_id = ?", sagaID).Delete(&sagaEventRecord{}).Error; err != nil {
			return saga.NewStorageError("delete events", err)
		}
		return nil
	})
}

func (m *MySQLStorage) loadSteps(ctx context.Context, sagaID string) ([]*saga.StepExecution, error) {
	var records []sagaStepRecord
	err := m.session(ctx).Table(m.stepsTable()).
		Where("saga_id = ?", sagaID).Order("step_order ASC").Find(&records).Error
	if err != nil {
		return nil, saga.NewStorageError("select steps", err)
	}
	out := make([]*saga.StepExecution, len(records))
	for i := range records {
		out[i] = recordToStep(&records[i])
	}
	return out, nil
}

func executionToRecord(exec *saga.SagaExecution) *sagaExecutionRecord {
	return &sagaExecutionRecord{
		ID:                    exec.ID,
		SagaName:              exec.SagaName,
		SagaVersion:           exec.SagaVersion,
		Status:                string(exec.Status),
		InputData:             marshalBytes(exec.InputData),
		AccumulatedData:       marshalBytes(exec.AccumulatedData),
		Metadata:              marshalBytes(exec.Metadata),
		StartedAt:             exec.StartedAt,
		CompletedAt:           exec.CompletedAt,
		TimeoutAt:             exec.TimeoutAt,
		CompensatedStepsCount: exec.CompensatedStepsCount,
		ErrorMessage:          exec.ErrorMessage,
	}
}

func recordToExecution(record *sagaExecutionRecord) *saga.SagaExecution {
	return &saga.SagaExecution{
		ID:                    record.ID,
		SagaName:              record.SagaName,
		SagaVersion:           record.SagaVersion,
		Status:                saga.SagaStatus(record.Status),
		InputData:             unmarshalJSON(record.InputData),
		AccumulatedData:       unmarshalJSON(record.AccumulatedData),
		Metadata:              unmarshalJSON(record.Metadata),
		StartedAt:             record.StartedAt,
		CompletedAt:           record.CompletedAt,
		TimeoutAt:             record.TimeoutAt,
		CompensatedStepsCount: record.CompensatedStepsCount,
		ErrorMessage:          record.ErrorMessage,
	}
}

func stepToRecord(step *saga.StepExecution) *sagaStepRecord {
	return &sagaStepRecord{
		ID:                step.ID,
		SagaID:            step.SagaID,
		StepName:          step.StepName,
		StepOrder:         step.StepOrder,
		ParallelGroup:     step.ParallelGroup,
		Status:            string(step.Status),
		OutputData:        marshalBytes(step.OutputData),
		ErrorMessage:      step.ErrorMessage,
		CompensationError: step.CompensationError,
		RetryCount:        step.RetryCount,
		MaxRetries:        step.MaxRetries,
		StartedAt:         step.StartedAt,
		CompletedAt:       step.CompletedAt,
		CompensatedAt:     step.CompensatedAt,
		TimeoutAt:         step.TimeoutAt,
	}
}

func recordToStep(record *sagaStepRecord) *saga.StepExecution {
	return &saga.StepExecution{
		ID:                record.ID,
		SagaID:            record.SagaID,
		StepName:          record.StepName,
		StepOrder:         record.StepOrder,
		ParallelGroup:     record.ParallelGroup,
		Status:            saga.StepStatus(record.Status),
		OutputData:        unmarshalJSON(record.OutputData),
		ErrorMessage:      record.ErrorMessage,
		CompensationError: record.CompensationError,
		RetryCount:        record.RetryCount,
		MaxRetries:        record.MaxRetries,
		StartedAt:         record.StartedAt,
		CompletedAt:       record.CompletedAt,
		CompensatedAt:     record.CompensatedAt,
		TimeoutAt:         record.TimeoutAt,
	}
}

// marshalBytes is marshalJSON for []byte columns.
func marshalBytes(m map[string]interface{}) []byte {
	v := marshalJSON(m)
	if v == nil {
		return nil
	}
	return v.([]byte)
}

var (
	_ saga.Storage = (*MySQLStorage)(nil)
	_ saga.Pinger  = (*MySQLStorage)(nil)
)
