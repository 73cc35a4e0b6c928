// Package history keeps a record of generation runs in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Catrobat/mArIne3D/pkg/pipeline"
)

// Status values of a Record
const (
	StatusDone  = "done"
	StatusError = "error"
)

// DefaultLimit is used when a query asks for a non-positive number of records
const DefaultLimit = 20

// Record is one generation run
type Record struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SessionID        string    `gorm:"size:36;index" json:"session_id,omitempty"`
	Concept          string    `gorm:"size:200;not null;index" json:"concept"`
	Method           string    `gorm:"size:20;not null" json:"method"`
	Status           string    `gorm:"size:10;not null;index" json:"status"`
	Stage            string    `gorm:"size:30" json:"stage,omitempty"` // failing stage
	Error            string    `gorm:"type:text" json:"error,omitempty"`
	Files            []string  `gorm:"serializer:json" json:"files,omitempty"`
	Score            float64   `json:"score"`
	Variant          string    `gorm:"size:20" json:"variant,omitempty"`
	RawTriangles     int       `json:"raw_triangles"`
	CleanedTriangles int       `json:"cleaned_triangles"`
	DurationMS       int64     `json:"duration_ms"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

// Store persists records through gorm
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the SQLite database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return NewStore(db, logger)
}

// NewStore migrates the schema on db
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps :memory: databases alive
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "history"))}, nil
}

// Add inserts r and sets its ID
func (s *Store) Add(ctx context.Context, r *Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("failed to save history record: %w", err)
	}
	return nil
}

// Recent returns the newest records first
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.find(s.db.WithContext(ctx), limit)
}

// ByConcept returns the newest records of one concept
func (s *Store) ByConcept(ctx context.Context, concept string, limit int) ([]Record, error) {
	return s.find(s.db.WithContext(ctx).Where("concept = ?", concept), limit)
}

// Get returns the record with the given session ID
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	var r Record
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history record: %w", err)
	}
	return &r, nil
}

func (s *Store) find(q *gorm.DB, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var records []Record
	if err := q.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return records, nil
}

// Close closes the database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FromResult builds the record of a successful run
func FromResult(res *pipeline.Result) *Record {
	return &Record{
		SessionID:        res.SessionID,
		Concept:          res.Concept,
		Method:           string(res.Method),
		Status:           StatusDone,
		Files:            res.Files,
		Score:            res.Score,
		Variant:          string(res.Variant),
		RawTriangles:     res.RawTriangles,
		CleanedTriangles: res.CleanedTriangles,
		DurationMS:       res.Duration.Milliseconds(),
	}
}

// FromError builds the record of a failed run
func FromError(req pipeline.Request, err error, elapsed time.Duration) *Record {
	return &Record{
		Concept:    req.Concept,
		Method:     string(req.Method),
		Status:     StatusError,
		Stage:      FailedStage(err),
		Error:      err.Error(),
		DurationMS: elapsed.Milliseconds(),
	}
}

// FailedStage names the pipeline stage err came from, or "" when unknown
func FailedStage(err error) string {
	var (
		modelErr  *pipeline.ModelInferenceError
		stageErr  *pipeline.StageError
		exportErr *pipeline.ExportError
	)
	switch {
	case errors.Is(err, pipeline.ErrNoCandidate):
		return pipeline.StateSelectingImage.String()
	case errors.As(err, &modelErr):
		return modelErr.Stage.String()
	case errors.As(err, &stageErr):
		return stageErr.Stage.String()
	case errors.As(err, &exportErr):
		return pipeline.StateExporting.String()
	}
	return ""
}
