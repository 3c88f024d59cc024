package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM DB handle and exposes the prediction log.
type Database struct {
	gorm *gorm.DB
	mu   sync.Mutex
}

// Open initializes the SQLite-backed prediction log at the provided path.
func Open(path string, silent bool) (*Database, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path required")
	}
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Prediction{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		logrus.WithError(err).Warn("enable WAL mode")
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		logrus.WithError(err).Warn("set synchronous pragma")
	}
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_predictions_label_created ON predictions(label, created_at)").Error; err != nil {
		return nil, fmt.Errorf("apply indexes: %w", err)
	}
	return &Database{gorm: db}, nil
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SavePrediction appends a prediction row.
func (d *Database) SavePrediction(p *Prediction) error {
	if d == nil {
		return errors.New("database is nil")
	}
	if p == nil {
		return errors.New("prediction is nil")
	}
	if strings.TrimSpace(p.RequestID) == "" {
		return errors.New("prediction request id required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Create(p).Error
}

// GetPrediction fetches a prediction by request id.
func (d *Database) GetPrediction(requestID string) (*Prediction, error) {
	var row Prediction
	if err := d.gorm.Where("request_id = ?", strings.TrimSpace(requestID)).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// likeEscaper makes LIKE wildcards in a search term match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// PredictionQuery filters and pages the prediction history.
type PredictionQuery struct {
	Label  string
	Source string
	Query  string
	Offset int
	Limit  int
}

// ListPredictions returns predictions newest first along with the filtered total.
func (d *Database) ListPredictions(opts PredictionQuery) ([]Prediction, int64, error) {
	base := d.gorm.Model(&Prediction{})
	if label := strings.TrimSpace(opts.Label); label != "" {
		base = base.Where("LOWER(label) = ?", strings.ToLower(label))
	}
	if source := strings.TrimSpace(opts.Source); source != "" {
		base = base.Where("source = ?", strings.ToLower(source))
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		base = base.Where(`text LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(q)+"%")
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := base.Session(&gorm.Session{}).Order("id DESC").Offset(opts.Offset)
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	var rows []Prediction
	if err := query.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// CountByLabel aggregates the history per label, most frequent first.
func (d *Database) CountByLabel() ([]LabelCount, error) {
	if d == nil {
		return nil, errors.New("database is nil")
	}
	var results []LabelCount
	query := d.gorm.Model(&Prediction{}).
		Select("label AS label, COUNT(*) AS total").
		Group("label").
		Order("total DESC, label ASC")
	if err := query.Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("count by label: %w", err)
	}
	return results, nil
}
