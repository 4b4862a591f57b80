package metrics

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gmadsen/syncd/internal/logger"
)

// metricRow is the gorm model backing the SQLiteCollector's table, one
// row per recorded name/value pair.
type metricRow struct {
	gorm.Model
	Name  string `gorm:"not null;index"`
	Value string `gorm:"not null"`
}

// SQLiteCollector is a durable Collector backed by gorm + glebarez/sqlite,
// queryable from `syncd history`.
type SQLiteCollector struct {
	db *gorm.DB
}

// NewSQLiteCollector opens (and migrates) a sqlite database at path.
func NewSQLiteCollector(path string) (*SQLiteCollector, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}

	if err := db.AutoMigrate(&metricRow{}); err != nil {
		return nil, fmt.Errorf("migrate metrics db: %w", err)
	}

	return &SQLiteCollector{db: db}, nil
}

func (c *SQLiteCollector) Record(name, value string) {
	if err := c.db.Create(&metricRow{Name: name, Value: value}).Error; err != nil {
		logger.Log.Error("failed to persist metric", zap.String("name", name), zap.Error(err))
	}
}

func (c *SQLiteCollector) Collect() []Metric {
	var rows []metricRow
	if err := c.db.Order("created_at asc").Find(&rows).Error; err != nil {
		logger.Log.Error("failed to load metrics", zap.Error(err))
		return nil
	}

	out := make([]Metric, 0, len(rows))
	for _, r := range rows {
		out = append(out, Metric{Name: r.Name, Value: r.Value, Timestamp: r.CreatedAt})
	}
	return out
}

// Recent returns the n most recently recorded metrics matching name, or
// every name if name is empty.
func (c *SQLiteCollector) Recent(name string, n int) ([]Metric, error) {
	q := c.db.Order("created_at desc").Limit(n)
	if name != "" {
		q = q.Where("name = ?", name)
	}

	var rows []metricRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query recent metrics: %w", err)
	}

	out := make([]Metric, 0, len(rows))
	for _, r := range rows {
		out = append(out, Metric{Name: r.Name, Value: r.Value, Timestamp: r.CreatedAt})
	}
	return out, nil
}

// Close releases the underlying database connection.
func (c *SQLiteCollector) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
