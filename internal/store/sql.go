package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLConfig addresses a mysql or postgres database.
type SQLConfig struct {
	Driver   string `yaml:"driver" json:"driver"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	Charset  string `yaml:"charset" json:"charset"`

	MaxIdleConns    int `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime" json:"conn_max_lifetime"` // seconds
}

// PerformanceRecord is one row of the performance table.
type PerformanceRecord struct {
	Name      string  `gorm:"primaryKey;size:191"`
	Index     float64 `gorm:"column:performance_index"`
	UpdatedAt time.Time
}

// TableName implements gorm's Tabler.
func (PerformanceRecord) TableName() string { return "sysarray_performance" }

// SQLStore keeps indices in a relational table through gorm.
type SQLStore struct {
	db *gorm.DB
}

// Dialector returns the gorm dialector for cfg.
func (cfg *SQLConfig) Dialector() (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		charset := cfg.Charset
		if charset == "" {
			charset = "utf8mb4"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Database,
			charset,
		)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host,
			cfg.Port,
			cfg.Username,
			cfg.Password,
			cfg.Database,
		)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// NewSQLStore opens the database and migrates the performance table.
func NewSQLStore(ctx context.Context, cfg *SQLConfig) (*SQLStore, error) {
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	s := NewSQLStoreWithDB(db)
	if err := db.WithContext(ctx).AutoMigrate(&PerformanceRecord{}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewSQLStoreWithDB wraps an open gorm handle. The table must exist.
func NewSQLStoreWithDB(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Load implements PerformanceStore.
func (s *SQLStore) Load(ctx context.Context, name string) (float64, bool, error) {
	var rec PerformanceRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rec.Index, true, nil
}

// Save implements PerformanceStore.
func (s *SQLStore) Save(ctx context.Context, name string, index float64) error {
	rec := PerformanceRecord{Name: name, Index: index, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"performance_index", "updated_at"}),
	}).Create(&rec).Error
}

// All implements PerformanceStore.
func (s *SQLStore) All(ctx context.Context) (map[string]float64, error) {
	var recs []PerformanceRecord
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(recs))
	for _, r := range recs {
		out[r.Name] = r.Index
	}
	return out, nil
}

// Close implements PerformanceStore.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
