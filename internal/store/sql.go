package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kjstillabower/city-weather-proxy/internal/models"
)

// readingRow is the persisted layout: one row per normalized city key.
// last_updated is stored at microsecond precision (the Postgres timestamptz limit).
type readingRow struct {
	CityKey       string    `gorm:"column:city_key;primaryKey;size:100"`
	CityName      string    `gorm:"column:city_name;not null"`
	Temperature   string    `gorm:"column:temperature;not null"`
	Humidity      string    `gorm:"column:humidity;not null"`
	WindSpeed     string    `gorm:"column:wind_speed;not null"`
	WindDirection string    `gorm:"column:wind_direction;not null"`
	Pressure      string    `gorm:"column:pressure;not null"`
	IconCode      string    `gorm:"column:icon_code;not null"`
	LastUpdated   time.Time `gorm:"column:last_updated;not null"`
}

func (readingRow) TableName() string { return "readings" }

func rowFromReading(key string, r models.Reading) readingRow {
	return readingRow{
		CityKey:       key,
		CityName:      r.CityName,
		Temperature:   r.Temperature,
		Humidity:      r.Humidity,
		WindSpeed:     r.WindSpeed,
		WindDirection: r.WindDirection,
		Pressure:      r.Pressure,
		IconCode:      r.IconCode,
		LastUpdated:   r.LastUpdated.UTC().Truncate(time.Microsecond),
	}
}

func (row readingRow) reading() models.Reading {
	return models.Reading{
		CityName:      row.CityName,
		Temperature:   row.Temperature,
		Humidity:      row.Humidity,
		WindSpeed:     row.WindSpeed,
		WindDirection: row.WindDirection,
		Pressure:      row.Pressure,
		IconCode:      row.IconCode,
		LastUpdated:   row.LastUpdated.UTC(),
	}
}

// SQLStore implements Store on a relational database through GORM.
// Works with any GORM dialector; OpenSQLite and OpenPostgres cover the supported ones.
type SQLStore struct {
	db *gorm.DB
}

var gormConfig = &gorm.Config{
	Logger: gormlogger.Default.LogMode(gormlogger.Silent),
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
// path may be a file: URI such as "file:readings?mode=memory&cache=shared".
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// OpenPostgres opens a PostgreSQL connection. sslMode defaults to "disable".
func OpenPostgres(host string, port int, user, password, dbName, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	db, err := gorm.Open(postgres.Open(postgresDSN(host, port, user, password, dbName, sslMode)), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("open postgres %s:%d/%s: %w", host, port, dbName, err)
	}
	return db, nil
}

// postgresDSN builds a postgres:// URL so credentials are escaped.
func postgresDSN(host string, port int, user, password, dbName, sslMode string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + dbName,
		RawQuery: url.Values{"sslmode": {sslMode}, "TimeZone": {"UTC"}}.Encode(),
	}
	return u.String()
}

// NewSQLStore migrates the readings table and returns a store over db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&readingRow{}); err != nil {
		return nil, fmt.Errorf("migrate readings: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (models.Reading, bool, error) {
	var row readingRow
	err := s.db.WithContext(ctx).Where("city_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Reading{}, false, nil
	}
	if err != nil {
		return models.Reading{}, false, unavailable("get", err)
	}
	return row.reading(), true, nil
}

// Upsert writes the row with INSERT ... ON CONFLICT(city_key) DO UPDATE, so a
// refresh never leaves the key absent.
func (s *SQLStore) Upsert(ctx context.Context, key string, r models.Reading) error {
	if err := checkUpsert(key, r); err != nil {
		return err
	}
	row := rowFromReading(key, r)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "city_key"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("city_key = ?", key).Delete(&readingRow{}).Error; err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
