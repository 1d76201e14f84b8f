// Package holidays supplies the holiday sets consumed by the calendar.
package holidays

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingSource indicates a cache or decorator without an upstream source.
	ErrMissingSource = errors.New("holidays: source is required")
	// ErrInvalidHoliday indicates a holiday entry with a bad date or empty name.
	ErrInvalidHoliday = errors.New("holidays: invalid holiday")
)

// Holiday is a single observed holiday.
type Holiday struct {
	DayKey string `json:"date"`
	Name   string `json:"name"`
}

// Source returns the holidays observed in a year.
type Source interface {
	HolidaysForYear(ctx context.Context, year int) ([]Holiday, error)
}

// Record is the persisted holiday row.
type Record struct {
	DayKey string `gorm:"column:day_key;primaryKey;size:10;not null"`
	Year   int    `gorm:"column:year;not null;index"`
	Name   string `gorm:"column:name;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "holidays"
}

// GormSource reads holidays from the holidays table.
type GormSource struct {
	db *gorm.DB
}

// NewGormSource constructs a table-backed holiday source.
func NewGormSource(db *gorm.DB) (*GormSource, error) {
	if db == nil {
		return nil, fmt.Errorf("holidays: database connection required")
	}
	return &GormSource{db: db}, nil
}

// HolidaysForYear lists the holidays stored for the year, ordered by date.
func (source *GormSource) HolidaysForYear(ctx context.Context, year int) ([]Holiday, error) {
	var records []Record
	if err := source.db.WithContext(ctx).
		Where("year = ?", year).
		Order("day_key ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]Holiday, 0, len(records))
	for _, record := range records {
		result = append(result, Holiday{DayKey: record.DayKey, Name: record.Name})
	}
	return result, nil
}

// Upsert stores holidays, replacing the name of existing dates.
func (source *GormSource) Upsert(ctx context.Context, entries []Holiday) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		civil, err := calendar.ParseDayKey(entry.DayKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidHoliday, err)
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return fmt.Errorf("%w: empty name for %s", ErrInvalidHoliday, entry.DayKey)
		}
		records = append(records, Record{DayKey: entry.DayKey, Year: civil.Year(), Name: name})
	}
	return source.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "year"}),
	}).Create(&records).Error
}

func toSet(entries []Holiday) calendar.HolidaySet {
	set := make(calendar.HolidaySet, len(entries))
	for _, entry := range entries {
		set[entry.DayKey] = entry.Name
	}
	return set
}
