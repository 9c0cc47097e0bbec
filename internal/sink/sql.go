package sink

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

type processRecord struct {
	ID                   uint    `gorm:"primaryKey"`
	PID                  int32   `gorm:"column:pid"`
	Name                 string  `gorm:"column:name;index"`
	MemoryUsage          float64 `gorm:"column:memory_usage"`
	NumThreads           int     `gorm:"column:num_threads"`
	CPUUsage             float64 `gorm:"column:cpu_usage"`
	CarbonFootprint      float64 `gorm:"column:carbon_footprint"`
	LicenseCost          float64 `gorm:"column:license_cost"`
	SustainabilityRating int     `gorm:"column:sustainability_rating"`
	CreateTime           string  `gorm:"column:create_time"`
	Username             string  `gorm:"column:username"`
}

func (processRecord) TableName() string { return "processes" }

type hourlyRecord struct {
	Hour                 string  `gorm:"column:hour;primaryKey"`
	AvgMemoryUsage       float64 `gorm:"column:avg_memory_usage"`
	AvgCPUUsage          float64 `gorm:"column:avg_cpu_usage"`
	TotalCarbonFootprint float64 `gorm:"column:total_carbon_footprint"`
}

func (hourlyRecord) TableName() string { return "hourly_data" }

// timeLayout matches what spreadsheet and BI tools import without a format hint.
const timeLayout = "2006-01-02 15:04:05"

// SQL mirrors each snapshot into a sqlite database with one row per process name and
// one row per hour.
type SQL struct {
	db   *gorm.DB
	path string
}

func OpenSQL(path string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrapf(err, "open sink database %s", path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&processRecord{}, &hourlyRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "migrate sink schema")
	}
	return &SQL{db: db, path: path}, nil
}

func (s *SQL) Name() string { return "sql:" + s.path }

// Write replaces both tables in one transaction.
func (s *SQL) Write(ctx context.Context, snap model.Snapshot) error {
	procs := make([]processRecord, 0, len(snap.Rows))
	for _, r := range snap.Rows {
		procs = append(procs, processRecord{
			PID:                  r.PID,
			Name:                 r.Name,
			MemoryUsage:          r.AvgMemoryMB,
			NumThreads:           r.NumThreads,
			CPUUsage:             r.AvgCPUPercent,
			CarbonFootprint:      r.CarbonFootprintKg,
			LicenseCost:          r.LicenseCostUSD,
			SustainabilityRating: r.SustainabilityRating,
			CreateTime:           formatTime(r.CreateTime),
			Username:             r.Username,
		})
	}
	hours := make([]hourlyRecord, 0, len(snap.Hourly))
	for _, h := range snap.Hourly {
		hours = append(hours, hourlyRecord{
			Hour:                 formatTime(h.HourStart),
			AvgMemoryUsage:       h.AvgMemoryMB,
			AvgCPUUsage:          h.AvgCPUPercent,
			TotalCarbonFootprint: h.TotalCarbonKg,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM processes").Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM hourly_data").Error; err != nil {
			return err
		}
		if len(procs) > 0 {
			if err := tx.CreateInBatches(procs, 200).Error; err != nil {
				return err
			}
		}
		if len(hours) > 0 {
			if err := tx.CreateInBatches(hours, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "write snapshot to %s", s.path)
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}
