package store

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

type aggregateRecord struct {
	Name       string `gorm:"primaryKey;size:255"`
	PID        int32
	LastSeen   int64 `gorm:"index"` // unix nanoseconds
	WindowSize int
	Memory     []byte // JSON encoded []model.Point
	CPU        []byte
	Threads    []byte
	DiskRead   uint64
	DiskWrite  uint64
	CreateTime int64
	Username   string `gorm:"size:255"`
}

func (aggregateRecord) TableName() string { return "aggregates" }

type rollupRecord struct {
	Hour          int64 `gorm:"primaryKey;autoIncrement:false"` // unix seconds of the hour start
	AvgMemoryMB   float64
	AvgCPUPercent float64
	TotalCarbonKg float64
	Samples       int
	Rating0       int
	Rating1       int
	Rating2       int
	Names         []byte // JSON encoded map[string]model.HourlyNameStats
}

func (rollupRecord) TableName() string { return "hourly_rollups" }

// SQL is the durable Store backed by sqlite through gorm. Every write runs in its own
// transaction so a crash never leaves a half-written row behind.
type SQL struct {
	db   *gorm.DB
	opts options
}

// OpenSQL opens (or creates) the database at dsn and migrates the schema.
func OpenSQL(dsn string, opts ...Option) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dsn)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer; one connection also keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&aggregateRecord{}, &rollupRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &SQL{db: db, opts: applyOptions(opts)}, nil
}

func (s *SQL) UpsertAggregate(ctx context.Context, a *model.ProcessAggregate) error {
	if a == nil || a.Name == "" {
		return errors.New("aggregate without name")
	}
	rec, err := toRecord(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	})
}

func (s *SQL) GetAggregate(ctx context.Context, name string) (*model.ProcessAggregate, error) {
	var rec aggregateRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithDetails(ErrNotFound, "name", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get aggregate %q", name)
	}
	return fromRecord(rec)
}

func (s *SQL) ListAggregates(ctx context.Context) ([]*model.ProcessAggregate, error) {
	var recs []aggregateRecord
	if err := s.db.WithContext(ctx).Order("name").Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "list aggregates")
	}
	out := make([]*model.ProcessAggregate, 0, len(recs))
	for _, rec := range recs {
		a, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQL) DeleteAggregate(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Where("name = ?", name).Delete(&aggregateRecord{}).Error
}

func (s *SQL) AppendHourlyRollup(ctx context.Context, r model.HourlyRollup) error {
	names, err := json.Marshal(r.Names)
	if err != nil {
		return errors.Wrap(err, "encode hourly names")
	}
	rec := rollupRecord{
		Hour:          r.HourStart.Unix(),
		AvgMemoryMB:   r.AvgMemoryMB,
		AvgCPUPercent: r.AvgCPUPercent,
		TotalCarbonKg: r.TotalCarbonKg,
		Samples:       r.Samples,
		Rating0:       r.RatingCounts[0],
		Rating1:       r.RatingCounts[1],
		Rating2:       r.RatingCounts[2],
		Names:         names,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return err
		}
		keep := tx.Model(&rollupRecord{}).Select("hour").Order("hour DESC").Limit(s.opts.hourlyRetention)
		return tx.Where("hour NOT IN (?)", keep).Delete(&rollupRecord{}).Error
	})
}

func (s *SQL) ListHourlyRollups(ctx context.Context) ([]model.HourlyRollup, error) {
	var recs []rollupRecord
	if err := s.db.WithContext(ctx).Order("hour").Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "list hourly rollups")
	}
	out := make([]model.HourlyRollup, len(recs))
	for i, rec := range recs {
		var names map[string]model.HourlyNameStats
		if len(rec.Names) > 0 {
			if err := json.Unmarshal(rec.Names, &names); err != nil {
				return nil, errors.Wrapf(err, "decode hourly names of %d", rec.Hour)
			}
		}
		out[i] = model.HourlyRollup{
			HourStart:     time.Unix(rec.Hour, 0),
			AvgMemoryMB:   rec.AvgMemoryMB,
			AvgCPUPercent: rec.AvgCPUPercent,
			TotalCarbonKg: rec.TotalCarbonKg,
			Samples:       rec.Samples,
			RatingCounts:  [3]int{rec.Rating0, rec.Rating1, rec.Rating2},
			Names:         names,
		}
	}
	return out, nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(a *model.ProcessAggregate) (aggregateRecord, error) {
	mem, err := json.Marshal(a.Memory.Points())
	if err != nil {
		return aggregateRecord{}, err
	}
	cpu, err := json.Marshal(a.CPU.Points())
	if err != nil {
		return aggregateRecord{}, err
	}
	threads, err := json.Marshal(a.Threads.Points())
	if err != nil {
		return aggregateRecord{}, err
	}
	return aggregateRecord{
		Name:       a.Name,
		PID:        a.PID,
		LastSeen:   unixNano(a.LastSeen),
		WindowSize: a.Memory.Cap(),
		Memory:     mem,
		CPU:        cpu,
		Threads:    threads,
		DiskRead:   a.DiskRead,
		DiskWrite:  a.DiskWrite,
		CreateTime: unixNano(a.CreateTime),
		Username:   a.Username,
	}, nil
}

func fromRecord(rec aggregateRecord) (*model.ProcessAggregate, error) {
	var mem, cpu, threads []model.Point
	for _, f := range []struct {
		raw []byte
		dst *[]model.Point
	}{{rec.Memory, &mem}, {rec.CPU, &cpu}, {rec.Threads, &threads}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, errors.Wrapf(err, "decode samples of %q", rec.Name)
		}
	}
	return &model.ProcessAggregate{
		Name:       rec.Name,
		PID:        rec.PID,
		LastSeen:   fromUnixNano(rec.LastSeen),
		Memory:     model.WindowFrom(rec.WindowSize, mem),
		CPU:        model.WindowFrom(rec.WindowSize, cpu),
		Threads:    model.WindowFrom(rec.WindowSize, threads),
		DiskRead:   rec.DiskRead,
		DiskWrite:  rec.DiskWrite,
		CreateTime: fromUnixNano(rec.CreateTime),
		Username:   rec.Username,
	}, nil
}

// The zero time does not fit in int64 nanoseconds; store it as 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
