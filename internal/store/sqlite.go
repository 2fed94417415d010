package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Thulrus/ParallaxIndex/internal/core"
)

// sourceRow is the persisted shape of a core.SourceInstance.
type sourceRow struct {
	SourceID       string `gorm:"primaryKey;size:36"`
	PluginID       string `gorm:"not null"`
	DisplayName    string `gorm:"not null"`
	Enabled        bool   `gorm:"not null;default:true"`
	Config         string `gorm:"not null"` // JSON-encoded opaque config
	Weight         float64
	Polarity       string `gorm:"not null"`
	Schedule       string `gorm:"not null"`
	CollectTimeout int64  // nanoseconds; 0 means default
	CreatedAt      int64  `gorm:"not null"` // unix nanoseconds, UTC
	UpdatedAt      int64  `gorm:"not null"`
}

func (sourceRow) TableName() string { return "source_instances" }

// snapshotRow is the persisted shape of a core.DistilledSnapshot. The
// composite unique index enforces the (source, timestamp) invariant.
type snapshotRow struct {
	ID                  uint   `gorm:"primaryKey;autoIncrement"`
	SourceID            string `gorm:"size:36;not null;uniqueIndex:idx_snapshots_source_ts,priority:1"`
	Timestamp           int64  `gorm:"not null;uniqueIndex:idx_snapshots_source_ts,priority:2"` // unix nanoseconds, UTC
	Sentiment           float64
	SentimentConfidence float64
	Volatility          float64
	Terms               string `gorm:"not null"` // JSON-encoded []core.TermStat
	TermEntropy         float64
	AnomalyScore        float64
	Coverage            float64
}

func (snapshotRow) TableName() string { return "distilled_snapshots" }

// SQLite is the gorm-backed implementation of Store.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite serializes writers anyway; a single pooled connection avoids
	// SQLITE_BUSY under concurrent appends and keeps :memory: databases on
	// one connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&sourceRow{}, &snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Append implements SnapshotStore. Duplicate (source, timestamp) pairs are
// rejected and the failed attempt leaves the store unchanged.
func (s *SQLite) Append(ctx context.Context, snap core.DistilledSnapshot) error {
	row, err := toSnapshotRow(snap)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: source=%s ts=%s",
				core.ErrDuplicateKey, snap.SourceID, snap.Timestamp.UTC().Format(time.RFC3339Nano))
		}
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// Latest implements SnapshotStore.
func (s *SQLite) Latest(ctx context.Context, sourceID uuid.UUID) (core.DistilledSnapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).
		Where("source_id = ?", sourceID.String()).
		Order("timestamp DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.DistilledSnapshot{}, fmt.Errorf("%w: no snapshots for %s", core.ErrSourceNotFound, sourceID)
	}
	if err != nil {
		return core.DistilledSnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return fromSnapshotRow(row)
}

// History implements SnapshotStore. Results are most recent first; callers
// needing ascending order reverse as needed.
func (s *SQLite) History(ctx context.Context, sourceID uuid.UUID, limit int) ([]core.DistilledSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []snapshotRow
	err := s.db.WithContext(ctx).
		Where("source_id = ?", sourceID.String()).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}
	out := make([]core.DistilledSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := fromSnapshotRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// LatestForEnabled implements SnapshotStore.
func (s *SQLite) LatestForEnabled(ctx context.Context) (map[uuid.UUID]core.DistilledSnapshot, error) {
	var rows []snapshotRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT ds.*
		FROM distilled_snapshots ds
		INNER JOIN (
			SELECT source_id, MAX(timestamp) AS max_ts
			FROM distilled_snapshots
			GROUP BY source_id
		) latest ON ds.source_id = latest.source_id AND ds.timestamp = latest.max_ts
		INNER JOIN source_instances si
			ON si.source_id = ds.source_id AND si.enabled = true
	`).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest enabled snapshots: %w", err)
	}
	out := make(map[uuid.UUID]core.DistilledSnapshot, len(rows))
	for _, row := range rows {
		snap, err := fromSnapshotRow(row)
		if err != nil {
			return nil, err
		}
		out[snap.SourceID] = snap
	}
	return out, nil
}

// Sweep implements SnapshotStore: the explicit retention path, keeping the
// newest keep snapshots for a source.
func (s *SQLite) Sweep(ctx context.Context, sourceID uuid.UUID, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM distilled_snapshots
		WHERE source_id = ? AND id NOT IN (
			SELECT id FROM distilled_snapshots
			WHERE source_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
	`, sourceID.String(), sourceID.String(), keep)
	if res.Error != nil {
		return 0, fmt.Errorf("sweep snapshots: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CreateSource implements SourceStore.
func (s *SQLite) CreateSource(ctx context.Context, src core.SourceInstance) error {
	row, err := toSourceRow(src)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now().UTC().UnixNano()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: source %s already exists", core.ErrDuplicateKey, src.ID)
		}
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

// UpdateSource implements SourceStore.
func (s *SQLite) UpdateSource(ctx context.Context, src core.SourceInstance) error {
	row, err := toSourceRow(src)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now().UTC().UnixNano()
	res := s.db.WithContext(ctx).
		Model(&sourceRow{}).
		Where("source_id = ?", row.SourceID).
		Select("*").Omit("source_id", "created_at").
		Updates(row)
	if res.Error != nil {
		return fmt.Errorf("update source: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", core.ErrSourceNotFound, src.ID)
	}
	return nil
}

// DeleteSource implements SourceStore. Snapshots for the source are removed
// with it; an orphaned history has no consumer.
func (s *SQLite) DeleteSource(ctx context.Context, sourceID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("source_id = ?", sourceID.String()).Delete(&sourceRow{})
		if res.Error != nil {
			return fmt.Errorf("delete source: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", core.ErrSourceNotFound, sourceID)
		}
		if err := tx.Where("source_id = ?", sourceID.String()).Delete(&snapshotRow{}).Error; err != nil {
			return fmt.Errorf("delete source snapshots: %w", err)
		}
		return nil
	})
}

// GetSource implements SourceStore.
func (s *SQLite) GetSource(ctx context.Context, sourceID uuid.UUID) (core.SourceInstance, error) {
	var row sourceRow
	err := s.db.WithContext(ctx).Where("source_id = ?", sourceID.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.SourceInstance{}, fmt.Errorf("%w: %s", core.ErrSourceNotFound, sourceID)
	}
	if err != nil {
		return core.SourceInstance{}, fmt.Errorf("get source: %w", err)
	}
	return fromSourceRow(row)
}

// ListSources implements SourceStore.
func (s *SQLite) ListSources(ctx context.Context, enabledOnly bool) ([]core.SourceInstance, error) {
	q := s.db.WithContext(ctx).Model(&sourceRow{}).Order("created_at DESC")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var rows []sourceRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]core.SourceInstance, 0, len(rows))
	for _, row := range rows {
		src, err := fromSourceRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func toSnapshotRow(snap core.DistilledSnapshot) (snapshotRow, error) {
	terms := snap.Terms
	if terms == nil {
		terms = []core.TermStat{}
	}
	encoded, err := json.Marshal(terms)
	if err != nil {
		return snapshotRow{}, fmt.Errorf("encode terms: %w", err)
	}
	return snapshotRow{
		SourceID:            snap.SourceID.String(),
		Timestamp:           snap.Timestamp.UTC().UnixNano(),
		Sentiment:           snap.Sentiment,
		SentimentConfidence: snap.SentimentConfidence,
		Volatility:          snap.Volatility,
		Terms:               string(encoded),
		TermEntropy:         snap.TermEntropy,
		AnomalyScore:        snap.AnomalyScore,
		Coverage:            snap.Coverage,
	}, nil
}

func fromSnapshotRow(row snapshotRow) (core.DistilledSnapshot, error) {
	sourceID, err := uuid.Parse(row.SourceID)
	if err != nil {
		return core.DistilledSnapshot{}, fmt.Errorf("decode source id %q: %w", row.SourceID, err)
	}
	var terms []core.TermStat
	if err := json.Unmarshal([]byte(row.Terms), &terms); err != nil {
		return core.DistilledSnapshot{}, fmt.Errorf("decode terms: %w", err)
	}
	return core.DistilledSnapshot{
		SourceID:            sourceID,
		Timestamp:           time.Unix(0, row.Timestamp).UTC(),
		Sentiment:           row.Sentiment,
		SentimentConfidence: row.SentimentConfidence,
		Volatility:          row.Volatility,
		Terms:               terms,
		TermEntropy:         row.TermEntropy,
		AnomalyScore:        row.AnomalyScore,
		Coverage:            row.Coverage,
	}, nil
}

func toSourceRow(src core.SourceInstance) (sourceRow, error) {
	cfg := src.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return sourceRow{}, fmt.Errorf("encode source config: %w", err)
	}
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return sourceRow{
		SourceID:       src.ID.String(),
		PluginID:       src.PluginID,
		DisplayName:    src.DisplayName,
		Enabled:        src.Enabled,
		Config:         string(encoded),
		Weight:         src.Weight,
		Polarity:       string(src.Polarity),
		Schedule:       src.Schedule,
		CollectTimeout: int64(src.CollectTimeout),
		CreatedAt:      createdAt.UTC().UnixNano(),
	}, nil
}

func fromSourceRow(row sourceRow) (core.SourceInstance, error) {
	sourceID, err := uuid.Parse(row.SourceID)
	if err != nil {
		return core.SourceInstance{}, fmt.Errorf("decode source id %q: %w", row.SourceID, err)
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(row.Config), &cfg); err != nil {
		return core.SourceInstance{}, fmt.Errorf("decode source config: %w", err)
	}
	return core.SourceInstance{
		ID:             sourceID,
		PluginID:       row.PluginID,
		DisplayName:    row.DisplayName,
		Enabled:        row.Enabled,
		Config:         cfg,
		Weight:         row.Weight,
		Polarity:       core.SentimentPolarity(row.Polarity),
		Schedule:       row.Schedule,
		CollectTimeout: time.Duration(row.CollectTimeout),
		CreatedAt:      time.Unix(0, row.CreatedAt).UTC(),
	}, nil
}
