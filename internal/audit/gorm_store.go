package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "chatstack.local/projects/agent-bridge/internal/db"
	"chatstack.local/projects/agent-bridge/internal/ids"
	"chatstack.local/projects/agent-bridge/internal/usercontext"
)

// GormStore persists context audit records for compliance review. It plugs
// into the context manager as its AuditSink.
type GormStore struct {
	db *gorm.DB
}

type auditRow struct {
	ID           string `gorm:"primaryKey;column:id"`
	ContextKey   string `gorm:"column:context_key;index"`
	EventType    string `gorm:"column:event_type"`
	OccurredAt   time.Time
	MetadataJSON string `gorm:"column:metadata_json"`
}

func (auditRow) TableName() string { return "context_audit_events" }

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.db.AutoMigrate(&auditRow{}); err != nil {
		return nil, fmt.Errorf("migrate audit store: %w", err)
	}
	return store, nil
}

// Append implements usercontext.AuditSink.
func (s *GormStore) Append(ctx context.Context, key string, record usercontext.AuditRecord) error {
	metadata := ""
	if record.Metadata != nil {
		encoded, err := json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		metadata = string(encoded)
	}

	row := auditRow{
		ID:           ids.NewPrefixed("aud"),
		ContextKey:   key,
		EventType:    record.EventType,
		OccurredAt:   record.Timestamp,
		MetadataJSON: metadata,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("persist audit record: %w", err)
	}
	return nil
}

// Trail returns the persisted records for one context key in insertion
// order.
func (s *GormStore) Trail(ctx context.Context, key string) ([]usercontext.AuditRecord, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("context_key = ?", key).
		Order("occurred_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}

	out := make([]usercontext.AuditRecord, 0, len(rows))
	for _, row := range rows {
		record := usercontext.AuditRecord{
			EventType: row.EventType,
			Timestamp: row.OccurredAt,
		}
		if row.MetadataJSON != "" {
			var metadata map[string]any
			if err := json.Unmarshal([]byte(row.MetadataJSON), &metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
			record.Metadata = metadata
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
