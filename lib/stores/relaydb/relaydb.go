package relaydb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/logging"
)

// GormRelayStore is the GORM-backed implementation of stores.Store.
// All event rows are scoped by relay id so one database serves every
// relay hosted by the process.
type GormRelayStore struct {
	DB *gorm.DB
}

// Event is the persisted row for a nostr event.
type Event struct {
	RelayID   string `gorm:"column:relay_id;primaryKey;size:64"`
	ID        string `gorm:"column:id;primaryKey;size:64"`
	Pubkey    string `gorm:"column:pubkey;index;size:64"`
	CreatedAt int64  `gorm:"column:created_at;autoCreateTime:false;index"`
	Kind      int    `gorm:"column:kind;index"`
	Content   string `gorm:"column:content"`
	Sig       string `gorm:"column:sig;size:128"`
	Size      uint64 `gorm:"column:size"`
	Publisher string `gorm:"column:publisher;index;size:64"`
	Deleted   bool   `gorm:"column:deleted;index"`
}

func (Event) TableName() string {
	return "events"
}

// EventTag holds one tag of one event. Positional entries beyond the
// first value are kept as a JSON array in extra. The surrogate key
// preserves insertion order so tags round-trip in the order the event
// carried them.
type EventTag struct {
	ID      uint   `gorm:"primaryKey"`
	RelayID string `gorm:"column:relay_id;index:idx_event_tags_event;size:64"`
	EventID string `gorm:"column:event_id;index:idx_event_tags_event;size:64"`
	Name    string `gorm:"column:name;index;size:64"`
	Value   string `gorm:"column:value;index"`
	Extra   string `gorm:"column:extra"`
}

func (EventTag) TableName() string {
	return "event_tags"
}

// InitStore opens (or creates) the sqlite database at basepath and
// migrates the schema.
func InitStore(basepath string, args ...interface{}) (*GormRelayStore, error) {
	store := &GormRelayStore{}

	err := store.InitStore(basepath, args...)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func (store *GormRelayStore) InitStore(basepath string, args ...interface{}) error {
	dir := filepath.Dir(basepath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create database directory: %v", err)
		}
	}

	// SQLite connection settings for concurrent access:
	// - journal_mode=WAL enables Write-Ahead Logging for better concurrency
	// - busy_timeout=30000 waits up to 30 seconds when database is locked
	// - _txlock=immediate begins transactions sooner to reduce deadlocks
	// - _synchronous=normal provides a balance of safety and performance
	// - cache=shared enables shared cache mode
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=30000&_txlock=immediate&_synchronous=normal&_mutex=no&_locking_mode=normal&cache=shared", basepath)

	var err error
	store.DB, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		PrepareStmt:          true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to SQLite database: %v", err)
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %v", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetConnMaxLifetime(60 * time.Minute)

	if err := store.Init(); err != nil {
		return err
	}

	store.DB.Exec("PRAGMA foreign_keys = ON")
	store.DB.Exec("PRAGMA journal_size_limit = 67110000") // Limit WAL size to ~64MB
	store.DB.Exec("PRAGMA temp_store = MEMORY")

	logging.Infof("Relay database ready at %s", basepath)

	return nil
}

// Init migrates the schema.
func (store *GormRelayStore) Init() error {
	err := store.DB.AutoMigrate(
		&types.NostrRelay{},
		&types.Account{},
		&types.User{},
		&Event{},
		&EventTag{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database schema: %v", err)
	}

	return nil
}

func eventToRow(relayID string, event *nostr.Event, publisher string) *Event {
	size := uint64(0)
	if raw, err := event.MarshalJSON(); err == nil {
		size = uint64(len(raw))
	}

	return &Event{
		RelayID:   relayID,
		ID:        event.ID,
		Pubkey:    event.PubKey,
		CreatedAt: int64(event.CreatedAt),
		Kind:      event.Kind,
		Content:   event.Content,
		Sig:       event.Sig,
		Size:      size,
		Publisher: publisher,
		Deleted:   false,
	}
}

// eventTagRows flattens the event's tags into rows. Tags with fewer
// than two entries carry nothing a filter could match and are skipped.
func eventTagRows(relayID string, event *nostr.Event) []EventTag {
	rows := make([]EventTag, 0, len(event.Tags))
	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}

		extra := ""
		if len(tag) > 2 {
			raw, err := jsoniter.Marshal([]string(tag[2:]))
			if err == nil {
				extra = string(raw)
			}
		}

		rows = append(rows, EventTag{
			RelayID: relayID,
			EventID: event.ID,
			Name:    tag[0],
			Value:   tag[1],
			Extra:   extra,
		})
	}

	return rows
}

func rowToEvent(row *Event, tags nostr.Tags) *nostr.Event {
	if tags == nil {
		tags = nostr.Tags{}
	}

	return &nostr.Event{
		ID:        row.ID,
		PubKey:    row.Pubkey,
		CreatedAt: nostr.Timestamp(row.CreatedAt),
		Kind:      row.Kind,
		Tags:      tags,
		Content:   row.Content,
		Sig:       row.Sig,
	}
}

func rowsToTags(rows []EventTag) nostr.Tags {
	tags := make(nostr.Tags, 0, len(rows))
	for _, row := range rows {
		tag := nostr.Tag{row.Name, row.Value}
		if row.Extra != "" {
			var extra []string
			if err := jsoniter.Unmarshal([]byte(row.Extra), &extra); err == nil {
				tag = append(tag, extra...)
			}
		}
		tags = append(tags, tag)
	}

	return tags
}
