package relaydb

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lnbits/nostrrelay/lib/relay"
	"github.com/lnbits/nostrrelay/lib/stores"
)

// maxPrunableEvents caps how many rows a single prune pass considers.
const maxPrunableEvents = 10000

// InsertEvent persists the event and its tags in one transaction. The
// returned bool reports whether a new row was written; false means the
// relay already stored this event id.
func (store *GormRelayStore) InsertEvent(relayID string, event *nostr.Event, publisher string) (bool, error) {
	row := eventToRow(relayID, event, publisher)
	tagRows := eventTagRows(relayID, event)

	tx := store.DB.Begin()
	if tx.Error != nil {
		return false, tx.Error
	}

	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		tx.Rollback()
		return false, result.Error
	}

	if result.RowsAffected == 0 {
		tx.Rollback()
		return false, nil
	}

	if len(tagRows) > 0 {
		if err := tx.Create(&tagRows).Error; err != nil {
			tx.Rollback()
			return false, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return false, err
	}

	return true, nil
}

func (store *GormRelayStore) GetEvent(relayID string, eventID string) (*nostr.Event, error) {
	var row Event
	err := store.DB.Where("relay_id = ? AND id = ?", relayID, eventID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tags, err := store.eventTags(relayID, eventID)
	if err != nil {
		return nil, err
	}

	return rowToEvent(&row, tags), nil
}

// QueryEvents returns matching events newest first. Tag filters join
// against event_tags which can multiply rows, hence the DISTINCT.
func (store *GormRelayStore) QueryEvents(relayID string, filter *relay.Filter, includeTags bool) ([]*nostr.Event, error) {
	if filter == nil {
		filter = &relay.Filter{}
	}

	query := store.eventQuery(relayID, filter).
		Select("DISTINCT events.*").
		Order("events.created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []Event
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]*nostr.Event, 0, len(rows))
	for i := range rows {
		var tags nostr.Tags
		if includeTags {
			loaded, err := store.eventTags(relayID, rows[i].ID)
			if err != nil {
				return nil, err
			}
			tags = loaded
		}
		events = append(events, rowToEvent(&rows[i], tags))
	}

	return events, nil
}

func (store *GormRelayStore) MarkEventsDeleted(relayID string, filter *relay.Filter) error {
	if filter == nil || filter.IsEmpty() {
		return stores.ErrEmptyFilter
	}

	parts := filter.QueryComponents(relayID)
	where := strings.Join(parts.Where, " AND ")

	// UPDATE cannot carry JOINs in sqlite, so tag conditions go
	// through a subquery on the event ids.
	if len(parts.Joins) > 0 {
		subquery := fmt.Sprintf("SELECT events.id FROM events %s WHERE %s", strings.Join(parts.Joins, " "), where)
		sql := fmt.Sprintf("UPDATE events SET deleted = ? WHERE relay_id = ? AND id IN (%s)", subquery)
		values := append([]interface{}{true, relayID}, parts.Values...)
		return store.DB.Exec(sql, values...).Error
	}

	return store.DB.Table("events").Where(where, parts.Values...).Update("deleted", true).Error
}

// DeleteEvents removes matching rows and their tags for good.
func (store *GormRelayStore) DeleteEvents(relayID string, filter *relay.Filter) error {
	if filter == nil || filter.IsEmpty() {
		return stores.ErrEmptyFilter
	}

	ids, err := store.matchingEventIDs(relayID, filter)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	tx := store.DB.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	if err := tx.Where("relay_id = ? AND event_id IN ?", relayID, ids).Delete(&EventTag{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Where("relay_id = ? AND id IN ?", relayID, ids).Delete(&Event{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (store *GormRelayStore) DeleteAllEvents(relayID string) error {
	tx := store.DB.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	if err := tx.Where("relay_id = ?", relayID).Delete(&EventTag{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Where("relay_id = ?", relayID).Delete(&Event{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// StorageUsed sums the stored size of everything the publisher wrote
// to the relay. Rows only marked deleted still occupy storage and stay
// counted until they are purged.
func (store *GormRelayStore) StorageUsed(relayID string, publisher string) (uint64, error) {
	var total uint64
	err := store.DB.Table("events").
		Where("relay_id = ? AND publisher = ?", relayID, publisher).
		Select("COALESCE(SUM(size), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}

	return total, nil
}

func (store *GormRelayStore) OldestEvents(relayID string, pubkey string, limit int) ([]stores.EventRef, error) {
	var refs []stores.EventRef
	err := store.DB.Table("events").
		Where("relay_id = ? AND pubkey = ?", relayID, pubkey).
		Order("created_at ASC").
		Limit(limit).
		Select("id, size").
		Scan(&refs).Error
	if err != nil {
		return nil, err
	}

	return refs, nil
}

// PruneOldEvents deletes the author's oldest events until the freed
// bytes meet or exceed bytesNeeded.
func (store *GormRelayStore) PruneOldEvents(relayID string, pubkey string, bytesNeeded uint64) error {
	refs, err := store.OldestEvents(relayID, pubkey, maxPrunableEvents)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(refs))
	freed := uint64(0)
	for _, ref := range refs {
		ids = append(ids, ref.ID)
		freed += ref.Size
		if freed >= bytesNeeded {
			break
		}
	}

	if len(ids) == 0 {
		return nil
	}

	return store.DeleteEvents(relayID, &relay.Filter{IDs: ids})
}

func (store *GormRelayStore) eventQuery(relayID string, filter *relay.Filter) *gorm.DB {
	parts := filter.QueryComponents(relayID)

	query := store.DB.Table("events")
	for _, join := range parts.Joins {
		query = query.Joins(join)
	}

	return query.Where(strings.Join(parts.Where, " AND "), parts.Values...)
}

func (store *GormRelayStore) matchingEventIDs(relayID string, filter *relay.Filter) ([]string, error) {
	var ids []string
	err := store.eventQuery(relayID, filter).
		Distinct().
		Pluck("events.id", &ids).Error
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func (store *GormRelayStore) eventTags(relayID string, eventID string) (nostr.Tags, error) {
	var rows []EventTag
	err := store.DB.Where("relay_id = ? AND event_id = ?", relayID, eventID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	return rowsToTags(rows), nil
}
