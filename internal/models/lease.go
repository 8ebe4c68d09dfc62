package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Lease is a named, expiring lock row shared by every process on the same
// database. Drains hold ("outbox", <key>); cron jobs hold ("cron", <job>).
type Lease struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex:idx_lease_name_key;size:100;not null" json:"name"`
	Key       string    `gorm:"column:lease_key;uniqueIndex:idx_lease_name_key;size:100;not null" json:"key"`
	HolderID  string    `gorm:"size:100" json:"holder_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

func (Lease) TableName() string { return "leases" }

// AcquireLease takes (name, key) for holder until now+ttl. It succeeds when
// the row is free, expired or already held by the same holder.
func AcquireLease(db *gorm.DB, name, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	lease := Lease{Name: name, Key: key, HolderID: holder, LockedAt: now, ExpiresAt: now.Add(ttl)}

	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
	if created.Error != nil {
		return false, created.Error
	}
	if created.RowsAffected == 1 {
		return true, nil
	}

	res := db.Model(&Lease{}).
		Where("name = ? AND lease_key = ? AND (holder_id = ? OR expires_at < ?)", name, key, holder, now).
		Updates(map[string]interface{}{
			"holder_id":  holder,
			"locked_at":  now,
			"expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLease frees (name, key) if holder still owns it.
func ReleaseLease(db *gorm.DB, name, key, holder string) error {
	return db.Where("name = ? AND lease_key = ? AND holder_id = ?", name, key, holder).
		Delete(&Lease{}).Error
}

// ReapExpiredLeases removes leases left behind by crashed holders.
func ReapExpiredLeases(db *gorm.DB) (int64, error) {
	res := db.Where("expires_at < ?", time.Now()).Delete(&Lease{})
	return res.RowsAffected, res.Error
}
