package recon

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/nimavakil1/recon_backend/models"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleIdempotencyAfter is how long a STARTED row blocks other passes before
// it is presumed orphaned (its owner died mid-action) and retaken.
const staleIdempotencyAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// idempotencyVerdict decides what an existing row means for a new attempt:
// skip (SUCCEEDED), wait (fresh STARTED), or retake (stale STARTED, FAILED).
func idempotencyVerdict(existing models.IdempotencyKey, now time.Time) (skip bool, retake bool, err error) {
	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, false, nil
	case models.IdempotencyStatusStarted:
		if now.Sub(existing.UpdatedAt) < staleIdempotencyAfter {
			return false, false, ErrIdempotencyInProgress
		}
		return false, true, nil
	default:
		return false, true, nil
	}
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil)
// meaning "skip safely". A stale STARTED row (another pass died mid-action)
// is retaken.
func BeginIdempotency(tx *gorm.DB, sourceId, actionType, actionKey string) (skip bool, err error) {
	key := models.IdempotencyKey{
		SourceId:   sourceId,
		ActionType: actionType,
		ActionKey:  actionKey,
		Status:     models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("source_id = ? AND action_type = ? AND action_key = ?", sourceId, actionType, actionKey).
		First(&existing).Error; err != nil {
		return false, err
	}

	skip, retake, verdictErr := idempotencyVerdict(existing, time.Now())
	if verdictErr != nil || !retake {
		return skip, verdictErr
	}
	return false, retakeIdempotencyRow(tx, existing.ID)
}

func retakeIdempotencyRow(tx *gorm.DB, id int) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, sourceId, actionType, actionKey string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("source_id = ? AND action_type = ? AND action_key = ?", sourceId, actionType, actionKey).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, sourceId, actionType, actionKey string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("source_id = ? AND action_type = ? AND action_key = ?", sourceId, actionType, actionKey).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
