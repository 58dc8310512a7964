package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "duplicate key")
}

// claimNotification inserts rec under its idempotency key in its own statement.
// If the key already exists the stored record is returned with created=false and nothing is sent.
func claimNotification(ctx context.Context, db *gorm.DB, rec *models.NotificationRecord) (stored *models.NotificationRecord, created bool, err error) {
	if err := db.WithContext(ctx).Create(rec).Error; err == nil {
		return rec, true, nil
	} else if !isDuplicateKeyErr(err) {
		return nil, false, err
	}

	existing, err := models.GetNotificationByIdempotencyKey(ctx, db, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}
