package schema

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrEvidenceNotFound = errors.New("evidence not found")
	ErrDbAccessFailed   = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

// GetUserByEmail matches the email case insensitively so that logins typed
// with different capitalization resolve to the same account.
func GetUserByEmail(email string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "lower(email) = ?", strings.ToLower(strings.TrimSpace(email)))
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by email", "email", email, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetEvidence(evidenceId uuid.UUID, db *gorm.DB) (Evidence, error) {
	var evidence Evidence

	result := db.First(&evidence, "id = ?", evidenceId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return evidence, ErrEvidenceNotFound
		}
		slog.Error("sql error in get evidence", "evidence_id", evidenceId, "error", result.Error)
		return evidence, ErrDbAccessFailed
	}

	return evidence, nil
}

func ListEvidence(db *gorm.DB) ([]Evidence, error) {
	var evidences []Evidence
	result := db.Order("upload_date desc").Find(&evidences)
	if result.Error != nil {
		slog.Error("sql error in list evidence", "error", result.Error)
		return nil, ErrDbAccessFailed
	}
	return evidences, nil
}
