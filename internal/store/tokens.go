package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"gorm.io/gorm"
)

// GetOrCreateCabinetToken возвращает живой токен ключа либо создаёт
// новый: 32 случайных байта в base64-url.
func (s *Store) GetOrCreateCabinetToken(userID, keyID int64) (string, error) {
	var existing CabinetToken
	err := s.db.First(&existing, "key_id = ?", keyID).Error
	if err == nil {
		return existing.Token, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	err = s.write(func(tx *gorm.DB) error {
		createErr := tx.Create(&CabinetToken{
			Token:     token,
			UserID:    userID,
			KeyID:     keyID,
			CreatedAt: time.Now().UTC(),
		}).Error
		if createErr != nil && isUniqueViolation(createErr) {
			// конкурентная вставка для того же ключа — берём победителя
			return tx.First(&existing, "key_id = ?", keyID).Error
		}
		return createErr
	})
	if err != nil {
		return "", err
	}
	if existing.Token != "" {
		return existing.Token, nil
	}
	return token, nil
}

// ValidateCabinetToken проверяет токен; на попадании бампает счётчик
// обращений и last_used_at.
func (s *Store) ValidateCabinetToken(token string) (*CabinetToken, error) {
	var t CabinetToken
	if err := s.db.First(&t, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	now := time.Now().UTC()
	err := s.write(func(tx *gorm.DB) error {
		return tx.Model(&CabinetToken{}).Where("token = ?", token).Updates(map[string]interface{}{
			"access_count": gorm.Expr("access_count + 1"),
			"last_used_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	t.AccessCount++
	t.LastUsedAt = &now
	return &t, nil
}
