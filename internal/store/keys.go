package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// NextKeyNumber — порядковый номер нового ключа пользователя,
// используется в email-адресе клиента на панели.
func (s *Store) NextKeyNumber(userID int64) (int, error) {
	var count int64
	if err := s.db.Model(&Key{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count) + 1, nil
}

// KeyEmail — натуральный ключ клиента на стороне панели.
func KeyEmail(userID int64, keyNumber int, hostCode string) string {
	return fmt.Sprintf("user%d-key%d@%s.bot", userID, keyNumber, hostCode)
}

// CreateKeyParams — аргументы create_or_extend_key.
type CreateKeyParams struct {
	UserID           int64
	HostCode         string
	PlanID           *int64
	Email            string
	ClientUUID       string
	Expiry           time.Time
	Status           string
	ConnectionString string
	SubscriptionLink string
	IsTrial          bool
}

// CreateKey вставляет новый ключ.
func (s *Store) CreateKey(p CreateKeyParams) (int64, error) {
	key := Key{
		UserID:           p.UserID,
		HostCode:         p.HostCode,
		PlanID:           p.PlanID,
		Email:            p.Email,
		ClientUUID:       p.ClientUUID,
		ExpiryDate:       p.Expiry,
		Status:           p.Status,
		Enabled:          true,
		ConnectionString: p.ConnectionString,
		SubscriptionLink: p.SubscriptionLink,
		IsTrial:          p.IsTrial,
		CreatedDate:      time.Now().UTC(),
	}
	err := s.write(func(tx *gorm.DB) error {
		if err := tx.Create(&key).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return key.KeyID, nil
}

// ExtendKey обновляет срок существующего ключа и перезаписывает
// uuid/ссылки, если они заданы.
func (s *Store) ExtendKey(keyID int64, newExpiry time.Time, clientUUID, connectionString, subscriptionLink string) error {
	return s.write(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"expiry_date": newExpiry,
			"status":      KeyStatusPayActive,
			"enabled":     true,
		}
		if clientUUID != "" {
			updates["xui_client_uuid"] = clientUUID
		}
		if connectionString != "" {
			updates["connection_string"] = connectionString
		}
		if subscriptionLink != "" {
			updates["subscription_link"] = subscriptionLink
		}
		res := tx.Model(&Key{}).Where("key_id = ?", keyID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetKey(keyID int64) (*Key, error) {
	var key Key
	if err := s.db.First(&key, "key_id = ?", keyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

func (s *Store) GetKeyByEmail(email string) (*Key, error) {
	var key Key
	if err := s.db.First(&key, "key_email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

func (s *Store) GetUserKeys(userID int64) ([]Key, error) {
	var keys []Key
	err := s.db.Where("user_id = ?", userID).Order("key_id asc").Find(&keys).Error
	return keys, err
}

// ExpiredActiveKeys — активные ключи с истёкшим сроком.
func (s *Store) ExpiredActiveKeys(now time.Time) ([]Key, error) {
	var keys []Key
	err := s.db.Where("expiry_date <= ? AND status IN ?", now,
		[]string{KeyStatusTrialActive, KeyStatusPayActive}).Find(&keys).Error
	return keys, err
}

// ActiveKeys — все ключи в активных статусах (для предупреждений об истечении).
func (s *Store) ActiveKeys() ([]Key, error) {
	var keys []Key
	err := s.db.Where("status IN ?", []string{KeyStatusTrialActive, KeyStatusPayActive}).Find(&keys).Error
	return keys, err
}

func (s *Store) KeysForHost(hostCode string) ([]Key, error) {
	var keys []Key
	err := s.db.Where("host_code = ?", hostCode).Find(&keys).Error
	return keys, err
}

// StaleEndedKeys — завершённые ключи, чей срок истёк раньше cutoff.
// Такие записи подлежат удалению при сверке с панелью.
func (s *Store) StaleEndedKeys(cutoff time.Time) ([]Key, error) {
	var keys []Key
	err := s.db.Where("expiry_date <= ? AND status IN ?", cutoff,
		[]string{KeyStatusTrialEnded, KeyStatusPayEnded, KeyStatusDeactivate}).Find(&keys).Error
	return keys, err
}

// SetKeyStatus переводит ключ в новый статус; enabled отражает
// состояние на панели.
func (s *Store) SetKeyStatus(keyID int64, status string, enabled bool) error {
	return s.write(func(tx *gorm.DB) error {
		res := tx.Model(&Key{}).Where("key_id = ?", keyID).Updates(map[string]interface{}{
			"status":  status,
			"enabled": enabled,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetKeyExpiry подтягивает срок с панели при расхождении.
func (s *Store) SetKeyExpiry(keyID int64, expiry time.Time) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Model(&Key{}).Where("key_id = ?", keyID).Update("expiry_date", expiry).Error
	})
}

// DeleteKey удаляет ключ; токен кабинета уходит каскадом.
func (s *Store) DeleteKey(keyID int64) error {
	return s.write(func(tx *gorm.DB) error {
		if err := tx.Delete(&CabinetToken{}, "key_id = ?", keyID).Error; err != nil {
			return err
		}
		return tx.Delete(&Key{}, "key_id = ?", keyID).Error
	})
}
