package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegisterUserIfAbsent создаёт пользователя при первом контакте.
// Повторный вызов обновляет только username/full_name.
func (s *Store) RegisterUserIfAbsent(telegramID int64, username, fullName string, referredBy *int64) error {
	return s.write(func(tx *gorm.DB) error {
		user := User{
			TelegramID: telegramID,
			Username:   username,
			FullName:   fullName,
			ReferredBy: referredBy,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "telegram_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "full_name"}),
		}).Create(&user).Error
	})
}

func (s *Store) GetUser(telegramID int64) (*User, error) {
	var user User
	if err := s.db.First(&user, "telegram_id = ?", telegramID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// AdjustBalance атомарно меняет баланс. Отклоняет списание в минус.
func (s *Store) AdjustBalance(userID int64, delta int64, reason string) error {
	return s.write(func(tx *gorm.DB) error {
		var user User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "telegram_id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if user.Balance+delta < 0 {
			return ErrInsufficientBalance
		}
		return tx.Model(&User{}).Where("telegram_id = ?", userID).
			Update("balance", gorm.Expr("balance + ?", delta)).Error
	})
}

// AddToReferralBalance начисляет реферальное вознаграждение.
func (s *Store) AddToReferralBalance(userID int64, amount int64) error {
	return s.write(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).Where("telegram_id = ?", userID).
			Update("referral_balance", gorm.Expr("referral_balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateUserStats накапливает потраченное и купленные месяцы.
func (s *Store) UpdateUserStats(userID int64, spent int64, months int) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Model(&User{}).Where("telegram_id = ?", userID).Updates(map[string]interface{}{
			"total_spent":  gorm.Expr("total_spent + ?", spent),
			"total_months": gorm.Expr("total_months + ?", months),
		}).Error
	})
}

func (s *Store) SetTrialUsed(userID int64) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Model(&User{}).Where("telegram_id = ?", userID).Update("trial_used", true).Error
	})
}

func (s *Store) SetTermsAgreed(userID int64) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Model(&User{}).Where("telegram_id = ?", userID).Update("agreed_to_terms", true).Error
	})
}

func (s *Store) BanUser(userID int64) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Model(&User{}).Where("telegram_id = ?", userID).Update("is_banned", true).Error
	})
}

func (s *Store) UnbanUser(userID int64) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Model(&User{}).Where("telegram_id = ?", userID).Update("is_banned", false).Error
	})
}

// SetUserGroup назначает группу для таргетинга промокодов.
// Пустая строка возвращает пользователя в группу по умолчанию.
func (s *Store) SetUserGroup(userID int64, group string) error {
	return s.write(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).Where("telegram_id = ?", userID).Update("group_name", group)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// LogNotification пишет запись в журнал уведомлений и возвращает её id.
func (s *Store) LogNotification(n Notification) (int64, error) {
	if n.CreatedDate.IsZero() {
		n.CreatedDate = time.Now().UTC()
	}
	err := s.write(func(tx *gorm.DB) error {
		return tx.Create(&n).Error
	})
	return n.NotificationID, err
}

// MarkerLogged проверяет, отправлялось ли уведомление данного типа
// для ключа на данном пороге.
func (s *Store) MarkerLogged(userID, keyID int64, markerHours int, notifType string) (bool, error) {
	var count int64
	err := s.db.Model(&Notification{}).
		Where("user_id = ? AND key_id = ? AND marker_hours = ? AND type = ?", userID, keyID, markerHours, notifType).
		Count(&count).Error
	return count > 0, err
}
