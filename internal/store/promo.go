package store

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetPromoByCode ищет активный промокод в пространстве имён бота.
func (s *Store) GetPromoByCode(code, bot string) (*PromoCode, error) {
	var promo PromoCode
	err := s.db.First(&promo, "code = ? AND bot = ? AND is_active = ?", strings.TrimSpace(code), bot, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &promo, nil
}

func (s *Store) CreatePromoCode(p PromoCode) (int64, error) {
	err := s.write(func(tx *gorm.DB) error {
		if err := tx.Create(&p).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
	return p.PromoID, err
}

// CanUsePromo проверяет применимость кода для пользователя:
// не истёк, группа совпадает, не выбран лимит, пользователь ещё
// не использовал. Пустая группа промокода означает «для всех».
func (s *Store) CanUsePromo(promo *PromoCode, userID int64, bot string) (bool, error) {
	if promo.ExpiresAt != nil && promo.ExpiresAt.Before(time.Now().UTC()) {
		return false, nil
	}
	if promo.GroupName != "" {
		user, err := s.GetUser(userID)
		if err != nil {
			return false, err
		}
		if user.GroupName != promo.GroupName {
			return false, nil
		}
	}
	var used int64
	err := s.db.Model(&PromoUsage{}).
		Where("promo_id = ? AND bot = ? AND status = ?", promo.PromoID, bot, PromoUsed).
		Count(&used).Error
	if err != nil {
		return false, err
	}
	if promo.UsageLimitPerBot > 0 && used >= int64(promo.UsageLimitPerBot) {
		return false, nil
	}
	var own int64
	err = s.db.Model(&PromoUsage{}).
		Where("promo_id = ? AND user_id = ? AND bot = ? AND status = ?", promo.PromoID, userID, bot, PromoUsed).
		Count(&own).Error
	if err != nil {
		return false, err
	}
	return own == 0, nil
}

// RecordPromoUsage апсертит строку использования по (promo, user, bot).
// Несколько applied-строк схлопываются в одну used при завершении покупки.
func (s *Store) RecordPromoUsage(promoID, userID int64, bot, status string, planID *int64) error {
	return s.write(func(tx *gorm.DB) error {
		usage := PromoUsage{
			PromoID: promoID,
			UserID:  userID,
			Bot:     bot,
			PlanID:  planID,
			Status:  status,
			UsedAt:  time.Now().UTC(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "promo_id"}, {Name: "user_id"}, {Name: "bot"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "plan_id", "used_at"}),
		}).Create(&usage).Error
	})
}

// ReleasePromoUsage откатывает applied-строку при истечении
// неоплаченной транзакции.
func (s *Store) ReleasePromoUsage(promoID, userID int64, bot string) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Delete(&PromoUsage{},
			"promo_id = ? AND user_id = ? AND bot = ? AND status = ?",
			promoID, userID, bot, PromoApplied).Error
	})
}

func (s *Store) GetPromoUsage(promoID, userID int64, bot string) (*PromoUsage, error) {
	var usage PromoUsage
	err := s.db.First(&usage, "promo_id = ? AND user_id = ? AND bot = ?", promoID, userID, bot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &usage, nil
}
