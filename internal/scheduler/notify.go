package scheduler

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/store"
)

// NotifyExpiring шлёт предупреждения о скором истечении подписки по
// маркерам из настройки notify_before_hours (по умолчанию 24 и 1).
// Каждый маркер для пары (user, key) срабатывает один раз: факт
// отправки фиксируется в журнале уведомлений до следующего тика.
func (s *Scheduler) NotifyExpiring(ctx context.Context) {
	keys, err := s.store.ActiveKeys()
	if err != nil {
		logger.Error("active keys query failed", zap.Error(err))
		return
	}
	markers := s.store.NotifyBeforeHours()
	// от меньшего к большему: ключу с часом до конца уходит часовой
	// маркер, а не суточный
	sort.Ints(markers)

	now := time.Now().UTC()
	for _, key := range keys {
		left := key.ExpiryDate.Sub(now)
		if left <= 0 {
			continue
		}
		for _, h := range markers {
			if left > time.Duration(h)*time.Hour {
				continue
			}
			logged, err := s.store.MarkerLogged(key.UserID, key.KeyID, h, "pre-expiry")
			if err != nil || logged {
				break
			}
			if err := s.sender.SendExpiryNotice(key.UserID, h, key.ExpiryDate); err != nil {
				logger.Warn("failed to send expiry notice",
					zap.Int64("user_id", key.UserID), zap.Int64("key_id", key.KeyID), zap.Error(err))
				break
			}
			marker := h
			keyID := key.KeyID
			_, _ = s.store.LogNotification(store.Notification{
				UserID:      key.UserID,
				Type:        "pre-expiry",
				Message:     "subscription expiring soon",
				KeyID:       &keyID,
				MarkerHours: &marker,
			})
			break
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
