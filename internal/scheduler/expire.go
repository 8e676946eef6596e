package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/orchestrator"
	"vpn-shop-bot/internal/store"
)

// ExpireKeys отключает ключи с истёкшей подпиской. Перед отключением
// пробуем автопродление с баланса, если оно включено и у ключа есть
// тариф. Отключение идемпотентно: повторный прогон над уже
// отключённым ключом ничего не меняет.
func (s *Scheduler) ExpireKeys(ctx context.Context) {
	keys, err := s.store.ExpiredActiveKeys(time.Now().UTC())
	if err != nil {
		logger.Error("expired keys query failed", zap.Error(err))
		return
	}
	autoRenew := s.store.GetSettingBool("auto_renewal_enabled")
	for _, key := range keys {
		if autoRenew && !key.IsTrial && key.PlanID != nil {
			if s.tryAutoRenew(ctx, key) {
				continue
			}
		}
		s.disableKey(ctx, key)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// tryAutoRenew продлевает ключ с баланса пользователя. Недостаток
// средств не ошибка, просто падаем в отключение.
func (s *Scheduler) tryAutoRenew(ctx context.Context, key store.Key) bool {
	out, err := s.orch.Purchase(ctx, orchestrator.PurchaseRequest{
		UserID:        key.UserID,
		HostCode:      key.HostCode,
		PlanID:        *key.PlanID,
		Action:        store.ActionExtend,
		ExistingKeyID: key.KeyID,
		PaymentMethod: store.MethodBalance,
		AutoRenewal:   true,
	})
	if err != nil {
		if !errors.Is(err, orchestrator.ErrValidation) {
			logger.Warn("auto-renewal failed",
				zap.Int64("key_id", key.KeyID), zap.Int64("user_id", key.UserID), zap.Error(err))
		}
		return false
	}
	logger.Info("key auto-renewed",
		zap.Int64("key_id", key.KeyID), zap.String("payment_id", out.PaymentID))
	return true
}

func (s *Scheduler) disableKey(ctx context.Context, key store.Key) {
	pc, err := s.panels.Resolve(key.HostCode)
	if err == nil {
		if err := pc.SetEnabled(ctx, key.ClientUUID, false); err != nil {
			logger.Error("failed to disable client on panel",
				zap.Int64("key_id", key.KeyID), zap.String("host", key.HostCode), zap.Error(err))
			logger.NotifyAdmin(fmt.Sprintf(
				"Не удалось отключить истёкший ключ на панели: key_id=%d host=%s err=%v",
				key.KeyID, key.HostCode, err))
			// статус в БД всё равно переводим, панель догонит sync
		}
	} else {
		logger.Error("failed to resolve host for expiry",
			zap.Int64("key_id", key.KeyID), zap.String("host", key.HostCode), zap.Error(err))
	}

	status := store.KeyStatusPayEnded
	if key.IsTrial {
		status = store.KeyStatusTrialEnded
	}
	if err := s.store.SetKeyStatus(key.KeyID, status, false); err != nil {
		logger.Error("failed to mark key expired", zap.Int64("key_id", key.KeyID), zap.Error(err))
		return
	}
	if err := s.sender.SendExpired(key.UserID); err == nil {
		_, _ = s.store.LogNotification(store.Notification{
			UserID:  key.UserID,
			Type:    "expired",
			Message: "subscription expired",
			KeyID:   &key.KeyID,
		})
	}
	logger.Info("key expired", zap.Int64("key_id", key.KeyID), zap.Int64("user_id", key.UserID))
}
