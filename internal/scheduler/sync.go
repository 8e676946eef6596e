package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/panel"
)

// staleKeyAge — сколько держим запись о давно завершённом ключе.
const staleKeyAge = 5 * 24 * time.Hour

// SyncPanels сверяет БД с панелями: срок действия подтягиваем из
// панели (она источник истины после ручных правок админом), пропавших
// клиентов подсвечиваем оператору, давно завершённые ключи удаляем из
// БД. Настройки клиентов на панели не трогаем.
func (s *Scheduler) SyncPanels(ctx context.Context) {
	s.purgeStaleKeys()
	hosts, err := s.store.GetAllHosts()
	if err != nil {
		logger.Error("hosts query failed", zap.Error(err))
		return
	}
	for _, h := range hosts {
		pc, err := s.panels.Resolve(h.HostCode)
		if err != nil {
			logger.Warn("panel sync: host unresolved", zap.String("host", h.HostCode), zap.Error(err))
			continue
		}
		keys, err := s.store.KeysForHost(h.HostCode)
		if err != nil {
			logger.Error("panel sync: keys query failed", zap.String("host", h.HostCode), zap.Error(err))
			continue
		}
		for _, key := range keys {
			if !key.Enabled {
				continue
			}
			info, err := pc.ReadClient(ctx, key.Email)
			if err != nil {
				if errors.Is(err, panel.ErrPanelRejected) {
					logger.Warn("panel sync: client missing on panel",
						zap.Int64("key_id", key.KeyID), zap.String("email", key.Email))
				}
				continue
			}
			panelExpiry := time.UnixMilli(info.ExpiryMs).UTC()
			if info.ExpiryMs > 0 && absDuration(panelExpiry.Sub(key.ExpiryDate)) > time.Minute {
				if err := s.store.SetKeyExpiry(key.KeyID, panelExpiry); err != nil {
					logger.Error("panel sync: expiry update failed", zap.Int64("key_id", key.KeyID), zap.Error(err))
					continue
				}
				logger.Info("panel sync: expiry adjusted",
					zap.Int64("key_id", key.KeyID),
					zap.Time("db", key.ExpiryDate),
					zap.Time("panel", panelExpiry))
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func (s *Scheduler) purgeStaleKeys() {
	stale, err := s.store.StaleEndedKeys(time.Now().UTC().Add(-staleKeyAge))
	if err != nil {
		logger.Error("stale keys query failed", zap.Error(err))
		return
	}
	for _, key := range stale {
		if err := s.store.DeleteKey(key.KeyID); err != nil {
			logger.Error("stale key delete failed", zap.Int64("key_id", key.KeyID), zap.Error(err))
			continue
		}
		logger.Info("stale key purged",
			zap.Int64("key_id", key.KeyID),
			zap.Time("expired", key.ExpiryDate))
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
