package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/store"
)

// RescanPaid добирает оплаченные, но не доведённые до NOTIFIED
// транзакции: процесс упал посреди фулфилмента, панель лежала,
// не отправилось сообщение. Пропускает строки с provision_error —
// их разруливает оператор.
func (o *Orchestrator) RescanPaid(ctx context.Context) {
	trxs, err := o.store.PaidUnprovisioned()
	if err != nil {
		logger.Error("paid rescan query failed", zap.Error(err))
		return
	}
	for _, trx := range trxs {
		meta, err := store.DecodeMetadata(trx.Metadata)
		if err != nil {
			logger.Error("paid rescan: bad metadata", zap.String("payment_id", trx.PaymentID), zap.Error(err))
			continue
		}
		if meta.ProvisionError != "" || meta.ProvisionAttempts >= maxProvisionAttempts {
			continue
		}
		if _, err := o.fulfill(ctx, trx.PaymentID, trx.TxHash); err != nil {
			logger.Warn("paid rescan: fulfillment still failing",
				zap.String("payment_id", trx.PaymentID),
				zap.Int("attempts", meta.ProvisionAttempts+1),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// SweepStalePending помечает протухшие pending-транзакции expired и
// возвращает применённые промокоды в оборот. expired -> paid остаётся
// легальным переходом: поздний webhook всё равно доведёт покупку.
func (o *Orchestrator) SweepStalePending(ctx context.Context) {
	trxs, err := o.store.StalePendingTransactions(PendingTTL())
	if err != nil {
		logger.Error("stale pending sweep query failed", zap.Error(err))
		return
	}
	for _, trx := range trxs {
		unlock := o.keyed.lock(trx.PaymentID)
		changed, err := o.store.MarkTransaction(trx.PaymentID, store.TxStatusExpired, store.MarkExtras{})
		unlock()
		if err != nil {
			logger.Error("failed to expire transaction", zap.String("payment_id", trx.PaymentID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		meta, err := store.DecodeMetadata(trx.Metadata)
		if err == nil && meta.PromoCode != "" {
			if promo, perr := o.store.GetPromoByCode(meta.PromoCode, o.botNamespace()); perr == nil {
				if rerr := o.store.ReleasePromoUsage(promo.PromoID, meta.UserID, o.botNamespace()); rerr != nil {
					logger.Warn("failed to release promo usage",
						zap.Int64("promo_id", promo.PromoID), zap.Error(rerr))
				}
			}
		}
		o.waiters.resolve(trx.PaymentID, FulfillmentResult{Err: ErrPaymentExpired})
		logger.Info("pending transaction expired", zap.String("payment_id", trx.PaymentID))
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
