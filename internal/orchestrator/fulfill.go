package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/payments"
	"vpn-shop-bot/internal/store"
)

// PurchaseSuccess — данные для итогового сообщения пользователю.
type PurchaseSuccess struct {
	Action           string
	KeyID            int64
	Expiry           time.Time
	ConnectionString string
	SubscriptionLink string
	CabinetURL       string
	ProvisionMode    string
	TxHash           string
}

// ProcessPaymentEvent — переход AWAIT_PAY -> PAID -> ... -> NOTIFIED.
// Первый закоммиченный paid выигрывает: повторная доставка того же
// payment_id отсекается до обращения к панели.
func (o *Orchestrator) ProcessPaymentEvent(ctx context.Context, ev payments.Event) error {
	unlock := o.keyed.lock(ev.PaymentID)
	defer unlock()

	trx, err := o.store.GetTransaction(ev.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("payment event for unknown transaction", zap.String("payment_id", ev.PaymentID))
			return nil
		}
		return err
	}

	if !ev.Paid {
		// Промежуточные статусы (waiting_for_capture, pending, active)
		// не хоронят транзакцию: деньги ещё могут прийти, итоговый
		// webhook доведёт её до paid или до терминального отказа.
		if !terminalReason(ev.Reason) {
			logger.Info("interim payment notification, transaction stays pending",
				zap.String("payment_id", ev.PaymentID), zap.String("reason", ev.Reason))
			return nil
		}
		if _, err := o.store.MarkTransaction(ev.PaymentID, store.TxStatusFailed, store.MarkExtras{}); err != nil {
			if !errors.Is(err, store.ErrTerminalStatus) {
				return err
			}
		}
		o.waiters.resolve(ev.PaymentID, FulfillmentResult{Err: fmt.Errorf("payment rejected: %s", ev.Reason)})
		return nil
	}

	if trx.Status == store.TxStatusPaid {
		meta, _ := store.DecodeMetadata(trx.Metadata)
		if meta.ProvisionedAt != "" || meta.ProvisionError != "" {
			// дубликат webhook'а — no-op
			return nil
		}
		// paid без провижининга: прошлый процесс упал, добираем
	} else {
		// pending -> paid; expired -> paid тоже легален: деньги шли
		// дольше нашего TTL, пользователь всё равно получает ключ
		if _, err := o.store.MarkTransaction(ev.PaymentID, store.TxStatusPaid, store.MarkExtras{
			TxHash:         ev.TxHash,
			AmountCurrency: ev.AmountCurrency,
			CurrencyName:   ev.Currency,
		}); err != nil {
			if errors.Is(err, store.ErrTerminalStatus) {
				logger.Warn("paid event for terminal transaction",
					zap.String("payment_id", ev.PaymentID), zap.String("status", trx.Status))
				return nil
			}
			return err
		}
	}
	_, err = o.fulfillLocked(ctx, ev.PaymentID, ev.TxHash)
	return err
}

// terminalReason — окончательные отказы шлюзов: YooKassa canceled и
// возвраты, CryptoBot expired. Всё остальное — промежуточное состояние.
func terminalReason(reason string) bool {
	switch reason {
	case "canceled", "cancelled", "refunded", "refund", "rejected", "expired", "failed":
		return true
	}
	return false
}

// fulfill — вход для прямых покупок (Balance/Trial), берёт per-payment лок.
func (o *Orchestrator) fulfill(ctx context.Context, paymentID, txHash string) (int64, error) {
	unlock := o.keyed.lock(paymentID)
	defer unlock()
	return o.fulfillLocked(ctx, paymentID, txHash)
}

// fulfillLocked — PAID -> PROVISIONED -> NOTIFIED. Вызывается только
// под per-payment_id мьютексом; панельный upsert идемпотентен по
// (inbound, email), так что повторный прогон после падения безопасен.
func (o *Orchestrator) fulfillLocked(ctx context.Context, paymentID, txHash string) (int64, error) {
	trx, err := o.store.GetTransaction(paymentID)
	if err != nil {
		return 0, err
	}
	meta, err := store.DecodeMetadata(trx.Metadata)
	if err != nil {
		return 0, fmt.Errorf("decode metadata: %w", err)
	}
	if txHash == "" {
		txHash = trx.TxHash
	}

	if meta.Action == store.ActionTopup {
		return 0, o.fulfillTopup(trx, meta)
	}

	plan, err := o.store.GetPlan(meta.PlanID)
	if err != nil {
		o.provisionFailure(trx, &meta, fmt.Errorf("plan %d missing: %w", meta.PlanID, err), true)
		return 0, err
	}

	hostRef := meta.HostCode
	if hostRef == "" {
		hostRef = meta.HostName
	}
	if hostRef == "" {
		hostRef = plan.HostCode
	}
	pc, err := o.panels.Resolve(hostRef)
	if err != nil {
		o.provisionFailure(trx, &meta, fmt.Errorf("host %q: %w", hostRef, err), true)
		return 0, err
	}

	// PAID -> PROVISIONED
	var (
		email    string
		base     = time.Now().UTC()
		existing *store.Key
	)
	switch meta.Action {
	case store.ActionExtend:
		existing, err = o.store.GetKey(meta.KeyID)
		if err != nil {
			o.provisionFailure(trx, &meta, fmt.Errorf("key %d missing: %w", meta.KeyID, err), true)
			return 0, err
		}
		email = existing.Email
		if existing.ExpiryDate.After(base) {
			base = existing.ExpiryDate
		}
	default: // new
		if meta.KeyEmail != "" {
			email = meta.KeyEmail
		} else {
			n, err := o.store.NextKeyNumber(meta.UserID)
			if err != nil {
				return 0, err
			}
			email = store.KeyEmail(meta.UserID, n, pc.HostCode())
			// фиксируем email до обращения к панели: повторный прогон
			// после падения попадёт в того же клиента
			meta.KeyEmail = email
			if err := o.store.UpdateTransactionMetadata(paymentID, meta); err != nil {
				return 0, err
			}
		}
	}
	expiry := base.Add(plan.Duration())

	res, err := pc.UpsertClient(ctx, email, expiry.UnixMilli(), plan.TrafficGB)
	if err != nil {
		o.provisionFailure(trx, &meta, err, errors.Is(err, panel.ErrPanelRejected))
		return 0, err
	}

	keyStatus := store.KeyStatusPayActive
	isTrial := trx.PaymentMethod == store.MethodTrial
	if isTrial {
		keyStatus = store.KeyStatusTrialActive
	}

	var keyID int64
	if meta.Action == store.ActionExtend {
		keyID = meta.KeyID
		if err := o.store.ExtendKey(keyID, time.UnixMilli(res.ExpiryMs).UTC(), res.UUID, res.ConnectionString, res.SubscriptionLink); err != nil {
			return 0, err
		}
	} else {
		planID := plan.PlanID
		keyID, err = o.store.CreateKey(store.CreateKeyParams{
			UserID:           meta.UserID,
			HostCode:         pc.HostCode(),
			PlanID:           &planID,
			Email:            email,
			ClientUUID:       res.UUID,
			Expiry:           time.UnixMilli(res.ExpiryMs).UTC(),
			Status:           keyStatus,
			ConnectionString: res.ConnectionString,
			SubscriptionLink: res.SubscriptionLink,
			IsTrial:          isTrial,
		})
		if errors.Is(err, store.ErrDuplicate) {
			// прошлый прогон успел вставить ключ перед падением
			dup, derr := o.store.GetKeyByEmail(email)
			if derr != nil {
				return 0, derr
			}
			keyID = dup.KeyID
			err = o.store.ExtendKey(keyID, time.UnixMilli(res.ExpiryMs).UTC(), res.UUID, res.ConnectionString, res.SubscriptionLink)
		}
		if err != nil {
			return 0, err
		}
	}

	o.settlePromo(&meta)
	o.rewardReferrer(trx, meta)
	if err := o.store.UpdateUserStats(meta.UserID, trx.AmountRub, meta.Months); err != nil {
		logger.Error("failed to update user stats", zap.Int64("user_id", meta.UserID), zap.Error(err))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	meta.ProvisionedAt = now
	meta.ResultKeyID = keyID
	meta.ConnectionString = res.ConnectionString
	meta.ProvisionError = ""
	if err := o.store.UpdateTransactionMetadata(paymentID, meta); err != nil {
		return keyID, err
	}

	// PROVISIONED -> NOTIFIED. Падение здесь приводит к повторной
	// отправке сообщения при re-scan — это допустимо.
	success := PurchaseSuccess{
		Action:           meta.Action,
		KeyID:            keyID,
		Expiry:           time.UnixMilli(res.ExpiryMs).UTC(),
		ConnectionString: res.ConnectionString,
		SubscriptionLink: res.SubscriptionLink,
		ProvisionMode:    plan.ProvisionMode,
		TxHash:           txHash,
	}
	if plan.ProvisionMode == store.ProvisionCabinet || plan.ProvisionMode == store.ProvisionBoth {
		if domain := o.store.CabinetDomain(); domain != "" {
			token, terr := o.store.GetOrCreateCabinetToken(meta.UserID, keyID)
			if terr == nil {
				success.CabinetURL = domain + "/auth/" + token
			} else {
				logger.Error("failed to issue cabinet token", zap.Int64("key_id", keyID), zap.Error(terr))
			}
		}
	}
	if err := o.notifier.SendPurchaseSuccess(meta.UserID, success); err != nil {
		logger.Error("failed to send purchase success", zap.Int64("user_id", meta.UserID), zap.Error(err))
	}
	if meta.AutoRenewal {
		if err := o.notifier.SendBalanceDebited(meta.UserID, trx.AmountRub); err != nil {
			logger.Error("failed to send balance debited notice", zap.Int64("user_id", meta.UserID), zap.Error(err))
		}
	}
	meta.NotifiedAt = time.Now().UTC().Format(time.RFC3339)
	if err := o.store.UpdateTransactionMetadata(paymentID, meta); err != nil {
		return keyID, err
	}
	o.waiters.resolve(paymentID, FulfillmentResult{KeyID: keyID})
	logger.Info("purchase fulfilled",
		zap.String("payment_id", paymentID),
		zap.Int64("user_id", meta.UserID),
		zap.Int64("key_id", keyID),
		zap.String("action", meta.Action))
	return keyID, nil
}

func (o *Orchestrator) fulfillTopup(trx *store.Transaction, meta store.TxMetadata) error {
	if meta.ProvisionedAt != "" {
		return nil
	}
	if err := o.store.AdjustBalance(meta.UserID, trx.AmountRub, "topup "+trx.PaymentID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	meta.ProvisionedAt = now
	meta.NotifiedAt = now
	if err := o.store.UpdateTransactionMetadata(trx.PaymentID, meta); err != nil {
		return err
	}
	if err := o.notifier.SendBalanceToppedUp(meta.UserID, trx.AmountRub); err != nil {
		logger.Error("failed to send topup notice", zap.Int64("user_id", meta.UserID), zap.Error(err))
	}
	o.waiters.resolve(trx.PaymentID, FulfillmentResult{})
	return nil
}

// settlePromo переводит applied -> used и зачисляет бонус на баланс.
// Если промокод к этому моменту испортился — покупку всё равно
// проводим, бонус не начисляем.
func (o *Orchestrator) settlePromo(meta *store.TxMetadata) {
	if meta.PromoCode == "" {
		return
	}
	promo, err := o.store.GetPromoByCode(meta.PromoCode, o.botNamespace())
	if err != nil {
		logger.Warn("promo code vanished before settlement",
			zap.String("code", meta.PromoCode), zap.Error(err))
		return
	}
	planID := meta.PlanID
	if err := o.store.RecordPromoUsage(promo.PromoID, meta.UserID, o.botNamespace(), store.PromoUsed, &planID); err != nil {
		logger.Error("failed to promote promo usage", zap.Int64("promo_id", promo.PromoID), zap.Error(err))
		return
	}
	if meta.BonusKopeks > 0 {
		if err := o.store.AdjustBalance(meta.UserID, meta.BonusKopeks, "promo bonus "+meta.PromoCode); err != nil {
			logger.Error("failed to credit promo bonus", zap.Int64("user_id", meta.UserID), zap.Error(err))
		}
	}
}

// rewardReferrer начисляет процент с покупки пригласившему.
func (o *Orchestrator) rewardReferrer(trx *store.Transaction, meta store.TxMetadata) {
	if trx.AmountRub <= 0 {
		return
	}
	user, err := o.store.GetUser(meta.UserID)
	if err != nil || user.ReferredBy == nil {
		return
	}
	percent := parsePercent(o.store.GetSetting("referral_percentage"))
	if percent <= 0 {
		return
	}
	reward := trx.AmountRub * int64(percent) / 100
	if reward <= 0 {
		return
	}
	if err := o.store.AddToReferralBalance(*user.ReferredBy, reward); err != nil {
		logger.Error("failed to credit referral reward",
			zap.Int64("referrer_id", *user.ReferredBy), zap.Error(err))
		return
	}
	buyer := user.Username
	if buyer == "" {
		buyer = fmt.Sprintf("id%d", user.TelegramID)
	}
	if err := o.notifier.SendReferralReward(*user.ReferredBy, "@"+buyer, reward); err != nil {
		logger.Warn("failed to notify referrer", zap.Int64("referrer_id", *user.ReferredBy), zap.Error(err))
	}
}

func parsePercent(raw string) int {
	var p int
	if _, err := fmt.Sscanf(raw, "%d", &p); err != nil {
		return 0
	}
	if p < 0 || p > 100 {
		return 0
	}
	return p
}

// provisionFailure фиксирует неудачную попытку провижининга.
// rejected=true — панель отвергла запрос, ретраи бессмысленны:
// ставим provision_error и зовём оператора. Иначе копим счётчик
// попыток, фоновый скан продолжит ретраить; после пятой — алерт.
// Возврат денег автоматически не делаем никогда.
func (o *Orchestrator) provisionFailure(trx *store.Transaction, meta *store.TxMetadata, cause error, rejected bool) {
	meta.ProvisionAttempts++
	if rejected {
		meta.ProvisionError = cause.Error()
	}
	if err := o.store.UpdateTransactionMetadata(trx.PaymentID, *meta); err != nil {
		logger.Error("failed to persist provision failure", zap.String("payment_id", trx.PaymentID), zap.Error(err))
	}
	logger.Error("provisioning failed",
		zap.String("payment_id", trx.PaymentID),
		zap.Int64("user_id", meta.UserID),
		zap.String("host", meta.HostCode),
		zap.Int("attempt", meta.ProvisionAttempts),
		zap.Error(cause))
	if rejected || meta.ProvisionAttempts >= maxProvisionAttempts {
		logger.NotifyAdmin(fmt.Sprintf(
			"Provisioning failed: payment_id=%s user=%d host=%s attempt=%d step=provision err=%v",
			trx.PaymentID, meta.UserID, meta.HostCode, meta.ProvisionAttempts, cause))
	}
}
