package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/payments"
	"vpn-shop-bot/internal/store"
)

// Ошибки, которые видит вызывающий (бот показывает их пользователю
// через шаблоны, внутренности шлюзов наружу не уходят).
var (
	ErrValidation         = errors.New("purchase validation failed")
	ErrGatewayUnavailable = errors.New("gateway temporarily unavailable, try again")
	ErrPaymentExpired     = errors.New("payment window expired")
)

// PurchaseRequest — намерение пользователя купить или продлить ключ.
type PurchaseRequest struct {
	UserID        int64
	HostCode      string
	PlanID        int64
	Action        string // new | extend
	ExistingKeyID int64
	PaymentMethod string
	PromoCode     string
	CustomerEmail string
	AutoRenewal   bool // продление по расписанию за счёт баланса
}

// PurchaseOutcome — либо intent для оплаты, либо прямой фулфилмент
// (оплата с баланса, триал, нулевая цена).
type PurchaseOutcome struct {
	PaymentID string
	Intent    *payments.Intent
	Fulfilled bool
	KeyID     int64
}

// Purchase проводит запрос через INIT -> PRICED -> RESERVED -> AWAIT_PAY,
// либо сразу до NOTIFIED для Balance/Trial.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseOutcome, error) {
	// INIT -> PRICED: валидация пользователя, хоста, тарифа
	user, err := o.store.GetUser(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown user", ErrValidation)
	}
	if user.IsBanned {
		return nil, fmt.Errorf("%w: user is banned", ErrValidation)
	}
	plan, err := o.store.GetPlan(req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown plan", ErrValidation)
	}
	hostCode := req.HostCode
	if hostCode == "" {
		hostCode = plan.HostCode // хост выводим из тарифа
	}
	host, err := o.store.ResolveHost(hostCode)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown host %q", ErrValidation, hostCode)
	}
	if req.Action == store.ActionExtend {
		key, err := o.store.GetKey(req.ExistingKeyID)
		if err != nil || key.UserID != req.UserID {
			return nil, fmt.Errorf("%w: key to extend not found", ErrValidation)
		}
	}

	price, err := o.effectivePrice(plan, user, req.PromoCode)
	if err != nil {
		return nil, err
	}

	method := req.PaymentMethod
	if method == store.MethodTrial {
		if user.TrialUsed {
			return nil, fmt.Errorf("%w: trial already used", ErrValidation)
		}
		price.Amount = 0
	}
	if price.Amount == 0 && method != store.MethodTrial {
		// полная скидка — платить нечего, проводим как Balance
		method = store.MethodBalance
	}

	meta := store.TxMetadata{
		Action:        req.Action,
		UserID:        req.UserID,
		HostCode:      host.HostCode,
		HostName:      host.HostName,
		PlanID:        plan.PlanID,
		Months:        plan.Months,
		KeyID:         req.ExistingKeyID,
		PromoCode:     price.PromoCode,
		CustomerEmail: req.CustomerEmail,
		PaymentMethod: method,
		BonusKopeks:   price.Bonus,
		AutoRenewal:   req.AutoRenewal,
	}

	switch method {
	case store.MethodBalance, store.MethodTrial:
		return o.fulfillDirect(ctx, req, method, price, meta)
	case store.MethodCard:
		return o.reserveWithGateway(ctx, o.gateways.Card, method, price, meta)
	case store.MethodCryptoBot:
		return o.reserveWithGateway(ctx, o.gateways.CryptoBot, method, price, meta)
	case store.MethodTON:
		return o.reserveTON(ctx, price, meta)
	default:
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrValidation, req.PaymentMethod)
	}
}

// reserveWithGateway — Card/CryptoBot: id владеет шлюз, поэтому сперва
// intent, затем резерв. Если шлюз недоступен, ничего не резервируем и
// пользователь может повторить; осиротевших pending-строк не остаётся.
func (o *Orchestrator) reserveWithGateway(ctx context.Context, gw payments.Gateway, method string, price pricedPlan, meta store.TxMetadata) (*PurchaseOutcome, error) {
	if gw == nil {
		return nil, fmt.Errorf("%w: %s is not configured", ErrValidation, method)
	}
	intent, err := gw.CreateIntent(ctx, payments.IntentRequest{
		AmountKopeks: price.Amount,
		Currency:     "RUB",
		Description:  describePurchase(meta),
		ReturnURL:    o.returnURL(),
		Payload:      fmt.Sprintf("user:%d", meta.UserID),
	})
	if err != nil {
		logger.Warn("create intent failed", zap.String("method", method), zap.Error(err))
		return nil, ErrGatewayUnavailable
	}
	// PRICED -> RESERVED
	if _, err := o.store.ReservePendingTransaction(intent.PaymentID, meta.UserID, price.Amount, method, meta); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// повторная доставка того же intent'а — отдаём существующий
			return &PurchaseOutcome{PaymentID: intent.PaymentID, Intent: intent}, nil
		}
		return nil, err
	}
	if intent.URL != "" {
		_ = o.store.SetPaymentLink(intent.PaymentID, intent.URL)
	}
	o.applyPromo(price, meta)
	// RESERVED -> AWAIT_PAY
	return &PurchaseOutcome{PaymentID: intent.PaymentID, Intent: intent}, nil
}

// reserveTON — payment_id генерируем сами, он же уходит в комментарий
// перевода (с префиксом, итого меньше 64 байт).
func (o *Orchestrator) reserveTON(ctx context.Context, price pricedPlan, meta store.TxMetadata) (*PurchaseOutcome, error) {
	if o.gateways.TON == nil {
		return nil, fmt.Errorf("%w: TON is not configured", ErrValidation)
	}
	intent, err := o.gateways.TON.CreateIntent(ctx, payments.IntentRequest{AmountKopeks: price.Amount})
	if err != nil {
		return nil, ErrGatewayUnavailable
	}
	meta.ExpectedTON = payments.AmountTON(intent.TonAmountNano)
	meta.TonComment = intent.TonComment
	if _, err := o.store.ReservePendingTransaction(intent.PaymentID, meta.UserID, price.Amount, store.MethodTON, meta); err != nil {
		return nil, err
	}
	o.applyPromo(price, meta)
	return &PurchaseOutcome{PaymentID: intent.PaymentID, Intent: intent}, nil
}

// fulfillDirect — оплата с баланса или триал: без шлюза, сразу PAID и
// фулфилмент.
func (o *Orchestrator) fulfillDirect(ctx context.Context, req PurchaseRequest, method string, price pricedPlan, meta store.TxMetadata) (*PurchaseOutcome, error) {
	paymentID := uuid.New().String()
	if _, err := o.store.ReservePendingTransaction(paymentID, req.UserID, price.Amount, method, meta); err != nil {
		return nil, err
	}
	o.applyPromo(price, meta)

	if method == store.MethodBalance && price.Amount > 0 {
		if err := o.store.AdjustBalance(req.UserID, -price.Amount, "purchase "+paymentID); err != nil {
			_, _ = o.store.MarkTransaction(paymentID, store.TxStatusFailed, store.MarkExtras{})
			if errors.Is(err, store.ErrInsufficientBalance) {
				return nil, fmt.Errorf("%w: insufficient balance", ErrValidation)
			}
			return nil, err
		}
	}
	if method == store.MethodTrial {
		if err := o.store.SetTrialUsed(req.UserID); err != nil {
			logger.Error("failed to mark trial used", zap.Int64("user_id", req.UserID), zap.Error(err))
		}
	}
	if _, err := o.store.MarkTransaction(paymentID, store.TxStatusPaid, store.MarkExtras{}); err != nil {
		return nil, err
	}
	keyID, err := o.fulfill(ctx, paymentID, "")
	if err != nil {
		return nil, err
	}
	return &PurchaseOutcome{PaymentID: paymentID, Fulfilled: true, KeyID: keyID}, nil
}

// Topup создаёт платёж на пополнение баланса. Зачисление делает
// фулфилмент после подтверждения оплаты.
func (o *Orchestrator) Topup(ctx context.Context, userID, amountKopeks int64, method string) (*PurchaseOutcome, error) {
	if amountKopeks <= 0 {
		return nil, fmt.Errorf("%w: top-up amount must be positive", ErrValidation)
	}
	user, err := o.store.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown user", ErrValidation)
	}
	if user.IsBanned {
		return nil, fmt.Errorf("%w: user is banned", ErrValidation)
	}
	meta := store.TxMetadata{
		Action:        store.ActionTopup,
		UserID:        userID,
		PaymentMethod: method,
	}
	price := pricedPlan{Amount: amountKopeks}
	switch method {
	case store.MethodCard:
		return o.reserveWithGateway(ctx, o.gateways.Card, method, price, meta)
	case store.MethodCryptoBot:
		return o.reserveWithGateway(ctx, o.gateways.CryptoBot, method, price, meta)
	case store.MethodTON:
		return o.reserveTON(ctx, price, meta)
	default:
		return nil, fmt.Errorf("%w: unsupported top-up method %q", ErrValidation, method)
	}
}

// applyPromo пишет applied-строку использования промокода.
func (o *Orchestrator) applyPromo(price pricedPlan, meta store.TxMetadata) {
	if price.PromoID == 0 {
		return
	}
	planID := meta.PlanID
	if err := o.store.RecordPromoUsage(price.PromoID, meta.UserID, o.botNamespace(), store.PromoApplied, &planID); err != nil {
		logger.Error("failed to record promo usage",
			zap.Int64("promo_id", price.PromoID), zap.Error(err))
	}
}

func describePurchase(meta store.TxMetadata) string {
	if meta.Action == store.ActionTopup {
		return "Пополнение баланса"
	}
	return fmt.Sprintf("Оплата VPN, тариф %d", meta.PlanID)
}

func (o *Orchestrator) botNamespace() string {
	if name := o.store.GetSetting("telegram_bot_username"); name != "" {
		return name
	}
	return "vpn"
}

func (o *Orchestrator) returnURL() string {
	if d := o.store.GlobalDomain(); d != "" {
		return d + "/payment-done"
	}
	return ""
}

// PendingTTL — срок жизни pending-транзакции до sweeper'а.
func PendingTTL() time.Duration { return 24 * time.Hour }
