package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/payments"
	"vpn-shop-bot/internal/store"
)

// Сколько неудачных попыток провижининга терпим до алерта оператору.
const maxProvisionAttempts = 5

// Предел на дообработку очереди при остановке: шлюзам уже ответили
// 2xx, повторной доставки не будет.
const drainTimeout = 30 * time.Second

// Notifier — исходящие сообщения пользователю (реализует internal/bot.Sender).
type Notifier interface {
	SendPurchaseSuccess(userID int64, res SuccessMessage) error
	SendBalanceDebited(userID int64, amountKopeks int64) error
	SendBalanceToppedUp(userID int64, amountKopeks int64) error
	SendReferralReward(referrerID int64, buyerName string, rewardKopeks int64) error
}

// SuccessMessage — параметры итогового сообщения о покупке.
type SuccessMessage = PurchaseSuccess

// Gateways — подключённые варианты оплаты. TON отдельно: у него
// нет webhook-верификации, исходы приходят из поллера.
type Gateways struct {
	Card      payments.Gateway
	CryptoBot payments.Gateway
	TON       *payments.TON
}

// Orchestrator — конечный автомат покупки: валидация, цена, резерв
// транзакции, платёжный intent, фулфилмент. Все мутации строки
// транзакции идут под per-payment_id мьютексом, так что конкурентные
// доставки webhook'ов схлопываются.
type Orchestrator struct {
	store    *store.Store
	panels   *panel.Registry
	gateways Gateways
	notifier Notifier

	paidCh  chan payments.Event
	wg      sync.WaitGroup
	keyed   keyedMutex
	waiters waiterSet
}

func New(s *store.Store, panels *panel.Registry, gw Gateways, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		store:    s,
		panels:   panels,
		gateways: gw,
		notifier: notifier,
		paidCh:   make(chan payments.Event, 256),
	}
}

// Start поднимает воркер PAID-переходов. Webhook-обработчик не ждёт
// медленных операций: кладёт событие в очередь и сразу отвечает 2xx.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				o.drainQueued()
				return
			case ev := <-o.paidCh:
				o.processEvent(context.Background(), ev)
			}
		}
	}()
}

func (o *Orchestrator) processEvent(ctx context.Context, ev payments.Event) {
	if err := o.ProcessPaymentEvent(ctx, ev); err != nil {
		logger.Error("payment event processing failed",
			zap.String("payment_id", ev.PaymentID), zap.Error(err))
	}
}

// drainQueued добирает события, оставшиеся в очереди на момент
// остановки, в пределах drainTimeout. Не успевшие доберёт RescanPaid
// или поздний повтор события.
func (o *Orchestrator) drainQueued() {
	deadline := time.Now().Add(drainTimeout)
	dctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for {
		if time.Now().After(deadline) {
			logger.Warn("drain deadline hit, events left in queue", zap.Int("queued", len(o.paidCh)))
			return
		}
		select {
		case ev := <-o.paidCh:
			o.processEvent(dctx, ev)
		default:
			return
		}
	}
}

// Drain дожидается воркера при graceful shutdown.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

// EnqueuePaymentEvent принимает нормализованное событие из
// webhook-сервера или TON-поллера.
// Никогда не блокирует вызывающего: при заполненной очереди событие
// обрабатывается в отдельной горутине.
func (o *Orchestrator) EnqueuePaymentEvent(ev payments.Event) {
	select {
	case o.paidCh <- ev:
	default:
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.ProcessPaymentEvent(context.Background(), ev); err != nil {
				logger.Error("payment event processing failed",
					zap.String("payment_id", ev.PaymentID), zap.Error(err))
			}
		}()
	}
}

// keyedMutex — мьютекс на payment_id: полный порядок переходов внутри
// одной транзакции, без порядка между разными.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
