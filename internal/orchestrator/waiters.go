package orchestrator

import "sync"

// FulfillmentResult — исход ожидания по payment_id.
type FulfillmentResult struct {
	KeyID int64
	Err   error
}

// waiterSet — подписчики на завершение фулфилмента. Бот подписывается
// после выдачи платёжной ссылки, чтобы отредактировать сообщение, когда
// ключ готов. Резолв одноразовый, поздние подписки на уже завершённые
// платежи остаются висеть до таймаута подписчика.
type waiterSet struct {
	mu sync.Mutex
	ch map[string][]chan FulfillmentResult
}

// Await возвращает канал, который получит результат фулфилмента.
// Канал буферизован: resolve не блокируется, если подписчик ушёл.
func (w *waiterSet) await(paymentID string) <-chan FulfillmentResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		w.ch = make(map[string][]chan FulfillmentResult)
	}
	c := make(chan FulfillmentResult, 1)
	w.ch[paymentID] = append(w.ch[paymentID], c)
	return c
}

func (w *waiterSet) resolve(paymentID string, res FulfillmentResult) {
	w.mu.Lock()
	subs := w.ch[paymentID]
	delete(w.ch, paymentID)
	w.mu.Unlock()
	for _, c := range subs {
		c <- res
	}
}

// Await — подписка на исход платежа (для интерактивных сценариев бота).
func (o *Orchestrator) Await(paymentID string) <-chan FulfillmentResult {
	return o.waiters.await(paymentID)
}
