package tonpoller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/payments"
	"vpn-shop-bot/internal/store"
)

const (
	defaultAPIBase = "https://tonapi.io"

	pollInterval  = 60 * time.Second
	errorInterval = 5 * time.Minute

	// Смотрим только свежий хвост: 5 последних событий не старше 10 минут.
	eventsLimit = 5
	maxEventAge = 10 * time.Minute

	// Fallback по сумме работает от 0.001 TON, мелочь игнорируем.
	minFallbackTON = 0.001

	seenCap  = 1000
	seenKeep = 500
)

// Enqueuer — приёмник нормализованных платёжных событий.
type Enqueuer interface {
	EnqueuePaymentEvent(ev payments.Event)
}

// Poller опрашивает tonapi.io на предмет входящих переводов на кошелёк.
// Сначала матчим по комментарию payment:<id>, без комментария — по
// точной сумме среди pending TON-транзакций. Просмотренные события
// держим в dedup-наборе, позицию двигаем по lt.
type Poller struct {
	store *store.Store
	sink  Enqueuer
	ton   *payments.TON

	http    *http.Client
	apiBase string
	apiKey  string

	lastLT    int64
	seen      map[string]struct{}
	seenOrder []string
}

func New(s *store.Store, sink Enqueuer, ton *payments.TON, apiKey string) *Poller {
	return &Poller{
		store:   s,
		sink:    sink,
		ton:     ton,
		http:    &http.Client{Timeout: 30 * time.Second},
		apiBase: defaultAPIBase,
		apiKey:  apiKey,
		seen:    make(map[string]struct{}),
	}
}

// Run крутит цикл опроса до отмены контекста. После ошибки сети или
// API отступаем на 5 минут, чтобы не добивать tonapi.
func (p *Poller) Run(ctx context.Context) {
	interval := pollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := p.poll(ctx); err != nil {
			logger.Warn("ton poll failed", zap.Error(err))
			interval = errorInterval
		} else {
			interval = pollInterval
		}
		timer.Reset(interval)
	}
}

type accountEvents struct {
	Events []accountEvent `json:"events"`
}

type accountEvent struct {
	EventID    string        `json:"event_id"`
	Timestamp  int64         `json:"timestamp"`
	Lt         int64         `json:"lt"`
	InProgress bool          `json:"in_progress"`
	Actions    []eventAction `json:"actions"`
}

type eventAction struct {
	Type        string       `json:"type"`
	TonTransfer *tonTransfer `json:"TonTransfer"`
}

type tonTransfer struct {
	Amount    int64  `json:"amount"`
	Comment   string `json:"comment"`
	Recipient struct {
		Address string `json:"address"`
	} `json:"recipient"`
}

func (p *Poller) poll(ctx context.Context) error {
	wallet := p.ton.WalletAddress()
	if wallet == "" {
		return nil
	}
	url := fmt.Sprintf("%s/v2/accounts/%s/events?limit=%d", p.apiBase, wallet, eventsLimit)
	if p.lastLT > 0 {
		url += fmt.Sprintf("&start_lt=%d", p.lastLT)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tonapi status %d", resp.StatusCode)
	}
	var payload accountEvents
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode events: %w", err)
	}

	cutoff := time.Now().Add(-maxEventAge).Unix()
	// события приходят от новых к старым, обрабатываем от старых
	for i := len(payload.Events) - 1; i >= 0; i-- {
		ev := payload.Events[i]
		if ev.InProgress || ev.Timestamp < cutoff {
			continue
		}
		if ev.Lt > p.lastLT {
			p.lastLT = ev.Lt
		}
		if _, ok := p.seen[ev.EventID]; ok {
			continue
		}
		p.remember(ev.EventID)
		p.handleEvent(ev)
	}
	return nil
}

func (p *Poller) handleEvent(ev accountEvent) {
	for _, act := range ev.Actions {
		if act.Type != "TonTransfer" || act.TonTransfer == nil {
			continue
		}
		amountTON := payments.AmountTON(act.TonTransfer.Amount)
		trx, err := p.matchTransaction(act.TonTransfer.Comment, amountTON)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Error("ton transfer match failed", zap.String("event_id", ev.EventID), zap.Error(err))
			}
			continue
		}
		logger.Info("ton transfer matched",
			zap.String("payment_id", trx.PaymentID),
			zap.Float64("amount_ton", amountTON),
			zap.String("event_id", ev.EventID))
		p.sink.EnqueuePaymentEvent(payments.Event{
			PaymentID:      trx.PaymentID,
			Paid:           true,
			AmountKopeks:   trx.AmountRub,
			AmountCurrency: amountTON,
			Currency:       "TON",
			TxHash:         ev.EventID,
		})
	}
}

// matchTransaction: комментарий главнее, сумма — запасной вариант для
// кошельков, которые комментарий не передали.
func (p *Poller) matchTransaction(comment string, amountTON float64) (*store.Transaction, error) {
	comment = strings.TrimSpace(comment)
	if strings.HasPrefix(comment, payments.TonCommentPrefix) {
		paymentID := strings.TrimPrefix(comment, payments.TonCommentPrefix)
		return p.store.FindPendingTONByComment(paymentID)
	}
	if amountTON < minFallbackTON {
		return nil, store.ErrNotFound
	}
	return p.store.FindPendingTONByAmount(amountTON)
}

func (p *Poller) remember(eventID string) {
	p.seen[eventID] = struct{}{}
	p.seenOrder = append(p.seenOrder, eventID)
	if len(p.seenOrder) > seenCap {
		drop := p.seenOrder[:len(p.seenOrder)-seenKeep]
		for _, id := range drop {
			delete(p.seen, id)
		}
		p.seenOrder = append([]string(nil), p.seenOrder[len(p.seenOrder)-seenKeep:]...)
	}
}
