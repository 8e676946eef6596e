package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
)

const yookassaAPI = "https://api.yookassa.ru/v3/payments"

// yooConfig — неизменяемый снимок кредов. Горячая смена test/prod
// не требует рестарта: каждый вызов берёт снимок на входе.
type yooConfig struct {
	ShopID   string
	Secret   string
	TestMode bool
}

// YooKassa — карточный эквайер. Платёж идентифицируется id, выданным
// шлюзом; уведомления подписаны HMAC-SHA256 секретом магазина.
type YooKassa struct {
	cfg  atomic.Pointer[yooConfig]
	http *http.Client
}

func NewYooKassa(shopID, secret string, testMode bool) *YooKassa {
	y := &YooKassa{http: &http.Client{Timeout: 30 * time.Second}}
	y.Reconfigure(shopID, secret, testMode)
	return y
}

// Reconfigure подменяет снимок конфигурации атомарно. Смена режима
// test/prod — это смена магазина, фиксируем её в логе.
func (y *YooKassa) Reconfigure(shopID, secret string, testMode bool) {
	prev := y.cfg.Swap(&yooConfig{ShopID: shopID, Secret: secret, TestMode: testMode})
	if prev != nil && prev.TestMode != testMode {
		logger.Info("yookassa credential mode switched",
			zap.Bool("test_mode", testMode), zap.String("shop_id", shopID))
	}
}

// TestMode — текущий режим эквайера.
func (y *YooKassa) TestMode() bool {
	return y.cfg.Load().TestMode
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

func (y *YooKassa) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	cfg := y.cfg.Load()
	body := map[string]interface{}{
		"amount": map[string]interface{}{
			"value":    kopeksToDecimal(req.AmountKopeks),
			"currency": "RUB",
		},
		"capture":     true,
		"description": req.Description,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		"metadata": map[string]string{"payload": req.Payload},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, yookassaAPI, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotence-Key", uuid.New().String())
	httpReq.SetBasicAuth(cfg.ShopID, cfg.Secret)

	resp, err := y.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: yookassa status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	var pr yooPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrGatewayUnavailable, err)
	}
	return &Intent{PaymentID: pr.ID, URL: pr.Confirmation.ConfirmationURL}, nil
}

type yooWebhookEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Paid   bool   `json:"paid"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		PaymentMethod struct {
			Type string `json:"type"`
		} `json:"payment_method"`
	} `json:"object"`
}

// VerifyEvent проверяет HMAC-подпись (заголовок Authorization либо
// Content-Yoomoney-Signature) и нормализует событие. Тело читается
// сырым до любого парсинга.
func (y *YooKassa) VerifyEvent(body []byte, header http.Header) (*Event, error) {
	cfg := y.cfg.Load()
	if !checkSignature(cfg.Secret, body, header.Get("Authorization"), header.Get("Content-Yoomoney-Signature")) {
		return nil, ErrBadSignature
	}
	var ev yooWebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}
	// waiting_for_capture с paid=true считаем оплаченным
	paid := ev.Object.Status == "succeeded" ||
		(ev.Object.Status == "waiting_for_capture" && ev.Object.Paid)
	return &Event{
		PaymentID:    ev.Object.ID,
		Paid:         paid,
		AmountKopeks: decimalToKopeks(ev.Object.Amount.Value),
		Currency:     ev.Object.Amount.Currency,
		Reason:       ev.Object.Status,
		GatewayRefs: map[string]string{
			"event":          ev.Event,
			"payment_method": ev.Object.PaymentMethod.Type,
		},
	}, nil
}

func checkSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	var signatures []string
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "HMAC ") || strings.HasPrefix(authHeader, "HMAC-SHA256 ") {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 {
				signatures = append(signatures, parts[1])
			}
		}
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	if len(signatures) == 0 {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(calc)) {
			return true
		}
	}
	return false
}

func kopeksToDecimal(kopeks int64) string {
	return fmt.Sprintf("%d.%02d", kopeks/100, kopeks%100)
}

func decimalToKopeks(value string) int64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return int64(f*100 + 0.5)
}
