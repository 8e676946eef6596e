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
	"sync/atomic"
	"time"
)

const cryptoBotAPI = "https://pay.crypt.bot/api"

// CryptoBot создаёт инвойсы Crypto Pay и принимает подписанные
// webhook'и invoice_paid. Подпись — HMAC-SHA256 тела ключом SHA256(token).
type CryptoBot struct {
	token atomic.Pointer[string]
	http  *http.Client
}

func NewCryptoBot(token string) *CryptoBot {
	c := &CryptoBot{http: &http.Client{Timeout: 30 * time.Second}}
	c.Reconfigure(token)
	return c
}

func (c *CryptoBot) Reconfigure(token string) {
	c.token.Store(&token)
}

type cryptoInvoiceResponse struct {
	Ok     bool `json:"ok"`
	Result struct {
		InvoiceID     int64  `json:"invoice_id"`
		BotInvoiceURL string `json:"bot_invoice_url"`
	} `json:"result"`
}

func (c *CryptoBot) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	token := *c.token.Load()
	body := map[string]interface{}{
		"currency_type": "fiat",
		"fiat":          "RUB",
		"amount":        kopeksToDecimal(req.AmountKopeks),
		"description":   req.Description,
		"payload":       req.Payload,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cryptoBotAPI+"/createInvoice", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Crypto-Pay-API-Token", token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: cryptobot status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	var ir cryptoInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrGatewayUnavailable, err)
	}
	if !ir.Ok {
		return nil, fmt.Errorf("%w: cryptobot rejected invoice", ErrGatewayUnavailable)
	}
	return &Intent{
		PaymentID: strconv.FormatInt(ir.Result.InvoiceID, 10),
		URL:       ir.Result.BotInvoiceURL,
	}, nil
}

type cryptoWebhookUpdate struct {
	UpdateType string `json:"update_type"`
	Payload    struct {
		InvoiceID int64  `json:"invoice_id"`
		Status    string `json:"status"`
		Amount    string `json:"amount"`
		Fiat      string `json:"fiat"`
		Payload   string `json:"payload"`
	} `json:"payload"`
}

func (c *CryptoBot) VerifyEvent(body []byte, header http.Header) (*Event, error) {
	token := *c.token.Load()
	sig := header.Get("Crypto-Pay-API-Signature")
	if sig == "" || !checkCryptoBotSignature(token, body, sig) {
		return nil, ErrBadSignature
	}
	var upd cryptoWebhookUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}
	return &Event{
		PaymentID:    strconv.FormatInt(upd.Payload.InvoiceID, 10),
		Paid:         upd.UpdateType == "invoice_paid",
		AmountKopeks: decimalToKopeks(upd.Payload.Amount),
		Currency:     upd.Payload.Fiat,
		Reason:       upd.Payload.Status,
		GatewayRefs:  map[string]string{"payload": upd.Payload.Payload},
	}, nil
}

// Ключ подписи Crypto Pay — SHA256 от токена приложения.
func checkCryptoBotSignature(token string, body []byte, sig string) bool {
	key := sha256.Sum256([]byte(token))
	h := hmac.New(sha256.New, key[:])
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(calc))
}
