package payments

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
)

// TonCommentPrefix — префикс комментария входящего перевода.
const TonCommentPrefix = "payment:"

const nanoPerTON = 1_000_000_000

// tonConfig — адрес кошелька и курс RUB за 1 TON.
type tonConfig struct {
	WalletAddress string
	RubPerTON     float64
}

// TON — вариант без webhook'а: intent это адрес + сумма в nanoTON +
// комментарий, входящие переводы сверяет TonPoller.
type TON struct {
	cfg atomic.Pointer[tonConfig]
}

func NewTON(walletAddress string, rubPerTON float64) *TON {
	t := &TON{}
	t.Reconfigure(walletAddress, rubPerTON)
	return t
}

func (t *TON) Reconfigure(walletAddress string, rubPerTON float64) {
	t.cfg.Store(&tonConfig{WalletAddress: walletAddress, RubPerTON: rubPerTON})
}

// CreateIntent генерирует payment_id сами: UUID укладывается в лимит
// 64 байта на комментарий вместе с префиксом.
func (t *TON) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	cfg := t.cfg.Load()
	if cfg.WalletAddress == "" || cfg.RubPerTON <= 0 {
		return nil, fmt.Errorf("%w: ton wallet is not configured", ErrGatewayUnavailable)
	}
	paymentID := uuid.New().String()
	amountTON := float64(req.AmountKopeks) / 100 / cfg.RubPerTON
	return &Intent{
		PaymentID:     paymentID,
		TonAddress:    cfg.WalletAddress,
		TonAmountNano: int64(amountTON * nanoPerTON),
		TonComment:    TonCommentPrefix + paymentID,
	}, nil
}

// VerifyEvent не используется: исходы приходят из поллера, а не webhook'а.
func (t *TON) VerifyEvent(body []byte, header http.Header) (*Event, error) {
	return nil, fmt.Errorf("ton gateway has no webhook events")
}

// WalletAddress — текущий кошелёк приёма (для поллера).
func (t *TON) WalletAddress() string {
	return t.cfg.Load().WalletAddress
}

// AmountTON — сумма intent'а в TON (для сверки поллером).
func AmountTON(nano int64) float64 {
	return float64(nano) / nanoPerTON
}
