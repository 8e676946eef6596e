package payments

import (
	"context"
	"errors"
	"net/http"
)

// ErrGatewayUnavailable — транзиентная ошибка создания платежа.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// ErrBadSignature — webhook не прошёл аутентификацию.
var ErrBadSignature = errors.New("invalid webhook signature")

// IntentRequest — запрос на создание платёжного намерения.
// Сумма в копейках.
type IntentRequest struct {
	AmountKopeks int64
	Currency     string
	Description  string
	ReturnURL    string
	// Свободные метаданные, которые шлюз вернёт в уведомлении.
	Payload string
}

// Intent — то, что показываем пользователю: URL для Card/CryptoBot,
// адрес+сумма+комментарий для TON.
type Intent struct {
	PaymentID string
	URL       string

	TonAddress    string
	TonAmountNano int64
	TonComment    string
}

// Event — нормализованный исход платежа из webhook'а или поллера.
type Event struct {
	PaymentID      string
	Paid           bool
	AmountKopeks   int64
	AmountCurrency float64
	Currency       string
	TxHash         string
	Reason         string
	GatewayRefs    map[string]string
}

// Gateway — единый контракт трёх вариантов оплаты.
type Gateway interface {
	// CreateIntent создаёт намерение; для Card/CryptoBot payment_id
	// выдаёт шлюз, для TON генерируем сами.
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// VerifyEvent аутентифицирует сырое уведомление и нормализует его.
	VerifyEvent(body []byte, header http.Header) (*Event, error)
}
