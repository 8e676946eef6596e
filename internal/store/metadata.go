package store

import "encoding/json"

// Действия в метаданных транзакции.
const (
	ActionNew    = "new"
	ActionExtend = "extend"
	ActionTopup  = "topup"
)

// TxMetadata — типизированные метаданные транзакции. Шлюзоспецифичные
// поля складываются в Extras, сам JSON схемой не является.
type TxMetadata struct {
	Action        string  `json:"action"`
	UserID        int64   `json:"user_id"`
	HostCode      string  `json:"host_code,omitempty"`
	HostName      string  `json:"host_name,omitempty"`
	PlanID        int64   `json:"plan_id,omitempty"`
	Months        int     `json:"months,omitempty"`
	KeyID         int64   `json:"key_id,omitempty"`
	PromoCode     string  `json:"promo_code,omitempty"`
	CustomerEmail string  `json:"customer_email,omitempty"`
	PaymentMethod string  `json:"payment_method,omitempty"`
	// Ожидаемая сумма в TON и комментарий для сверки входящих переводов.
	ExpectedTON float64 `json:"expected_ton,omitempty"`
	TonComment  string  `json:"ton_comment,omitempty"`
	BonusKopeks int64   `json:"bonus_kopeks,omitempty"`
	// Автопродление с внутреннего баланса: дополнительно шлём
	// уведомление о списании.
	AutoRenewal bool `json:"auto_renewal,omitempty"`
	// Маркеры прогресса пайплайна: защита от повторного провижининга.
	ProvisionedAt     string `json:"provisioned_at,omitempty"`
	NotifiedAt        string `json:"notified_at,omitempty"`
	ProvisionError    string `json:"provision_error,omitempty"`
	ProvisionAttempts int    `json:"provision_attempts,omitempty"`
	// Результаты фулфилмента для кабинета и повторных прогонов.
	// key_email фиксируется до первого обращения к панели, чтобы
	// повторный прогон бил в тот же (inbound, email).
	KeyEmail         string `json:"key_email,omitempty"`
	ResultKeyID      int64  `json:"result_key_id,omitempty"`
	ConnectionString string `json:"connection_string,omitempty"`

	Extras map[string]string `json:"extras,omitempty"`
}

func (m TxMetadata) Encode() string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func DecodeMetadata(raw string) (TxMetadata, error) {
	var m TxMetadata
	if raw == "" {
		return m, nil
	}
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}
