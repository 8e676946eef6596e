package store

import "time"

// Статусы ключей.
const (
	KeyStatusTrialActive = "trial-active"
	KeyStatusTrialEnded  = "trial-ended"
	KeyStatusPayActive   = "pay-active"
	KeyStatusPayEnded    = "pay-ended"
	KeyStatusDeactivate  = "deactivate"
)

// Статусы транзакций.
const (
	TxStatusPending  = "pending"
	TxStatusPaid     = "paid"
	TxStatusFailed   = "failed"
	TxStatusExpired  = "expired"
	TxStatusRefunded = "refunded"
)

// Способы оплаты.
const (
	MethodCard      = "Card"
	MethodCryptoBot = "CryptoBot"
	MethodTON       = "TON"
	MethodBalance   = "Balance"
	MethodTrial     = "Trial"
)

// Режимы выдачи ключа.
const (
	ProvisionKey          = "key"
	ProvisionSubscription = "subscription"
	ProvisionBoth         = "both"
	ProvisionCabinet      = "cabinet"
)

// Статусы использования промокода.
const (
	PromoApplied = "applied"
	PromoUsed    = "used"
)

// User создаётся при первом контакте и никогда не удаляется.
// Баланс хранится в копейках.
type User struct {
	TelegramID       int64     `gorm:"primaryKey;column:telegram_id"`
	Username         string    `gorm:"column:username"`
	FullName         string    `gorm:"column:full_name"`
	Balance          int64     `gorm:"column:balance;default:0"`
	AgreedToTerms    bool      `gorm:"column:agreed_to_terms;default:false"`
	TrialUsed        bool      `gorm:"column:trial_used;default:false"`
	TotalSpent       int64     `gorm:"column:total_spent;default:0"`
	TotalMonths      int       `gorm:"column:total_months;default:0"`
	ReferredBy       *int64    `gorm:"column:referred_by"`
	ReferralBalance  int64     `gorm:"column:referral_balance;default:0"`
	IsBanned         bool      `gorm:"column:is_banned;default:false"`
	GroupName        string    `gorm:"column:group_name"`
	RegistrationDate time.Time `gorm:"column:registration_date;autoCreateTime"`
}

func (User) TableName() string { return "users" }

// Host — панель 3x-UI. host_code является каноническим ключом поиска,
// host_name остаётся как fallback для старых записей.
type Host struct {
	HostCode     string `gorm:"primaryKey;column:host_code"`
	HostName     string `gorm:"column:host_name;uniqueIndex"`
	HostURL      string `gorm:"column:host_url"`
	HostUsername string `gorm:"column:host_username"`
	HostPass     string `gorm:"column:host_pass"`
	InboundID    int    `gorm:"column:host_inbound_id"`
}

func (Host) TableName() string { return "xui_hosts" }

// Plan привязан к хосту. Длительность = months + days + hours.
type Plan struct {
	PlanID        int64   `gorm:"primaryKey;autoIncrement;column:plan_id"`
	HostCode      string  `gorm:"column:host_code;index"`
	PlanName      string  `gorm:"column:plan_name"`
	Months        int     `gorm:"column:months"`
	Days          int     `gorm:"column:days;default:0"`
	Hours         int     `gorm:"column:hours;default:0"`
	TrafficGB     float64 `gorm:"column:traffic_gb;default:0"`
	Price         int64   `gorm:"column:price"`
	ProvisionMode string  `gorm:"column:provision_mode;default:key"`
	DisplayMode   string  `gorm:"column:display_mode;default:all"`
}

// Режимы показа тарифа: везде, только при покупке, только при
// продлении, скрыт из списков (покупается по прямому plan_id).
const (
	PlanDisplayAll    = "all"
	PlanDisplayNew    = "new"
	PlanDisplayExtend = "extend"
	PlanDisplayHidden = "hidden"
)

func (Plan) TableName() string { return "plans" }

// Duration суммирует длительность тарифа.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.Months)*30*24*time.Hour +
		time.Duration(p.Days)*24*time.Hour +
		time.Duration(p.Hours)*time.Hour
}

// Key — клиент на панели, принадлежащий пользователю.
// key_email — натуральный ключ на стороне панели.
type Key struct {
	KeyID            int64     `gorm:"primaryKey;autoIncrement;column:key_id"`
	UserID           int64     `gorm:"column:user_id;index"`
	HostCode         string    `gorm:"column:host_code;index"`
	ClientUUID       string    `gorm:"column:xui_client_uuid"`
	Email            string    `gorm:"column:key_email;uniqueIndex"`
	ExpiryDate       time.Time `gorm:"column:expiry_date"`
	Status           string    `gorm:"column:status;default:pay-active"`
	Enabled          bool      `gorm:"column:enabled;default:true"`
	ConnectionString string    `gorm:"column:connection_string"`
	SubscriptionLink string    `gorm:"column:subscription_link"`
	PlanID           *int64    `gorm:"column:plan_id"`
	IsTrial          bool      `gorm:"column:is_trial;default:false"`
	CreatedDate      time.Time `gorm:"column:created_date;autoCreateTime"`
}

func (Key) TableName() string { return "vpn_keys" }

// Transaction идентифицируется payment_id — глобально уникальной строкой,
// выданной шлюзом либо сгенерированной нами. Сумма в копейках.
type Transaction struct {
	TransactionID  int64     `gorm:"primaryKey;autoIncrement;column:transaction_id"`
	PaymentID      string    `gorm:"column:payment_id;uniqueIndex;not null"`
	UserID         int64     `gorm:"column:user_id;index"`
	Status         string    `gorm:"column:status;index"`
	AmountRub      int64     `gorm:"column:amount_rub"`
	AmountCurrency float64   `gorm:"column:amount_currency"`
	CurrencyName   string    `gorm:"column:currency_name"`
	PaymentMethod  string    `gorm:"column:payment_method"`
	Metadata       string    `gorm:"column:metadata"`
	TxHash         string    `gorm:"column:transaction_hash"`
	PaymentLink    string    `gorm:"column:payment_link"`
	CreatedDate    time.Time `gorm:"column:created_date;autoCreateTime"`
}

func (Transaction) TableName() string { return "transactions" }

// PromoCode. Скидка — фикс, процент или бонус на баланс (не взаимоисключающие).
type PromoCode struct {
	PromoID          int64      `gorm:"primaryKey;autoIncrement;column:promo_id"`
	Code             string     `gorm:"column:code;uniqueIndex;not null"`
	Bot              string     `gorm:"column:bot;default:vpn"`
	DiscountAmount   int64      `gorm:"column:discount_amount;default:0"`
	DiscountPercent  float64    `gorm:"column:discount_percent;default:0"`
	DiscountBonus    int64      `gorm:"column:discount_bonus;default:0"`
	UsageLimitPerBot int        `gorm:"column:usage_limit_per_bot;default:1"`
	GroupName        string     `gorm:"column:group_name"`
	IsActive         bool       `gorm:"column:is_active;default:true"`
	ExpiresAt        *time.Time `gorm:"column:expires_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (PromoCode) TableName() string { return "promo_codes" }

// PromoUsage — по одной строке на (promo, user, bot).
type PromoUsage struct {
	UsageID int64     `gorm:"primaryKey;autoIncrement;column:usage_id"`
	PromoID int64     `gorm:"column:promo_id;uniqueIndex:idx_promo_user_bot"`
	UserID  int64     `gorm:"column:user_id;uniqueIndex:idx_promo_user_bot"`
	Bot     string    `gorm:"column:bot;uniqueIndex:idx_promo_user_bot"`
	PlanID  *int64    `gorm:"column:plan_id"`
	Status  string    `gorm:"column:status;default:applied"`
	UsedAt  time.Time `gorm:"column:used_at;autoCreateTime"`
}

func (PromoUsage) TableName() string { return "promo_code_usage" }

// CabinetToken — постоянный токен доступа к кабинету, ровно один живой на ключ.
type CabinetToken struct {
	Token       string     `gorm:"primaryKey;column:token"`
	UserID      int64      `gorm:"column:user_id"`
	KeyID       int64      `gorm:"column:key_id;uniqueIndex"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	LastUsedAt  *time.Time `gorm:"column:last_used_at"`
	AccessCount int64      `gorm:"column:access_count;default:0"`
}

func (CabinetToken) TableName() string { return "user_cabinet_tokens" }

type Setting struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value string `gorm:"column:value"`
}

func (Setting) TableName() string { return "bot_settings" }

// Notification — журнал исходящих уведомлений. marker_hours хранит
// порог предупреждения об истечении для дедупликации.
type Notification struct {
	NotificationID int64     `gorm:"primaryKey;autoIncrement;column:notification_id"`
	UserID         int64     `gorm:"column:user_id;index"`
	Username       string    `gorm:"column:username"`
	Type           string    `gorm:"column:type"`
	Title          string    `gorm:"column:title"`
	Message        string    `gorm:"column:message"`
	Status         string    `gorm:"column:status;default:sent"`
	KeyID          *int64    `gorm:"column:key_id;index"`
	MarkerHours    *int      `gorm:"column:marker_hours"`
	CreatedDate    time.Time `gorm:"column:created_date;autoCreateTime"`
}

func (Notification) TableName() string { return "notifications" }

// MigrationHistory фиксирует применённые миграции.
type MigrationHistory struct {
	MigrationID string    `gorm:"primaryKey;column:migration_id"`
	AppliedAt   time.Time `gorm:"column:applied_at;autoCreateTime"`
	Description string    `gorm:"column:description"`
}

func (MigrationHistory) TableName() string { return "migration_history" }
