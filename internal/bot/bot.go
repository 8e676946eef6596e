package bot

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/admin"
	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/orchestrator"
	"vpn-shop-bot/internal/store"
)

// Bot — Telegram-интерфейс магазина: команды, inline-кнопки покупки,
// продления и пополнения. Вся бизнес-логика в оркестраторе, здесь
// только разбор апдейтов и клавиатуры.
type Bot struct {
	api     *tgbotapi.BotAPI
	store   *store.Store
	orch    *orchestrator.Orchestrator
	sender  *Sender
	admin   *admin.Handler
	limiter *RateLimiter

	// промокод, введённый /promo, ждёт ближайшей покупки
	promoMu      sync.Mutex
	pendingPromo map[int64]string
}

func New(api *tgbotapi.BotAPI, s *store.Store, orch *orchestrator.Orchestrator, sender *Sender, adm *admin.Handler) *Bot {
	return &Bot{
		api:          api,
		store:        s,
		orch:         orch,
		sender:       sender,
		admin:        adm,
		limiter:      NewRateLimiter(),
		pendingPromo: make(map[int64]string),
	}
}

// Run крутит long polling до отмены контекста.
func (b *Bot) Run(ctx context.Context) {
	logger.Info("bot started", zap.String("username", b.api.Self.UserName))

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		b.handleUpdate(ctx, update)
	}
}

func (b *Bot) stashPromo(userID int64, code string) {
	b.promoMu.Lock()
	defer b.promoMu.Unlock()
	b.pendingPromo[userID] = code
}

func (b *Bot) takePromo(userID int64) string {
	b.promoMu.Lock()
	defer b.promoMu.Unlock()
	code := b.pendingPromo[userID]
	delete(b.pendingPromo, userID)
	return code
}
