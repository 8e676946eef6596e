package logger

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Канал алертов ограничен: при переполнении выбрасываем самый старый,
// оператору важнее свежие сообщения.
const alertQueueSize = 500

var (
	botInstance *tgbotapi.BotAPI
	adminID     int64
	alertQueue  chan string
	limiter     *rate.Limiter
	once        sync.Once
)

// InitNotifier инициализирует Telegram-уведомления для оператора.
// Алерты уходят не чаще одного раза в 5 секунд.
func InitNotifier(ctx context.Context, bot *tgbotapi.BotAPI, admin int64) {
	once.Do(func() {
		botInstance = bot
		adminID = admin
		alertQueue = make(chan string, alertQueueSize)
		limiter = rate.NewLimiter(rate.Every(5e9), 1)
		go drainAlerts(ctx)
	})
}

func drainAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-alertQueue:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := botInstance.Send(tgbotapi.NewMessage(adminID, "[ALERT] "+msg)); err != nil {
				Error("failed to deliver operator alert", zap.Error(err))
			}
		}
	}
}

// NotifyAdmin ставит критическое уведомление в очередь оператора.
func NotifyAdmin(msg string) {
	if alertQueue == nil {
		return
	}
	for {
		select {
		case alertQueue <- msg:
			return
		default:
			// очередь полна — освобождаем место за счёт самого старого
			select {
			case <-alertQueue:
			default:
			}
		}
	}
}

// NotifyOnPanic ловит панику, логирует и уведомляет оператора.
func NotifyOnPanic(context string) {
	if r := recover(); r != nil {
		Error("panic recovered", zap.String("context", context), zap.Any("panic", r))
		NotifyAdmin(fmt.Sprintf("Panic in %s: %v", context, r))
	}
}
