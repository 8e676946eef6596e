package bot

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/orchestrator"
	"vpn-shop-bot/internal/store"
)

// Sender отправляет пользовательские уведомления. Клавиатуры и
// командный роутинг живут в другом месте, здесь только исходящие тексты.
type Sender struct {
	api   *tgbotapi.BotAPI
	store *store.Store
}

func NewSender(api *tgbotapi.BotAPI, s *store.Store) *Sender {
	return &Sender{api: api, store: s}
}

func (s *Sender) Send(userID int64, text string) error {
	msg := tgbotapi.NewMessage(userID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := s.api.Send(msg); err != nil {
		logger.Error("failed to send message", zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// PurchaseResult — данные для сообщения об успешной покупке.
type PurchaseResult = orchestrator.PurchaseSuccess

// SendPurchaseSuccess собирает сообщение в зависимости от режима выдачи:
// ключ, подписка, кабинет или комбинация.
func (s *Sender) SendPurchaseSuccess(userID int64, res PurchaseResult) error {
	verb := "создан"
	if res.Action == store.ActionExtend {
		verb = "продлен"
	}
	text := fmt.Sprintf("✅ Ваш VPN-ключ %s!\nДействует до: %s\n",
		verb, res.Expiry.UTC().Format("02.01.2006 15:04 UTC"))

	switch res.ProvisionMode {
	case store.ProvisionCabinet:
		if res.CabinetURL != "" {
			text += fmt.Sprintf("\n🔑 Личный кабинет: %s\n", res.CabinetURL)
		} else if res.SubscriptionLink != "" {
			text += fmt.Sprintf("\n🔗 Подписка: <code>%s</code>\n", res.SubscriptionLink)
		} else if res.ConnectionString != "" {
			text += fmt.Sprintf("\n<code>%s</code>\n", res.ConnectionString)
		}
	case store.ProvisionSubscription:
		if res.SubscriptionLink != "" {
			text += fmt.Sprintf("\n🔗 Подписка: <code>%s</code>\n", res.SubscriptionLink)
		}
	case store.ProvisionBoth:
		if res.ConnectionString != "" {
			text += fmt.Sprintf("\n<code>%s</code>\n", res.ConnectionString)
		}
		if res.CabinetURL != "" {
			text += fmt.Sprintf("\n🔑 Личный кабинет: %s\n", res.CabinetURL)
		}
	default: // key
		if res.ConnectionString != "" {
			text += fmt.Sprintf("\n<code>%s</code>\n", res.ConnectionString)
		} else if res.SubscriptionLink != "" {
			text += fmt.Sprintf("\n🔗 Подписка: <code>%s</code>\n", res.SubscriptionLink)
		}
	}
	if res.TxHash != "" {
		text += fmt.Sprintf("\n🔗 <a href=\"https://tonviewer.com/transaction/%s\">Транзакция в TON Explorer</a>", res.TxHash)
	}
	return s.Send(userID, text)
}

// SendBalanceDebited — уведомление об автопродлении с баланса.
func (s *Sender) SendBalanceDebited(userID int64, amountKopeks int64) error {
	return s.Send(userID, fmt.Sprintf(
		"💳 С вашего баланса списано %s RUB за автопродление подписки.", FormatRub(amountKopeks)))
}

// SendExpiryNotice — предупреждение о скором истечении ключа.
func (s *Sender) SendExpiryNotice(userID int64, hoursLeft int, expiry time.Time) error {
	var when string
	if hoursLeft >= 24 {
		when = fmt.Sprintf("%d дн.", hoursLeft/24)
	} else {
		when = fmt.Sprintf("%d ч.", hoursLeft)
	}
	return s.Send(userID, fmt.Sprintf(
		"⏳ Ваша подписка истекает через %s (%s). Продлить можно в боте.",
		when, expiry.UTC().Format("02.01.2006 15:04 UTC")))
}

// SendExpired — подписка завершена, ключ отключён.
func (s *Sender) SendExpired(userID int64) error {
	return s.Send(userID, "❌ Ваша подписка завершена, ключ отключён. Для продления воспользуйтесь ботом.")
}

// SendBalanceToppedUp — пополнение баланса.
func (s *Sender) SendBalanceToppedUp(userID int64, amountKopeks int64) error {
	return s.Send(userID, fmt.Sprintf("✅ Баланс пополнен на %s RUB.", FormatRub(amountKopeks)))
}

// SendReferralReward — начисление реферального вознаграждения.
func (s *Sender) SendReferralReward(referrerID int64, buyerName string, rewardKopeks int64) error {
	return s.Send(referrerID, fmt.Sprintf(
		"🎉 Ваш реферал %s совершил покупку!\n💰 Начислено вознаграждение: %s RUB.",
		buyerName, FormatRub(rewardKopeks)))
}

// FormatRub — копейки в десятичную строку для отображения.
func FormatRub(kopeks int64) string {
	sign := ""
	if kopeks < 0 {
		sign = "-"
		kopeks = -kopeks
	}
	return fmt.Sprintf("%s%d.%02d", sign, kopeks/100, kopeks%100)
}
