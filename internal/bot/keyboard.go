package bot

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vpn-shop-bot/internal/store"
)

func (b *Bot) replyKeyboard(userID int64) tgbotapi.ReplyKeyboardMarkup {
	if b.admin.IsAdmin(userID) {
		return tgbotapi.NewReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_stats"),
				tgbotapi.NewKeyboardButton("/admin_hosts"),
				tgbotapi.NewKeyboardButton("/admin_backup"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/buy"),
				tgbotapi.NewKeyboardButton("/subscriptions"),
				tgbotapi.NewKeyboardButton("/balance"),
			),
		)
	}
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/buy"),
			tgbotapi.NewKeyboardButton("/subscriptions"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/balance"),
			tgbotapi.NewKeyboardButton("/help"),
		),
	)
}

func hostsKeyboard(hosts []store.Host) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, h := range hosts {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(h.HostName, "buy_host_"+h.HostCode),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func plansKeyboard(plans []store.Plan, prefix string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range plans {
		label := fmt.Sprintf("%s — %s ₽", p.PlanName, FormatRub(p.Price))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, prefix+strconv.FormatInt(p.PlanID, 10)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// methodsKeyboard — выбор способа оплаты; callback получает суффикс
// вида <action>_<planID>_<keyID>.
func methodsKeyboard(suffix string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💳 Карта", "pay_"+store.MethodCard+"_"+suffix),
			tgbotapi.NewInlineKeyboardButtonData("🪙 CryptoBot", "pay_"+store.MethodCryptoBot+"_"+suffix),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💎 TON", "pay_"+store.MethodTON+"_"+suffix),
			tgbotapi.NewInlineKeyboardButtonData("💰 С баланса", "pay_"+store.MethodBalance+"_"+suffix),
		),
	)
}

func topupKeyboard() tgbotapi.InlineKeyboardMarkup {
	row := func(rub int64) []tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%d ₽", rub), fmt.Sprintf("topup_%d", rub*100)),
		)
	}
	return tgbotapi.NewInlineKeyboardMarkup(row(100), row(300), row(500), row(1000))
}

func topupMethodsKeyboard(kopeks int64) tgbotapi.InlineKeyboardMarkup {
	suffix := strconv.FormatInt(kopeks, 10)
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💳 Карта", "topuppay_"+store.MethodCard+"_"+suffix),
			tgbotapi.NewInlineKeyboardButtonData("🪙 CryptoBot", "topuppay_"+store.MethodCryptoBot+"_"+suffix),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💎 TON", "topuppay_"+store.MethodTON+"_"+suffix),
		),
	)
}
