package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/orchestrator"
	"vpn-shop-bot/internal/payments"
	"vpn-shop-bot/internal/store"
)

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message
	userID := msg.From.ID

	// регистрация/обновление пользователя на любом апдейте
	referrer := referrerFromStart(msg)
	if err := b.store.RegisterUserIfAbsent(userID, msg.From.UserName, strings.TrimSpace(msg.From.FirstName+" "+msg.From.LastName), referrer); err != nil {
		logger.Error("user registration failed", zap.Int64("user_id", userID), zap.Error(err))
	}

	text := msg.Text
	if text == "" {
		return
	}
	cmd := strings.Fields(text)[0]
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	if !b.admin.IsAdmin(userID) && b.limiter.IsLimited(userID, cmd) {
		b.reply(msg.Chat.ID, userID, "Пожалуйста, не так быстро! Подождите пару секунд...")
		return
	}
	if b.admin.IsAdmin(userID) && strings.HasPrefix(text, "/admin_") {
		b.admin.HandleCommand(b.api, &update)
		return
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		b.reply(msg.Chat.ID, userID,
			"Добро пожаловать! Для покупки VPN используйте /buy, для пробного доступа /trial.")
	case strings.HasPrefix(text, "/buy"):
		b.handleBuy(msg)
	case strings.HasPrefix(text, "/trial"):
		b.handleTrial(ctx, msg)
	case strings.HasPrefix(text, "/subscriptions"):
		b.handleSubscriptions(msg)
	case strings.HasPrefix(text, "/getkey"):
		b.handleGetKey(msg)
	case strings.HasPrefix(text, "/balance"):
		b.handleBalance(msg)
	case strings.HasPrefix(text, "/promo"):
		b.handlePromo(msg)
	case strings.HasPrefix(text, "/renew_"):
		b.handleRenew(msg)
	case strings.HasPrefix(text, "/support"):
		b.reply(msg.Chat.ID, userID, "Поддержка: напишите вашему администратору.")
	case strings.HasPrefix(text, "/help"):
		b.reply(msg.Chat.ID, userID, helpText)
	default:
		b.reply(msg.Chat.ID, userID, "Неизвестная команда. Используйте /help для списка всех возможностей.")
	}
}

const helpText = `Доступные команды:
/buy — Купить VPN
/trial — Пробный доступ
/subscriptions — Мои подписки
/renew_<id> — Продлить подписку
/getkey — Повторно получить ключ
/balance — Баланс и пополнение
/promo <код> — Применить промокод
/support — Связаться с поддержкой
/help — Показать эту справку

Покупка: /buy → выберите сервер, тариф и способ оплаты.
После оплаты бот автоматически выдаст или продлит ваш ключ.`

func (b *Bot) reply(chatID, userID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = b.replyKeyboard(userID)
	b.api.Send(msg)
}

func referrerFromStart(msg *tgbotapi.Message) *int64 {
	if !msg.IsCommand() || msg.Command() != "start" {
		return nil
	}
	arg := strings.TrimPrefix(strings.TrimSpace(msg.CommandArguments()), "ref_")
	if arg == "" {
		return nil
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id == msg.From.ID {
		return nil
	}
	return &id
}

func (b *Bot) handleBuy(msg *tgbotapi.Message) {
	hosts, err := b.store.GetAllHosts()
	if err != nil || len(hosts) == 0 {
		b.reply(msg.Chat.ID, msg.From.ID,
			"Извините, сейчас нет доступных серверов. Попробуйте позже или напишите /support.")
		return
	}
	if len(hosts) == 1 {
		b.sendPlans(msg.Chat.ID, hosts[0].HostCode)
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, "Выберите сервер:")
	out.ReplyMarkup = hostsKeyboard(hosts)
	b.api.Send(out)
}

func (b *Bot) sendPlans(chatID int64, hostCode string) {
	plans, err := b.store.GetPlansForHost(hostCode, store.PlanDisplayNew)
	if err != nil || len(plans) == 0 {
		b.api.Send(tgbotapi.NewMessage(chatID, "Для этого сервера пока нет тарифов."))
		return
	}
	out := tgbotapi.NewMessage(chatID, "Выберите тариф:")
	out.ReplyMarkup = plansKeyboard(plans, "buy_plan_")
	b.api.Send(out)
}

func (b *Bot) handleTrial(ctx context.Context, msg *tgbotapi.Message) {
	planID, _ := strconv.ParseInt(b.store.GetSetting("trial_plan_id"), 10, 64)
	if planID == 0 {
		b.reply(msg.Chat.ID, msg.From.ID, "Пробный доступ сейчас недоступен.")
		return
	}
	_, err := b.orch.Purchase(ctx, orchestrator.PurchaseRequest{
		UserID:        msg.From.ID,
		PlanID:        planID,
		Action:        store.ActionNew,
		PaymentMethod: store.MethodTrial,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrValidation) {
			b.reply(msg.Chat.ID, msg.From.ID, "Пробный доступ уже использован или недоступен.")
			return
		}
		logger.Error("trial purchase failed", zap.Int64("user_id", msg.From.ID), zap.Error(err))
		b.reply(msg.Chat.ID, msg.From.ID, "Не удалось выдать пробный ключ, попробуйте позже.")
	}
	// сообщение с ключом отправляет оркестратор
}

func (b *Bot) handleSubscriptions(msg *tgbotapi.Message) {
	keys, err := b.store.GetUserKeys(msg.From.ID)
	if err != nil || len(keys) == 0 {
		b.reply(msg.Chat.ID, msg.From.ID, "У вас нет подписок. Для покупки используйте /buy.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Ваши подписки:\n\n")
	for _, k := range keys {
		status := "активна"
		if !k.Enabled {
			status = "завершена"
		}
		sb.WriteString(fmt.Sprintf("Ключ #%d (%s), до %s\n/renew_%d — продлить\n\n",
			k.KeyID, status, k.ExpiryDate.UTC().Format("02.01.2006 15:04"), k.KeyID))
	}
	b.reply(msg.Chat.ID, msg.From.ID, sb.String())
}

func (b *Bot) handleGetKey(msg *tgbotapi.Message) {
	keys, err := b.store.GetUserKeys(msg.From.ID)
	if err != nil {
		b.reply(msg.Chat.ID, msg.From.ID, "Ошибка, попробуйте позже.")
		return
	}
	for _, k := range keys {
		if !k.Enabled {
			continue
		}
		text := fmt.Sprintf("Ваш VPN-ключ (#%d):\n<code>%s</code>", k.KeyID, k.ConnectionString)
		if k.SubscriptionLink != "" {
			text += "\n\n🔗 Подписка: <code>" + k.SubscriptionLink + "</code>"
		}
		b.sender.Send(msg.From.ID, text)
		return
	}
	b.reply(msg.Chat.ID, msg.From.ID, "У вас нет активных подписок. Для покупки используйте /buy.")
}

func (b *Bot) handleBalance(msg *tgbotapi.Message) {
	user, err := b.store.GetUser(msg.From.ID)
	if err != nil {
		b.reply(msg.Chat.ID, msg.From.ID, "Ошибка, попробуйте позже.")
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf(
		"💰 Баланс: %s ₽\n🎁 Реферальный баланс: %s ₽\n\nПополнить:",
		FormatRub(user.Balance), FormatRub(user.ReferralBalance)))
	out.ReplyMarkup = topupKeyboard()
	b.api.Send(out)
}

func (b *Bot) handlePromo(msg *tgbotapi.Message) {
	code := strings.TrimSpace(strings.TrimPrefix(msg.Text, "/promo"))
	if code == "" {
		b.reply(msg.Chat.ID, msg.From.ID, "Использование: /promo <код>")
		return
	}
	b.stashPromo(msg.From.ID, code)
	b.reply(msg.Chat.ID, msg.From.ID,
		"Промокод сохранён и будет применён к следующей покупке.")
}

func (b *Bot) handleRenew(msg *tgbotapi.Message) {
	idStr := strings.TrimPrefix(strings.Fields(msg.Text)[0], "/renew_")
	keyID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		b.reply(msg.Chat.ID, msg.From.ID, "Некорректная команда продления.")
		return
	}
	key, err := b.store.GetKey(keyID)
	if err != nil || key.UserID != msg.From.ID {
		b.reply(msg.Chat.ID, msg.From.ID, "Подписка не найдена.")
		return
	}
	plans, err := b.store.GetPlansForHost(key.HostCode, store.PlanDisplayExtend)
	if err != nil || len(plans) == 0 {
		b.reply(msg.Chat.ID, msg.From.ID, "Для этого сервера нет тарифов продления.")
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, "Выберите срок продления:")
	out.ReplyMarkup = plansKeyboard(plans, fmt.Sprintf("renew_plan_%d_", keyID))
	b.api.Send(out)
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	data := cq.Data
	answer := func(text string) {
		b.api.Request(tgbotapi.NewCallback(cq.ID, text))
	}
	chatID := cq.Message.Chat.ID

	switch {
	case strings.HasPrefix(data, "buy_host_"):
		b.sendPlans(chatID, strings.TrimPrefix(data, "buy_host_"))
		answer("Сервер выбран")

	case strings.HasPrefix(data, "buy_plan_"):
		planID := strings.TrimPrefix(data, "buy_plan_")
		out := tgbotapi.NewMessage(chatID, "Выберите способ оплаты:")
		out.ReplyMarkup = methodsKeyboard("new_" + planID + "_0")
		b.api.Send(out)
		answer("Тариф выбран")

	case strings.HasPrefix(data, "renew_plan_"):
		// renew_plan_<keyID>_<planID>
		parts := strings.Split(strings.TrimPrefix(data, "renew_plan_"), "_")
		if len(parts) != 2 {
			answer("Ошибка выбора тарифа")
			return
		}
		out := tgbotapi.NewMessage(chatID, "Выберите способ оплаты:")
		out.ReplyMarkup = methodsKeyboard("extend_" + parts[1] + "_" + parts[0])
		b.api.Send(out)
		answer("Тариф выбран")

	case strings.HasPrefix(data, "pay_"):
		b.startPurchase(ctx, cq, answer)

	case strings.HasPrefix(data, "topuppay_"):
		// topuppay_<method>_<kopeks>
		parts := strings.Split(strings.TrimPrefix(data, "topuppay_"), "_")
		if len(parts) != 2 {
			answer("Ошибка")
			return
		}
		kopeks, _ := strconv.ParseInt(parts[1], 10, 64)
		out, err := b.orch.Topup(ctx, cq.From.ID, kopeks, parts[0])
		if err != nil {
			answer(purchaseErrorText(err))
			return
		}
		b.sendIntent(chatID, out)
		answer("Платёж создан")

	case strings.HasPrefix(data, "topup_"):
		kopeks, _ := strconv.ParseInt(strings.TrimPrefix(data, "topup_"), 10, 64)
		out := tgbotapi.NewMessage(chatID, "Выберите способ пополнения:")
		out.ReplyMarkup = topupMethodsKeyboard(kopeks)
		b.api.Send(out)
		answer("")
	}
}

// startPurchase разбирает pay_<method>_<action>_<planID>_<keyID>.
func (b *Bot) startPurchase(ctx context.Context, cq *tgbotapi.CallbackQuery, answer func(string)) {
	parts := strings.Split(strings.TrimPrefix(cq.Data, "pay_"), "_")
	if len(parts) != 4 {
		answer("Ошибка выбора оплаты")
		return
	}
	method, action := parts[0], parts[1]
	planID, err1 := strconv.ParseInt(parts[2], 10, 64)
	keyID, err2 := strconv.ParseInt(parts[3], 10, 64)
	if err1 != nil || err2 != nil {
		answer("Ошибка выбора оплаты")
		return
	}
	out, err := b.orch.Purchase(ctx, orchestrator.PurchaseRequest{
		UserID:        cq.From.ID,
		PlanID:        planID,
		Action:        action,
		ExistingKeyID: keyID,
		PaymentMethod: method,
		PromoCode:     b.takePromo(cq.From.ID),
	})
	if err != nil {
		answer(purchaseErrorText(err))
		return
	}
	if out.Fulfilled {
		// сообщение с ключом уже отправил оркестратор
		answer("Готово")
		return
	}
	b.sendIntent(cq.Message.Chat.ID, out)
	answer("Платёж создан")
}

func (b *Bot) sendIntent(chatID int64, out *orchestrator.PurchaseOutcome) {
	intent := out.Intent
	switch {
	case intent == nil:
		b.api.Send(tgbotapi.NewMessage(chatID, "Платёж проведён."))
	case intent.URL != "":
		b.api.Send(tgbotapi.NewMessage(chatID, "Ссылка на оплату: "+intent.URL))
	case intent.TonAddress != "":
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf(
			"Переведите <b>%.4f TON</b> на адрес:\n<code>%s</code>\n\n"+
				"⚠️ Обязательно укажите комментарий:\n<code>%s</code>\n\n"+
				"Зачисление занимает до пары минут после подтверждения сети.",
			payments.AmountTON(intent.TonAmountNano), intent.TonAddress, intent.TonComment))
		msg.ParseMode = tgbotapi.ModeHTML
		b.api.Send(msg)
	}
}

func purchaseErrorText(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		msg := err.Error()
		if strings.Contains(msg, "insufficient balance") {
			return "Недостаточно средств на балансе"
		}
		return "Покупка невозможна, проверьте данные"
	case errors.Is(err, orchestrator.ErrGatewayUnavailable):
		return "Платёжный сервис недоступен, попробуйте позже"
	default:
		return "Ошибка, попробуйте позже"
	}
}
