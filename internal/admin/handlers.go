package admin

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/store"
)

// Handler — админ-команды бота. Авторизация по telegram_id, смена
// пароля веб-кабинета хранится bcrypt-хэшем в настройках.
type Handler struct {
	store   *store.Store
	panels  *panel.Registry
	adminID int64
	dbPath  string
}

func NewHandler(s *store.Store, panels *panel.Registry, adminID int64, dbPath string) *Handler {
	return &Handler{store: s, panels: panels, adminID: adminID, dbPath: dbPath}
}

func (h *Handler) IsAdmin(userID int64) bool {
	return userID == h.adminID
}

func (h *Handler) HandleCommand(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	if update.Message == nil || update.Message.From.ID != h.adminID {
		return
	}
	cmd := update.Message.Command()
	switch cmd {
	case "admin_stats":
		h.handleStats(bot, update)
	case "admin_hosts":
		h.handleHosts(bot, update)
	case "admin_addhost":
		h.handleAddHost(bot, update)
	case "admin_addplan":
		h.handleAddPlan(bot, update)
	case "admin_promo":
		h.handlePromo(bot, update)
	case "admin_ban":
		h.handleBan(bot, update, true)
	case "admin_unban":
		h.handleBan(bot, update, false)
	case "admin_group":
		h.handleGroup(bot, update)
	case "admin_setting":
		h.handleSetting(bot, update)
	case "admin_setpassword":
		h.handleSetPassword(bot, update)
	case "admin_backup":
		h.handleBackup(bot, update)
	case "admin_tx":
		h.handleTx(bot, update)
	case "admin_key":
		h.handleKey(bot, update)
	}
	logger.Info("admin command", zap.String("command", cmd))
}

func (h *Handler) handleStats(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	st, err := h.store.AdminStats()
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка статистики: "+err.Error()))
		return
	}
	msg := fmt.Sprintf(
		"Пользователей: %d\nАктивных ключей: %d\nПлатежи: сегодня %.2f₽, месяц %.2f₽, всего %.2f₽",
		st.Users, st.ActiveKeys,
		float64(st.PaidToday)/100, float64(st.PaidMonth)/100, float64(st.PaidTotal)/100)
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, msg))
}

func (h *Handler) handleHosts(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	hosts, err := h.store.GetAllHosts()
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка: "+err.Error()))
		return
	}
	var sb strings.Builder
	sb.WriteString("Панели:\n")
	for _, host := range hosts {
		keys, _ := h.store.KeysForHost(host.HostCode)
		sb.WriteString(fmt.Sprintf("%s (%s): %s, ключей: %d\n",
			host.HostCode, host.HostName, host.HostURL, len(keys)))
	}
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, sb.String()))
}

// /admin_addhost <code> <name> <url> <username> <password> <inbound_id>
func (h *Handler) handleAddHost(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	args := strings.Fields(update.Message.CommandArguments())
	if len(args) < 6 {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID,
			"Использование: /admin_addhost <code> <name> <url> <username> <password> <inbound_id>"))
		return
	}
	inboundID, err := strconv.Atoi(args[5])
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "inbound_id должен быть числом"))
		return
	}
	host := store.Host{
		HostCode:     args[0],
		HostName:     args[1],
		HostURL:      args[2],
		HostUsername: args[3],
		HostPass:     args[4],
		InboundID:    inboundID,
	}
	if err := h.store.CreateHost(host); err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка добавления панели: "+err.Error()))
		return
	}
	h.panels.Invalidate(host.HostCode)
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Панель добавлена: "+host.HostCode))
}

// /admin_addplan <host_code> <months> <price_rub> [traffic_gb] [provision_mode]
func (h *Handler) handleAddPlan(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	args := strings.Fields(update.Message.CommandArguments())
	if len(args) < 3 {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID,
			"Использование: /admin_addplan <host_code> <months> <price_rub> [traffic_gb] [provision_mode]"))
		return
	}
	months, err1 := strconv.Atoi(args[1])
	priceRub, err2 := strconv.ParseFloat(args[2], 64)
	if err1 != nil || err2 != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Срок и цена должны быть числами"))
		return
	}
	plan := store.Plan{
		HostCode:      args[0],
		PlanName:      fmt.Sprintf("%d мес.", months),
		Months:        months,
		Price:         int64(priceRub * 100),
		ProvisionMode: store.ProvisionKey,
	}
	if len(args) > 3 {
		plan.TrafficGB, _ = strconv.ParseFloat(args[3], 64)
	}
	if len(args) > 4 {
		plan.ProvisionMode = args[4]
	}
	id, err := h.store.CreatePlan(plan)
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка добавления тарифа: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, fmt.Sprintf("Тариф %d добавлен", id)))
}

// /admin_promo <code> <discount_percent> <usage_limit> [bonus_rub]
func (h *Handler) handlePromo(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	args := strings.Fields(update.Message.CommandArguments())
	if len(args) < 3 {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID,
			"Использование: /admin_promo <code> <discount_percent> <usage_limit> [bonus_rub]"))
		return
	}
	percent, err1 := strconv.ParseFloat(args[1], 64)
	limit, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Скидка и лимит должны быть числами"))
		return
	}
	promo := store.PromoCode{
		Code:             args[0],
		DiscountPercent:  percent,
		UsageLimitPerBot: limit,
		IsActive:         true,
	}
	if ns := h.store.GetSetting("telegram_bot_username"); ns != "" {
		promo.Bot = ns
	}
	if len(args) > 3 {
		bonusRub, _ := strconv.ParseFloat(args[3], 64)
		promo.DiscountBonus = int64(bonusRub * 100)
	}
	id, err := h.store.CreatePromoCode(promo)
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка создания промокода: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, fmt.Sprintf("Промокод %s создан (id %d)", promo.Code, id)))
}

func (h *Handler) handleBan(bot *tgbotapi.BotAPI, update *tgbotapi.Update, ban bool) {
	args := strings.Fields(update.Message.CommandArguments())
	if len(args) < 1 {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Укажите telegram_id"))
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Некорректный telegram_id"))
		return
	}
	if ban {
		err = h.store.BanUser(userID)
	} else {
		err = h.store.UnbanUser(userID)
	}
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Готово"))
}

// /admin_group <telegram_id> [group] — группа пользователя для
// таргетированных промокодов; без аргумента группа сбрасывается.
func (h *Handler) handleGroup(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	args := strings.Fields(update.Message.CommandArguments())
	if len(args) < 1 {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Использование: /admin_group <telegram_id> [group]"))
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Некорректный telegram_id"))
		return
	}
	group := ""
	if len(args) > 1 {
		group = args[1]
	}
	if err := h.store.SetUserGroup(userID, group); err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Готово"))
}

// /admin_setting <key> [value] — чтение или запись настройки.
func (h *Handler) handleSetting(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	args := strings.Fields(update.Message.CommandArguments())
	switch len(args) {
	case 1:
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID,
			args[0]+" = "+h.store.GetSetting(args[0])))
	case 2:
		if err := h.store.UpdateSetting(args[0], args[1]); err != nil {
			bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка: "+err.Error()))
			return
		}
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Настройка обновлена"))
	default:
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Использование: /admin_setting <key> [value]"))
	}
}

func (h *Handler) handleSetPassword(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	args := strings.Fields(update.Message.CommandArguments())
	if len(args) < 1 {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Укажите новый пароль"))
		return
	}
	if err := h.store.SetAdminPassword(args[0]); err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Пароль обновлён"))
}

func (h *Handler) handleTx(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	args := strings.Fields(update.Message.CommandArguments())
	if len(args) < 1 {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Укажите payment_id"))
		return
	}
	trx, err := h.store.GetTransaction(args[0])
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Транзакция не найдена"))
		return
	}
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, fmt.Sprintf(
		"payment_id: %s\nuser: %d\nсумма: %.2f₽\nметод: %s\nстатус: %s\nсоздана: %s\nmetadata: %s",
		trx.PaymentID, trx.UserID, float64(trx.AmountRub)/100, trx.PaymentMethod,
		trx.Status, trx.CreatedDate.Format("02.01.2006 15:04"), trx.Metadata)))
}

func (h *Handler) handleKey(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	args := strings.Fields(update.Message.CommandArguments())
	if len(args) < 1 {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Укажите key_id"))
		return
	}
	keyID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Некорректный key_id"))
		return
	}
	key, err := h.store.GetKey(keyID)
	if err != nil {
		bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Ключ не найден"))
		return
	}
	bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, fmt.Sprintf(
		"key_id: %d\nuser: %d\nhost: %s\nemail: %s\nстатус: %s (enabled=%v)\nдо: %s",
		key.KeyID, key.UserID, key.HostCode, key.Email, key.Status, key.Enabled,
		key.ExpiryDate.UTC().Format("02.01.2006 15:04"))))
}
