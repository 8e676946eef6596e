package main

import (
	"context"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-shop-bot/config"
	"vpn-shop-bot/internal/admin"
	"vpn-shop-bot/internal/bot"
	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/orchestrator"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/payments"
	"vpn-shop-bot/internal/scheduler"
	"vpn-shop-bot/internal/store"
	"vpn-shop-bot/internal/tonpoller"
	"vpn-shop-bot/internal/webhook"
)

func main() {
	config.LoadConfig()

	st, err := store.Open(config.AppCfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	token := st.GetSetting("telegram_bot_token")
	if token == "" {
		log.Fatal("telegram_bot_token is not set in bot_settings")
	}
	adminID, _ := strconv.ParseInt(st.GetSetting("admin_telegram_id"), 10, 64)

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Fatalf("failed to create bot: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InitNotifier(ctx, api, adminID)

	panels := panel.NewRegistry(st)

	yoo := payments.NewYooKassa(st.YooKassaCredentials())
	crypto := payments.NewCryptoBot(st.GetSetting("cryptobot_token"))
	tonRate, _ := strconv.ParseFloat(st.GetSetting("ton_rub_rate"), 64)
	ton := payments.NewTON(st.GetSetting("ton_wallet_address"), tonRate)

	sender := bot.NewSender(api, st)
	orch := orchestrator.New(st, panels, orchestrator.Gateways{
		Card:      yoo,
		CryptoBot: crypto,
		TON:       ton,
	}, sender)
	orch.Start(ctx)

	adm := admin.NewHandler(st, panels, adminID, config.AppCfg.DatabasePath)

	sched := scheduler.New(st, panels, orch, sender)
	// ночной бэкап и горячее перечитывание кредов шлюзов
	sched.AddJob("0 3 * * *", func() { adm.AutoBackup(api) })
	sched.AddJob("@every 1m", func() {
		yoo.Reconfigure(st.YooKassaCredentials())
		crypto.Reconfigure(st.GetSetting("cryptobot_token"))
		rate, _ := strconv.ParseFloat(st.GetSetting("ton_rub_rate"), 64)
		ton.Reconfigure(st.GetSetting("ton_wallet_address"), rate)
	})
	sched.Start(ctx)

	srv := webhook.NewServer(config.AppCfg.ListenAddr, orch, st, yoo, crypto)
	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("webhook server failed", zap.Error(err))
			stop()
		}
	}()

	poller := tonpoller.New(st, orch, ton, st.GetSetting("tonapi_key"))
	go poller.Run(ctx)

	b := bot.New(api, st, orch, sender, adm)
	go b.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	grace := time.Duration(config.AppCfg.ShutdownGrace) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("webhook shutdown failed", zap.Error(err))
	}
	sched.Stop()
	orch.Drain()
	logger.Info("bye")
}
