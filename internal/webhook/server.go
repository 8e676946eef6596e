package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/orchestrator"
	"vpn-shop-bot/internal/payments"
	"vpn-shop-bot/internal/store"
)

const maxBodyBytes = 1 << 20

// Server — HTTP-вход платформы: webhook'и шлюзов, health, кабинет.
// Обработчики webhook'ов только аутентифицируют и нормализуют
// уведомление; медленная работа уходит в очередь оркестратора, ответ
// 200 отдаётся сразу.
type Server struct {
	http  *http.Server
	orch  *orchestrator.Orchestrator
	store *store.Store

	card   payments.Gateway
	crypto payments.Gateway
}

func NewServer(addr string, orch *orchestrator.Orchestrator, s *store.Store, card, crypto payments.Gateway) *Server {
	srv := &Server{orch: orch, store: s, card: card, crypto: crypto}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/card", srv.handleGateway(srv.card, "card"))
	r.Post("/webhook/crypto", srv.handleGateway(srv.crypto, "cryptobot"))
	r.Get("/health", srv.handleHealth)
	r.Get("/auth/{token}", srv.handleCabinetAuth)
	r.Get("/payment-done", srv.handlePaymentDone)
	r.Get("/tonconnect-manifest.json", srv.handleTonManifest)

	srv.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

// Handler отдаёт роутер (для тестов и встраивания).
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Run() error {
	logger.Info("webhook server starting", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleGateway — общий каркас для Card и CryptoBot: тело читаем до
// парсинга (подпись считается по сырым байтам), неподписанные
// уведомления отбрасываем с 401 без побочных эффектов.
func (s *Server) handleGateway(gw payments.Gateway, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gw == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		ev, err := gw.VerifyEvent(body, r.Header)
		if err != nil {
			if errors.Is(err, payments.ErrBadSignature) {
				logger.Warn("webhook signature rejected",
					zap.String("gateway", name), zap.String("remote", r.RemoteAddr))
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			logger.Warn("webhook payload rejected", zap.String("gateway", name), zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.orch.EnqueuePaymentEvent(*ev)
		logger.Info("webhook accepted",
			zap.String("gateway", name),
			zap.String("payment_id", ev.PaymentID),
			zap.Bool("paid", ev.Paid))
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// handleCabinetAuth — вход в кабинет по ссылке из сообщения о покупке.
// Токен не истекает, счётчик обращений копится в БД.
func (s *Server) handleCabinetAuth(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ct, err := s.store.ValidateCabinetToken(token)
	if err != nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "unknown token"})
		return
	}
	key, err := s.store.GetKey(ct.KeyID)
	if err != nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "key not found"})
		return
	}
	if key.SubscriptionLink != "" {
		http.Redirect(w, r, key.SubscriptionLink, http.StatusFound)
		return
	}
	render.JSON(w, r, map[string]any{
		"key_id":            key.KeyID,
		"status":            key.Status,
		"expiry_date":       key.ExpiryDate.UTC().Format(time.RFC3339),
		"connection_string": key.ConnectionString,
	})
}

// handleTonManifest — манифест TON Connect: кошельки читают его,
// чтобы показать название приложения при подтверждении перевода.
func (s *Server) handleTonManifest(w http.ResponseWriter, r *http.Request) {
	domain := s.store.GetSetting("global_domain")
	name := s.store.GetSetting("telegram_bot_username")
	if name == "" {
		name = "VPN Shop"
	}
	render.JSON(w, r, map[string]string{
		"url":     domain,
		"name":    name,
		"iconUrl": domain + "/static/logo.png",
	})
}

// handlePaymentDone — return_url шлюзов, просто страница-заглушка.
func (s *Server) handlePaymentDone(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h3>Оплата обрабатывается. Вернитесь в Telegram-бот.</h3></body></html>"))
}
