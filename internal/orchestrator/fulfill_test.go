package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/payments"
	"vpn-shop-bot/internal/store"
)

// stubPanel — минимальная имитация 3x-UI для сквозных тестов пайплайна.
type stubPanel struct {
	mu        sync.Mutex
	clients   []xuiClient
	adds      int
	updates   int
	rejectAdd bool
}

type xuiClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"`
}

func (p *stubPanel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "session"})
		panelOK(w, nil)
	})
	mux.HandleFunc("/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		settings, _ := json.Marshal(map[string]interface{}{"clients": p.clients})
		p.mu.Unlock()
		panelOK(w, map[string]interface{}{
			"id":             1,
			"port":           443,
			"protocol":       "vless",
			"remark":         "de1",
			"settings":       string(settings),
			"streamSettings": `{"network":"ws","security":"tls"}`,
		})
	})
	mux.HandleFunc("/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.rejectAdd {
			panelFail(w, "client rejected")
			return
		}
		pcs, err := decodePayload(r)
		if err != nil {
			panelFail(w, err.Error())
			return
		}
		p.adds++
		p.clients = append(p.clients, pcs...)
		panelOK(w, nil)
	})
	mux.HandleFunc("/panel/api/inbounds/updateClient/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/updateClient/")
		pcs, err := decodePayload(r)
		if err != nil || len(pcs) == 0 {
			panelFail(w, "bad payload")
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for i := range p.clients {
			if p.clients[i].ID == id {
				p.clients[i] = pcs[0]
				p.updates++
				panelOK(w, nil)
				return
			}
		}
		panelFail(w, "client not found")
	})
	return mux
}

func decodePayload(r *http.Request) ([]xuiClient, error) {
	var payload struct {
		Settings string `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, err
	}
	var settings struct {
		Clients []xuiClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(payload.Settings), &settings); err != nil {
		return nil, err
	}
	return settings.Clients, nil
}

func panelOK(w http.ResponseWriter, obj interface{}) {
	resp := map[string]interface{}{"success": true, "msg": ""}
	if obj != nil {
		resp["obj"] = obj
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func panelFail(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "msg": msg})
}

// fakeNotifier копит исходящие сообщения вместо Telegram.
type fakeNotifier struct {
	mu        sync.Mutex
	successes []PurchaseSuccess
	debits    []int64
	topups    []int64
	referrals []int64
}

func (f *fakeNotifier) SendPurchaseSuccess(userID int64, res SuccessMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, res)
	return nil
}

func (f *fakeNotifier) SendBalanceDebited(userID, amountKopeks int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, amountKopeks)
	return nil
}

func (f *fakeNotifier) SendBalanceToppedUp(userID, amountKopeks int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topups = append(f.topups, amountKopeks)
	return nil
}

func (f *fakeNotifier) SendReferralReward(referrerID int64, buyerName string, rewardKopeks int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.referrals = append(f.referrals, rewardKopeks)
	return nil
}

const buyerID = int64(10)

type testEnv struct {
	o      *Orchestrator
	s      *store.Store
	p      *stubPanel
	n      *fakeNotifier
	planID int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := &stubPanel{}
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	require.NoError(t, s.CreateHost(store.Host{
		HostCode:     "de1",
		HostName:     "Germany",
		HostURL:      srv.URL,
		HostUsername: "admin",
		HostPass:     "secret",
		InboundID:    1,
	}))
	planID, err := s.CreatePlan(store.Plan{
		HostCode: "de1",
		PlanName: "1 месяц",
		Months:   1,
		Price:    50000,
	})
	require.NoError(t, err)
	require.NoError(t, s.RegisterUserIfAbsent(buyerID, "buyer", "Test Buyer", nil))

	n := &fakeNotifier{}
	o := New(s, panel.NewRegistry(s), Gateways{}, n)
	return &testEnv{o: o, s: s, p: p, n: n, planID: planID}
}

// reserve кладёт pending-транзакцию так, как это сделал бы Card-резерв.
func (e *testEnv) reserve(t *testing.T, paymentID string, amount int64, meta store.TxMetadata) {
	t.Helper()
	meta.PaymentMethod = store.MethodCard
	_, err := e.s.ReservePendingTransaction(paymentID, meta.UserID, amount, store.MethodCard, meta)
	require.NoError(t, err)
}

func (e *testEnv) newKeyMeta() store.TxMetadata {
	return store.TxMetadata{Action: store.ActionNew, UserID: buyerID, HostCode: "de1", PlanID: e.planID, Months: 1}
}

func TestBalancePurchase(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.s.AdjustBalance(buyerID, 70000, "seed"))

	out, err := e.o.Purchase(context.Background(), PurchaseRequest{
		UserID:        buyerID,
		PlanID:        e.planID,
		Action:        store.ActionNew,
		PaymentMethod: store.MethodBalance,
	})
	require.NoError(t, err)
	assert.True(t, out.Fulfilled)
	require.NotZero(t, out.KeyID)

	key, err := e.s.GetKey(out.KeyID)
	require.NoError(t, err)
	assert.Equal(t, "user10-key1@de1.bot", key.Email)
	assert.Equal(t, store.KeyStatusPayActive, key.Status)
	assert.NotEmpty(t, key.ClientUUID)

	user, err := e.s.GetUser(buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), user.Balance)
	assert.Equal(t, int64(50000), user.TotalSpent)

	trx, err := e.s.GetTransaction(out.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusPaid, trx.Status)
	meta, err := store.DecodeMetadata(trx.Metadata)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ProvisionedAt)
	assert.NotEmpty(t, meta.NotifiedAt)
	assert.Equal(t, out.KeyID, meta.ResultKeyID)

	require.Len(t, e.n.successes, 1)
	assert.Equal(t, 1, e.p.adds)
}

func TestBalanceInsufficient(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.o.Purchase(context.Background(), PurchaseRequest{
		UserID:        buyerID,
		PlanID:        e.planID,
		Action:        store.ActionNew,
		PaymentMethod: store.MethodBalance,
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, e.n.successes)
	assert.Zero(t, e.p.adds)
}

func TestTrialOnce(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.o.Purchase(context.Background(), PurchaseRequest{
		UserID:        buyerID,
		PlanID:        e.planID,
		Action:        store.ActionNew,
		PaymentMethod: store.MethodTrial,
	})
	require.NoError(t, err)
	assert.True(t, out.Fulfilled)

	key, err := e.s.GetKey(out.KeyID)
	require.NoError(t, err)
	assert.Equal(t, store.KeyStatusTrialActive, key.Status)
	assert.True(t, key.IsTrial)

	user, err := e.s.GetUser(buyerID)
	require.NoError(t, err)
	assert.True(t, user.TrialUsed)
	assert.Zero(t, user.Balance)

	_, err = e.o.Purchase(context.Background(), PurchaseRequest{
		UserID:        buyerID,
		PlanID:        e.planID,
		Action:        store.ActionNew,
		PaymentMethod: store.MethodTrial,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestPaidEventFulfills(t *testing.T) {
	e := newTestEnv(t)
	e.reserve(t, "pay-1", 50000, e.newKeyMeta())

	done := e.o.Await("pay-1")
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), payments.Event{
		PaymentID: "pay-1",
		Paid:      true,
		TxHash:    "hash-1",
	}))

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		assert.NotZero(t, res.KeyID)
	default:
		t.Fatal("waiter was not resolved")
	}

	trx, err := e.s.GetTransaction("pay-1")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusPaid, trx.Status)
	assert.Equal(t, "hash-1", trx.TxHash)
	require.Len(t, e.n.successes, 1)
	assert.Equal(t, "hash-1", e.n.successes[0].TxHash)
}

func TestDuplicatePaidEventNoop(t *testing.T) {
	e := newTestEnv(t)
	e.reserve(t, "pay-1", 50000, e.newKeyMeta())

	ev := payments.Event{PaymentID: "pay-1", Paid: true}
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), ev))
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), ev))

	assert.Equal(t, 1, e.p.adds)
	assert.Len(t, e.n.successes, 1)
	keys, err := e.s.GetUserKeys(buyerID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestExpiredThenPaidFulfills(t *testing.T) {
	e := newTestEnv(t)
	e.reserve(t, "pay-1", 50000, e.newKeyMeta())
	_, err := e.s.MarkTransaction("pay-1", store.TxStatusExpired, store.MarkExtras{})
	require.NoError(t, err)

	// деньги дошли позже TTL — пользователь всё равно получает ключ
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), payments.Event{
		PaymentID: "pay-1",
		Paid:      true,
	}))

	trx, err := e.s.GetTransaction("pay-1")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusPaid, trx.Status)
	assert.Len(t, e.n.successes, 1)
}

func TestNotPaidEventMarksFailed(t *testing.T) {
	e := newTestEnv(t)
	e.reserve(t, "pay-1", 50000, e.newKeyMeta())

	done := e.o.Await("pay-1")
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), payments.Event{
		PaymentID: "pay-1",
		Paid:      false,
		Reason:    "canceled",
	}))

	select {
	case res := <-done:
		require.Error(t, res.Err)
	default:
		t.Fatal("waiter was not resolved")
	}

	trx, err := e.s.GetTransaction("pay-1")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusFailed, trx.Status)
	assert.Zero(t, e.p.adds)
}

func TestWaitingForCaptureKeepsPending(t *testing.T) {
	e := newTestEnv(t)
	e.reserve(t, "pay-1", 50000, e.newKeyMeta())

	// промежуточное уведомление: деньги заморожены, но не списаны
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), payments.Event{
		PaymentID: "pay-1",
		Paid:      false,
		Reason:    "waiting_for_capture",
	}))

	trx, err := e.s.GetTransaction("pay-1")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusPending, trx.Status)
	assert.Zero(t, e.p.adds)

	// итоговое подтверждение после capture проводит покупку
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), payments.Event{
		PaymentID: "pay-1",
		Paid:      true,
	}))

	trx, err = e.s.GetTransaction("pay-1")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusPaid, trx.Status)
	assert.Equal(t, 1, e.p.adds)
	require.Len(t, e.n.successes, 1)
}

func TestShutdownDrainsQueuedEvents(t *testing.T) {
	e := newTestEnv(t)
	e.reserve(t, "pay-1", 50000, e.newKeyMeta())

	// событие уже в очереди, контекст воркера уже отменён
	e.o.EnqueuePaymentEvent(payments.Event{PaymentID: "pay-1", Paid: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.o.Start(ctx)
	e.o.Drain()

	trx, err := e.s.GetTransaction("pay-1")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusPaid, trx.Status)
	assert.Equal(t, 1, e.p.adds)
}

func TestUnknownPaymentEventIgnored(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), payments.Event{
		PaymentID: "no-such-payment",
		Paid:      true,
	}))
	assert.Zero(t, e.p.adds)
}

func TestTopupCreditedOnce(t *testing.T) {
	e := newTestEnv(t)
	meta := store.TxMetadata{Action: store.ActionTopup, UserID: buyerID}
	e.reserve(t, "topup-1", 30000, meta)

	ev := payments.Event{PaymentID: "topup-1", Paid: true}
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), ev))
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), ev))

	user, err := e.s.GetUser(buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), user.Balance)
	assert.Equal(t, []int64{30000}, e.n.topups)
	assert.Zero(t, e.p.adds)
}

func TestExtendReusesPanelClient(t *testing.T) {
	e := newTestEnv(t)
	oldExpiry := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Millisecond)
	planID := e.planID
	keyID, err := e.s.CreateKey(store.CreateKeyParams{
		UserID:     buyerID,
		HostCode:   "de1",
		PlanID:     &planID,
		Email:      "user10-key1@de1.bot",
		ClientUUID: "uuid-old",
		Expiry:     oldExpiry,
		Status:     store.KeyStatusPayActive,
	})
	require.NoError(t, err)
	e.p.clients = []xuiClient{{ID: "uuid-old", Email: "user10-key1@de1.bot", Enable: true}}

	meta := store.TxMetadata{Action: store.ActionExtend, UserID: buyerID, HostCode: "de1", PlanID: e.planID, Months: 1, KeyID: keyID}
	e.reserve(t, "pay-ext", 50000, meta)
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), payments.Event{PaymentID: "pay-ext", Paid: true}))

	assert.Zero(t, e.p.adds)
	assert.Equal(t, 1, e.p.updates)

	key, err := e.s.GetKey(keyID)
	require.NoError(t, err)
	// продление от старого срока, не от "сейчас"
	assert.WithinDuration(t, oldExpiry.Add(30*24*time.Hour), key.ExpiryDate, time.Second)
	require.Len(t, e.n.successes, 1)
	assert.Equal(t, store.ActionExtend, e.n.successes[0].Action)
}

func TestPanelRejectionRecorded(t *testing.T) {
	e := newTestEnv(t)
	e.p.rejectAdd = true
	e.reserve(t, "pay-1", 50000, e.newKeyMeta())

	err := e.o.ProcessPaymentEvent(context.Background(), payments.Event{PaymentID: "pay-1", Paid: true})
	require.Error(t, err)

	trx, err := e.s.GetTransaction("pay-1")
	require.NoError(t, err)
	// деньги приняты, возврат не делаем, ошибка зафиксирована для оператора
	assert.Equal(t, store.TxStatusPaid, trx.Status)
	meta, err := store.DecodeMetadata(trx.Metadata)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ProvisionError)
	assert.Equal(t, 1, meta.ProvisionAttempts)
	assert.NotEmpty(t, meta.KeyEmail)

	// ручной перезапуск после починки панели бьёт в тот же email
	e.p.rejectAdd = false
	keyID, err := e.o.fulfill(context.Background(), "pay-1", "")
	require.NoError(t, err)
	key, err := e.s.GetKey(keyID)
	require.NoError(t, err)
	assert.Equal(t, meta.KeyEmail, key.Email)
	assert.Equal(t, 1, e.p.adds)
}

func TestRescanPicksUpStuckPaid(t *testing.T) {
	e := newTestEnv(t)
	e.reserve(t, "pay-stuck", 50000, e.newKeyMeta())
	_, err := e.s.MarkTransaction("pay-stuck", store.TxStatusPaid, store.MarkExtras{})
	require.NoError(t, err)

	// транзакция с зафиксированной ошибкой панели ретраям не подлежит
	badMeta := e.newKeyMeta()
	badMeta.ProvisionError = "client rejected"
	e.reserve(t, "pay-bad", 50000, badMeta)
	_, err = e.s.MarkTransaction("pay-bad", store.TxStatusPaid, store.MarkExtras{})
	require.NoError(t, err)

	e.o.RescanPaid(context.Background())

	assert.Equal(t, 1, e.p.adds)
	require.Len(t, e.n.successes, 1)
	trx, err := e.s.GetTransaction("pay-stuck")
	require.NoError(t, err)
	meta, err := store.DecodeMetadata(trx.Metadata)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ProvisionedAt)
}

func TestReferralReward(t *testing.T) {
	e := newTestEnv(t)
	referrerID := int64(99)
	invitedID := int64(11)
	require.NoError(t, e.s.RegisterUserIfAbsent(referrerID, "inviter", "Inviter", nil))
	require.NoError(t, e.s.RegisterUserIfAbsent(invitedID, "invited", "Invited Buyer", &referrerID))
	require.NoError(t, e.s.UpdateSetting("referral_percentage", "10"))

	meta := e.newKeyMeta()
	meta.UserID = invitedID
	e.reserve(t, "pay-1", 50000, meta)
	require.NoError(t, e.o.ProcessPaymentEvent(context.Background(), payments.Event{PaymentID: "pay-1", Paid: true}))

	referrer, err := e.s.GetUser(referrerID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), referrer.ReferralBalance)
	assert.Equal(t, []int64{5000}, e.n.referrals)
}

func TestPromoDiscountAndBonus(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.CreatePromoCode(store.PromoCode{
		Code:             "HALF",
		Bot:              "vpn",
		DiscountPercent:  50,
		DiscountBonus:    1000,
		UsageLimitPerBot: 1,
		IsActive:         true,
	})
	require.NoError(t, err)
	require.NoError(t, e.s.AdjustBalance(buyerID, 25000, "seed"))

	out, err := e.o.Purchase(context.Background(), PurchaseRequest{
		UserID:        buyerID,
		PlanID:        e.planID,
		Action:        store.ActionNew,
		PaymentMethod: store.MethodBalance,
		PromoCode:     "HALF",
	})
	require.NoError(t, err)
	assert.True(t, out.Fulfilled)

	user, err := e.s.GetUser(buyerID)
	require.NoError(t, err)
	// списали 25000, затем начислили бонус 1000
	assert.Equal(t, int64(1000), user.Balance)

	promo, err := e.s.GetPromoByCode("HALF", "vpn")
	require.NoError(t, err)
	usage, err := e.s.GetPromoUsage(promo.PromoID, buyerID, "vpn")
	require.NoError(t, err)
	assert.Equal(t, store.PromoUsed, usage.Status)
}
