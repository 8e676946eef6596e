package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id int64) {
	t.Helper()
	require.NoError(t, s.RegisterUserIfAbsent(id, "tester", "Test User", nil))
}

func TestRegisterUserIfAbsent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterUserIfAbsent(100, "alice", "Alice", nil))
	// повторная регистрация обновляет имя, но не трогает остальное
	require.NoError(t, s.AdjustBalance(100, 5000, "seed"))
	require.NoError(t, s.RegisterUserIfAbsent(100, "alice2", "Alice Z", nil))

	u, err := s.GetUser(100)
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.Username)
	assert.Equal(t, int64(5000), u.Balance)
}

func TestAdjustBalanceInsufficient(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)
	require.NoError(t, s.AdjustBalance(1, 1000, "seed"))

	err := s.AdjustBalance(1, -1500, "purchase")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	u, err := s.GetUser(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), u.Balance, "неудачное списание не должно менять баланс")
}

func TestTransactionTransitions(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)
	meta := TxMetadata{Action: ActionNew, UserID: 1}

	_, err := s.ReservePendingTransaction("pay-1", 1, 10000, MethodCard, meta)
	require.NoError(t, err)

	// дубликат резерва
	_, err = s.ReservePendingTransaction("pay-1", 1, 10000, MethodCard, meta)
	require.ErrorIs(t, err, ErrDuplicate)

	// pending -> paid
	changed, err := s.MarkTransaction("pay-1", TxStatusPaid, MarkExtras{TxHash: "hash1"})
	require.NoError(t, err)
	assert.True(t, changed)

	// повтор того же статуса — no-op
	changed, err = s.MarkTransaction("pay-1", TxStatusPaid, MarkExtras{})
	require.NoError(t, err)
	assert.False(t, changed)

	// paid -> failed запрещён
	_, err = s.MarkTransaction("pay-1", TxStatusFailed, MarkExtras{})
	require.ErrorIs(t, err, ErrTerminalStatus)

	// paid -> refunded — единственный выход
	changed, err = s.MarkTransaction("pay-1", TxStatusRefunded, MarkExtras{})
	require.NoError(t, err)
	assert.True(t, changed)

	// refunded терминален
	_, err = s.MarkTransaction("pay-1", TxStatusPaid, MarkExtras{})
	require.ErrorIs(t, err, ErrTerminalStatus)
}

func TestExpiredToPaidAllowed(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)
	_, err := s.ReservePendingTransaction("pay-late", 1, 10000, MethodTON, TxMetadata{UserID: 1})
	require.NoError(t, err)

	changed, err := s.MarkTransaction("pay-late", TxStatusExpired, MarkExtras{})
	require.NoError(t, err)
	require.True(t, changed)

	// поздний перевод всё равно проводим
	changed, err = s.MarkTransaction("pay-late", TxStatusPaid, MarkExtras{})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestKeysCreateExtendDuplicate(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 7)
	expiry := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	id, err := s.CreateKey(CreateKeyParams{
		UserID: 7, HostCode: "de1", Email: "user7-key1@de1.bot",
		ClientUUID: "uuid-1", Expiry: expiry, Status: KeyStatusPayActive,
		ConnectionString: "vless://uuid-1@host",
	})
	require.NoError(t, err)

	// второй ключ с тем же email — дубликат
	_, err = s.CreateKey(CreateKeyParams{
		UserID: 7, HostCode: "de1", Email: "user7-key1@de1.bot",
		Expiry: expiry, Status: KeyStatusPayActive,
	})
	require.ErrorIs(t, err, ErrDuplicate)

	newExpiry := expiry.Add(30 * 24 * time.Hour)
	require.NoError(t, s.ExtendKey(id, newExpiry, "uuid-2", "vless://uuid-2@host", ""))

	key, err := s.GetKey(id)
	require.NoError(t, err)
	assert.Equal(t, KeyStatusPayActive, key.Status)
	assert.True(t, key.Enabled)
	assert.Equal(t, "uuid-2", key.ClientUUID)
	assert.WithinDuration(t, newExpiry, key.ExpiryDate, time.Second)
}

func TestNextKeyNumberAndEmail(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 42)

	n, err := s.NextKeyNumber(42)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "user42-key1@de1.bot", KeyEmail(42, n, "de1"))

	_, err = s.CreateKey(CreateKeyParams{
		UserID: 42, HostCode: "de1", Email: KeyEmail(42, n, "de1"),
		Expiry: time.Now().Add(time.Hour), Status: KeyStatusPayActive,
	})
	require.NoError(t, err)

	n, err = s.NextKeyNumber(42)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPromoUsageLimit(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)
	seedUser(t, s, 2)

	id, err := s.CreatePromoCode(PromoCode{
		Code: "SALE20", Bot: "vpn", DiscountPercent: 20,
		UsageLimitPerBot: 1, IsActive: true,
	})
	require.NoError(t, err)

	promo, err := s.GetPromoByCode("SALE20", "vpn")
	require.NoError(t, err)
	require.Equal(t, id, promo.PromoID)

	ok, err := s.CanUsePromo(promo, 1, "vpn")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RecordPromoUsage(id, 1, "vpn", PromoUsed, nil))

	// лимит на бота исчерпан
	ok, err = s.CanUsePromo(promo, 2, "vpn")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoGroupTargeting(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)
	seedUser(t, s, 2)
	require.NoError(t, s.SetUserGroup(1, "vip"))

	_, err := s.CreatePromoCode(PromoCode{
		Code: "VIPONLY", Bot: "vpn", DiscountPercent: 30,
		GroupName: "vip", IsActive: true,
	})
	require.NoError(t, err)
	promo, err := s.GetPromoByCode("VIPONLY", "vpn")
	require.NoError(t, err)

	ok, err := s.CanUsePromo(promo, 1, "vpn")
	require.NoError(t, err)
	assert.True(t, ok)

	// пользователь без группы не проходит
	ok, err = s.CanUsePromo(promo, 2, "vpn")
	require.NoError(t, err)
	assert.False(t, ok)

	// код без группы доступен всем
	_, err = s.CreatePromoCode(PromoCode{Code: "OPEN", Bot: "vpn", DiscountPercent: 5, IsActive: true})
	require.NoError(t, err)
	open, err := s.GetPromoByCode("OPEN", "vpn")
	require.NoError(t, err)
	ok, err = s.CanUsePromo(open, 2, "vpn")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlanDisplayModes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateHost(Host{HostCode: "de1", HostName: "Germany", HostURL: "http://x", InboundID: 1}))
	_, err := s.CreatePlan(Plan{HostCode: "de1", PlanName: "везде", Months: 1, Price: 100, DisplayMode: PlanDisplayAll})
	require.NoError(t, err)
	_, err = s.CreatePlan(Plan{HostCode: "de1", PlanName: "новым", Months: 1, Price: 100, DisplayMode: PlanDisplayNew})
	require.NoError(t, err)
	_, err = s.CreatePlan(Plan{HostCode: "de1", PlanName: "продление", Months: 1, Price: 100, DisplayMode: PlanDisplayExtend})
	require.NoError(t, err)
	_, err = s.CreatePlan(Plan{HostCode: "de1", PlanName: "скрытый", Months: 1, Price: 100, DisplayMode: PlanDisplayHidden})
	require.NoError(t, err)

	buy, err := s.GetPlansForHost("de1", PlanDisplayNew)
	require.NoError(t, err)
	require.Len(t, buy, 2)

	extend, err := s.GetPlansForHost("de1", PlanDisplayExtend)
	require.NoError(t, err)
	require.Len(t, extend, 2)
	for _, p := range extend {
		assert.NotEqual(t, PlanDisplayHidden, p.DisplayMode)
		assert.NotEqual(t, PlanDisplayNew, p.DisplayMode)
	}
}

func TestPromoReleaseAppliedRow(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)
	id, err := s.CreatePromoCode(PromoCode{
		Code: "HOLD", Bot: "vpn", DiscountPercent: 10,
		UsageLimitPerBot: 5, IsActive: true,
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordPromoUsage(id, 1, "vpn", PromoApplied, nil))
	require.NoError(t, s.ReleasePromoUsage(id, 1, "vpn"))

	_, err = s.GetPromoUsage(id, 1, "vpn")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCabinetTokenStable(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 5)
	keyID, err := s.CreateKey(CreateKeyParams{
		UserID: 5, HostCode: "de1", Email: "user5-key1@de1.bot",
		Expiry: time.Now().Add(time.Hour), Status: KeyStatusPayActive,
	})
	require.NoError(t, err)

	tok1, err := s.GetOrCreateCabinetToken(5, keyID)
	require.NoError(t, err)
	require.NotEmpty(t, tok1)

	tok2, err := s.GetOrCreateCabinetToken(5, keyID)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2, "повторный запрос должен вернуть тот же токен")

	ct, err := s.ValidateCabinetToken(tok1)
	require.NoError(t, err)
	assert.Equal(t, keyID, ct.KeyID)
	assert.Equal(t, int64(1), ct.AccessCount)
}

func TestSettingsAndDomains(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, "", s.GetSetting("global_domain"))
	require.NoError(t, s.UpdateSetting("global_domain", "example.com/"))
	assert.Equal(t, "https://example.com", s.GlobalDomain())

	require.NoError(t, s.UpdateSetting("notify_before_hours", "48,6,1"))
	assert.Equal(t, []int{48, 6, 1}, s.NotifyBeforeHours())

	// дефолт при пустой настройке
	s2 := newTestStore(t)
	assert.Equal(t, []int{24, 1}, s2.NotifyBeforeHours())
}

func TestYooKassaCredentialsSelection(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateSetting("yookassa_shop_id", "shop-live"))
	require.NoError(t, s.UpdateSetting("yookassa_secret_key", "sec-live"))
	require.NoError(t, s.UpdateSetting("yookassa_test_shop_id", "shop-test"))
	require.NoError(t, s.UpdateSetting("yookassa_test_secret_key", "sec-test"))

	shopID, secret, testMode := s.YooKassaCredentials()
	assert.False(t, testMode)
	assert.Equal(t, "shop-live", shopID)
	assert.Equal(t, "sec-live", secret)

	require.NoError(t, s.UpdateSetting("yookassa_test_mode", "true"))
	shopID, secret, testMode = s.YooKassaCredentials()
	assert.True(t, testMode)
	assert.Equal(t, "shop-test", shopID)
	assert.Equal(t, "sec-test", secret)
}

func TestAdminCredentials(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateSetting("admin_username", "root"))
	require.NoError(t, s.SetAdminPassword("s3cret"))

	assert.True(t, s.VerifyAdminCredentials("root", "s3cret"))
	assert.False(t, s.VerifyAdminCredentials("root", "wrong"))
	assert.False(t, s.VerifyAdminCredentials("other", "s3cret"))
}

func TestStalePendingTransactions(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)
	_, err := s.ReservePendingTransaction("old", 1, 100, MethodCard, TxMetadata{UserID: 1})
	require.NoError(t, err)
	_, err = s.ReservePendingTransaction("fresh", 1, 100, MethodCard, TxMetadata{UserID: 1})
	require.NoError(t, err)

	// состарим одну строку напрямую
	require.NoError(t, s.db.Model(&Transaction{}).
		Where("payment_id = ?", "old").
		Update("created_date", time.Now().UTC().Add(-25*time.Hour)).Error)

	stale, err := s.StalePendingTransactions(24 * time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].PaymentID)
}

func TestPaidUnprovisioned(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)

	mk := func(id string, meta TxMetadata, status string) {
		t.Helper()
		_, err := s.ReservePendingTransaction(id, 1, 100, MethodCard, meta)
		require.NoError(t, err)
		if status != TxStatusPending {
			_, err = s.MarkTransaction(id, status, MarkExtras{Metadata: &meta})
			require.NoError(t, err)
		}
	}

	mk("paid-raw", TxMetadata{Action: ActionNew, UserID: 1}, TxStatusPaid)
	mk("paid-done", TxMetadata{Action: ActionNew, UserID: 1,
		ProvisionedAt: "2026-01-01T00:00:00Z", NotifiedAt: "2026-01-01T00:00:00Z"}, TxStatusPaid)
	mk("paid-unnotified", TxMetadata{Action: ActionNew, UserID: 1,
		ProvisionedAt: "2026-01-01T00:00:00Z"}, TxStatusPaid)
	mk("topup-paid", TxMetadata{Action: ActionTopup, UserID: 1}, TxStatusPaid)
	mk("still-pending", TxMetadata{Action: ActionNew, UserID: 1}, TxStatusPending)

	rows, err := s.PaidUnprovisioned()
	require.NoError(t, err)

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.PaymentID)
	}
	assert.ElementsMatch(t, []string{"paid-raw", "paid-unnotified"}, ids)
}

func TestFindPendingTON(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, 1)

	meta := TxMetadata{Action: ActionNew, UserID: 1, ExpectedTON: 1.25, TonComment: "payment:abc"}
	_, err := s.ReservePendingTransaction("abc", 1, 50000, MethodTON, meta)
	require.NoError(t, err)

	byComment, err := s.FindPendingTONByComment("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", byComment.PaymentID)

	byAmount, err := s.FindPendingTONByAmount(1.25)
	require.NoError(t, err)
	assert.Equal(t, "abc", byAmount.PaymentID)

	_, err = s.FindPendingTONByAmount(2.0)
	require.ErrorIs(t, err, ErrNotFound)

	// после оплаты из pending-выборок пропадает
	_, err = s.MarkTransaction("abc", TxStatusPaid, MarkExtras{})
	require.NoError(t, err)
	_, err = s.FindPendingTONByComment("abc")
	require.ErrorIs(t, err, ErrNotFound)
}
