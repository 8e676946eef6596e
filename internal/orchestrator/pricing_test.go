package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-shop-bot/internal/store"
)

func seedPromo(t *testing.T, e *testEnv, p store.PromoCode) {
	t.Helper()
	p.Bot = "vpn"
	p.IsActive = true
	if p.UsageLimitPerBot == 0 {
		p.UsageLimitPerBot = 10
	}
	_, err := e.s.CreatePromoCode(p)
	require.NoError(t, err)
}

func TestEffectivePrice(t *testing.T) {
	e := newTestEnv(t)
	seedPromo(t, e, store.PromoCode{Code: "PCT20", DiscountPercent: 20})
	seedPromo(t, e, store.PromoCode{Code: "FIX100", DiscountAmount: 10000})
	seedPromo(t, e, store.PromoCode{Code: "FREE", DiscountAmount: 100000})
	seedPromo(t, e, store.PromoCode{Code: "BONUS", DiscountBonus: 5000})

	plan, err := e.s.GetPlan(e.planID) // 50000 копеек
	require.NoError(t, err)
	user, err := e.s.GetUser(buyerID)
	require.NoError(t, err)

	price, err := e.o.effectivePrice(plan, user, "")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), price.Amount)
	assert.Zero(t, price.PromoID)

	price, err = e.o.effectivePrice(plan, user, "PCT20")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), price.Amount)
	assert.Equal(t, "PCT20", price.PromoCode)

	price, err = e.o.effectivePrice(plan, user, "FIX100")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), price.Amount)

	// скидка больше цены — платить нечего, но не отрицательно
	price, err = e.o.effectivePrice(plan, user, "FREE")
	require.NoError(t, err)
	assert.Zero(t, price.Amount)

	// бонус не трогает цену, только зачисляется после фулфилмента
	price, err = e.o.effectivePrice(plan, user, "BONUS")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), price.Amount)
	assert.Equal(t, int64(5000), price.Bonus)
}

func TestEffectivePriceUnknownPromo(t *testing.T) {
	e := newTestEnv(t)
	plan, err := e.s.GetPlan(e.planID)
	require.NoError(t, err)
	user, err := e.s.GetUser(buyerID)
	require.NoError(t, err)

	_, err = e.o.effectivePrice(plan, user, "NOPE")
	require.ErrorIs(t, err, ErrValidation)
}

func TestEffectivePriceUsageLimit(t *testing.T) {
	e := newTestEnv(t)
	seedPromo(t, e, store.PromoCode{Code: "ONCE", DiscountPercent: 10, UsageLimitPerBot: 1})
	promo, err := e.s.GetPromoByCode("ONCE", "vpn")
	require.NoError(t, err)
	otherID := int64(77)
	require.NoError(t, e.s.RegisterUserIfAbsent(otherID, "other", "Other", nil))
	planID := e.planID
	require.NoError(t, e.s.RecordPromoUsage(promo.PromoID, otherID, "vpn", store.PromoUsed, &planID))

	plan, err := e.s.GetPlan(e.planID)
	require.NoError(t, err)
	user, err := e.s.GetUser(buyerID)
	require.NoError(t, err)

	_, err = e.o.effectivePrice(plan, user, "ONCE")
	require.ErrorIs(t, err, ErrValidation)
}

func TestParsePercent(t *testing.T) {
	assert.Equal(t, 10, parsePercent("10"))
	assert.Equal(t, 0, parsePercent(""))
	assert.Equal(t, 0, parsePercent("abc"))
	assert.Equal(t, 0, parsePercent("-5"))
	assert.Equal(t, 0, parsePercent("150"))
}
