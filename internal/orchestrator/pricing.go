package orchestrator

import (
	"errors"
	"fmt"

	"vpn-shop-bot/internal/store"
)

// pricedPlan — итог расчёта цены: сумма к оплате, бонус на баланс,
// применённый промокод.
type pricedPlan struct {
	Amount    int64
	Bonus     int64
	PromoID   int64
	PromoCode string
}

// effectivePrice: base = plan.price, скидка промокода
// effective = max(0, base - fixed - percent*base); бонус идёт отдельно
// и зачисляется на баланс после фулфилмента.
func (o *Orchestrator) effectivePrice(plan *store.Plan, user *store.User, promoCode string) (pricedPlan, error) {
	price := pricedPlan{Amount: plan.Price}
	if promoCode == "" {
		return price, nil
	}
	promo, err := o.store.GetPromoByCode(promoCode, o.botNamespace())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return price, fmt.Errorf("%w: unknown promo code", ErrValidation)
		}
		return price, err
	}
	ok, err := o.store.CanUsePromo(promo, user.TelegramID, o.botNamespace())
	if err != nil {
		return price, err
	}
	if !ok {
		return price, fmt.Errorf("%w: promo code cannot be used", ErrValidation)
	}
	discounted := plan.Price - promo.DiscountAmount
	if promo.DiscountPercent > 0 {
		discounted -= int64(float64(plan.Price) * promo.DiscountPercent / 100)
	}
	if discounted < 0 {
		discounted = 0
	}
	price.Amount = discounted
	price.Bonus = promo.DiscountBonus
	price.PromoID = promo.PromoID
	price.PromoCode = promo.Code
	return price, nil
}
