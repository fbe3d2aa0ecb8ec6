package ledger

import (
	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
)

const moneyPlaces = 2

// AmountBase converts a payment amount into the store currency.
func AmountBase(amount decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(moneyPlaces)
}

// SettledAmount is the part of the booked grand total that payment p pays
// off. A payment in a foreign purchase currency settles at the PO's booking
// rate; whatever it cost beyond that in store currency is FX delta, not
// settlement.
func SettledAmount(po domain.PurchaseOrder, baseCurrency string, p domain.POPayment) decimal.Decimal {
	if po.PurchaseCurrency != baseCurrency && p.Currency == po.PurchaseCurrency {
		return AmountBase(p.Amount, po.ExchangeRate)
	}
	return p.AmountBase
}

// Settle recomputes the payable position of po from every payment row.
// TotalPaidBase is the cash spent in store currency, outstanding is what is
// left of the booked grand total. fxDelta only accrues for payments made in
// the PO's purchase currency when that currency differs from the store
// currency; positive means a realized loss against the booking rate.
func Settle(po domain.PurchaseOrder, baseCurrency string, payments []domain.POPayment) domain.Settlement {
	paid := decimal.Zero
	settled := decimal.Zero
	delta := decimal.Zero
	foreign := po.PurchaseCurrency != baseCurrency

	for _, p := range payments {
		paid = paid.Add(p.AmountBase)
		settled = settled.Add(SettledAmount(po, baseCurrency, p))
		if foreign && p.Currency == po.PurchaseCurrency {
			delta = delta.Add(p.Amount.Mul(p.FxRateUsed.Sub(po.ExchangeRate)))
		}
	}

	outstanding := po.GrandTotalBase.Sub(settled)
	return domain.Settlement{
		GrandTotalBase:  po.GrandTotalBase,
		TotalPaidBase:   paid,
		SettledBase:     settled,
		OutstandingBase: outstanding,
		FxDeltaBase:     delta.Round(moneyPlaces),
		PaymentStatus:   paymentStatus(po.GrandTotalBase, settled, outstanding),
		PaymentCount:    len(payments),
	}
}

func paymentStatus(grand decimal.Decimal, paid decimal.Decimal, outstanding decimal.Decimal) domain.PaymentStatus {
	switch {
	case !paid.IsPositive() && grand.IsPositive():
		return domain.PaymentUnpaid
	case !outstanding.IsPositive():
		return domain.PaymentPaid
	default:
		return domain.PaymentPartial
	}
}

// Totals recomputes the derived cost fields of po from its lines and the
// booking rate.
func Totals(po *domain.PurchaseOrder) {
	purchase := decimal.Zero
	base := decimal.Zero
	for i := range po.Lines {
		line := &po.Lines[i]
		line.QtyBase = line.QtyOrdered * line.MultiplierToBase
		line.UnitCostBase = line.UnitCostPurchase.Mul(po.ExchangeRate).Round(moneyPlaces)
		qty := decimal.NewFromInt(line.QtyOrdered)
		purchase = purchase.Add(line.UnitCostPurchase.Mul(qty))
		base = base.Add(line.UnitCostPurchase.Mul(qty).Mul(po.ExchangeRate))
	}
	po.TotalCostPurchase = purchase.Round(moneyPlaces)
	po.TotalCostBase = base.Round(moneyPlaces)
	po.GrandTotalBase = po.TotalCostBase.Add(po.ShippingCost).Add(po.OtherCost)
}

// WeightedCost blends the existing on-hand at oldCost with received units at
// newCost. Empty stock or an unknown old cost takes the incoming cost.
func WeightedCost(onHand int64, oldCost decimal.Decimal, received int64, newCost decimal.Decimal) decimal.Decimal {
	if received <= 0 {
		return oldCost
	}
	if onHand <= 0 || !oldCost.IsPositive() {
		return newCost
	}
	value := oldCost.Mul(decimal.NewFromInt(onHand)).Add(newCost.Mul(decimal.NewFromInt(received)))
	return value.Div(decimal.NewFromInt(onHand + received)).Round(moneyPlaces)
}

// RateWithinTolerance reports whether rate deviates from reference by at most
// tolerancePercent. A non-positive reference or tolerance disables the check.
func RateWithinTolerance(rate decimal.Decimal, reference decimal.Decimal, tolerancePercent decimal.Decimal) bool {
	if !reference.IsPositive() || !tolerancePercent.IsPositive() {
		return true
	}
	allowed := reference.Mul(tolerancePercent).Div(decimal.NewFromInt(100))
	return rate.Sub(reference).Abs().LessThanOrEqual(allowed)
}
