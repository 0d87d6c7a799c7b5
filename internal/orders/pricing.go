package orders

const (
	taxPercent            = 15
	freeShippingThreshold = 100_00
	flatShippingCents     = 10_00
)

// CalcTotals prices the order from the line-item snapshots.
func CalcTotals(items []LineItem) Totals {
	var t Totals
	for _, it := range items {
		t.ItemsCents += it.PriceCents * int64(it.Qty)
	}
	// round half up to the cent
	t.TaxCents = (t.ItemsCents*taxPercent + 50) / 100
	if t.ItemsCents < freeShippingThreshold {
		t.ShippingCents = flatShippingCents
	}
	t.TotalCents = t.ItemsCents + t.TaxCents + t.ShippingCents
	return t
}
