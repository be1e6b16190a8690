package catalogsync

import (
	"github.com/shopspring/decimal"

	"github.com/gastronom/gastronom/internal/catalog"
)

// merge applies the candidate onto the stored product field by field.
// Absent or unparseable values keep what is stored; overrides are never
// touched. It returns the unit configuration error when the merged pairing
// is invalid.
func merge(stored catalog.Product, c catalog.Candidate) (catalog.Product, error) {
	next := stored
	if stored.ExternalID == "" && c.ExternalID != "" {
		next.ExternalID = c.ExternalID
	}
	if c.Barcode != "" {
		next.Barcode = c.Barcode
	}
	mergeString(&next.LackmannNumber, c.LackmannNumber)
	mergeString(&next.Name, c.Name)
	mergeString(&next.NameDisplay, c.NameDisplay)
	mergeString(&next.Ingredients, c.Ingredients)
	mergeString(&next.PackingType, c.PackingType)

	mergeValue(&next.SellingUnit, c.SellingUnit)
	mergeValue(&next.PricingUnit, c.PricingUnit)
	mergeValue(&next.SyncedPrice, c.Price)
	mergeValue(&next.SyncedStock, c.Stock)
	mergePointer(&next.AverageWeightGrams, c.AverageWeightGrams)
	mergePointer(&next.WeightPerUnitGrams, c.WeightPerUnitGrams)
	mergeNutrition(&next.Nutrition, c)

	if err := catalog.ValidateUnits(next.SellingUnit, next.PricingUnit, next.AverageWeightGrams); err != nil {
		return stored, err
	}
	return next, nil
}

// build creates a product for a candidate that matched nothing. Name,
// price and stock must be parseable; units default to piece/piece.
func build(c catalog.Candidate, buffer decimal.Decimal) (catalog.Product, bool, error) {
	if c.Name == "" || !c.Price.Parsed() || !c.Stock.Parsed() {
		return catalog.Product{}, false, nil
	}
	if c.SellingUnit.State == catalog.FieldUnparseable || c.PricingUnit.State == catalog.FieldUnparseable {
		return catalog.Product{}, false, nil
	}
	p := catalog.Product{
		ExternalID:     c.ExternalID,
		Barcode:        c.Barcode,
		LackmannNumber: c.LackmannNumber,
		Name:           c.Name,
		NameDisplay:    c.NameDisplay,
		Ingredients:    c.Ingredients,
		PackingType:    c.PackingType,
		SellingUnit:    catalog.UnitPiece,
		PricingUnit:    catalog.UnitPiece,
		SyncedPrice:    c.Price.Value,
		SyncedStock:    c.Stock.Value,
		StockBuffer:    buffer,
		IsAvailable:    false,
		ReviewState:    catalog.ReviewPendingReview,
	}
	mergeValue(&p.SellingUnit, c.SellingUnit)
	mergeValue(&p.PricingUnit, c.PricingUnit)
	mergePointer(&p.AverageWeightGrams, c.AverageWeightGrams)
	mergePointer(&p.WeightPerUnitGrams, c.WeightPerUnitGrams)
	mergeNutrition(&p.Nutrition, c)
	if err := catalog.ValidateUnits(p.SellingUnit, p.PricingUnit, p.AverageWeightGrams); err != nil {
		return catalog.Product{}, true, err
	}
	return p, true, nil
}

func mergeNutrition(n *catalog.Nutrition, c catalog.Candidate) {
	mergePointer(&n.Kcal, c.Kcal)
	mergePointer(&n.Kilojoules, c.Kilojoules)
	mergePointer(&n.Proteins, c.Proteins)
	mergePointer(&n.Fat, c.Fat)
	mergePointer(&n.SaturatedFat, c.SaturatedFat)
	mergePointer(&n.Carbs, c.Carbs)
	mergePointer(&n.Sugar, c.Sugar)
	mergePointer(&n.Salt, c.Salt)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeValue[T any](dst *T, f catalog.Field[T]) {
	if f.Parsed() {
		*dst = f.Value
	}
}

func mergePointer[T any](dst **T, f catalog.Field[T]) {
	if f.Parsed() {
		v := f.Value
		*dst = &v
	}
}

// sameContent compares everything sync may write, ignoring timestamps.
func sameContent(a, b catalog.Product) bool {
	return a.ExternalID == b.ExternalID &&
		a.Barcode == b.Barcode &&
		a.LackmannNumber == b.LackmannNumber &&
		a.Name == b.Name &&
		a.NameDisplay == b.NameDisplay &&
		a.Ingredients == b.Ingredients &&
		a.PackingType == b.PackingType &&
		sameCategory(a, b) &&
		a.SellingUnit == b.SellingUnit &&
		a.PricingUnit == b.PricingUnit &&
		a.SyncedPrice.Equal(b.SyncedPrice) &&
		a.SyncedStock.Equal(b.SyncedStock) &&
		sameInt(a.AverageWeightGrams, b.AverageWeightGrams) &&
		sameInt(a.WeightPerUnitGrams, b.WeightPerUnitGrams) &&
		sameInt(a.Nutrition.Kcal, b.Nutrition.Kcal) &&
		sameInt(a.Nutrition.Kilojoules, b.Nutrition.Kilojoules) &&
		sameDecimal(a.Nutrition.Proteins, b.Nutrition.Proteins) &&
		sameDecimal(a.Nutrition.Fat, b.Nutrition.Fat) &&
		sameDecimal(a.Nutrition.SaturatedFat, b.Nutrition.SaturatedFat) &&
		sameDecimal(a.Nutrition.Carbs, b.Nutrition.Carbs) &&
		sameDecimal(a.Nutrition.Sugar, b.Nutrition.Sugar) &&
		sameDecimal(a.Nutrition.Salt, b.Nutrition.Salt) &&
		a.IsAvailable == b.IsAvailable &&
		a.RetiredBySync == b.RetiredBySync
}

func sameCategory(a, b catalog.Product) bool {
	if a.CategoryID == nil || b.CategoryID == nil {
		return a.CategoryID == b.CategoryID
	}
	return *a.CategoryID == *b.CategoryID
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameDecimal(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
