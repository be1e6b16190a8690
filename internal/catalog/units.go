package catalog

import "fmt"

// ValidateUnits enforces the allowed selling/pricing pairings:
// piece/piece, weight/weight and piece/weight. The last one needs an
// average weight so a per-piece price can be derived.
func ValidateUnits(selling, pricing Unit, averageWeightGrams *int) error {
	if !selling.Valid() || !pricing.Valid() {
		return fmt.Errorf("%w: unknown unit %q/%q", ErrInvalidUnitConfiguration, selling, pricing)
	}
	switch {
	case selling == pricing:
		return nil
	case selling == UnitPiece && pricing == UnitWeightKg:
		if averageWeightGrams == nil || *averageWeightGrams <= 0 {
			return fmt.Errorf("%w: average weight required for pieces priced by weight", ErrInvalidUnitConfiguration)
		}
		return nil
	default:
		return fmt.Errorf("%w: selling by %s but pricing by %s", ErrInvalidUnitConfiguration, selling, pricing)
	}
}
