package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// RawRecord is one upstream row keyed by column name, exactly as exported.
type RawRecord map[string]string

// FieldState tells whether an upstream field was absent, parsed or broken.
type FieldState int

const (
	FieldAbsent FieldState = iota
	FieldParsed
	FieldUnparseable
)

// Field carries a parsed value or an explicit unparseable marker.
// Value is only meaningful when State is FieldParsed.
type Field[T any] struct {
	State FieldState
	Value T
	Raw   string
	Err   error
}

// Parsed reports whether the field holds a usable value.
func (f Field[T]) Parsed() bool { return f.State == FieldParsed }

// FieldFailure describes a single field that could not be parsed.
type FieldFailure struct {
	Field string
	Raw   string
	Err   error
}

func (f FieldFailure) String() string {
	return fmt.Sprintf("%s: unparseable %q (%v)", f.Field, f.Raw, f.Err)
}

// Candidate is a normalized upstream record ready for reconciliation.
type Candidate struct {
	ExternalID     string
	Barcode        string
	LackmannNumber string
	Name           string
	NameDisplay    string
	Ingredients    string
	PackingType    string
	Category       string

	SellingUnit        Field[Unit]
	PricingUnit        Field[Unit]
	Price              Field[decimal.Decimal]
	Stock              Field[decimal.Decimal]
	AverageWeightGrams Field[int]
	WeightPerUnitGrams Field[int]

	Kcal         Field[int]
	Kilojoules   Field[int]
	Proteins     Field[decimal.Decimal]
	Fat          Field[decimal.Decimal]
	SaturatedFat Field[decimal.Decimal]
	Carbs        Field[decimal.Decimal]
	Sugar        Field[decimal.Decimal]
	Salt         Field[decimal.Decimal]

	Failures []FieldFailure
}

// HasKey reports whether at least one correlation key is present.
func (c Candidate) HasKey() bool {
	return c.ExternalID != "" || c.Barcode != ""
}

var (
	errEmptyNumber     = errors.New("empty number")
	errNegative        = errors.New("negative value")
	errNotPositive     = errors.New("must be greater than zero")
	errUnknownUnit     = errors.New("unknown unit")
	errMalformedWeight = errors.New("malformed weight")
)

// column aliases as they appear in master exports and in manual indexing calls.
var aliases = map[string][]string{
	"external_id":     {"external_id", "prodid"},
	"barcode":         {"barcode", "ean"},
	"lackmann_number": {"lackmann_number", "extartnr"},
	"name":            {"name", "shorttext"},
	"name_display":    {"name_display", "ext_print_productname"},
	"ingredients":     {"ingredients", "ext_zutaten"},
	"packing_type":    {"packing_type"},
	"category":        {"category"},
	"selling_unit":    {"selling_unit"},
	"pricing_unit":    {"pricing_unit"},
	"price":           {"price", "price_per_pricing_unit"},
	"stock":           {"stock", "stock_amount"},
	"average_weight":  {"average_weight", "average_weight_grams", "avg_weight"},
	"weight_per_unit": {"weight_per_unit", "weight_per_unit_grams", "weight"},
	"kcal":            {"kcal"},
	"kilojoules":      {"kilojoules", "kj"},
	"proteins":        {"proteins"},
	"fat":             {"fat"},
	"saturated_fat":   {"saturated_fat"},
	"carbs":           {"carbs"},
	"sugar":           {"sugar"},
	"salt":            {"salt"},
}

// Normalize parses one raw record. It never fails as a whole: each broken
// numeric field is marked unparseable and listed in Failures.
func Normalize(raw RawRecord) Candidate {
	lookup := make(map[string]string, len(raw))
	for k, v := range raw {
		lookup[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	get := func(field string) string {
		for _, alias := range aliases[field] {
			if v, ok := lookup[alias]; ok && v != "" {
				return v
			}
		}
		return ""
	}

	c := Candidate{
		ExternalID:     get("external_id"),
		Barcode:        get("barcode"),
		LackmannNumber: get("lackmann_number"),
		Name:           get("name"),
		NameDisplay:    get("name_display"),
		Ingredients:    get("ingredients"),
		PackingType:    get("packing_type"),
		Category:       get("category"),
	}

	c.SellingUnit = parseField(&c, "selling_unit", get("selling_unit"), ParseUnit)
	c.PricingUnit = parseField(&c, "pricing_unit", get("pricing_unit"), ParseUnit)
	c.Price = parseField(&c, "price", get("price"), atScale(PriceScale, nonNegative(ParseDecimal)))
	c.Stock = parseField(&c, "stock", get("stock"), atScale(StockScale, ParseDecimal))
	c.AverageWeightGrams = parseField(&c, "average_weight", get("average_weight"), ParseWeightGrams)
	c.WeightPerUnitGrams = parseField(&c, "weight_per_unit", get("weight_per_unit"), ParseWeightGrams)
	c.Kcal = parseField(&c, "kcal", get("kcal"), parseWholeNumber)
	c.Kilojoules = parseField(&c, "kilojoules", get("kilojoules"), parseWholeNumber)
	nutrient := atScale(NutritionScale, nonNegative(ParseDecimal))
	c.Proteins = parseField(&c, "proteins", get("proteins"), nutrient)
	c.Fat = parseField(&c, "fat", get("fat"), nutrient)
	c.SaturatedFat = parseField(&c, "saturated_fat", get("saturated_fat"), nutrient)
	c.Carbs = parseField(&c, "carbs", get("carbs"), nutrient)
	c.Sugar = parseField(&c, "sugar", get("sugar"), nutrient)
	c.Salt = parseField(&c, "salt", get("salt"), nutrient)
	return c
}

func parseField[T any](c *Candidate, name, raw string, parse func(string) (T, error)) Field[T] {
	if raw == "" {
		return Field[T]{State: FieldAbsent}
	}
	v, err := parse(raw)
	if err != nil {
		c.Failures = append(c.Failures, FieldFailure{Field: name, Raw: raw, Err: err})
		return Field[T]{State: FieldUnparseable, Raw: raw, Err: err}
	}
	return Field[T]{State: FieldParsed, Value: v, Raw: raw}
}

// ParseDecimal accepts both comma and dot decimal separators. When both
// appear, the rightmost one is the decimal separator and the other groups
// thousands.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' || r == '\'' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" {
		return decimal.Zero, errEmptyNumber
	}
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastComma >= 0 && lastDot >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			return decimal.Zero, fmt.Errorf("ambiguous separators in %q", s)
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	return decimal.NewFromString(s)
}

var weightPattern = regexp.MustCompile(`(?i)^([0-9]+(?:[.,][0-9]+)?)\s*(kg|g)?$`)

// ParseWeightGrams normalizes "350g", "0,35 kg" or "350" to integer grams.
// A bare number is read as grams.
func ParseWeightGrams(s string) (int, error) {
	m := weightPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, errMalformedWeight
	}
	value, err := ParseDecimal(m[1])
	if err != nil {
		return 0, err
	}
	if strings.EqualFold(m[2], "kg") {
		value = value.Mul(decimal.NewFromInt(1000))
	}
	grams := value.Round(0)
	if !grams.IsPositive() {
		return 0, errNotPositive
	}
	return int(grams.IntPart()), nil
}

// ParseUnit maps the unit spellings used by the master system.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "piece", "pieces", "pcs", "pc", "stk", "st":
		return UnitPiece, nil
	case "weight-kg", "weight", "kg", "g":
		return UnitWeightKg, nil
	default:
		return "", errUnknownUnit
	}
}

func parseWholeNumber(s string) (int, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, errNegative
	}
	return int(d.Round(0).IntPart()), nil
}

// Decimal places the products table keeps. Values are rounded here so a
// re-applied export compares equal to what was stored.
const (
	PriceScale     int32 = 2
	StockScale     int32 = 3
	NutritionScale int32 = 2
)

func atScale(places int32, parse func(string) (decimal.Decimal, error)) func(string) (decimal.Decimal, error) {
	return func(s string) (decimal.Decimal, error) {
		d, err := parse(s)
		if err != nil {
			return decimal.Zero, err
		}
		return d.Round(places), nil
	}
}

func nonNegative(parse func(string) (decimal.Decimal, error)) func(string) (decimal.Decimal, error) {
	return func(s string) (decimal.Decimal, error) {
		d, err := parse(s)
		if err != nil {
			return decimal.Zero, err
		}
		if d.IsNegative() {
			return decimal.Zero, errNegative
		}
		return d, nil
	}
}
