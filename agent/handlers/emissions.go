package handlers

import (
	"math"
	"strings"
)

// Emission factors in kg CO2e per unit of quantity (or amount when no
// quantity is given).
var (
	electricityFactors = map[string]float64{
		"grid":      0.8,
		"renewable": 0.1,
		"mixed":     0.4,
	}
	fuelFactors = map[string]float64{
		"diesel": 2.68,
		"petrol": 2.31,
		"lpg":    1.51,
		"cng":    1.51,
	}
	materialFactors = map[string]float64{
		"steel":    1.85,
		"aluminum": 8.24,
		"plastic":  2.53,
		"paper":    0.93,
		"glass":    0.85,
		"wood":     0.3,
		"concrete": 0.15,
	}
	materialOrder   = []string{"aluminum", "concrete", "glass", "paper", "plastic", "steel", "wood"}
	categoryFactors = map[string]float64{
		"water":            0.0004,
		"waste_management": 0.5,
		"equipment":        0.5,
		"maintenance":      0.1,
		"utilities":        0.3,
		"services":         0.1,
		"other":            0.2,
	}
	industryFactors = map[string]float64{
		"manufacturing":   1.0,
		"textiles":        1.2,
		"food":            0.8,
		"chemicals":       1.5,
		"electronics":     1.1,
		"automotive":      1.3,
		"pharmaceuticals": 1.4,
	}
)

const defaultFactor = 0.2

// estimate returns the emissions of one transaction and whether a specific
// factor (rather than the generic fallback) was used.
func estimate(tx Transaction) (float64, bool) {
	qty := tx.Quantity
	if qty <= 0 {
		qty = tx.Amount
	}
	factor, known := factorFor(tx)
	kg := qty * factor

	if tx.IsGreen {
		kg *= 1 - math.Min(math.Max(tx.GreenScore, 0), 100)/200
	}
	if f, ok := industryFactors[tx.Industry]; ok {
		kg *= f
	}
	return math.Round(kg*100) / 100, known
}

func factorFor(tx Transaction) (float64, bool) {
	sub := strings.ToLower(tx.Subcategory)
	switch tx.Category {
	case "energy":
		if f, ok := electricityFactors[sub]; ok {
			return f, true
		}
		if f, ok := fuelFactors[sub]; ok {
			return f, true
		}
		return electricityFactors["grid"], true
	case "transportation":
		if f, ok := fuelFactors[sub]; ok {
			return f, true
		}
		return fuelFactors["diesel"], true
	case "raw_materials":
		if f, ok := materialFactors[sub]; ok {
			return f, true
		}
		desc := strings.ToLower(tx.Description)
		for _, m := range materialOrder {
			if strings.Contains(desc, m) {
				return materialFactors[m], true
			}
		}
		return defaultFactor, false
	case "maintenance":
		desc := strings.ToLower(tx.Description)
		if strings.Contains(desc, "major") || strings.Contains(desc, "overhaul") {
			return 0.3, true
		}
	}
	if f, ok := categoryFactors[tx.Category]; ok {
		return f, true
	}
	return defaultFactor, false
}
