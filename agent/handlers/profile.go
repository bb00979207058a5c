package handlers

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/BaSui01/carbonflow/agent/dispatch"
)

// MSMEProfile is the company master data profilers read from the "msme"
// input key.
type MSMEProfile struct {
	CompanyName        string  `json:"company_name,omitempty"`
	BusinessDomain     string  `json:"business_domain,omitempty"`
	PrimaryProducts    string  `json:"primary_products,omitempty"`
	AnnualTurnover     float64 `json:"annual_turnover,omitempty"`
	NumberOfEmployees  int     `json:"number_of_employees,omitempty"`
	ManufacturingUnits int     `json:"manufacturing_units,omitempty"`
	// EnvironmentalCompliance is nil when the company never reported it.
	EnvironmentalCompliance *struct {
		PollutionControlBoard  bool `json:"pollution_control_board"`
		EnvironmentalClearance bool `json:"environmental_clearance"`
	} `json:"environmental_compliance,omitempty"`
}

func (in *taskInput) msme() (*MSMEProfile, error) {
	raw, ok := in.find("msme")
	if !ok || raw == nil {
		return nil, errors.New("profiling requires msme data")
	}
	var p MSMEProfile
	if err := remarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode msme: %w", err)
	}
	return &p, nil
}

// sector picks the variant suffix of the agent type, then the business
// domain, then "other".
func (in *taskInput) sector(p *MSMEProfile) string {
	key := in.variant
	if key == "" {
		key = p.BusinessDomain
	}
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(key)
	if key == "" {
		return "other"
	}
	return key
}

// products splits the comma separated product list.
func (p *MSMEProfile) products() []string {
	var out []string
	for _, item := range strings.Split(strings.ToLower(p.PrimaryProducts), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// spendShares returns each category's share of total transaction amount.
func spendShares(txs []Transaction) map[string]float64 {
	totals := map[string]float64{}
	var sum float64
	for _, tx := range txs {
		category := strings.ToLower(tx.Category)
		if category == "" {
			category = "other"
		}
		totals[category] += tx.Amount
		sum += tx.Amount
	}
	if sum <= 0 {
		return map[string]float64{}
	}
	for k, v := range totals {
		totals[k] = v / sum
	}
	return totals
}

// =============================================================================
// sector_profiler
// =============================================================================

type sectorProfile struct {
	label          string
	focusAreas     []string
	weights        map[string]float64
	parallelAgents []string
}

var allParallelAgents = []string{TypeAnomalyDetector, TypeTrendAnalyzer, TypeComplianceMonitor, TypeOptimizationAdvisor}

var sectorProfiles = map[string]sectorProfile{
	"manufacturing": {
		label:          "Manufacturing",
		focusAreas:     []string{"energy", "materials", "waste", "manufacturing"},
		weights:        map[string]float64{"energy": 1.4, "materials": 1.5, "waste": 1.3, "manufacturing": 1.4},
		parallelAgents: allParallelAgents,
	},
	"textiles": {
		label:          "Textiles",
		focusAreas:     []string{"energy", "water", "materials"},
		weights:        map[string]float64{"energy": 1.4, "water": 1.3, "materials": 1.3},
		parallelAgents: allParallelAgents,
	},
	"food_processing": {
		label:          "Food Processing",
		focusAreas:     []string{"energy", "water", "waste"},
		weights:        map[string]float64{"energy": 1.3, "water": 1.2, "waste": 1.2},
		parallelAgents: allParallelAgents,
	},
	"construction": {
		label:          "Construction",
		focusAreas:     []string{"materials", "transportation", "waste"},
		weights:        map[string]float64{"materials": 1.8, "transportation": 1.3, "waste": 1.4},
		parallelAgents: allParallelAgents,
	},
	"logistics": {
		label:          "Logistics",
		focusAreas:     []string{"transportation", "energy", "maintenance"},
		weights:        map[string]float64{"transportation": 1.8, "energy": 1.2, "manufacturing": 1.1},
		parallelAgents: allParallelAgents,
	},
	"agriculture": {
		label:          "Agriculture",
		focusAreas:     []string{"energy", "water", "transportation"},
		weights:        map[string]float64{"energy": 0.9, "water": 1.2, "transportation": 1.1},
		parallelAgents: []string{TypeTrendAnalyzer, TypeOptimizationAdvisor},
	},
	"trading": {
		label:          "Trading",
		focusAreas:     []string{"transportation", "materials"},
		weights:        map[string]float64{"transportation": 1.5, "materials": 1.2},
		parallelAgents: []string{TypeTrendAnalyzer, TypeOptimizationAdvisor},
	},
	"services": {
		label:          "Services",
		focusAreas:     []string{"energy", "transportation", "other"},
		weights:        map[string]float64{"energy": 1.1, "transportation": 1.1, "other": 1.2},
		parallelAgents: []string{TypeTrendAnalyzer},
	},
	"other": {
		label:          "Other",
		focusAreas:     []string{"energy", "transportation", "materials", "waste"},
		parallelAgents: []string{TypeTrendAnalyzer},
	},
}

// behaviorOf maps transaction categories onto the behaviors sectors weight.
var behaviorOf = map[string]string{
	"energy":           "energy",
	"electricity":      "energy",
	"fuel":             "energy",
	"water":            "water",
	"waste_management": "waste",
	"waste":            "waste",
	"transportation":   "transportation",
	"raw_materials":    "materials",
	"materials":        "materials",
	"packaging":        "materials",
	"equipment":        "manufacturing",
	"machinery":        "manufacturing",
	"maintenance":      "manufacturing",
}

var behaviors = []string{"energy", "water", "waste", "transportation", "materials", "manufacturing", "other"}

func profileSector(ctx context.Context, in *taskInput) (map[string]any, error) {
	msme, err := in.msme()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	txs, err := in.transactions()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := in.sector(msme)
	profile, known := sectorProfiles[key]
	if !known {
		profile = sectorProfiles["other"]
	}
	shares := spendShares(txs)

	weights := make(map[string]float64, len(behaviors))
	for _, b := range behaviors {
		weights[b] = 1
	}
	for b, w := range profile.weights {
		weights[b] = w
	}
	for category, share := range shares {
		if share <= 0.25 {
			continue
		}
		b, ok := behaviorOf[category]
		if !ok {
			b = "other"
		}
		weights[b] *= 1.1
	}
	if in.paramString("season", "") == "summer" {
		weights["energy"] *= 1.05
	}
	for b, w := range weights {
		weights[b] = round2(w)
	}

	agents := map[string]bool{}
	for _, a := range profile.parallelAgents {
		agents[a] = true
	}
	var rationale []string
	if len(txs) > 25 {
		agents[TypeAnomalyDetector] = true
		rationale = append(rationale, "high transaction volume drives anomaly detection")
	}
	if shares["transportation"] > 0.2 {
		agents[TypeTrendAnalyzer] = true
		rationale = append(rationale, "transportation spend informs trend monitoring")
	}
	if shares["waste_management"] > 0.1 {
		agents[TypeComplianceMonitor] = true
		rationale = append(rationale, "waste activity adds compliance focus")
	}
	if shares["energy"] > 0.2 {
		agents[TypeOptimizationAdvisor] = true
	}
	if ec := msme.EnvironmentalCompliance; ec != nil && (!ec.PollutionControlBoard || !ec.EnvironmentalClearance) {
		agents[TypeComplianceMonitor] = true
		rationale = append(rationale, "missing environmental approvals")
	}
	rationale = append(rationale, "sector focus aligned to "+profile.label)
	parallel := make([]string, 0, len(agents))
	for a := range agents {
		parallel = append(parallel, a)
	}
	sort.Strings(parallel)

	confidence := math.Min(1, float64(len(txs))/15)
	if msme.AnnualTurnover > 0 {
		confidence += 0.1
	}
	if msme.NumberOfEmployees > 0 {
		confidence += 0.05
	}

	return map[string]any{
		"sector":           key,
		"known_sector":     known,
		"label":            profile.label,
		"focus_areas":      profile.focusAreas,
		"behavior_weights": weights,
		"orchestration_plan": map[string]any{
			"parallel_agents": parallel,
			"rationale":       rationale,
		},
		"company_name": msme.CompanyName,
		"confidence":   round2(math.Min(1, confidence)),
	}, nil
}

// =============================================================================
// process_machinery_profiler
// =============================================================================

var processMachinery = map[string]struct {
	processes []string
	machinery []string
}{
	"manufacturing": {
		[]string{"material_preparation", "machining", "assembly", "finishing", "quality_control"},
		[]string{"cnc_machines", "compressors", "boilers", "conveyors", "industrial_fans"},
	},
	"textiles": {
		[]string{"spinning", "weaving", "dyeing", "finishing", "washing"},
		[]string{"looms", "dyeing_units", "dryers", "boilers", "air_compressors"},
	},
	"food_processing": {
		[]string{"sorting", "processing", "cooking", "packaging", "cold_storage"},
		[]string{"boilers", "refrigeration_units", "mixers", "conveyors", "packaging_lines"},
	},
	"construction": {
		[]string{"material_mixing", "fabrication", "transport", "on_site_assembly"},
		[]string{"mixers", "cranes", "generators", "compressors", "transport_fleet"},
	},
	"logistics": {
		[]string{"sorting", "routing", "loading", "delivery"},
		[]string{"transport_fleet", "forklifts", "refrigeration_units", "conveyors"},
	},
	"agriculture": {
		[]string{"irrigation", "harvesting", "processing", "storage"},
		[]string{"pumps", "tractors", "cold_storage", "generators"},
	},
	"trading": {
		[]string{"storage", "distribution", "transport"},
		[]string{"transport_fleet", "forklifts", "cold_storage"},
	},
	"services": {
		[]string{"office_operations", "travel", "client_delivery"},
		[]string{"hvac_systems", "it_infrastructure", "transport_fleet"},
	},
	"other": {
		[]string{"operations", "transport", "facility_management"},
		[]string{"transport_fleet", "hvac_systems", "generators"},
	},
}

var productHints = []struct {
	match     []string
	processes []string
	machinery []string
}{
	{[]string{"steel", "metal", "fabrication"}, []string{"cutting", "welding"}, []string{"presses", "welding_units"}},
	{[]string{"cement", "concrete"}, []string{"mixing", "curing"}, []string{"mixers", "kilns"}},
	{[]string{"textile", "garment", "cotton"}, []string{"dyeing", "weaving"}, []string{"looms", "dyeing_units"}},
	{[]string{"food", "dairy", "bakery"}, []string{"processing", "cold_storage"}, []string{"refrigeration_units", "boilers"}},
	{[]string{"pharma", "medical"}, []string{"sterilization", "packaging"}, []string{"autoclaves", "clean_rooms"}},
	{[]string{"electronics", "circuit"}, []string{"soldering", "testing"}, []string{"smt_lines", "testing_rigs"}},
}

// EmissionFactor is one factor a profiled company is likely to need.
type EmissionFactor struct {
	Category string  `json:"category"`
	Label    string  `json:"label"`
	Unit     string  `json:"unit"`
	Value    float64 `json:"value"`
}

func profileProcesses(ctx context.Context, in *taskInput) (map[string]any, error) {
	msme, err := in.msme()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	txs, err := in.transactions()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := in.sector(msme)
	base, ok := processMachinery[key]
	if !ok {
		base = processMachinery["other"]
	}
	processes := append([]string(nil), base.processes...)
	machinery := append([]string(nil), base.machinery...)
	products := msme.products()
	for _, product := range products {
		for _, hint := range productHints {
			for _, token := range hint.match {
				if strings.Contains(product, token) {
					processes = appendMissing(processes, hint.processes...)
					machinery = appendMissing(machinery, hint.machinery...)
					break
				}
			}
		}
	}

	shares := spendShares(txs)
	factors := []EmissionFactor{
		{"energy", "grid electricity", "kg CO2e per kWh", electricityFactors["grid"]},
		{"energy", "renewable electricity", "kg CO2e per kWh", electricityFactors["renewable"]},
	}
	for _, fuel := range slices.Sorted(maps.Keys(fuelFactors)) {
		factors = append(factors, EmissionFactor{"fuel", fuel + " combustion", "kg CO2e per liter", fuelFactors[fuel]})
	}
	if shares["transportation"] > 0.1 || slices.Contains(machinery, "transport_fleet") {
		for _, fuel := range []string{"diesel", "petrol"} {
			factors = append(factors, EmissionFactor{"transportation", fuel + " transport", "kg CO2e per liter", fuelFactors[fuel]})
		}
	}
	if shares["raw_materials"] > 0.1 || slices.Contains(processes, "material_preparation") {
		for _, m := range materialOrder {
			factors = append(factors, EmissionFactor{"materials", m + " inputs", "kg CO2e per kg", materialFactors[m]})
		}
	}

	intensity := map[string]float64{
		"energy":         round2(shares["energy"]),
		"transportation": round2(shares["transportation"]),
		"materials":      round2(shares["raw_materials"]),
		"waste":          round2(shares["waste_management"]),
		"operations":     round2(float64(len(processes)) / 10),
	}
	var sum float64
	for _, v := range intensity {
		sum += v
	}

	var notes []string
	if len(products) > 0 {
		notes = append(notes, "products analyzed: "+strings.Join(products, ", "))
	}
	if shares["energy"] > 0.2 {
		notes = append(notes, "energy-intensive operations detected from transactions")
	}
	if slices.Contains(machinery, "boilers") {
		notes = append(notes, "boilers suggest fuel combustion emissions to monitor")
	}
	if shares["transportation"] > 0.15 {
		notes = append(notes, "transportation spend indicates a logistics emissions focus")
	}

	confidence := math.Min(1, float64(len(txs))/12)
	if len(products) > 0 {
		confidence += 0.15
	}
	if msme.ManufacturingUnits > 0 {
		confidence += 0.1
	}

	return map[string]any{
		"sector":           key,
		"processes":        processes,
		"machinery":        machinery,
		"activity_signals": shares,
		"emission_factors": factors,
		"intensity": map[string]any{
			"score":     round2(math.Min(1, sum/2)),
			"breakdown": intensity,
		},
		"notes":      notes,
		"confidence": round2(math.Min(1, confidence)),
	}, nil
}

func appendMissing(list []string, items ...string) []string {
	for _, item := range items {
		if !slices.Contains(list, item) {
			list = append(list, item)
		}
	}
	return list
}
