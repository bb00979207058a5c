package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/BaSui01/carbonflow/agent/dispatch"
)

// =============================================================================
// anomaly_detector
// =============================================================================

// Anomaly is one flagged transaction.
type Anomaly struct {
	TransactionID string  `json:"transaction_id,omitempty"`
	Kind          string  `json:"kind"`
	Value         float64 `json:"value"`
	ZScore        float64 `json:"z_score"`
	Severity      string  `json:"severity"`
}

func detectAnomalies(ctx context.Context, in *taskInput) (map[string]any, error) {
	txs, err := in.transactions()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	threshold := in.param("z_threshold", 2.5)

	amounts := make([]float64, len(txs))
	emissions := make([]float64, len(txs))
	for i, tx := range txs {
		amounts[i] = tx.Amount
		emissions[i] = tx.EmissionsKg
		if emissions[i] == 0 {
			emissions[i], _ = estimate(tx)
		}
	}

	var anomalies []Anomaly
	for _, series := range []struct {
		kind   string
		values []float64
	}{{"spending", amounts}, {"emissions", emissions}} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mean, std := meanStd(series.values)
		if std == 0 {
			continue
		}
		for i, v := range series.values {
			z := (v - mean) / std
			if math.Abs(z) < threshold {
				continue
			}
			anomalies = append(anomalies, Anomaly{
				TransactionID: txs[i].ID,
				Kind:          series.kind,
				Value:         v,
				ZScore:        round2(z),
				Severity:      severityOf(math.Abs(z), threshold),
			})
		}
	}

	overall := "none"
	for _, a := range anomalies {
		if rank(a.Severity) > rank(overall) {
			overall = a.Severity
		}
	}
	return map[string]any{
		"anomalies":      anomalies,
		"total_detected": len(anomalies),
		"severity":       overall,
		"threshold":      threshold,
	}, nil
}

func severityOf(z, threshold float64) string {
	switch {
	case z >= threshold*2:
		return "high"
	case z >= threshold*1.5:
		return "medium"
	default:
		return "low"
	}
}

func rank(severity string) int {
	switch severity {
	case "low":
		return 1
	case "medium":
		return 2
	case "high":
		return 3
	}
	return 0
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}

// =============================================================================
// trend_analyzer
// =============================================================================

// PeriodTotal is the emissions of one month.
type PeriodTotal struct {
	Period      string  `json:"period"`
	EmissionsKg float64 `json:"emissions_kg"`
	Spend       float64 `json:"spend"`
}

func analyzeTrends(ctx context.Context, in *taskInput) (map[string]any, error) {
	txs, err := in.transactions()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	byPeriod := map[string]*PeriodTotal{}
	for _, tx := range txs {
		p := tx.Period()
		if p == "" {
			continue
		}
		kg := tx.EmissionsKg
		if kg == 0 {
			kg, _ = estimate(tx)
		}
		pt, ok := byPeriod[p]
		if !ok {
			pt = &PeriodTotal{Period: p}
			byPeriod[p] = pt
		}
		pt.EmissionsKg += kg
		pt.Spend += tx.Amount
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	series := make([]PeriodTotal, 0, len(byPeriod))
	for _, pt := range byPeriod {
		pt.EmissionsKg = round2(pt.EmissionsKg)
		pt.Spend = round2(pt.Spend)
		series = append(series, *pt)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Period < series[j].Period })

	values := make([]float64, len(series))
	for i, pt := range series {
		values[i] = pt.EmissionsKg
	}
	slope, intercept := linearFit(values)

	out := map[string]any{
		"series":    series,
		"periods":   len(series),
		"slope":     round2(slope),
		"direction": direction(slope, values),
	}
	if len(series) >= 2 {
		next := math.Max(intercept+slope*float64(len(series)), 0)
		out["next_period"] = nextPeriod(series[len(series)-1].Period)
		out["predicted_emissions_kg"] = round2(next)
	}
	return out, nil
}

// linearFit is an ordinary least squares fit of values against their index.
func linearFit(values []float64) (slope, intercept float64) {
	n := float64(len(values))
	if n < 2 {
		if n == 1 {
			return 0, values[0]
		}
		return 0, 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range values {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	slope = (n*sxy - sx*sy) / (n*sxx - sx*sx)
	intercept = (sy - slope*sx) / n
	return slope, intercept
}

// direction treats slopes within 2% of the mean per period as stable.
func direction(slope float64, values []float64) string {
	if len(values) < 2 {
		return "insufficient_data"
	}
	mean, _ := meanStd(values)
	if math.Abs(slope) <= math.Abs(mean)*0.02 {
		return "stable"
	}
	if slope > 0 {
		return "increasing"
	}
	return "decreasing"
}

func nextPeriod(period string) string {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 1, 0).Format("2006-01")
}

// =============================================================================
// recommendation_engine
// =============================================================================

// Recommendation is one suggested reduction measure.
type Recommendation struct {
	Category             string  `json:"category"`
	Title                string  `json:"title"`
	Priority             string  `json:"priority"`
	PotentialReductionKg float64 `json:"potential_reduction_kg"`
}

var measures = map[string]struct {
	title     string
	reduction float64
}{
	"energy":           {"Switch to renewable electricity", 0.30},
	"transportation":   {"Consolidate shipments and optimise routes", 0.15},
	"raw_materials":    {"Source recycled or low-carbon materials", 0.10},
	"waste_management": {"Segregate and recycle production waste", 0.20},
	"equipment":        {"Replace inefficient machinery", 0.12},
	"water":            {"Recirculate process water", 0.05},
	"maintenance":      {"Adopt preventive maintenance", 0.05},
}

const maxRecommendations = 10

func recommend(ctx context.Context, in *taskInput) (map[string]any, error) {
	breakdown := in.breakdown()
	total, ok := in.totalEmissions()
	if len(breakdown) == 0 {
		if !ok {
			return nil, dispatch.Fatal(errors.New("recommendations require emissions data"))
		}
		breakdown = map[string]float64{"energy": total}
	}
	if !ok {
		for _, v := range breakdown {
			total += v
		}
	}

	recs := make([]Recommendation, 0, len(breakdown))
	for _, category := range sortedByValue(breakdown) {
		m, ok := measures[category]
		if !ok || breakdown[category] <= 0 {
			continue
		}
		share := 0.0
		if total > 0 {
			share = breakdown[category] / total
		}
		recs = append(recs, Recommendation{
			Category:             category,
			Title:                m.title,
			Priority:             priorityOf(share),
			PotentialReductionKg: round2(breakdown[category] * m.reduction),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return rank(recs[i].Priority) > rank(recs[j].Priority)
	})
	generated := len(recs)
	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}

	var reduction float64
	for _, r := range recs {
		reduction += r.PotentialReductionKg
	}
	return map[string]any{
		"recommendations":              recs,
		"total_generated":              generated,
		"potential_reduction_kg":       round2(reduction),
		"baseline_emissions_kg":        round2(total),
		"potential_reduction_fraction": ratio(reduction, total),
	}, nil
}

func priorityOf(share float64) string {
	switch {
	case share >= 0.4:
		return "high"
	case share >= 0.15:
		return "medium"
	default:
		return "low"
	}
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return math.Round(a/b*1000) / 1000
}

// =============================================================================
// optimization_advisor
// =============================================================================

// Optimization is one operational improvement grouped by area.
type Optimization struct {
	Area       string   `json:"area"`
	Action     string   `json:"action"`
	Effort     string   `json:"effort"`
	SavingsKg  float64  `json:"savings_kg"`
	Categories []string `json:"categories"`
}

var optimizationAreas = []struct {
	area       string
	action     string
	effort     string
	fraction   float64
	categories []string
}{
	{"energy", "Shift loads off peak and add rooftop solar", "medium", 0.25, []string{"energy", "utilities"}},
	{"waste", "Introduce segregation and sell recyclable scrap", "low", 0.30, []string{"waste_management"}},
	{"transport", "Consolidate loads and switch short routes to CNG", "low", 0.15, []string{"transportation"}},
	{"process", "Tune machinery and recover process heat", "high", 0.10, []string{"equipment", "maintenance", "raw_materials"}},
}

// effortWeight orders optimizations by savings per unit of effort.
var effortWeight = map[string]float64{"low": 1, "medium": 2, "high": 3}

func adviseOptimizations(ctx context.Context, in *taskInput) (map[string]any, error) {
	breakdown := in.breakdown()
	if len(breakdown) == 0 {
		total, ok := in.totalEmissions()
		if !ok {
			return nil, dispatch.Fatal(errors.New("optimization advice requires emissions data"))
		}
		breakdown = map[string]float64{"energy": total}
	}
	// Processes from a machinery profile widen the process area.
	var processes []string
	if raw, ok := in.find("processes"); ok {
		_ = remarshal(raw, &processes)
	}

	var opts []Optimization
	for _, a := range optimizationAreas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var base float64
		var hit []string
		for _, c := range a.categories {
			if v := breakdown[c]; v > 0 {
				base += v
				hit = append(hit, c)
			}
		}
		fraction := a.fraction
		if a.area == "process" && len(processes) > 0 {
			fraction += math.Min(float64(len(processes))*0.01, 0.05)
		}
		if base <= 0 {
			continue
		}
		opts = append(opts, Optimization{
			Area:       a.area,
			Action:     a.action,
			Effort:     a.effort,
			SavingsKg:  round2(base * fraction),
			Categories: hit,
		})
	}

	var savings float64
	for _, o := range opts {
		savings += o.SavingsKg
	}
	priority := make([]string, len(opts))
	ordered := append([]Optimization(nil), opts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SavingsKg/effortWeight[ordered[i].Effort] > ordered[j].SavingsKg/effortWeight[ordered[j].Effort]
	})
	for i, o := range ordered {
		priority[i] = o.Area
	}
	return map[string]any{
		"optimizations":           opts,
		"potential_savings_kg":    round2(savings),
		"implementation_priority": priority,
	}, nil
}

// =============================================================================
// compliance_monitor
// =============================================================================

// Issue is one compliance finding.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func checkCompliance(ctx context.Context, in *taskInput) (map[string]any, error) {
	total, ok := in.totalEmissions()
	if !ok {
		return nil, dispatch.Fatal(errors.New("compliance check requires emissions data"))
	}
	limit := in.param("annual_limit_kg", 50000)
	threshold := in.param("reporting_threshold_kg", 25000)

	status := "compliant"
	var issues []Issue
	var actions []string
	if total >= threshold {
		status = "reporting_required"
		issues = append(issues, Issue{
			Code:    "reporting_threshold",
			Message: fmt.Sprintf("emissions of %.2f kg reach the reporting threshold of %.0f kg", total, threshold),
		})
		actions = append(actions, "File the annual emissions disclosure")
	}
	if total > limit {
		status = "non_compliant"
		issues = append(issues, Issue{
			Code:    "annual_limit",
			Message: fmt.Sprintf("emissions of %.2f kg exceed the annual limit of %.0f kg", total, limit),
		})
		actions = append(actions, fmt.Sprintf("Reduce emissions by at least %.2f kg", total-limit))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":                 status,
		"issues":                 issues,
		"actions":                actions,
		"total_emissions_kg":     round2(total),
		"annual_limit_kg":        limit,
		"reporting_threshold_kg": threshold,
		"limit_utilisation":      ratio(total, limit),
	}, nil
}

// =============================================================================
// report_generator
// =============================================================================

// sectionKeys maps result keys to the report section they belong in.
var sectionKeys = []struct {
	key     string
	section string
}{
	{"category_breakdown", "carbon"},
	{"anomalies", "anomalies"},
	{"series", "trends"},
	{"recommendations", "recommendations"},
	{"issues", "compliance"},
}

func generateReport(ctx context.Context, in *taskInput) (map[string]any, error) {
	sections := map[string]any{}
	for _, id := range in.order {
		m := asMap(in.results[id])
		if m == nil {
			continue
		}
		for _, sk := range sectionKeys {
			if _, ok := m[sk.key]; ok {
				sections[sk.section] = m
				break
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary := map[string]any{
		"subject_id": in.subjectID,
		"format":     in.paramString("format", "summary"),
		"sections":   len(sections),
	}
	if total, ok := in.totalEmissions(); ok {
		summary["total_emissions_kg"] = round2(total)
	}
	if c, ok := sections["compliance"].(map[string]any); ok {
		summary["compliance_status"] = c["status"]
	}
	if r, ok := sections["recommendations"].(map[string]any); ok {
		summary["potential_reduction_kg"] = r["potential_reduction_kg"]
	}
	return map[string]any{
		"summary":      summary,
		"sections":     sections,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
