package handlers

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/BaSui01/carbonflow/agent/dispatch"
)

// =============================================================================
// data_processor
// =============================================================================

var sensitivePatterns = []struct {
	label       string
	re          *regexp.Regexp
	replacement string
}{
	{"email", regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`), "[redacted-email]"},
	{"phone", regexp.MustCompile(`\+?\d[\d\s-]{7,}\d`), "[redacted-phone]"},
	{"pan", regexp.MustCompile(`\b[A-Z]{5}[0-9]{4}[A-Z]\b`), "[redacted-pan]"},
	{"gst", regexp.MustCompile(`\b[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]\b`), "[redacted-gst]"},
	{"udyam", regexp.MustCompile(`\bUDYAM-[A-Z]{2}-\d{2}-\d{7}\b`), "[redacted-udyam]"},
}

func redact(s string) string {
	s, _ = redactCounting(s, nil)
	return s
}

// redactCounting adds the number of matches per rule to hits when non-nil.
func redactCounting(s string, hits map[string]int) (string, bool) {
	changed := false
	for _, p := range sensitivePatterns {
		n := len(p.re.FindAllStringIndex(s, -1))
		if n == 0 {
			continue
		}
		changed = true
		if hits != nil {
			hits[p.label] += n
		}
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s, changed
}

// categoryKeywords classifies transactions that arrive without a category.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"energy", []string{"electricity", "power", "kwh", "diesel generator", "solar"}},
	{"transportation", []string{"freight", "logistics", "fuel", "transport", "courier"}},
	{"raw_materials", []string{"steel", "aluminum", "plastic", "paper", "glass", "wood", "concrete"}},
	{"water", []string{"water"}},
	{"waste_management", []string{"waste", "scrap", "recycl"}},
	{"maintenance", []string{"repair", "maintenance", "overhaul"}},
	{"equipment", []string{"machine", "equipment", "compressor"}},
}

func classify(tx Transaction) string {
	desc := strings.ToLower(tx.Description + " " + tx.Vendor)
	for _, c := range categoryKeywords {
		for _, w := range c.words {
			if strings.Contains(desc, w) {
				return c.category
			}
		}
	}
	return "other"
}

func processData(ctx context.Context, in *taskInput) (map[string]any, error) {
	txs, err := in.transactions()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	cleaned := make([]Transaction, 0, len(txs))
	invalid := 0
	classified := 0
	categories := map[string]int{}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if tx.Amount <= 0 || math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) {
			invalid++
			continue
		}
		tx.Category = strings.ToLower(strings.TrimSpace(tx.Category))
		if tx.Category == "" {
			tx.Category = classify(tx)
			classified++
		}
		tx.Description = redact(tx.Description)
		tx.Vendor = redact(tx.Vendor)
		categories[tx.Category]++
		cleaned = append(cleaned, tx)
	}
	return map[string]any{
		"transactions": cleaned,
		"total":        len(txs),
		"valid":        len(cleaned),
		"invalid":      invalid,
		"classified":   classified,
		"categories":   categories,
	}, nil
}

// =============================================================================
// data_privacy
// =============================================================================

func protectData(ctx context.Context, in *taskInput) (map[string]any, error) {
	txs, err := in.transactions()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	hits := map[string]int{}
	touched := 0
	out := make([]Transaction, len(txs))
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var d, v bool
		tx.Description, d = redactCounting(tx.Description, hits)
		tx.Vendor, v = redactCounting(tx.Vendor, hits)
		if d || v {
			touched++
		}
		out[i] = tx
	}

	rules := make([]string, len(sensitivePatterns))
	for i, p := range sensitivePatterns {
		rules[i] = p.label
	}
	result := map[string]any{
		"transactions": out,
		"redaction_summary": map[string]any{
			"total_transactions":    len(txs),
			"redacted_transactions": touched,
			"redacted_fields":       []string{"description", "vendor"},
			"applied_rules":         rules,
			"matches":               hits,
			"policy_status":         in.paramString("policy_status", "default"),
		},
	}
	// The snapshot carries the company name and domain only.
	if msme, err := in.msme(); err == nil {
		result["msme_snapshot"] = map[string]any{
			"company_name":    msme.CompanyName,
			"business_domain": msme.BusinessDomain,
		}
	}
	return result, nil
}

// =============================================================================
// carbon_analyzer
// =============================================================================

func analyzeCarbon(ctx context.Context, in *taskInput) (map[string]any, error) {
	txs, err := in.transactions()
	if err != nil {
		return nil, dispatch.Fatal(err)
	}
	if len(txs) == 0 {
		return nil, dispatch.Fatal(errors.New("carbon analysis requires transactions"))
	}

	var total float64
	known := 0
	breakdown := map[string]float64{}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kg, ok := estimate(tx)
		if ok {
			known++
		}
		total += kg
		category := tx.Category
		if category == "" {
			category = "other"
		}
		breakdown[category] += kg
	}
	total = round2(total)
	for k, v := range breakdown {
		breakdown[k] = round2(v)
	}

	// Confidence tracks how many transactions had a specific factor.
	confidence := math.Max(float64(known)/float64(len(txs)), 0.1)

	return map[string]any{
		"value":              total,
		"confidence":         round2(confidence),
		"total_emissions_kg": total,
		"category_breakdown": breakdown,
		"top_category":       topCategory(breakdown),
		"transaction_count":  len(txs),
		"transactions":       withEmissions(txs),
	}, nil
}

func withEmissions(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	for i, tx := range txs {
		tx.EmissionsKg, _ = estimate(tx)
		out[i] = tx
	}
	return out
}

func topCategory(breakdown map[string]float64) string {
	keys := sortedByValue(breakdown)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// sortedByValue returns the keys ordered by descending value, then name.
func sortedByValue(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
