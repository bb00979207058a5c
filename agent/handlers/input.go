package handlers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BaSui01/carbonflow/agent/dispatch"
)

// Transaction is one financial transaction of an MSME.
type Transaction struct {
	ID          string  `json:"id,omitempty"`
	Date        string  `json:"date,omitempty"`
	Amount      float64 `json:"amount"`
	Quantity    float64 `json:"quantity,omitempty"`
	Category    string  `json:"category,omitempty"`
	Subcategory string  `json:"subcategory,omitempty"`
	Description string  `json:"description,omitempty"`
	Vendor      string  `json:"vendor,omitempty"`
	Industry    string  `json:"industry,omitempty"`
	IsGreen     bool    `json:"is_green,omitempty"`
	GreenScore  float64 `json:"green_score,omitempty"`
	EmissionsKg float64 `json:"emissions_kg,omitempty"`
}

// Period returns the YYYY-MM month of the transaction date, or "".
func (t Transaction) Period() string {
	if len(t.Date) < 7 {
		return ""
	}
	return t.Date[:7]
}

// taskInput is the decoded view of Task.Input.
type taskInput struct {
	subjectID  string
	trigger    map[string]any
	parameters map[string]any
	results    map[string]any
	// variant is the agent type suffix, e.g. "textiles" for
	// sector_profiler_textiles.
	variant string
	// order is the sorted dependency step ids, for deterministic lookups.
	order []string
}

func newTaskInput(task *dispatch.Task) *taskInput {
	in := &taskInput{
		trigger:    asMap(task.Input["trigger"]),
		parameters: asMap(task.Input["parameters"]),
		results:    asMap(task.Input["results"]),
		variant:    task.Variant,
	}
	in.subjectID, _ = task.Input["subject_id"].(string)
	for id := range in.results {
		in.order = append(in.order, id)
	}
	sort.Strings(in.order)
	return in
}

// find returns the first dependency result map holding key, then the
// trigger input's value for it.
func (in *taskInput) find(key string) (any, bool) {
	for _, id := range in.order {
		if m := asMap(in.results[id]); m != nil {
			if v, ok := m[key]; ok {
				return v, true
			}
		}
	}
	v, ok := in.trigger[key]
	return v, ok
}

// transactions returns the processed transactions of an upstream step, or
// the raw ones of the trigger input.
func (in *taskInput) transactions() ([]Transaction, error) {
	raw, ok := in.find("transactions")
	if !ok {
		return nil, nil
	}
	var txs []Transaction
	if err := remarshal(raw, &txs); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	return txs, nil
}

// totalEmissions returns the total emissions reported upstream. A plain
// numeric dependency result is a consensus value.
func (in *taskInput) totalEmissions() (float64, bool) {
	for _, id := range in.order {
		switch v := in.results[id].(type) {
		case map[string]any:
			if f, ok := toFloat(v["total_emissions_kg"]); ok {
				return f, true
			}
		default:
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func (in *taskInput) breakdown() map[string]float64 {
	raw, ok := in.find("category_breakdown")
	if !ok {
		return nil
	}
	out := map[string]float64{}
	for k, v := range asMap(raw) {
		if f, ok := toFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

func (in *taskInput) param(key string, def float64) float64 {
	if f, ok := toFloat(in.parameters[key]); ok {
		return f
	}
	return def
}

func (in *taskInput) paramString(key, def string) string {
	if s, ok := in.parameters[key].(string); ok && s != "" {
		return s
	}
	return def
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
