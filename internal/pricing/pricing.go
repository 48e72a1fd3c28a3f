// Package pricing loads a LiteLLM-format model pricing table and converts
// token usage into USD micros.
//
// Recognized fields per model entry:
//   - input_cost_per_token / output_cost_per_token (USD per token)
//   - input_cost_per_1k_tokens / output_cost_per_1k_tokens (fallback)
//   - cache_read_input_token_cost, cache_creation_input_token_cost
//   - tiered rates: <dir>_cost_per_token_above_<N>k_tokens
//   - service tiers: <dir>_cost_per_token_<tier> (e.g. _flex, _priority)
//
// All rates are stored as USD micros per token, rounded half-up. A rate
// that rounds to zero stays zero; the 1k-token fallback fields are divided
// down to a per-token rate before rounding, so they round the same way.
package pricing

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// Usage is the observed token consumption for one request.
type Usage struct {
	InputTokens        uint64
	OutputTokens       uint64
	CacheReadInput     uint64
	CacheCreationInput uint64
}

// Tier prices tokens above a threshold.
type Tier struct {
	ThresholdTokens uint64
	InputMicros     uint64
	OutputMicros    uint64
}

// ModelPricing is the compiled rate card for one model.
type ModelPricing struct {
	InputMicros  uint64
	OutputMicros uint64

	CacheReadInputMicros     uint64
	HasCacheReadInput        bool
	CacheCreationInputMicros uint64
	HasCacheCreationInput    bool

	// Tiers sorted ascending by threshold.
	Tiers []Tier

	// ServiceTiers holds per-tier input/output overrides keyed by tier name.
	ServiceTiers map[string]struct{ InputMicros, OutputMicros uint64 }
}

// Table maps model names to compiled pricing.
type Table struct {
	models map[string]ModelPricing
}

var (
	tierKeyRe    = regexp.MustCompile(`^(input|output)_cost_per_token_above_(\d+)k_tokens$`)
	serviceKeyRe = regexp.MustCompile(`^(input|output)_cost_per_token_([a-z][a-z0-9]*)$`)
)

// LoadFile reads and parses a pricing JSON file.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse compiles a LiteLLM pricing JSON document.
func Parse(raw []byte) (*Table, error) {
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("pricing: expected object at root")
	}

	t := &Table{models: make(map[string]ModelPricing)}
	var parseErr error

	doc.ForEach(func(model, entry gjson.Result) bool {
		if !entry.IsObject() {
			// LiteLLM ships bookkeeping entries (e.g. "sample_spec");
			// skip anything that is not a rate object.
			return true
		}
		mp, err := compileModel(entry)
		if err != nil {
			parseErr = fmt.Errorf("pricing: model %s: %w", model.String(), err)
			return false
		}
		if mp == nil {
			return true // no costs at all — not a priced model
		}
		t.models[model.String()] = *mp
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return t, nil
}

func compileModel(entry gjson.Result) (*ModelPricing, error) {
	input, hasInput, err := rate(entry, "input_cost_per_token", "input_cost_per_1k_tokens")
	if err != nil {
		return nil, err
	}
	output, hasOutput, err := rate(entry, "output_cost_per_token", "output_cost_per_1k_tokens")
	if err != nil {
		return nil, err
	}
	if !hasInput && !hasOutput {
		return nil, nil
	}

	mp := &ModelPricing{InputMicros: input, OutputMicros: output}

	if v := entry.Get("cache_read_input_token_cost"); v.Exists() {
		m, err := toMicros(v.Float())
		if err != nil {
			return nil, fmt.Errorf("cache_read_input_token_cost: %w", err)
		}
		mp.CacheReadInputMicros = m
		mp.HasCacheReadInput = true
	}
	if v := entry.Get("cache_creation_input_token_cost"); v.Exists() {
		m, err := toMicros(v.Float())
		if err != nil {
			return nil, fmt.Errorf("cache_creation_input_token_cost: %w", err)
		}
		mp.CacheCreationInputMicros = m
		mp.HasCacheCreationInput = true
	}

	tiers := map[uint64]*Tier{}
	var keyErr error
	entry.ForEach(func(key, val gjson.Result) bool {
		k := key.String()
		if m := tierKeyRe.FindStringSubmatch(k); m != nil {
			n, _ := strconv.ParseUint(m[2], 10, 64)
			threshold := n * 1000
			tier, ok := tiers[threshold]
			if !ok {
				tier = &Tier{ThresholdTokens: threshold}
				tiers[threshold] = tier
			}
			micros, err := toMicros(val.Float())
			if err != nil {
				keyErr = fmt.Errorf("%s: %w", k, err)
				return false
			}
			if m[1] == "input" {
				tier.InputMicros = micros
			} else {
				tier.OutputMicros = micros
			}
			return true
		}
		if m := serviceKeyRe.FindStringSubmatch(k); m != nil {
			micros, err := toMicros(val.Float())
			if err != nil {
				keyErr = fmt.Errorf("%s: %w", k, err)
				return false
			}
			if mp.ServiceTiers == nil {
				mp.ServiceTiers = make(map[string]struct{ InputMicros, OutputMicros uint64 })
			}
			st := mp.ServiceTiers[m[2]]
			if m[1] == "input" {
				st.InputMicros = micros
			} else {
				st.OutputMicros = micros
			}
			mp.ServiceTiers[m[2]] = st
		}
		return true
	})
	if keyErr != nil {
		return nil, keyErr
	}

	for _, tier := range tiers {
		mp.Tiers = append(mp.Tiers, *tier)
	}
	sort.Slice(mp.Tiers, func(i, j int) bool {
		return mp.Tiers[i].ThresholdTokens < mp.Tiers[j].ThresholdTokens
	})
	return mp, nil
}

func rate(entry gjson.Result, perToken, per1k string) (uint64, bool, error) {
	if v := entry.Get(perToken); v.Exists() {
		m, err := toMicros(v.Float())
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", perToken, err)
		}
		return m, true, nil
	}
	if v := entry.Get(per1k); v.Exists() {
		m, err := toMicros(v.Float() / 1000)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", per1k, err)
		}
		return m, true, nil
	}
	return 0, false, nil
}

func toMicros(usdPerToken float64) (uint64, error) {
	if math.IsNaN(usdPerToken) || math.IsInf(usdPerToken, 0) || usdPerToken < 0 {
		return 0, fmt.Errorf("invalid cost value %v", usdPerToken)
	}
	micros := math.Round(usdPerToken * 1_000_000)
	if micros > math.MaxUint64 {
		return math.MaxUint64, nil
	}
	return uint64(micros), nil
}

// Lookup returns the compiled pricing for model.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	if t == nil {
		return ModelPricing{}, false
	}
	mp, ok := t.models[model]
	return mp, ok
}

// Len reports how many models are priced.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.models)
}

// WorstCaseMicros is the admission-time cost bound: chargeTokens priced at
// the model's highest per-token rate (any direction, any tier, any service
// tier). Returns false when the model is not priced.
func (t *Table) WorstCaseMicros(model string, chargeTokens uint64) (uint64, bool) {
	mp, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	maxRate := mp.InputMicros
	if mp.OutputMicros > maxRate {
		maxRate = mp.OutputMicros
	}
	for _, tier := range mp.Tiers {
		if tier.InputMicros > maxRate {
			maxRate = tier.InputMicros
		}
		if tier.OutputMicros > maxRate {
			maxRate = tier.OutputMicros
		}
	}
	for _, st := range mp.ServiceTiers {
		if st.InputMicros > maxRate {
			maxRate = st.InputMicros
		}
		if st.OutputMicros > maxRate {
			maxRate = st.OutputMicros
		}
	}
	return chargeTokens * maxRate, true
}

// Cost prices observed usage. serviceTier selects a service-tier rate card
// when the model defines one; unknown tiers fall back to the base rates.
func (t *Table) Cost(model string, u Usage, serviceTier string) (uint64, bool) {
	mp, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}

	inputRate, outputRate := mp.InputMicros, mp.OutputMicros
	if serviceTier != "" {
		if st, ok := mp.ServiceTiers[serviceTier]; ok {
			inputRate, outputRate = st.InputMicros, st.OutputMicros
		}
	}

	cacheRead := u.CacheReadInput
	if cacheRead > u.InputTokens {
		cacheRead = u.InputTokens
	}
	freshInput := u.InputTokens - cacheRead

	var total uint64
	total += tieredCost(freshInput, inputRate, mp.Tiers, true)
	total += tieredCost(u.OutputTokens, outputRate, mp.Tiers, false)

	if cacheRead > 0 {
		rate := inputRate
		if mp.HasCacheReadInput {
			rate = mp.CacheReadInputMicros
		}
		total += cacheRead * rate
	}
	if u.CacheCreationInput > 0 && mp.HasCacheCreationInput {
		total += u.CacheCreationInput * mp.CacheCreationInputMicros
	}
	return total, true
}

// tieredCost prices tokens with rising per-token rates above each tier
// threshold. A tier rate of zero keeps the rate in effect below that tier.
func tieredCost(tokens, baseRate uint64, tiers []Tier, input bool) uint64 {
	if tokens == 0 {
		return 0
	}
	if len(tiers) == 0 {
		return tokens * baseRate
	}

	var total uint64
	priced := uint64(0)
	rate := baseRate
	for _, tier := range tiers {
		if tokens <= tier.ThresholdTokens {
			break
		}
		span := tier.ThresholdTokens - priced
		total += span * rate
		priced = tier.ThresholdTokens
		next := tier.OutputMicros
		if input {
			next = tier.InputMicros
		}
		if next > 0 {
			rate = next
		}
	}
	total += (tokens - priced) * rate
	return total
}
