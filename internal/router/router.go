// Package router performs deterministic weighted backend selection.
//
// The primary backend is chosen by hashing the request id (FNV-1a, 64-bit)
// into the cumulative weight intervals of the candidate set. The fallback
// list is a full weighted permutation of the remaining candidates, driven
// by the same seed, so a given request id always produces the same ordered
// candidate list — routing is reproducible and needs no global RNG.
package router

import (
	"hash/fnv"
)

// Backend is one weighted routing candidate.
type Backend struct {
	Name   string  `mapstructure:"backend" json:"backend"`
	Weight float64 `mapstructure:"weight" json:"weight"`
}

// Rule routes models matching a prefix (or exact name) to a candidate set.
type Rule struct {
	ModelPrefix string    `mapstructure:"model_prefix" json:"model_prefix"`
	Exact       bool      `mapstructure:"exact" json:"exact"`
	Backend     string    `mapstructure:"backend" json:"backend,omitempty"`
	Backends    []Backend `mapstructure:"backends" json:"backends,omitempty"`
}

// Matches reports whether the rule applies to model. A trailing '*' on the
// prefix is tolerated and stripped.
func (r *Rule) Matches(model string) bool {
	if r.Exact {
		return model == r.ModelPrefix
	}
	prefix := r.ModelPrefix
	if n := len(prefix); n > 0 && prefix[n-1] == '*' {
		prefix = prefix[:n-1]
	}
	return len(model) >= len(prefix) && model[:len(prefix)] == prefix
}

// Config is the routing table.
type Config struct {
	DefaultBackends []Backend `mapstructure:"default_backends" json:"default_backends"`
	Rules           []Rule    `mapstructure:"rules" json:"rules"`
}

// Router selects ordered backend candidate lists.
type Router struct {
	cfg Config
}

// New creates a Router for cfg.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Hash64 is the FNV-1a 64-bit hash used to seed every routing decision.
func Hash64(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

// Select returns the ordered candidate list for (model, requestID):
// primary first, then fallbacks by deterministic weighted permutation,
// deduplicated. forcedRoute (a VirtualKey route override) short-circuits
// everything. An empty result means no backend is configured for the model.
func (r *Router) Select(model, requestID, forcedRoute string) []string {
	if forcedRoute != "" {
		return []string{forcedRoute}
	}

	seed := Hash64([]byte(requestID))
	if requestID == "" {
		seed = Hash64([]byte(model))
	}

	// Exact rules win over prefix rules; within each class the first match
	// in config order wins.
	for _, exact := range []bool{true, false} {
		for i := range r.cfg.Rules {
			rule := &r.cfg.Rules[i]
			if rule.Exact != exact || !rule.Matches(model) {
				continue
			}
			if out := weightedPermutation(rule.Backends, seed); len(out) > 0 {
				return out
			}
			if rule.Backend != "" {
				return []string{rule.Backend}
			}
		}
	}

	return weightedPermutation(r.cfg.DefaultBackends, seed)
}

// weightedPermutation orders candidates by repeated weighted selection:
// pick one from the remaining set using the evolving seed, remove it,
// renormalize, repeat. Zero, negative, and non-finite weights are filtered,
// as are empty names; duplicates keep their first position.
func weightedPermutation(backends []Backend, seed uint64) []string {
	candidates := make([]Backend, 0, len(backends))
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if b.Name == "" || !(b.Weight > 0) || b.Weight != b.Weight {
			continue
		}
		if seen[b.Name] {
			continue
		}
		seen[b.Name] = true
		candidates = append(candidates, b)
	}

	out := make([]string, 0, len(candidates))
	for len(candidates) > 0 {
		idx := pickWeighted(candidates, seed)
		out = append(out, candidates[idx].Name)
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		seed = nextSeed(seed)
	}
	return out
}

// pickWeighted maps seed onto [0, total_weight) through the top 53 bits
// (the float64 mantissa) and walks the cumulative intervals.
func pickWeighted(candidates []Backend, seed uint64) int {
	if len(candidates) == 1 {
		return 0
	}
	var total float64
	for _, b := range candidates {
		total += b.Weight
	}
	unit := float64(seed>>11) / float64(uint64(1)<<53)
	pick := unit * total
	for i, b := range candidates {
		if pick < b.Weight {
			return i
		}
		pick -= b.Weight
	}
	return len(candidates) - 1
}

// nextSeed evolves the seed between permutation steps (splitmix64 finalizer).
func nextSeed(seed uint64) uint64 {
	seed += 0x9e3779b97f4a7c15
	z := seed
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
