package usecase

import (
	"math"
	"strings"
)

// ModelRate is the linear price in credits per 1000 tokens.
type ModelRate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PricingRules configure the tiered estimator.
type PricingRules struct {
	SmallTokenThreshold  int   // below: MinCharge
	MinCharge            int64 // overall floor
	MediumTokenThreshold int   // below: MediumCharge
	MediumCharge         int64
	CachedMultiplier     float64
	DefaultRate          ModelRate
	Models               map[string]ModelRate
}

func DefaultPricingRules() PricingRules {
	return PricingRules{
		SmallTokenThreshold:  500,
		MinCharge:            100,
		MediumTokenThreshold: 2000,
		MediumCharge:         200,
		CachedMultiplier:     0.1,
		DefaultRate:          ModelRate{InputPer1K: 100, OutputPer1K: 100},
	}
}

// CostEstimator is a pure function of (tokens, model). It holds no state
// beyond the immutable rules.
type CostEstimator struct {
	rules PricingRules
}

func NewCostEstimator(rules PricingRules) *CostEstimator {
	if rules.MediumCharge < rules.MinCharge {
		rules.MediumCharge = rules.MinCharge
	}
	if rules.MediumTokenThreshold < rules.SmallTokenThreshold {
		rules.MediumTokenThreshold = rules.SmallTokenThreshold
	}
	models := make(map[string]ModelRate, len(rules.Models))
	for k, v := range rules.Models {
		models[strings.ToLower(strings.TrimSpace(k))] = v
	}
	rules.Models = models
	return &CostEstimator{rules: rules}
}

// Estimate prices a call. Inputs below the small tier cost MinCharge, the
// medium tier costs MediumCharge, and larger calls are priced linearly,
// rounded up, and never below MediumCharge.
func (e *CostEstimator) Estimate(inputTokens, outputTokens int, model string) int64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	total := inputTokens + outputTokens
	switch {
	case total < e.rules.SmallTokenThreshold:
		return e.rules.MinCharge
	case total < e.rules.MediumTokenThreshold:
		return e.rules.MediumCharge
	}
	rate := e.rateFor(model)
	linear := float64(inputTokens)*rate.InputPer1K/1000 + float64(outputTokens)*rate.OutputPer1K/1000
	cost := int64(math.Ceil(linear))
	if cost < e.rules.MediumCharge {
		cost = e.rules.MediumCharge
	}
	return cost
}

// Cached discounts a full price for a cache hit. The result is never zero.
func (e *CostEstimator) Cached(full int64) int64 {
	c := int64(math.Ceil(float64(full) * e.rules.CachedMultiplier))
	if c < 1 {
		c = 1
	}
	if c > full && full > 0 {
		c = full
	}
	return c
}

func (e *CostEstimator) rateFor(model string) ModelRate {
	if r, ok := e.rules.Models[strings.ToLower(strings.TrimSpace(model))]; ok {
		if r.InputPer1K < 0 {
			r.InputPer1K = 0
		}
		if r.OutputPer1K < 0 {
			r.OutputPer1K = 0
		}
		return r
	}
	return e.rules.DefaultRate
}
