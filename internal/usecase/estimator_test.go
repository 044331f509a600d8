//go:build !integration

package usecase_test

import (
	"testing"

	"hackthestudy/internal/usecase"
)

func TestCostEstimator_Tiers(t *testing.T) {
	t.Parallel()

	est := usecase.NewCostEstimator(usecase.DefaultPricingRules())
	cases := []struct {
		name    string
		in, out int
		want    int64
	}{
		{"empty", 0, 0, 100},
		{"small", 499, 0, 100},
		{"small boundary", 500, 0, 200},
		{"medium", 1000, 0, 200},
		{"medium with output", 1500, 499, 200},
		{"linear floor", 2000, 0, 200},
		{"linear", 3001, 0, 301},
		{"linear with output", 3000, 1000, 400},
	}
	for _, tc := range cases {
		if got := est.Estimate(tc.in, tc.out, "gpt-4o-mini"); got != tc.want {
			t.Fatalf("%s: Estimate(%d,%d)=%d want %d", tc.name, tc.in, tc.out, got, tc.want)
		}
	}
}

func TestCostEstimator_MonotonicAndFloor(t *testing.T) {
	t.Parallel()

	rules := usecase.DefaultPricingRules()
	rules.Models = map[string]usecase.ModelRate{"Big-Model": {InputPer1K: 250, OutputPer1K: 1000}}
	est := usecase.NewCostEstimator(rules)

	for _, m := range []string{"gpt-4o-mini", "big-model"} {
		prev := int64(0)
		for tokens := 0; tokens <= 20000; tokens += 137 {
			c := est.Estimate(tokens, 0, m)
			if c < 100 {
				t.Fatalf("%s: cost %d below floor at %d tokens", m, c, tokens)
			}
			if c < prev {
				t.Fatalf("%s: cost decreased from %d to %d at %d tokens", m, prev, c, tokens)
			}
			prev = c
		}
	}
	if got := est.Estimate(4000, 0, " BIG-MODEL "); got != 1000 {
		t.Fatalf("model override not applied: got %d", got)
	}
}

func TestCostEstimator_Cached(t *testing.T) {
	t.Parallel()

	est := usecase.NewCostEstimator(usecase.DefaultPricingRules())
	cases := map[int64]int64{100: 10, 200: 20, 301: 31, 5: 1, 0: 1}
	for full, want := range cases {
		if got := est.Cached(full); got != want {
			t.Fatalf("Cached(%d)=%d want %d", full, got, want)
		}
	}
}
