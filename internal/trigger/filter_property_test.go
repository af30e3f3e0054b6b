package trigger

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMatchFilterEqNeAreComplementaryProperty checks that $eq and $ne never
// agree on the same field/value pair for any string payload value.
func TestMatchFilterEqNeAreComplementaryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("$eq and $ne disagree for every field/compare pair", prop.ForAll(
		func(actual, compare string) bool {
			payload, err := json.Marshal(map[string]string{"field": actual})
			if err != nil {
				return false
			}
			eq := MatchFilter(map[string]any{"field": map[string]any{"$eq": compare}}, payload)
			ne := MatchFilter(map[string]any{"field": map[string]any{"$ne": compare}}, payload)
			return eq != ne
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("$gte subsumes $gt and $eq for numeric fields", prop.ForAll(
		func(actual, threshold int) bool {
			payload, err := json.Marshal(map[string]int{"n": actual})
			if err != nil {
				return false
			}
			gt := MatchFilter(map[string]any{"n": map[string]any{"$gt": threshold}}, payload)
			eq := MatchFilter(map[string]any{"n": map[string]any{"$eq": threshold}}, payload)
			gte := MatchFilter(map[string]any{"n": map[string]any{"$gte": threshold}}, payload)
			if gt && !gte {
				return false
			}
			if eq && actual == threshold && !gte {
				return false
			}
			return true
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}
