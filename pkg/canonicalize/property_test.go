//go:build property
// +build property

package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestContentHashDeterminismProperty verifies ContentHash(v) == ContentHash(v)
// for arbitrary string maps, regardless of insertion order.
func TestContentHashDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("content hash is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			h1, err1 := ContentHash(obj)
			h2, err2 := ContentHash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("insertion order does not change the hash", prop.ForAll(
		func(keys []string) bool {
			forward := make(map[string]any, len(keys))
			backward := make(map[string]any, len(keys))
			for i, k := range keys {
				forward[k] = i
			}
			for i := len(keys) - 1; i >= 0; i-- {
				backward[keys[i]] = len(keys) - 1 - i
			}
			// Same keys, values only equal when key sets collapse equally;
			// rebuild with identical values instead.
			for k := range backward {
				backward[k] = forward[k]
			}

			h1, err1 := ContentHash(forward)
			h2, err2 := ContentHash(backward)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
