//go:build property
// +build property

// Property-based tests for the snapshot differ. Run with -tags property.
package verify_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kallaxis/waldo-cli/api/schemas"
	"github.com/kallaxis/waldo-cli/internal/verify"
)

// stateFrom assembles a snapshot out of primitive generator output.
func stateFrom(location, tab string, buttonIDs []string, fieldValues map[string]string) *schemas.UiState {
	s := &schemas.UiState{Location: location, ActiveTab: tab}
	seen := make(map[string]bool, len(buttonIDs))
	for _, id := range buttonIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		s.Buttons = append(s.Buttons, schemas.ButtonInfo{VoiceID: id, Label: id})
	}
	for id, v := range fieldValues {
		if id == "" {
			continue
		}
		s.Fields = append(s.Fields, schemas.FieldInfo{VoiceID: id, Label: id, Value: v})
	}
	return s
}

// TestDiffSelfIsEmpty verifies comparing a snapshot against itself never
// reports a change.
// Property: Diff(s, s).Empty() for any s
func TestDiffSelfIsEmpty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("self-diff is empty", prop.ForAll(
		func(location, tab string, ids []string, values []string) bool {
			fields := make(map[string]string)
			for i := 0; i < len(ids) && i < len(values); i++ {
				fields[ids[i]+"-f"] = values[i]
			}
			s := stateFrom(location, tab, ids, fields)

			d := verify.Diff(s, s)
			return d.Empty() && verify.Describe(d) == "no visible change"
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestDiffButtonDuality verifies appearance and disappearance are mirror
// images of each other.
// Property: Diff(a,b).ButtonsAppeared == Diff(b,a).ButtonsDisappeared
func TestDiffButtonDuality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("appeared mirrors disappeared", prop.ForAll(
		func(idsA, idsB []string) bool {
			a := stateFrom("/", "", idsA, nil)
			b := stateFrom("/", "", idsB, nil)

			forward := verify.Diff(a, b)
			backward := verify.Diff(b, a)

			if len(forward.ButtonsAppeared) != len(backward.ButtonsDisappeared) {
				return false
			}
			for i := range forward.ButtonsAppeared {
				if forward.ButtonsAppeared[i] != backward.ButtonsDisappeared[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

// TestDiffFlagsTrackInputs verifies the tab and location flags are exactly
// the inequality of their inputs, with the sides recorded faithfully.
func TestDiffFlagsTrackInputs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("flags mirror input inequality", prop.ForAll(
		func(locA, locB, tabA, tabB string) bool {
			a := stateFrom(locA, tabA, nil, nil)
			b := stateFrom(locB, tabB, nil, nil)

			d := verify.Diff(a, b)
			if d.LocationChanged != (locA != locB) {
				return false
			}
			if d.TabChanged != (tabA != tabB) {
				return false
			}
			if d.LocationChanged && (d.LocationBefore != locA || d.LocationAfter != locB) {
				return false
			}
			if d.TabChanged && (d.TabBefore != tabA || d.TabAfter != tabB) {
				return false
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestDiffDeterminism verifies the differ is a pure function of its inputs.
func TestDiffDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("diffing twice gives the same summary", prop.ForAll(
		func(locA, locB string, idsA, idsB []string) bool {
			a := stateFrom(locA, "", idsA, nil)
			b := stateFrom(locB, "", idsB, nil)

			d1 := verify.Diff(a, b)
			d2 := verify.Diff(a, b)
			return verify.Describe(d1) == verify.Describe(d2) && d1.Empty() == d2.Empty()
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
