// Copyright Project Mailsieve Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package composites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsieve/mailsieve/internal/fixture"
	"github.com/mailsieve/mailsieve/internal/result"
)

func TestMatch(t *testing.T) {
	activated := func(set ...string) func(string) bool {
		m := map[string]bool{}
		for _, s := range set {
			m[s] = true
		}
		return func(name string) bool { return m[name] }
	}

	tests := map[string]struct {
		expr string
		set  []string
		want bool
	}{
		"single hit":        {expr: "A", set: []string{"A"}, want: true},
		"single miss":       {expr: "A", set: []string{"B"}},
		"conjunction":       {expr: "A & B", set: []string{"A", "B"}, want: true},
		"conjunction miss":  {expr: "A & B", set: []string{"A"}},
		"disjunction":       {expr: "A | B", set: []string{"B"}, want: true},
		"negation":          {expr: "A & !B", set: []string{"A"}, want: true},
		"negation miss":     {expr: "A & !B", set: []string{"A", "B"}},
		"parentheses":       {expr: "(A | B) & C", set: []string{"B", "C"}, want: true},
		"doubled operators": {expr: "A && B || C", set: []string{"C"}, want: true},
		"keep prefix":       {expr: "~A & B", set: []string{"A", "B"}, want: true},
		"precedence":        {expr: "A | B & C", set: []string{"A"}, want: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := Parse("TEST_COMPOSITE", tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Match(activated(tc.set...)))
		})
	}
}

func TestParseErrors(t *testing.T) {
	for name, expr := range map[string]string{
		"empty":          "",
		"dangling and":   "A &",
		"unclosed paren": "(A | B",
		"trailing junk":  "A ) B",
		"bare operator":  "& A",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("BROKEN", expr)
			require.Error(t, err)
		})
	}
}

func TestApplyRemovesConstituents(t *testing.T) {
	set := result.NewSet(nil)
	set.Insert("", "A", 1.0, 1.0)
	set.Insert("", "B", 2.0, 1.0)
	set.Insert("", "C", 4.0, 1.0)

	comp, err := Parse("AB_BOTH", "A & ~B")
	require.NoError(t, err)

	weight := func(string) float64 { return 5.0 }
	Apply(set, []*Composite{comp}, weight, fixture.NewDiscardLogger())

	m := set.Metrics[result.DefaultMetric]
	_, hasA := m.Symbols["A"]
	_, hasB := m.Symbols["B"]
	_, hasComp := m.Symbols["AB_BOTH"]

	assert.False(t, hasA, "matched constituent should be removed")
	assert.True(t, hasB, "a ~ constituent stays")
	assert.True(t, hasComp)
	// B(2) + C(4) + AB_BOTH(5)
	assert.Equal(t, 11.0, m.Score())
}

func TestApplyNoMatchLeavesResults(t *testing.T) {
	set := result.NewSet(nil)
	set.Insert("", "A", 1.0, 1.0)

	comp, err := Parse("NEEDS_TWO", "A & B")
	require.NoError(t, err)

	Apply(set, []*Composite{comp}, func(string) float64 { return 1 }, fixture.NewDiscardLogger())

	m := set.Metrics[result.DefaultMetric]
	_, hasA := m.Symbols["A"]
	_, hasComp := m.Symbols["NEEDS_TWO"]
	assert.True(t, hasA)
	assert.False(t, hasComp)
}

func TestNegatedAtomsAreNotConstituents(t *testing.T) {
	set := result.NewSet(nil)
	set.Insert("", "A", 1.0, 1.0)

	comp, err := Parse("NOT_B", "A & !B")
	require.NoError(t, err)

	Apply(set, []*Composite{comp}, func(string) float64 { return 1 }, fixture.NewDiscardLogger())

	// B was never activated and must not be touched; A is removed.
	m := set.Metrics[result.DefaultMetric]
	_, hasA := m.Symbols["A"]
	assert.False(t, hasA)
	assert.True(t, set.Activated("A"))
}
