// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupNames(g StepGroup) []string {
	names := make([]string, len(g.Steps))
	for i, s := range g.Steps {
		names[i] = s.Name
	}
	return names
}

func TestGroupStepsSequentialOnly(t *testing.T) {
	groups := GroupSteps([]StepDefinition{step("a", ""), step("b", ""), step("c", "")})
	require.Len(t, groups, 3)
	for i, g := range groups {
		assert.False(t, g.Parallel())
		assert.Equal(t, i, g.Offset)
		assert.Len(t, g.Steps, 1)
	}
}

func TestGroupStepsCohorts(t *testing.T) {
	groups := GroupSteps([]StepDefinition{
		step("a", ""),
		step("b", "g1"), step("c", "g1"), step("d", "g1"),
		step("e", ""),
		step("f", "g2"), step("g", "g2"),
	})
	require.Len(t, groups, 4)

	assert.Equal(t, []string{"a"}, groupNames(groups[0]))
	assert.Equal(t, []string{"b", "c", "d"}, groupNames(groups[1]))
	assert.True(t, groups[1].Parallel())
	assert.Equal(t, 1, groups[1].Offset)
	assert.Equal(t, []string{"e"}, groupNames(groups[2]))
	assert.Equal(t, []string{"f", "g"}, groupNames(groups[3]))
	assert.Equal(t, 5, groups[3].Offset)
}

func TestGroupStepsAdjacentDistinctTags(t *testing.T) {
	groups := GroupSteps([]StepDefinition{
		step("a", "g1"), step("b", "g1"), step("c", "g2"), step("d", "g2"),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "b"}, groupNames(groups[0]))
	assert.Equal(t, []string{"c", "d"}, groupNames(groups[1]))
	assert.Equal(t, 2, groups[1].Offset)
}

func TestGroupStepsSingletonTaggedGroup(t *testing.T) {
	groups := GroupSteps([]StepDefinition{step("a", "g1")})
	require.Len(t, groups, 1)
	assert.False(t, groups[0].Parallel(), "a one-step cohort runs sequentially")
}

func TestGroupStepsEmpty(t *testing.T) {
	assert.Empty(t, GroupSteps(nil))
}
