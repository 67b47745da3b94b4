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

// StepGroup is one unit of saga progress: a singleton for a sequential step
// or a multi-element cohort executed concurrently. Offset is the index of
// the group's first step in the definition's step list, preserving the
// global step order across groups.
type StepGroup struct {
	Steps  []StepDefinition
	Offset int
}

// Parallel reports whether the group is a concurrently-executed cohort.
func (g *StepGroup) Parallel() bool {
	return len(g.Steps) > 1
}

// GroupSteps partitions an ordered step list into sequential singleton
// groups and contiguous parallel cohorts. Consecutive steps sharing the same
// non-empty ParallelGroup tag form one cohort; an untagged step, or a tag
// change, closes the current group. Group order follows declaration order;
// within a cohort no execution order is guaranteed.
func GroupSteps(steps []StepDefinition) []StepGroup {
	var groups []StepGroup

	for i := 0; i < len(steps); {
		step := steps[i]
		if step.ParallelGroup == "" {
			groups = append(groups, StepGroup{Steps: []StepDefinition{step}, Offset: i})
			i++
			continue
		}

		j := i + 1
		for j < len(steps) && steps[j].ParallelGroup == step.ParallelGroup {
			j++
		}
		cohort := make([]StepDefinition, j-i)
		copy(cohort, steps[i:j])
		groups = append(groups, StepGroup{Steps: cohort, Offset: i})
		i = j
	}

	return groups
}
