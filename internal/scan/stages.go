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

package scan

// Stage is one bit of the monotone processing lattice. A task advances
// through stages in bit order and never clears a bit once set.
type Stage uint32

const (
	StageReadMessage Stage = 1 << iota
	StagePreFilters
	StageFilters
	StageClassifiers
	StageComposites
	StagePostFilters
	StageDone
)

// StagesAll requests the complete pipeline.
const StagesAll = StageReadMessage | StagePreFilters | StageFilters |
	StageClassifiers | StageComposites | StagePostFilters | StageDone

var stageNames = map[Stage]string{
	StageReadMessage: "read message",
	StagePreFilters:  "pre filters",
	StageFilters:     "filters",
	StageClassifiers: "classifiers",
	StageComposites:  "composites",
	StagePostFilters: "post filters",
	StageDone:        "done",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

// Flag is one bit of the task flags bitmask.
type Flag uint32

const (
	// FlagProcessing guards against re-entering Process through a
	// synchronous completion callback.
	FlagProcessing Flag = 1 << iota

	// FlagSkipped routes the task straight to done.
	FlagSkipped

	// FlagPassAll keeps filters running even after a terminal
	// pre-result.
	FlagPassAll

	// FlagHasPreResult mirrors a terminal pre-result on the result set.
	FlagHasPreResult

	// FlagFile marks a task whose message body lives in a file.
	FlagFile
)
