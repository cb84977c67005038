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

package symcache

import (
	"errors"
	"fmt"
)

// Configuration-time error kinds. All of them halt startup; per-task
// failures never surface through these.
var (
	// ErrRegistrationConflict marks duplicate or malformed registrations.
	ErrRegistrationConflict = errors.New("symbol registration conflict")

	// ErrDependencyUnresolved marks a dependency naming an unknown
	// symbol under strict validation.
	ErrDependencyUnresolved = errors.New("dependency unresolved")

	// ErrDependencyCycle marks a cycle in the dependency graph.
	ErrDependencyCycle = errors.New("dependency cycle")

	errEmptyName         = fmt.Errorf("%w: empty symbol name", ErrRegistrationConflict)
	errAlreadyPostLoaded = errors.New("symbol cache is already post-loaded")
)

func errDuplicate(name string) error {
	return fmt.Errorf("%w: symbol %q is already registered", ErrRegistrationConflict, name)
}

func errUnknownParent(name string, parent int) error {
	return fmt.Errorf("%w: virtual symbol %q references invalid parent %d", ErrRegistrationConflict, name, parent)
}

func errNoCallback(name string) error {
	return fmt.Errorf("%w: symbol %q requires a callback", ErrRegistrationConflict, name)
}

func errUnknownType(t Type) error {
	return fmt.Errorf("%w: unknown symbol type %d", ErrRegistrationConflict, int(t))
}

func errUnknownID(id int) error {
	return fmt.Errorf("%w: unknown symbol id %d", ErrRegistrationConflict, id)
}

func errUnresolvedDep(from, to string) error {
	return fmt.Errorf("%w: %s depends on unknown symbol %s", ErrDependencyUnresolved, from, to)
}

func errDepOnCallback(from, to string) error {
	return fmt.Errorf("%w: %s depends on callback-only symbol %s", ErrRegistrationConflict, from, to)
}

func errCycle(path string) error {
	return fmt.Errorf("%w: %s", ErrDependencyCycle, path)
}

func errUnknownScoredSymbol(sym, metric string) error {
	return fmt.Errorf("%w: metric %q scores unregistered symbol %q", ErrRegistrationConflict, metric, sym)
}

func errScoredCallback(sym, metric string) error {
	return fmt.Errorf("%w: metric %q scores callback-only symbol %q", ErrRegistrationConflict, metric, sym)
}

func errUnscoredSymbol(sym string) error {
	return fmt.Errorf("%w: symbol %q is not scored by any metric", ErrRegistrationConflict, sym)
}
