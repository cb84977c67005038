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

// Package timeout defines the scan deadline setting applied to tasks.
package timeout

import (
	"fmt"
	"time"
)

// Setting describes a task deadline that can be exactly one of: disable
// the deadline entirely, use the default, or use a specific value. The
// zero value is a Setting representing "use the default".
type Setting struct {
	val      time.Duration
	disabled bool
}

// IsDisabled returns whether the deadline should be disabled entirely.
func (s Setting) IsDisabled() bool {
	return s.disabled
}

// UseDefault returns whether the default scan deadline should be used.
func (s Setting) UseDefault() bool {
	return !s.disabled && s.val == 0
}

// Duration returns the explicit deadline value if one exists.
func (s Setting) Duration() time.Duration {
	return s.val
}

// DefaultSetting returns a Setting representing "use the default".
func DefaultSetting() Setting {
	return Setting{}
}

// DisabledSetting returns a Setting representing "disable the deadline".
func DisabledSetting() Setting {
	return Setting{disabled: true}
}

// DurationSetting returns a deadline setting with the given duration.
func DurationSetting(duration time.Duration) Setting {
	return Setting{val: duration}
}

// Parse parses string representations of deadline settings in a standard
// way:
//   - an empty string or any valid representation of "0" means "use the
//     default".
//   - "infinity" or "infinite" disables the deadline.
//   - a valid Go duration string is used as the specific deadline value.
//   - any other input is an error.
func Parse(timeout string) (Setting, error) {
	if timeout == "" {
		return DefaultSetting(), nil
	}

	if timeout == "infinity" || timeout == "infinite" {
		return DisabledSetting(), nil
	}

	d, err := time.ParseDuration(timeout)
	if err != nil {
		return DefaultSetting(), fmt.Errorf("invalid task timeout %q: %w", timeout, err)
	}

	if d == 0 {
		return DefaultSetting(), nil
	}

	return DurationSetting(d), nil
}

// DeadlineFor resolves the Setting against a default and returns the
// wall-clock deadline for a task starting at now. The second return is
// false when no deadline applies.
func (s Setting) DeadlineFor(now time.Time, def time.Duration) (time.Time, bool) {
	switch {
	case s.IsDisabled():
		return time.Time{}, false
	case s.UseDefault():
		if def == 0 {
			return time.Time{}, false
		}
		return now.Add(def), true
	default:
		return now.Add(s.val), true
	}
}
