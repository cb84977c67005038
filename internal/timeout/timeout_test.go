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

package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := map[string]struct {
		timeout string
		want    Setting
		wantErr bool
	}{
		"empty": {
			timeout: "",
			want:    DefaultSetting(),
		},
		"0s": {
			timeout: "0s",
			want:    DefaultSetting(),
		},
		"infinity": {
			timeout: "infinity",
			want:    DisabledSetting(),
		},
		"infinite": {
			timeout: "infinite",
			want:    DisabledSetting(),
		},
		"10 seconds": {
			timeout: "10s",
			want:    DurationSetting(10 * time.Second),
		},
		"invalid": {
			timeout: "10", // 10 what?
			want:    DefaultSetting(),
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, gotErr := Parse(tc.timeout)
			require.Equal(t, tc.want, got)
			if tc.wantErr {
				require.Error(t, gotErr)
			} else {
				require.NoError(t, gotErr)
			}
		})
	}
}

func TestDeadlineFor(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := map[string]struct {
		setting Setting
		def     time.Duration
		want    time.Time
		wantOK  bool
	}{
		"disabled": {
			setting: DisabledSetting(),
			def:     8 * time.Second,
		},
		"default applies": {
			setting: DefaultSetting(),
			def:     8 * time.Second,
			want:    now.Add(8 * time.Second),
			wantOK:  true,
		},
		"no default configured": {
			setting: DefaultSetting(),
		},
		"explicit": {
			setting: DurationSetting(time.Minute),
			def:     8 * time.Second,
			want:    now.Add(time.Minute),
			wantOK:  true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := tc.setting.DeadlineFor(now, tc.def)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}
