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

package health

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsieve/mailsieve/internal/fixture"
	"github.com/mailsieve/mailsieve/internal/symcache"
)

func TestHandler(t *testing.T) {
	cache := symcache.New(fixture.NewDiscardLogger(), symcache.Config{})
	_, err := cache.AddSymbol("R1", 0, func(context.Context, symcache.Task) {}, nil, symcache.Normal, symcache.NoParent)
	require.NoError(t, err)

	probe := func(c *symcache.Cache) int {
		rec := httptest.NewRecorder()
		Handler(c).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		return rec.Code
	}

	// not post-loaded yet
	assert.Equal(t, 503, probe(cache))
	assert.Equal(t, 503, probe(nil))

	require.NoError(t, cache.PostLoad())
	assert.Equal(t, 200, probe(cache))
}
