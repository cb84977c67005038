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
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsieve/mailsieve/internal/fixture"
)

func statsCache(t *testing.T, path string) *Cache {
	c := New(fixture.NewDiscardLogger(), Config{StatsFile: path})
	_, err := c.AddSymbol("R1", 0, nopCallback, nil, Normal, NoParent)
	require.NoError(t, err)
	_, err = c.AddSymbol("R2", 0, nopCallback, nil, Normal, NoParent)
	require.NoError(t, err)
	return c
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.cache")

	c := statsCache(t, path)
	for i := 0; i < 5; i++ {
		c.IncFrequency("R1")
	}
	c.items[0].updateTime(0.125, DefaultAlpha)

	require.NoError(t, c.SaveStats())
	require.False(t, c.LastSave().IsZero())

	// a fresh cache over the same registrations sees the same stats
	reloaded := statsCache(t, path)
	require.NoError(t, reloaded.LoadStats())

	assert.Equal(t, uint64(5), reloaded.Frequency("R1"))
	assert.Equal(t, uint64(0), reloaded.Frequency("R2"))
	assert.Equal(t, 0.125, reloaded.items[0].averageTime())
	assert.Equal(t, c.items[0].lastSeen.Load(), reloaded.items[0].lastSeen.Load())
}

func TestLoadedStatsInfluenceOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.cache")

	c := statsCache(t, path)
	for i := 0; i < 50; i++ {
		c.IncFrequency("R1")
	}
	require.NoError(t, c.SaveStats())

	reloaded := statsCache(t, path)
	require.NoError(t, reloaded.LoadStats())
	require.NoError(t, reloaded.PostLoad())

	var order []string
	reloaded.items[0].callback = trace(&order, "R1")
	reloaded.items[1].callback = trace(&order, "R2")

	tk := newFakeTask(t, reloaded)
	require.True(t, reloaded.Process(context.Background(), tk))
	assert.Equal(t, []string{"R2", "R1"}, order)
}

func TestLoadMissingFile(t *testing.T) {
	c := statsCache(t, filepath.Join(t.TempDir(), "nonexistent.cache"))
	require.NoError(t, c.LoadStats())
	assert.Equal(t, uint64(0), c.Frequency("R1"))
}

func TestLoadShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.cache")
	require.NoError(t, os.WriteFile(path, []byte{0x10, 0x90}, 0o644))

	c := statsCache(t, path)
	require.NoError(t, c.LoadStats())
	assert.Equal(t, uint64(0), c.Frequency("R1"))
}

func TestLoadBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.cache")

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, 0xDEADBEEFDEADBEEF)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	c := statsCache(t, path)
	require.NoError(t, c.LoadStats())
	assert.Equal(t, uint64(0), c.Frequency("R1"))
}

func TestLoadUnknownVersionIgnoredAndRewritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.cache")

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], fileMagic)
	binary.LittleEndian.PutUint32(buf[8:], 999)
	binary.LittleEndian.PutUint32(buf[12:], 0)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	c := statsCache(t, path)
	require.NoError(t, c.LoadStats())

	c.IncFrequency("R1")
	require.NoError(t, c.SaveStats())

	reloaded := statsCache(t, path)
	require.NoError(t, reloaded.LoadStats())
	assert.Equal(t, uint64(1), reloaded.Frequency("R1"))
}

func TestSaveWithoutPathIsANoOp(t *testing.T) {
	c := New(fixture.NewDiscardLogger(), Config{})
	require.NoError(t, c.SaveStats())
	assert.True(t, c.LastSave().IsZero())
}

func TestStartRefreshSavesOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.cache")
	c := statsCache(t, path)
	c.IncFrequency("R1")

	stop := make(chan struct{})
	done := make(chan error)
	go func() { done <- c.StartRefresh(stop) }()

	close(stop)
	require.NoError(t, <-done)

	reloaded := statsCache(t, path)
	require.NoError(t, reloaded.LoadStats())
	assert.Equal(t, uint64(1), reloaded.Frequency("R1"))
}
