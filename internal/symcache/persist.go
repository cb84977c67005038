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
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Snapshot layout: magic, version, count, then count records of
// {id, name_len, name, frequency, avg_time, last_seen_us}, all
// little-endian. A file with a different magic or version is ignored
// and overwritten by the next save.
const (
	fileMagic   uint64 = 0x1090BB46AAA74C9A
	fileVersion uint32 = 1
)

// SaveStats writes the statistics snapshot to the configured stats file.
// The write goes to a temporary file that is renamed into place while an
// exclusive lock is held, so concurrent savers cannot interleave and
// readers always see a complete file.
func (c *Cache) SaveStats() error {
	if c.cfg.StatsFile == "" {
		return nil
	}

	lock, err := acquireLock(c.cfg.StatsFile + ".lock")
	if err != nil {
		return errors.Wrap(err, "locking stats file")
	}
	defer lock.release()

	tmp, err := os.CreateTemp(filepath.Dir(c.cfg.StatsFile), filepath.Base(c.cfg.StatsFile)+".*")
	if err != nil {
		return errors.Wrap(err, "creating stats temp file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := c.writeStats(w); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing stats")
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "flushing stats")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing stats temp file")
	}

	if err := os.Rename(tmp.Name(), c.cfg.StatsFile); err != nil {
		return errors.Wrap(err, "replacing stats file")
	}

	c.mu.Lock()
	c.lastSave = time.Now()
	c.mu.Unlock()

	c.log.WithField("path", c.cfg.StatsFile).Debug("saved symbol statistics")
	return nil
}

func (c *Cache) writeStats(w io.Writer) error {
	hdr := []any{fileMagic, fileVersion, uint32(len(c.items))}
	for _, v := range hdr {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	for _, it := range c.items {
		rec := []any{
			uint32(it.id),
			uint16(len(it.name)),
			[]byte(it.name),
			it.frequency.Load(),
			it.averageTime(),
			uint64(it.lastSeen.Load()),
		}
		for _, v := range rec {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadStats restores statistics from the configured stats file. Missing
// and truncated files yield zero statistics; an unknown magic or version
// is ignored so the next save rewrites it. Records are matched to
// symbols by name, as ids may shuffle between restarts.
func (c *Cache) LoadStats() error {
	if c.cfg.StatsFile == "" {
		return nil
	}

	f, err := os.Open(c.cfg.StatsFile)
	if err != nil {
		if os.IsNotExist(err) {
			c.log.WithField("path", c.cfg.StatsFile).Debug("no stats file, starting fresh")
			return nil
		}
		return errors.Wrap(err, "opening stats file")
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic uint64
	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		c.log.WithField("path", c.cfg.StatsFile).Warn("short stats file, ignoring")
		return nil
	}
	if magic != fileMagic {
		c.log.WithField("path", c.cfg.StatsFile).Warn("bad stats file magic, ignoring")
		return nil
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil
	}
	if version != fileVersion {
		c.log.WithFields(logrus.Fields{"path": c.cfg.StatsFile, "version": version}).
			Warn("unknown stats file version, ignoring")
		return nil
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil
	}

	loaded := 0
	for i := uint32(0); i < count; i++ {
		var id uint32
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			break
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			break
		}
		var freq, lastSeen uint64
		var avgTime float64
		if err := binary.Read(r, binary.LittleEndian, &freq); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &avgTime); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &lastSeen); err != nil {
			break
		}

		sym, ok := c.byName[string(name)]
		if !ok || math.IsNaN(avgTime) || math.IsInf(avgTime, 0) {
			continue
		}
		it := c.items[sym]
		it.frequency.Store(freq)
		it.lastSeen.Store(int64(lastSeen))
		it.mu.Lock()
		it.avgTime = avgTime
		it.mu.Unlock()
		loaded++
	}

	c.log.WithFields(logrus.Fields{"path": c.cfg.StatsFile, "symbols": loaded}).
		Info("loaded symbol statistics")
	return nil
}

type fileLock struct {
	f *os.File
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
}
