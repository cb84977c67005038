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

package main

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/metrics"
	"github.com/mailsieve/mailsieve/internal/symcache"
)

// watchStatsFile reloads symbol statistics when another process rewrites
// the snapshot, then resorts the execution order so the new frequencies
// take effect. The parent directory is watched because the saver
// replaces the file by rename.
func watchStatsFile(stop <-chan struct{}, cache *symcache.Cache, path string, m *metrics.Metrics, log logrus.FieldLogger) error {
	watch, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watch.Close()

	if err := watch.Add(filepath.Dir(path)); err != nil {
		return err
	}

	log.WithField("path", path).Info("watching stats file")

	for {
		select {
		case err := <-watch.Errors:
			log.WithError(err).Warn("stats file watch error")
		case event := <-watch.Events:
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.WithField("event", event.Op.String()).Debug("stats file changed, reloading")
			if err := cache.LoadStats(); err != nil {
				log.WithError(err).Warn("failed to reload stats file")
				continue
			}
			cache.Resort()
			m.SetCacheOrderGeneration(cache.Generation())
			m.SetCacheLastSaved(cache.LastSave())
		case <-stop:
			return nil
		}
	}
}
