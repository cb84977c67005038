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

import "time"

// StartRefresh runs the periodic statistics saver until stop is closed.
// Persistence errors are logged and never affect running tasks. A final
// snapshot is taken on shutdown. The signature fulfils the workgroup
// contract.
func (c *Cache) StartRefresh(stop <-chan struct{}) error {
	c.log.WithField("interval", c.cfg.SaveInterval).Info("started symbol stats saver")
	defer c.log.Info("stopped symbol stats saver")

	ticker := time.NewTicker(c.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.SaveStats(); err != nil {
				c.log.WithError(err).Error("failed to save symbol statistics")
			}
		case <-stop:
			if err := c.SaveStats(); err != nil {
				c.log.WithError(err).Error("failed to save symbol statistics on shutdown")
			}
			return nil
		}
	}
}
