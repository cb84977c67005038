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

// Package session tracks the outstanding asynchronous operations of a
// single task. A symbol callback that issues async I/O adds an event
// before returning and removes it on completion; when the count reaches
// zero the watcher runs and re-enters the task's processing loop.
package session

// Watcher is invoked from the event-loop goroutine each time the number
// of pending events transitions to zero.
type Watcher func()

// A Session counts outstanding asynchronous operations attached to one
// task. One task is owned by one goroutine between suspension points, so
// transitions need no synchronisation.
type Session struct {
	pending int
	watcher Watcher
}

// New returns a Session that invokes w on every transition to zero.
func New(w Watcher) *Session {
	return &Session{watcher: w}
}

// AddEvent records the start of an asynchronous operation.
func (s *Session) AddEvent() {
	s.pending++
}

// RemoveEvent records the completion of an asynchronous operation. On the
// transition to zero the watcher runs. Removing an event that was never
// added is a programming error.
func (s *Session) RemoveEvent() {
	if s.pending == 0 {
		panic("session: RemoveEvent without AddEvent")
	}
	s.pending--
	if s.pending == 0 && s.watcher != nil {
		s.watcher()
	}
}

// Pending returns the number of outstanding operations.
func (s *Session) Pending() int {
	return s.pending
}
