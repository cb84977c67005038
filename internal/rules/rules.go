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

// Package rules registers the built-in header heuristic symbols. They
// exercise the pipeline on their own and serve as the template for
// plugin-registered checks.
package rules

import (
	"context"
	"strings"

	"github.com/mailsieve/mailsieve/internal/symcache"
)

// Symbol names registered by this package.
const (
	MissingSubject = "MISSING_SUBJECT"
	MissingFrom    = "MISSING_FROM"
	FakeReply      = "FAKE_REPLY"
	LongSubject    = "LONG_SUBJECT"
	SubjectAllCaps = "SUBJ_ALL_CAPS"
	MissingDate    = "MISSING_DATE"
)

// longSubjectLimit is the length past which a subject counts as
// abnormally long.
const longSubjectLimit = 256

// Register adds the built-in symbols to the cache.
func Register(cache *symcache.Cache) error {
	checks := []struct {
		name string
		cb   symcache.Callback
	}{
		{MissingSubject, missingHeader("Subject", MissingSubject)},
		{MissingFrom, missingHeader("From", MissingFrom)},
		{MissingDate, missingHeader("Date", MissingDate)},
		{FakeReply, fakeReply},
		{LongSubject, longSubject},
		{SubjectAllCaps, subjectAllCaps},
	}

	for _, check := range checks {
		if _, err := cache.AddSymbol(check.name, 0, check.cb, nil, symcache.Normal, symcache.NoParent); err != nil {
			return err
		}
	}
	return nil
}

// Weights returns the default weights for the built-in symbols, applied
// when the configuration does not override them.
func Weights() map[string]float64 {
	return map[string]float64{
		MissingSubject: 2.0,
		MissingFrom:    2.0,
		MissingDate:    1.0,
		FakeReply:      1.5,
		LongSubject:    0.5,
		SubjectAllCaps: 1.2,
	}
}

func missingHeader(header, symbol string) symcache.Callback {
	return func(ctx context.Context, tk symcache.Task) {
		msg := tk.Message()
		if msg == nil {
			return
		}
		if msg.Headers.Get(header) == "" {
			tk.InsertResult("", symbol, 1.0)
		}
	}
}

// fakeReply fires on a reply subject without reply threading headers.
func fakeReply(ctx context.Context, tk symcache.Task) {
	msg := tk.Message()
	if msg == nil {
		return
	}
	subject := msg.Headers.Get("Subject")
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		return
	}
	if msg.Headers.Get("In-Reply-To") == "" && msg.Headers.Get("References") == "" {
		tk.InsertResult("", FakeReply, 1.0)
	}
}

func longSubject(ctx context.Context, tk symcache.Task) {
	msg := tk.Message()
	if msg == nil {
		return
	}
	if n := len(msg.Headers.Get("Subject")); n > longSubjectLimit {
		tk.InsertResult("", LongSubject, 1.0)
	}
}

func subjectAllCaps(ctx context.Context, tk symcache.Task) {
	msg := tk.Message()
	if msg == nil {
		return
	}
	subject := msg.Headers.Get("Subject")

	letters, upper := 0, 0
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z':
			letters++
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		}
	}
	if letters >= 8 && upper == letters {
		tk.InsertResult("", SubjectAllCaps, 1.0)
	}
}
