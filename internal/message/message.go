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

// Package message holds the parsed representation of one mail message as
// consumed by symbol callbacks. Parsing itself is performed by an external
// collaborator implementing Parser; the engine only stores its output.
package message

import "strings"

// Parser turns a raw message into its parsed representation. A parse
// failure is terminal for the task; the error is surfaced to the caller.
type Parser interface {
	Parse(raw []byte) (*Message, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(raw []byte) (*Message, error)

func (f ParserFunc) Parse(raw []byte) (*Message, error) {
	return f(raw)
}

// Part is one MIME part. Parts reference each other by index into
// Message.Parts; Parent is -1 for top level parts.
type Part struct {
	ContentType string
	Content     []byte

	// Parent is the index of the enclosing multipart part, or -1.
	Parent int
}

// TextPart is the text view of a part, extracted for content inspection.
type TextPart struct {
	// Part is the index of the originating MIME part in Message.Parts.
	Part int

	Content []byte
	IsHTML  bool
}

// Header is a case-insensitive multimap of message headers. Keys are
// folded on insertion so lookup is insensitive to the wire-format casing.
type Header map[string][]string

// Add appends a value for the given header name.
func (h Header) Add(name, value string) {
	k := strings.ToLower(name)
	h[k] = append(h[k], value)
}

// Get returns the first value for the given header name, or "".
func (h Header) Get(name string) string {
	vv := h[strings.ToLower(name)]
	if len(vv) == 0 {
		return ""
	}
	return vv[0]
}

// Values returns all values for the given header name.
func (h Header) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Message is one parsed mail message.
type Message struct {
	// Raw is the byte range the message was parsed from.
	Raw []byte

	Headers   Header
	Parts     []Part
	TextParts []TextPart

	// Envelope addresses as reported by the caller, already normalised.
	From       string
	Recipients []string

	MessageID string
	QueueID   string
	Subject   string
}

// New returns an empty message over the given raw bytes.
func New(raw []byte) *Message {
	return &Message{
		Raw:     raw,
		Headers: Header{},
	}
}
