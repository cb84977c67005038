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

package debug

import (
	"fmt"
	"html"
	"io"

	"github.com/mailsieve/mailsieve/internal/symcache"
)

// quick and dirty dot debugging package

type dotWriter struct {
	Cache *symcache.Cache
}

func (dw *dotWriter) writeDot(w io.Writer) {
	nodes, edges := dw.Cache.Graph()

	fmt.Fprintln(w, "digraph symbols {\nrankdir=\"LR\"")

	for _, node := range nodes {
		fmt.Fprintf(w, `"%d" [shape=record, label="{%s|%s}"]`+"\n",
			node.ID, html.EscapeString(node.Name), node.Type.String())
	}
	for _, edge := range edges {
		if edge.Virtual {
			fmt.Fprintf(w, `"%d" -> "%d" [style=dashed]`+"\n", edge.From, edge.To)
			continue
		}
		fmt.Fprintf(w, `"%d" -> "%d"`+"\n", edge.From, edge.To)
	}

	fmt.Fprintln(w, "}")
}
