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
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/scan"
	"github.com/mailsieve/mailsieve/pkg/config"
)

// scanContext holds the scan subcommand configuration.
type scanContext struct {
	serveContext

	messageFile string
}

// registerScan registers the scan subcommand: run one on-disk message
// through the pipeline and print the verdict.
func registerScan(app *kingpin.Application) (*kingpin.CmdClause, *scanContext) {
	cmd := app.Command("scan", "Scan a single message file and print the results.")

	ctx := &scanContext{
		serveContext: serveContext{
			Config: config.Defaults(),
		},
	}

	cmd.Flag("config-path", "Path to base configuration.").Short('c').PlaceHolder("/path/to/file").Action(func(_ *kingpin.ParseContext) error {
		f, err := os.Open(ctx.configFile)
		if err != nil {
			return err
		}
		defer f.Close()

		params, err := config.Parse(f)
		if err != nil {
			return err
		}
		ctx.Config = *params
		return nil
	}).ExistingFileVar(&ctx.configFile)

	cmd.Arg("message", "Path of the message to scan.").Required().ExistingFileVar(&ctx.messageFile)

	return cmd, ctx
}

func doScan(ctx *scanContext, log logrus.FieldLogger) {
	if err := ctx.Config.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	// A one-shot scan never persists statistics.
	ctx.Config.CacheFile = ""

	_, engine, err := buildEngine(log, &ctx.Config)
	if err != nil {
		log.WithError(err).Fatal("invalid symbol configuration")
	}

	task := engine.NewTask()
	defer task.Destroy()
	task.LoadFile(ctx.messageFile)

	if !task.Process(context.Background(), scan.StagesAll) {
		log.WithError(task.Err()).Fatal("message processing failed")
	}
	if !task.Processed() {
		// Built-in symbols are synchronous; suspension here means a
		// plugin registered async work with no event loop to drain it.
		log.Fatal("asynchronous work pending outside the daemon event loop")
	}

	printResults(task)
}

func printResults(task *scan.Task) {
	results := task.Results()

	if results.HasPreResult() {
		fmt.Printf("Pre-result: %s (%s)\n", results.Pre.Action, results.Pre.Message)
	}

	metricNames := make([]string, 0, len(results.Metrics))
	for name := range results.Metrics {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)

	for _, name := range metricNames {
		m := results.Metrics[name]
		fmt.Printf("Metric %s: score %.2f, action: %s\n", name, m.Score(), m.ActionForScore())

		symbols := make([]string, 0, len(m.Symbols))
		for sym := range m.Symbols {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)

		for _, sym := range symbols {
			sr := m.Symbols[sym]
			line := fmt.Sprintf("  %s (%.2f)", sr.Name, sr.Score)
			if len(sr.Options) > 0 {
				line += " [" + strings.Join(sr.Options, ", ") + "]"
			}
			fmt.Println(line)
		}
	}

	if len(results.Metrics) == 0 {
		fmt.Println("No symbols matched.")
	}
}
