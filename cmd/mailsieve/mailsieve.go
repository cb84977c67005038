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
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/build"
)

func main() {
	log := logrus.StandardLogger()

	app := kingpin.New("mailsieve", "Mailsieve mail filtering daemon.")
	app.HelpFlag.Short('h')

	serve, serveCtx := registerServe(app)
	check, checkCtx := registerCheck(app)
	scanCmd, scanCtx := registerScan(app)
	version := app.Command("version", "Build information for mailsieve.")

	args := os.Args[1:]
	switch kingpin.MustParse(app.Parse(args)) {
	case serve.FullCommand():
		// Parse args a second time so cli flags are applied
		// on top of any values sourced from -c's config file.
		kingpin.MustParse(app.Parse(args))

		if serveCtx.Config.Debug {
			log.SetLevel(logrus.DebugLevel)
		}

		log.Infof("args: %v", args)

		// Validate the result of applying the command-line
		// flags on top of the config file.
		if err := serveCtx.Config.Validate(); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}

		server, err := NewServer(log, serveCtx)
		if err != nil {
			log.WithError(err).Fatal("unable to initialize server dependencies")
		}

		if err := server.Run(); err != nil {
			log.WithError(err).Fatal("error running mailsieve")
		}
	case check.FullCommand():
		kingpin.MustParse(app.Parse(args))
		doCheck(checkCtx, log)
	case scanCmd.FullCommand():
		kingpin.MustParse(app.Parse(args))
		doScan(scanCtx, log)
	case version.FullCommand():
		fmt.Println(build.PrintBuildInfo())
	default:
		app.Usage(args)
		os.Exit(2)
	}
}
