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
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/mailsieve/mailsieve/internal/composites"
	"github.com/mailsieve/mailsieve/internal/debug"
	"github.com/mailsieve/mailsieve/internal/health"
	"github.com/mailsieve/mailsieve/internal/httpsvc"
	"github.com/mailsieve/mailsieve/internal/metrics"
	"github.com/mailsieve/mailsieve/internal/result"
	"github.com/mailsieve/mailsieve/internal/rules"
	"github.com/mailsieve/mailsieve/internal/scan"
	"github.com/mailsieve/mailsieve/internal/symcache"
	"github.com/mailsieve/mailsieve/internal/workgroup"
	"github.com/mailsieve/mailsieve/pkg/config"
)

// serveContext holds the serve command configuration.
type serveContext struct {
	Config config.Parameters

	configFile string
}

// registerServe registers the serve subcommand and flags.
func registerServe(app *kingpin.Application) (*kingpin.CmdClause, *serveContext) {
	serve := app.Command("serve", "Serve the mail filtering engine.")

	ctx := &serveContext{
		Config: config.Defaults(),
	}

	parseConfig := func(_ *kingpin.ParseContext) error {
		if ctx.configFile == "" {
			return nil
		}
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
	}

	serve.Flag("cache-file", "Path of the symbol statistics snapshot.").PlaceHolder("/path/to/file").StringVar(&ctx.Config.CacheFile)
	serve.Flag("check-all-filters", "Keep filters running after a terminal pre-result.").BoolVar(&ctx.Config.CheckAllFilters)
	serve.Flag("config-path", "Path to base configuration.").Short('c').PlaceHolder("/path/to/file").Action(parseConfig).ExistingFileVar(&ctx.configFile)
	serve.Flag("debug", "Enable debug logging.").Short('d').BoolVar(&ctx.Config.Debug)
	serve.Flag("strict-symbols", "Fail startup on unresolved symbol references.").BoolVar(&ctx.Config.StrictSymbols)

	return serve, ctx
}

// Server wires the engine, the stats saver, and the ops endpoints into
// one workgroup.
type Server struct {
	log logrus.FieldLogger
	ctx *serveContext

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cache    *symcache.Cache
	engine   *scan.Engine

	group workgroup.Group
}

// NewServer builds the server dependencies from the validated
// configuration. Configuration-time errors (registration conflicts,
// dependency cycles, unresolved strict references) halt startup here.
func NewServer(log logrus.FieldLogger, ctx *serveContext) (*Server, error) {
	s := &Server{
		log: log,
		ctx: ctx,
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.registry.MustRegister(collectors.NewGoCollector())
	s.metrics = metrics.NewMetrics(s.registry)

	cache, engine, err := buildEngine(log, &ctx.Config)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	s.engine = engine

	s.metrics.SetSymbolsRegistered(cache.Len())
	s.metrics.SetCacheOrderGeneration(cache.Generation())

	return s, nil
}

// buildEngine registers symbols, validates them against the metric
// configuration, restores persisted statistics and freezes the execution
// order.
func buildEngine(log logrus.FieldLogger, conf *config.Parameters) (*symcache.Cache, *scan.Engine, error) {
	cache := symcache.New(log.WithField("context", "symcache"), symcache.Config{
		StatsFile:    conf.CacheFile,
		SaveInterval: conf.SaveIntervalDuration(),
		Alpha:        conf.TimeSmoothingAlpha,
		Strict:       conf.StrictSymbols,
	})

	if err := rules.Register(cache); err != nil {
		return nil, nil, err
	}

	comps, err := parseComposites(conf.Composites)
	if err != nil {
		return nil, nil, err
	}
	for _, comp := range comps {
		if _, err := cache.AddSymbol(comp.Name, 0, nil, nil, symcache.Composite, symcache.NoParent); err != nil {
			return nil, nil, err
		}
	}

	metricConfigs := conf.MetricConfigs()
	ensureBuiltinWeights(metricConfigs)

	if err := cache.Validate(metricConfigs, conf.StrictSymbols); err != nil {
		return nil, nil, err
	}

	// Stats load precedes post-load so the execution order reflects the
	// persisted frequencies.
	if err := cache.LoadStats(); err != nil {
		return nil, nil, err
	}
	if err := cache.PostLoad(); err != nil {
		return nil, nil, err
	}

	engine := scan.NewEngine(scan.EngineConfig{
		Logger:          log.WithField("context", "scan"),
		Cache:           cache,
		Composites:      comps,
		Metrics:         metricConfigs,
		CheckAllFilters: conf.CheckAllFilters,
		TaskTimeout:     conf.TaskTimeoutSetting(),
	})

	return cache, engine, nil
}

// ensureBuiltinWeights fills in default weights for the built-in symbols
// the configuration does not score.
func ensureBuiltinWeights(metricConfigs map[string]*result.MetricConfig) {
	mc := metricConfigs[result.DefaultMetric]
	if mc == nil {
		mc = &result.MetricConfig{}
		metricConfigs[result.DefaultMetric] = mc
	}
	if mc.Weights == nil {
		mc.Weights = map[string]float64{}
	}
	for sym, w := range rules.Weights() {
		if _, ok := mc.Weights[sym]; !ok {
			mc.Weights[sym] = w
		}
	}
}

func parseComposites(exprs map[string]string) ([]*composites.Composite, error) {
	var out []*composites.Composite
	for name, expr := range exprs {
		comp, err := composites.Parse(name, expr)
		if err != nil {
			return nil, err
		}
		out = append(out, comp)
	}
	return out, nil
}

// Run starts the workgroup and blocks until shutdown.
func (s *Server) Run() error {
	// Periodic symbol statistics snapshots.
	s.group.Add(s.cache.StartRefresh)

	// Reload statistics when another process rewrites the snapshot.
	if s.ctx.Config.CacheFile != "" {
		s.group.Add(func(stop <-chan struct{}) error {
			return watchStatsFile(stop, s.cache, s.ctx.Config.CacheFile, s.metrics, s.log.WithField("context", "filewatcher"))
		})
	}

	// Health and metrics endpoints.
	healthsvc := httpsvc.Service{
		Addr:        s.ctx.Config.Health.Address,
		Port:        s.ctx.Config.Health.Port,
		FieldLogger: s.log.WithField("context", "healthsvc"),
	}
	healthsvc.ServeMux.Handle("/healthz", health.Handler(s.cache))
	healthsvc.ServeMux.Handle("/metrics", metrics.Handler(s.registry))
	s.group.Add(healthsvc.Start)

	// Debug endpoints: pprof, the symbol graph, runtime counters.
	debugsvc := debug.Service{
		Service: httpsvc.Service{
			Addr:        s.ctx.Config.DebugSvc.Address,
			Port:        s.ctx.Config.DebugSvc.Port,
			FieldLogger: s.log.WithField("context", "debugsvc"),
		},
		Cache: s.cache,
	}
	s.group.Add(debugsvc.Start)

	// Shutdown on SIGINT or SIGTERM.
	s.group.Add(func(stop <-chan struct{}) error {
		log := s.log.WithField("context", "signals")
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-signals:
			log.WithField("signal", sig).Info("shutting down")
		case <-stop:
		}
		return nil
	})

	return s.group.Run()
}

// Engine returns the scan engine, exposed for the worker that feeds
// messages into the pipeline.
func (s *Server) Engine() *scan.Engine {
	return s.engine
}

// registerCheck registers the check subcommand.
func registerCheck(app *kingpin.Application) (*kingpin.CmdClause, *serveContext) {
	check := app.Command("check", "Validate the configuration and exit.")

	ctx := &serveContext{
		Config: config.Defaults(),
	}
	check.Flag("config-path", "Path to base configuration.").Short('c').PlaceHolder("/path/to/file").Action(func(_ *kingpin.ParseContext) error {
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

	return check, ctx
}

// doCheck validates the configuration, including symbol registration and
// post-load, then exits.
func doCheck(ctx *serveContext, log logrus.FieldLogger) {
	if err := ctx.Config.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if _, _, err := buildEngine(log, &ctx.Config); err != nil {
		log.WithError(err).Fatal("invalid symbol configuration")
	}
	log.Info("configuration OK")
}
