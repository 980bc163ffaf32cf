package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/auth"
	"github.com/ceagles/receipt-tracker/internal/config"
	"github.com/ceagles/receipt-tracker/internal/discovery"
	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/extract"
	"github.com/ceagles/receipt-tracker/internal/monitoring"
	"github.com/ceagles/receipt-tracker/internal/pipeline"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
	"github.com/ceagles/receipt-tracker/internal/session"
	"github.com/ceagles/receipt-tracker/internal/signal"
	"github.com/ceagles/receipt-tracker/internal/store"
)

// runEnv holds the component graph needed by the run command.
type runEnv struct {
	Store       store.Store
	Sessions    *session.Store
	Driver      driver.Driver
	Rate        *ratecontrol.Controller
	Coordinator *pipeline.Coordinator
	Checker     *monitoring.Checker
}

// Close releases the browser and the store.
func (e *runEnv) Close() {
	if e.Driver != nil {
		if err := e.Driver.Close(); err != nil {
			zap.L().Warn("close driver", zap.Error(err))
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initSessions builds the session store over the configured backend.
func initSessions(st store.Store) (*session.Store, error) {
	var backend session.Backend = st
	if cfg.Session.Dir != "" {
		fb, err := session.NewFileBackend(cfg.Session.Dir)
		if err != nil {
			return nil, err
		}
		backend = fb
	}

	opts := []session.Option{session.WithCache(cfg.Session.CacheSize, cfg.Session.CacheTTL)}
	if cfg.Session.EncryptionKey != "" {
		opts = append(opts, session.WithEncryptionKey(cfg.Session.EncryptionKey))
	}
	return session.New(backend, opts...)
}

func initDriver(ctx context.Context) (driver.Driver, error) {
	opts := cfg.Browser.Options()
	if cfg.Browser.Mode == config.BrowserHTTP {
		return driver.NewHTTP(opts)
	}
	return driver.NewRod(ctx, opts)
}

func initClassifier() (*signal.Classifier, error) {
	if cfg.Signals.RulesFile == "" {
		return signal.NewClassifier(), nil
	}
	rules, err := signal.LoadRules(cfg.Signals.RulesFile)
	if err != nil {
		return nil, err
	}
	zap.L().Info("loaded detection rules", zap.String("file", cfg.Signals.RulesFile), zap.Int("rules", len(rules)))
	return signal.NewClassifier(rules...), nil
}

// initRun validates the config and wires store, session store, driver, rate
// controller, authenticator, discovery, extraction, the resource guard and
// the coordinator. Callers should defer env.Close().
func initRun(ctx context.Context) (*runEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}

	classifier, err := initClassifier()
	if err != nil {
		return nil, err
	}

	env := &runEnv{}
	env.Store, err = initStore(ctx)
	if err != nil {
		return nil, err
	}

	env.Sessions, err = initSessions(env.Store)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init session store")
	}

	env.Driver, err = initDriver(ctx)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init driver")
	}

	env.Rate = ratecontrol.New(cfg.Rate.Controller())

	authCfg := cfg.Auth
	authCfg.Interactive = cfg.Browser.Interactive()
	authn := auth.New(env.Driver, env.Sessions, env.Rate, cfg.Target, authCfg, auth.WithClassifier(classifier))
	disc := discovery.New(env.Driver, env.Rate, cfg.Discovery, discovery.WithClassifier(classifier))
	ext := extract.New(cfg.Extract)

	env.Coordinator = pipeline.New(authn, env.Sessions, disc, ext, env.Store, cfg.Pipeline,
		pipeline.WithGuard(monitoring.NewGuard(cfg.Monitor)),
	)
	env.Checker = monitoring.NewChecker(monitoring.NewCollector(env.Store), monitoring.NewAlerter(cfg.Monitor), cfg.Monitor)

	zap.L().Info("run environment ready",
		zap.String("browser", cfg.Browser.Mode),
		zap.String("store", cfg.Store.Driver),
		zap.Int("window_days", cfg.Discovery.WindowDays),
	)
	return env, nil
}
