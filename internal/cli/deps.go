package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/config"
	"github.com/lucasnoah/specfactory/internal/db"
	"github.com/lucasnoah/specfactory/internal/events"
	"github.com/lucasnoah/specfactory/internal/evidence"
	"github.com/lucasnoah/specfactory/internal/guardrail"
	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/modify"
	"github.com/lucasnoah/specfactory/internal/orchestrator"
	"github.com/lucasnoah/specfactory/internal/pipeline"
	"github.com/lucasnoah/specfactory/internal/prompt"
)

// loadConfig reads the --config file, or the first config found in the
// standard locations, and expands "~" in every path setting.
func loadConfig() (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path = configPath
		err  error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, path, err = config.LoadDefault()
	}
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	a := &cfg.Automation
	a.StateDir = config.ExpandHome(a.StateDir)
	a.DBPath = config.ExpandHome(a.DBPath)
	a.Evidence.LocalDir = config.ExpandHome(a.Evidence.LocalDir)
	a.Documents.Root = config.ExpandHome(a.Documents.Root)
	a.TemplateDir = config.ExpandHome(a.TemplateDir)
	return cfg, path, nil
}

// loadValidConfig is loadConfig that also rejects invalid configs.
func loadValidConfig() (*config.Config, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		where := path
		if where == "" {
			where = "built-in defaults"
		}
		return nil, fmt.Errorf("%s: %w (run `specfactory config validate` for details)", where, errs[0])
	}
	return cfg, nil
}

func newLogger(a *config.Automation) (*zap.Logger, error) {
	logger, err := logging.New(logging.Config{Level: a.Log.Level, Format: a.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// openDB opens and migrates the event log at the configured path.
func openDB(a *config.Automation) (*db.DB, func(), error) {
	path := a.DBPath
	if path == "" {
		p, err := db.DefaultDBPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// openEvidence builds the configured evidence backend. Remote backends are
// wrapped so that an outage falls back to the local store.
func openEvidence(ctx context.Context, a *config.Automation, logger *zap.Logger) (evidence.Repository, error) {
	local := evidence.NewLocalStore(a.Evidence.LocalDir)
	switch a.Evidence.Backend {
	case "", "local":
		return local, nil
	case "redis":
		rs := evidence.NewRedisStore(evidence.RedisConfig{
			Addr:     a.Evidence.Redis.Addr,
			Password: a.Evidence.Redis.Password,
			DB:       a.Evidence.Redis.DB,
			Prefix:   a.Evidence.Redis.Prefix,
			LockTTL:  a.StageTimeoutDuration() * 2,
		})
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis evidence store unreachable; using local store until it recovers", zap.Error(err))
		}
		return evidence.NewFallbackRepository(rs, local, logger), nil
	case "postgres":
		ps, err := evidence.NewPostgresStore(ctx, a.Evidence.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := ps.Migrate(ctx); err != nil {
			logger.Warn("postgres evidence store unreachable; using local store until it recovers", zap.Error(err))
		}
		return evidence.NewFallbackRepository(ps, local, logger), nil
	default:
		return nil, fmt.Errorf("unknown evidence backend %q", a.Evidence.Backend)
	}
}

// app bundles an orchestrator with the resources it holds open.
type app struct {
	cfg      *config.Automation
	logger   *zap.Logger
	db       *db.DB
	evidence evidence.Repository
	orch     *orchestrator.Orchestrator
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp wires an orchestrator from the config.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadValidConfig()
	if err != nil {
		return nil, err
	}
	a := &cfg.Automation
	logger, err := newLogger(a)
	if err != nil {
		return nil, err
	}
	res := &app{cfg: a, logger: logger}
	res.closers = append(res.closers, func() { _ = logger.Sync() })

	database, closeDB, err := openDB(a)
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	res.db = database
	res.closers = append(res.closers, closeDB)

	repo, err := openEvidence(ctx, a, logger)
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("open evidence store: %w", err)
	}
	res.evidence = repo
	res.closers = append(res.closers, func() {
		if err := repo.Close(); err != nil {
			logger.Warn("close evidence store", zap.Error(err))
		}
	})

	reg, err := agent.NewRegistryFromConfig(a, &agent.ExecRunner{})
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("agents: %w", err)
	}
	dispatcher := agent.NewDispatcher(reg, agent.Options{
		StageTimeout:    a.StageTimeoutDuration(),
		CallTimeout:     a.CallTimeoutDuration,
		MinContentChars: a.MinContentChars,
		Limits:          agent.LimitsFromConfig(a),
	}, logger)

	store := pipeline.NewStore(a.StateDir)
	bus := events.NewBus(logger)
	res.closers = append(res.closers, bus.Close)

	res.orch = orchestrator.New(a, orchestrator.Deps{
		Store:      store,
		Evidence:   repo,
		Dispatcher: dispatcher,
		Guardrail:  guardrail.NewRunnerFromConfig(a, &guardrail.ExecRunner{}, logger),
		Modifier:   modify.NewEngine(filepath.Join(a.StateDir, "backups"), logger),
		Committer:  modify.NewCommitter(a.Commit.AuthorName, a.Commit.AuthorEmail, logger),
		Prompts:    prompt.NewBuilder(templateDir(a)),
		DB:         database,
		Bus:        bus,
		Logger:     logger,
	})

	if a.Events.AMQPURL != "" {
		if err := res.forwardEvents(); err != nil {
			logger.Warn("event publisher disabled", zap.Error(err))
		}
	}
	return res, nil
}

// forwardEvents publishes every orchestrator event to the AMQP exchange
// until the app is closed.
func (a *app) forwardEvents() error {
	pub, err := events.NewAMQPPublisher(a.cfg.Events.AMQPURL, a.cfg.Events.Exchange)
	if err != nil {
		return err
	}
	sub, unsubscribe := a.orch.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		events.Forward(context.Background(), sub, pub, a.logger)
	}()
	a.closers = append(a.closers, func() {
		unsubscribe()
		<-done
		if err := pub.Close(); err != nil {
			a.logger.Warn("close event publisher", zap.Error(err))
		}
	})
	return nil
}

// templateDir returns the configured template directory, or the default one
// when it exists.
func templateDir(a *config.Automation) string {
	if a.TemplateDir != "" {
		return a.TemplateDir
	}
	dir := prompt.DefaultTemplateDir()
	if dir == "" {
		return ""
	}
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}
