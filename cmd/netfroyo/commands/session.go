package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/netfroyo/pkg/backend/kernel"
	"github.com/openfroyo/netfroyo/pkg/backend/memory"
	"github.com/openfroyo/netfroyo/pkg/config"
	"github.com/openfroyo/netfroyo/pkg/engine"
	"github.com/openfroyo/netfroyo/pkg/policy"
	"github.com/openfroyo/netfroyo/pkg/state"
	"github.com/openfroyo/netfroyo/pkg/stores"
	"github.com/openfroyo/netfroyo/pkg/telemetry"
)

// starlarkTimeout bounds one Starlark generator document.
const starlarkTimeout = 30 * time.Second

// session holds what a command needs for one invocation. Only the
// telemetry is always set up; commands open the rest on demand.
type session struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	backend engine.Backend
	store   *stores.SQLiteStore
	guard   *policy.Guard
	loader  *policy.Loader

	closers []func()
}

// backendOverrides are the per-command --backend and --netns flags.
type backendOverrides struct {
	kind  string
	netns string
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.NewCUEParser().Load(ctx, configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
		}
		cfg = loaded
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return cfg, nil
}

func newSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	telCfg := cfg.TelemetryConfig()
	telCfg.ServiceVersion = buildVersion
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	s := &session{cfg: cfg, tel: tel}
	s.closers = append(s.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	})
	return s, nil
}

// resolve returns the backend kind and namespace, flags first.
func (o backendOverrides) resolve(cfg *config.Config) (kind, netns string) {
	kind, netns = cfg.Backend.Kind, cfg.Backend.Netns
	if o.kind != "" {
		kind = o.kind
	}
	if o.netns != "" {
		netns = o.netns
	}
	return kind, netns
}

// openBackend opens the configured backend, with flag overrides applied.
func (s *session) openBackend(o backendOverrides) error {
	kind, netns := o.resolve(s.cfg)

	switch kind {
	case "memory":
		if s.cfg.Backend.StatePath == "" {
			s.backend = memory.New(nil)
			break
		}
		b, err := memory.Open(s.cfg.Backend.StatePath)
		if err != nil {
			return err
		}
		s.backend = b
	case "kernel":
		b, err := kernel.Open(netns, kernel.WithLogger(s.tel.Logger.NewComponentLogger("kernel").Zerolog()))
		if err != nil {
			return err
		}
		s.backend = b
		s.closers = append(s.closers, b.Close)
	default:
		return fmt.Errorf("unknown backend %q (must be memory or kernel)", kind)
	}

	log.Debug().
		Str("backend", kind).
		Str("netns", netns).
		Msg("Backend opened")
	return nil
}

// openStore opens and migrates the run history and prunes runs older than
// the retention period. A disabled store is not an error unless required.
func (s *session) openStore(ctx context.Context, required bool) error {
	if !s.cfg.Store.Enabled {
		if required {
			return fmt.Errorf("run history is disabled: set store.enabled in the config")
		}
		return nil
	}

	st, err := stores.NewSQLiteStore(stores.Config{
		Path:         s.cfg.Store.Path,
		MaxOpenConns: s.cfg.Store.MaxOpenConns,
		MaxIdleConns: s.cfg.Store.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	if err := st.Init(ctx); err != nil {
		return err
	}
	s.closers = append(s.closers, func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	retention, err := s.cfg.RetentionPeriod()
	if err != nil {
		return err
	}
	if retention > 0 {
		pruned, err := st.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if pruned > 0 {
			log.Debug().Int64("runs", pruned).Dur("retention", retention).Msg("Pruned run history")
		}
	}

	s.store = st
	return nil
}

// openGuard builds the plan guard with the configured policy files. With
// watch set, the files are reloaded on change for the rest of the command.
func (s *session) openGuard(ctx context.Context, watch bool) error {
	if !s.cfg.Policy.Enabled {
		return nil
	}

	logger := s.tel.Logger.NewComponentLogger("policy").Zerolog()
	guard, err := policy.NewGuard(logger, s.cfg.GuardConfig())
	if err != nil {
		return err
	}

	paths := s.cfg.Policy.Paths
	if len(paths) > 0 {
		if err := guard.LoadPolicies(ctx, paths); err != nil {
			return err
		}
		if watch && s.cfg.Policy.Watch {
			loader := policy.NewLoader(logger)
			if err := guard.Watch(ctx, loader, paths); err != nil {
				return err
			}
			s.loader = loader
			s.closers = append(s.closers, func() { _ = loader.StopWatching() })
		}
	}

	s.guard = guard
	return nil
}

// reconciler wires the open collaborators into a reconciler.
func (s *session) reconciler() (*engine.Reconciler, error) {
	opts, err := s.cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, s.tel.EngineOptions()...)

	if s.store != nil {
		opts = append(opts,
			engine.WithRunRecorder(s.store),
			engine.WithEventPublisher(engine.Publishers(s.tel.Events, s.store)),
		)
	}
	if s.guard != nil {
		opts = append(opts, engine.WithPlanGuard(s.guard))
	}
	return engine.NewReconciler(s.backend, opts...), nil
}

// Close releases everything in reverse order of opening.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// loadDocument reads and validates a desired-state document. vars are
// KEY=VALUE pairs predeclared in Starlark generators.
func loadDocument(ctx context.Context, path string, vars []string) (*state.Map, error) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		var span trace.Span
		ctx, span = tel.Tracer.Start(ctx, "netfroyo.load", trace.WithAttributes(telemetry.AttrDocument.String(path)))
		defer span.End()
	}

	loader := config.NewDocumentLoader(starlarkTimeout)
	if len(vars) > 0 {
		loader.Vars = make(map[string]interface{}, len(vars))
		for _, kv := range vars {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid --var %q: expected KEY=VALUE", kv)
			}
			loader.Vars[key] = parseVar(value)
		}
	}

	doc, err := loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := loader.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// parseVar decodes a --var value as a YAML scalar, so numbers and booleans
// keep their type.
func parseVar(s string) interface{} {
	var v interface{}
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	switch v.(type) {
	case int, float64, bool, string:
		return v
	}
	return s
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v state.Value) error {
	data, err := state.EncodeYAML(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
