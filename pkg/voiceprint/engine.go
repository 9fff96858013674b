package voiceprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/logging"
	"github.com/harunnryd/voiceprint/pkg/metrics"
	"github.com/harunnryd/voiceprint/pkg/observers"
	"github.com/harunnryd/voiceprint/pkg/phase"
	"github.com/harunnryd/voiceprint/pkg/pipeline"
	"github.com/harunnryd/voiceprint/pkg/processors"
	"github.com/harunnryd/voiceprint/pkg/redact"
	"github.com/harunnryd/voiceprint/pkg/runner"
	"github.com/harunnryd/voiceprint/pkg/session"
	"github.com/harunnryd/voiceprint/pkg/transports"
	"github.com/harunnryd/voiceprint/pkg/verification"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ErrMissingTransport = errors.New("missing transport")
	ErrDraining         = errors.New("engine draining")
)

// Engine routes transport frames to one conversation worker per
// conversation id and sends the bot's replies back out.
type Engine struct {
	cfg        Config
	convCfg    ConversationConfig
	machine    *phase.Machine
	store      session.Store
	chain      *pipeline.Chain
	registry   *pipeline.SessionRegistry
	transport  transports.Transport
	channel    string
	dispatcher *RequestDispatcher
	providers  *ProviderRegistry
	runner     *pipeline.Runner
	obs        metrics.Observer
	asyncObs   *metrics.AsyncObserver
	admin      *http.Server
	router     chi.Router
	inject     chan frames.Frame
	pts        *frames.PTSGen
	log        *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport and Store override the configured providers.
	Transport transports.Transport
	Store     session.Store
	// Relay overrides the HTTP relay built from verification.relay.
	Relay      RequestSender
	Processors []pipeline.FrameProcessor
	Observers  []metrics.Observer
	Logger     *slog.Logger
	// Registerer and Gatherer default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Banner receives the startup banner; nil prints to stdout.
	Banner io.Writer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	base := opts.Logger
	if base == nil {
		base = logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
		slog.SetDefault(base)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	log := logging.NewComponentLogger(base, "engine")

	log.Info("voiceprint_init",
		"environment", cfg.Environment,
		"transport", cfg.Transports.Provider,
		"session_store", cfg.Session.Provider,
		"mode", cfg.Verification.Mode,
		"relay", cfg.Verification.Relay.URL != "",
	)

	machineCfg, err := cfg.MachineConfig()
	if err != nil {
		return nil, fmt.Errorf("machine config: %w", err)
	}
	machine := phase.NewMachine(machineCfg)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterBuiltinStores(providers)
	}

	// Observers
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		if g, ok := reg.(prometheus.Gatherer); ok {
			gatherer = g
		} else {
			gatherer = prometheus.DefaultGatherer
		}
	}
	obsList := []metrics.Observer{
		observers.NewLatencyObserver(base),
		observers.NewLoggerObserver(base),
		observers.NewPrometheusObserver(reg),
	}
	var timelineObs *observers.TimelineObserver
	var summaryObs *observers.SummaryObserver
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			if n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour); err != nil {
				log.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				log.Info("artifact_purged", "dir", dir, "removed", n)
			}
		}
		timelineObs = observers.NewTimelineObserver(dir)
		summaryObs = observers.NewSummaryObserver(dir)
		obsList = append(obsList, timelineObs, summaryObs)
	}
	obsList = append(obsList, opts.Observers...)
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	transport := opts.Transport
	if transport == nil {
		transport, err = providers.BuildTransport(cfg.Transports.Provider, cfg)
		if err != nil {
			asyncObs.Close()
			return nil, fmt.Errorf("transport: %w", err)
		}
	}

	relay := opts.Relay
	if relay == nil && strings.TrimSpace(cfg.Verification.Relay.URL) != "" {
		rc := cfg.Verification.Relay
		relay = verification.NewClient(verification.ClientConfig{
			URL:              rc.URL,
			Token:            rc.Token,
			Timeout:          time.Duration(rc.TimeoutMS) * time.Millisecond,
			CircuitThreshold: rc.CircuitThreshold,
			CircuitCooldown:  time.Duration(rc.CircuitCooldownMS) * time.Millisecond,
		})
	}
	if relay == nil {
		if ec, ok := transport.(transports.EventCarrier); ok && !ec.CarriesEvents() {
			asyncObs.Close()
			return nil, fmt.Errorf("transport %q cannot carry engine requests; set verification.relay.url", transport.Name())
		}
	}

	store := opts.Store
	if store == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = providers.BuildStore(ctx, cfg.Session.Provider, cfg)
		cancel()
		if err != nil {
			asyncObs.Close()
			return nil, fmt.Errorf("session store: %w", err)
		}
	}

	var dispatcher *RequestDispatcher
	if relay != nil {
		rc := cfg.Verification.Relay
		dispatcher = NewRequestDispatcher(relay, asyncObs, RequestDispatcherOptions{
			Concurrency:             rc.Concurrency,
			Timeout:                 time.Duration(rc.TimeoutMS) * time.Millisecond,
			Retries:                 rc.Retries,
			RetryBackoff:            time.Duration(rc.RetryBackoffMS) * time.Millisecond,
			SerializeByConversation: true,
		})
	}

	var procs []pipeline.FrameProcessor
	if cfg.Processing.DTMF.Enabled {
		procs = append(procs, processors.NewDTMFMapper(processors.DTMFMapperConfig{
			Digits: cfg.Processing.DTMF.Digits,
			Window: time.Duration(cfg.Processing.DTMF.WindowMS) * time.Millisecond,
		}))
	}
	if len(cfg.Processing.Replacements) > 0 {
		procs = append(procs, processors.NewTextNormalizer(processors.TextNormalizerConfig{
			Replacements: cfg.Processing.Replacements,
		}))
	}
	procs = append(procs, opts.Processors...)
	chain := pipeline.NewChain(procs...)
	chain.SetObserver(asyncObs)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		convCfg:    cfg.Conversation.withDefaults(),
		machine:    machine,
		store:      store,
		chain:      chain,
		transport:  transport,
		channel:    transport.Name(),
		dispatcher: dispatcher,
		providers:  providers,
		obs:        asyncObs,
		asyncObs:   asyncObs,
		inject:     make(chan frames.Frame, 256),
		pts:        frames.NewPTSGen(),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
	e.registry = pipeline.NewSessionRegistry(func(ctx context.Context, conversationID, traceID string) (pipeline.Worker, error) {
		return newConversation(ctx, e, conversationID, traceID), nil
	})
	e.router = e.adminRouter(gatherer)
	if addr := strings.TrimSpace(cfg.Observability.AdminAddr); addr != "" {
		e.admin = &http.Server{Addr: addr, Handler: e.router, ReadHeaderTimeout: 5 * time.Second}
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Voiceprint Engine Ready", "admin_addr", cfg.Observability.AdminAddr}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			log.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if dispatcher != nil {
				dispatcher.Close()
			}
			asyncObs.Close()
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if summaryObs != nil {
				_ = summaryObs.Close()
			}
			if err := store.Close(); err != nil {
				log.Warn("session_store_close_failed", "error", err)
			}
			if e.admin != nil {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = e.admin.Shutdown(sctx)
				scancel()
			}
			log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_conversations", e.registry.Count())
		},
	}
	hooks.Banner = opts.Banner

	drainer := pipeline.DrainerFunc(func() error {
		var errs error
		if err := transport.Stop(); err != nil {
			errs = fmt.Errorf("transport stop: %w", err)
		}
		e.registry.SetDraining(true)
		e.registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if !e.registry.WaitForEmpty(ctx, 200*time.Millisecond) {
			errs = errors.Join(errs, fmt.Errorf("%d conversations still open", e.registry.Count()))
		}
		return errs
	})
	e.runner = pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)
	return e, nil
}

func (e *Engine) adminRouter(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if err := e.Health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if e.dispatcher != nil {
		rc := e.cfg.Verification.Relay
		path := rc.CallbackPath
		if path == "" {
			path = "/verification/events"
		}
		r.Method(http.MethodPost, path, verification.NewCallbackHandler(e.Inject, rc.CallbackToken))
	}
	return r
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go e.routeLoop(ctx)
	go func() {
		_ = e.runner.Run(ctx)
	}()
	if e.admin != nil {
		go func() {
			if err := e.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Error("admin_server_failed", "addr", e.admin.Addr, "error", err)
			}
		}()
	}
	return nil
}

// Stop drains live conversations and releases the store and observers.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// Inject queues a frame as if the transport had received it. It reports
// false when the engine is backed up.
func (e *Engine) Inject(f frames.Frame) bool {
	select {
	case e.inject <- f:
		return true
	default:
		e.log.Warn("engine_inject_full", "conversation_id", frames.ConversationID(f))
		return false
	}
}

func (e *Engine) routeLoop(ctx context.Context) {
	recv := e.transport.Recv()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case f, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			e.route(f)
		case f := <-e.inject:
			e.route(f)
		}
	}
}

func (e *Engine) route(f frames.Frame) {
	id := frames.ConversationID(f)
	if id == "" {
		e.log.Debug("frame_without_conversation", "kind", string(f.Kind()))
		return
	}
	if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == frames.SystemCallEnd {
		e.endConversation(id, f)
		return
	}
	if e.registry.Draining() {
		return
	}
	meta := f.Meta()
	traceID := meta[frames.MetaTraceID]
	if traceID == "" {
		if sess, ok := e.registry.Get(id); ok {
			traceID = sess.TraceID
		} else {
			traceID = uuid.NewString()
		}
	}
	sess, _, err := e.registry.GetOrCreate(id, traceID)
	if err != nil {
		e.log.Error("conversation_create_failed", "conversation_id", id, "error", err)
		return
	}
	conv := sess.Worker.(*conversation)
	if !conv.Enqueue(f) {
		e.log.Warn("conversation_inbox_full", "conversation_id", id, "kind", string(f.Kind()))
	}
}

// endConversation finishes queued turns, then tears the worker down.
func (e *Engine) endConversation(id string, f frames.Frame) {
	sess, ok := e.registry.Get(id)
	if !ok {
		return
	}
	conv := sess.Worker.(*conversation)
	reason := f.Meta()[frames.MetaCallEndReason]
	if reason == "" {
		reason = EndReasonHangup
	}
	conv.setEndReason(reason)
	if !conv.Enqueue(f) {
		e.chain.Process(f)
	}
	e.registry.Remove(id)
}

// requestEnd ends a conversation the bot has hung up on.
func (e *Engine) requestEnd(id, traceID, reason string) {
	meta := map[string]string{
		frames.MetaCallEndReason: reason,
		frames.MetaSource:        frames.SourceBot,
	}
	if traceID != "" {
		meta[frames.MetaTraceID] = traceID
	}
	e.Inject(frames.NewSystemFrame(id, e.pts.Next(id), frames.SystemCallEnd, meta))
}

func (e *Engine) send(f frames.Frame) {
	e.recordFrame(metrics.EventFrameOut, f)
	if err := e.transport.Send(f); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTransportSend)
		e.log.Warn("transport_send_failed",
			"conversation_id", frames.ConversationID(f),
			"kind", string(f.Kind()),
			errorsx.Attr(err),
			"error", err,
		)
	}
}

func (e *Engine) record(name string, value float64, tags map[string]string) {
	e.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}

func (e *Engine) recordFrame(name string, f frames.Frame) {
	e.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: pipeline.FrameTags(f)})
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

// AdminHandler serves /health, /metrics and the verification callback.
func (e *Engine) AdminHandler() http.Handler {
	return e.router
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return ErrMissingTransport
	}
	if e.registry.Draining() {
		return ErrDraining
	}
	return nil
}
