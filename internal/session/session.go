// Package session wires one preview session: the layered content store, the
// bundler and its bridge, the host channel, the file manager and the action
// log. Every collaborator is owned by the session, so several sessions can
// run side by side in one process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/conneroisu/isolate/internal/bridge"
	"github.com/conneroisu/isolate/internal/bundler"
	"github.com/conneroisu/isolate/internal/channel"
	"github.com/conneroisu/isolate/internal/config"
	"github.com/conneroisu/isolate/internal/filemanager"
	"github.com/conneroisu/isolate/internal/graph"
	ihttp "github.com/conneroisu/isolate/internal/http"
	"github.com/conneroisu/isolate/internal/instrument"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/conneroisu/isolate/internal/metrics"
	"github.com/conneroisu/isolate/internal/middleware"
	"github.com/conneroisu/isolate/internal/protocol"
	"github.com/conneroisu/isolate/internal/sandbox"
	"github.com/conneroisu/isolate/internal/version"
	"github.com/conneroisu/isolate/internal/vfs"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
)

const changeQueueSize = 256

// Options configures a Session.
type Options struct {
	Logger logging.Logger
	// Clock drives action aggregation, refresh timeouts and write spacing.
	Clock clock.Clock
	// DisableWatch skips the disk watcher. Overlay edits still propagate.
	DisableWatch bool
}

// Session is one running preview.
type Session struct {
	cfg    *config.Config
	root   string
	logger logging.Logger

	overlay *vfs.MemoryReader
	disk    *vfs.FileSystemReader
	store   *vfs.StackedReader
	bundler *bundler.Bundler
	channel *channel.Channel
	files   *filemanager.FileManager
	metrics *metrics.Metrics
	actions *instrument.Aggregator
	events  *Recorder
	router  *ihttp.Router

	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	changes  chan string
	unlisten func()
	stopOnce sync.Once

	renderMu sync.Mutex
	// renderedRealm received the current component last.
	renderedRealm string

	mu       sync.Mutex
	shown    *shown
	failed   bool
	listener channel.Listener
}

// shown is the component currently on display.
type shown struct {
	componentID string
	props       json.RawMessage
	callbacks   []string
}

// New builds and starts a session rooted at cfg.Preview.Root.
func New(cfg *config.Config, opts Options) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	root, err := cfg.RootDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		root:    root,
		logger:  opts.Logger.WithComponent("session"),
		overlay: vfs.NewMemoryReader(),
		disk:    vfs.NewFileSystemReader(opts.Logger),
		metrics: metrics.New(),
		events:  &Recorder{},
		ctx:     ctx,
		cancel:  cancel,
		changes: make(chan string, changeQueueSize),
	}
	s.store = vfs.NewStackedReader(s.overlay, s.disk)

	var b *bundler.Bundler
	br := bridge.New(bridge.Options{
		Store:   s.store,
		Disk:    s.disk,
		Root:    root,
		Graph:   func() *graph.Graph { return b.Graph() },
		Logger:  opts.Logger,
		Metrics: s.metrics,
	})
	b = bundler.New(bundler.Options{
		Bridge:  br,
		Store:   s.store,
		Logger:  opts.Logger,
		Metrics: s.metrics,
	})
	s.bundler = b

	s.channel = channel.New(channel.Options{
		Logger:         opts.Logger,
		Metrics:        s.metrics,
		Clock:          opts.Clock,
		Refresh:        cfg.Refresh,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	s.channel.SetListener(s.deliver)
	s.channel.OnConnect(s.onConnect)

	s.actions = instrument.NewAggregator(instrument.AggregatorOptions{
		Window:  cfg.Actions.Window,
		Display: cfg.Actions.Display,
		Clock:   opts.Clock,
	})

	s.files = filemanager.New(filemanager.Options{
		Root:         root,
		Overlay:      s.overlay,
		Store:        s.store,
		Fs:           afero.NewOsFs(),
		WriteSpacing: cfg.Watch.WriteSpacing,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		OnBeforeFileUpdated: func(ctx context.Context) error {
			return s.channel.ArmExpectedRefresh(ctx)
		},
	})

	s.router = ihttp.NewRouter(cfg, s, middleware.Default(opts.Logger, cfg.Server.AllowedOrigins))

	s.unlisten = s.store.Listen(s.enqueue)
	if !opts.DisableWatch {
		if err := s.disk.Watch(ctx, root, vfs.WatchOptions{
			Debounce: cfg.Watch.Debounce,
			Ignore:   cfg.Watch.Ignore,
		}); err != nil {
			s.Stop()
			return nil, err
		}
	}
	s.wg.Go(s.processChanges)

	s.logger.Info(ctx, "Session started", "root", root)
	return s, nil
}

// Root returns the absolute project root.
func (s *Session) Root() string { return s.root }

// Router returns the HTTP surface of the session.
func (s *Session) Router() *ihttp.Router { return s.router }

// Handler is Router().Handler().
func (s *Session) Handler() http.Handler { return s.router.Handler() }

// Events returns the recorder of every delivered preview event.
func (s *Session) Events() *Recorder { return s.events }

// Actions returns the aggregated action log.
func (s *Session) Actions() *instrument.Aggregator { return s.actions }

// Files returns the file mutation surface. Every mutation arms a refresh
// expectation first.
func (s *Session) Files() *filemanager.FileManager { return s.files }

// Metrics returns the session metrics.
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// SetListener replaces the caller's event listener. Events delivered before
// the call are not replayed.
func (s *Session) SetListener(l channel.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Session) deliver(ev protocol.Event) {
	s.events.Record(ev)
	s.actions.Observe(ev)

	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l(ev)
	}
}

// Show renders componentID ("<file>:<name>") with props, a JSON object, in
// the sandbox. Callback paths get recording stand-ins unless props supply
// a value. Build failures are reported inside the sandbox, not returned.
func (s *Session) Show(ctx context.Context, componentID string, props json.RawMessage, callbacks ...string) error {
	if _, _, err := sandbox.SplitComponentID(componentID); err != nil {
		return err
	}
	if len(props) == 0 {
		props = json.RawMessage(`{}`)
	}

	s.mu.Lock()
	s.shown = &shown{componentID: componentID, props: props, callbacks: callbacks}
	s.mu.Unlock()

	return s.render(ctx, "")
}

// WaitForExpectedRefresh blocks until the refresh armed by the last file
// mutation has happened.
func (s *Session) WaitForExpectedRefresh(ctx context.Context) error {
	return s.channel.WaitForExpectedRefresh(ctx)
}

// render bundles the shown component and sends it to the realm. It does
// nothing when skipRealm is set and already has the current component.
func (s *Session) render(ctx context.Context, skipRealm string) error {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	if skipRealm != "" && skipRealm == s.renderedRealm {
		return nil
	}

	s.mu.Lock()
	current := s.shown
	s.mu.Unlock()
	if current == nil {
		return nil
	}

	file, _, _ := sandbox.SplitComponentID(current.componentID)
	req := protocol.RenderRequest{
		ComponentID: current.componentID,
		Props:       current.props,
		Callbacks:   current.callbacks,
	}

	bundle, err := s.bundler.Build(ctx, file)
	if err != nil {
		s.logger.Warn(ctx, err, "Build failed", "component", current.componentID)
		req.Error = bundler.BuildError(err)
	} else {
		req.Bundle = bundle
	}

	s.mu.Lock()
	s.failed = err != nil
	s.mu.Unlock()

	if err := s.channel.Render(ctx, req); err != nil {
		return fmt.Errorf("failed to render %s: %w", current.componentID, err)
	}
	s.renderedRealm = s.channel.Realm()
	return nil
}

// onConnect rebuilds for every new realm, so a realm that replaced one after
// a full reload gets a fresh bundle.
func (s *Session) onConnect(ctx context.Context, realmID string) {
	if err := s.render(ctx, realmID); err != nil {
		s.logger.Warn(ctx, err, "Failed to render for new realm", "realm", realmID)
	}
}

func (s *Session) enqueue(absPath string) {
	select {
	case s.changes <- absPath:
	case <-s.ctx.Done():
	}
}

func (s *Session) processChanges() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case path := <-s.changes:
			s.handleChange(s.ctx, path)
		}
	}
}

func (s *Session) handleChange(ctx context.Context, absPath string) {
	s.mu.Lock()
	current, failed := s.shown, s.failed
	s.mu.Unlock()
	if current == nil {
		return
	}

	if failed {
		// The last build never reached the realm, so there is no graph to
		// update incrementally.
		if err := s.render(ctx, ""); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn(ctx, err, "Rebuild after change failed", "path", absPath)
		}
		return
	}

	update, ok := s.bundler.HotUpdate(ctx, absPath)
	if !ok {
		return
	}
	if err := s.channel.SendUpdate(ctx, *update); err != nil {
		if errors.Is(err, channel.ErrNoRealm) {
			s.logger.Debug(ctx, "No realm for update", "path", update.Path)
			return
		}
		s.logger.Warn(ctx, err, "Failed to send update", "path", update.Path)
	}
}

// Stop shuts the session down. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.unlisten != nil {
			s.unlisten()
		}
		_ = s.channel.Close()
		_ = s.disk.Close()
		s.actions.Stop()
		s.wg.Wait()
		s.logger.Info(context.Background(), "Session stopped", "root", s.root)
	})
}

// HandleWebSocket accepts sandbox realms.
func (s *Session) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.channel.ServeHTTP(w, r)
}

// HandleMetrics serves the session registry in the Prometheus format.
func (s *Session) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}

// HandleHealth reports the session state.
func (s *Session) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var component string
	if s.shown != nil {
		component = s.shown.componentID
	}
	failed := s.failed
	s.mu.Unlock()

	realm := s.channel.Realm()
	status := "healthy"
	if realm == "" {
		status = "waiting"
	}

	health := map[string]interface{}{
		"status":       status,
		"timestamp":    time.Now().UTC(),
		"version":      version.Get().Short(),
		"root":         s.root,
		"realm":        realm,
		"component":    component,
		"build_failed": failed,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode health response")
	}
}
