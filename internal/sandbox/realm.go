// Package sandbox hosts the isolated rendering context ("realm") of a
// preview. A realm shares no memory with the host: it connects to the host
// channel over a websocket, receives render requests and hot updates, and
// reports everything the previewed component does as preview events on a
// single ordered outbound queue.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	perrors "github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/instrument"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/conneroisu/isolate/internal/protocol"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

const (
	// Bundles travel host to realm and can be large.
	maxMessageSize = 32 << 20

	// Time allowed to write a message to the host.
	writeWait = 10 * time.Second

	outboundQueueSize = 1024
)

var (
	// ErrFullReload is returned by Realm.Run when the host asked for the
	// realm to be replaced.
	ErrFullReload = errors.New("full reload requested")
	// ErrRealmClosed is returned by Realm.Run when the connection ended.
	ErrRealmClosed = errors.New("realm connection closed")
)

// ExplicitCallback is a callback implementation supplied by code running in
// the sandbox. It takes precedence over stand-ins and supplied values.
type ExplicitCallback func(console *instrument.Console, args ...interface{}) interface{}

// Options configures a realm.
type Options struct {
	// URL is the websocket endpoint of the host channel.
	URL       string
	Adapter   Adapter
	Callbacks map[string]ExplicitCallback
	// BaseURL is the document URL used to resolve relative links.
	BaseURL string
	Logger  logging.Logger
	Clock   clock.Clock
}

// Realm is one live rendering context.
type Realm struct {
	id      string
	opts    Options
	conn    *websocket.Conn
	logger  logging.Logger
	console *instrument.Console
	gens    *instrument.Generations
	refresh RefreshSync

	sendMu sync.Mutex
	seq    uint64
	out    chan protocol.Message

	mu      sync.Mutex
	request *protocol.RenderRequest
	bundle  *protocol.Bundle
	doc     *Document
	changed chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// Connect dials the host and introduces a new realm.
func Connect(ctx context.Context, opts Options) (*Realm, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("sandbox: adapter is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost/"
	}

	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, perrors.NewTransportError(perrors.ErrCodeRealmClosed,
			fmt.Sprintf("failed to connect to %s", opts.URL), err)
	}
	conn.SetReadLimit(maxMessageSize)

	id := uuid.NewString()
	r := &Realm{
		id:      id,
		opts:    opts,
		conn:    conn,
		logger:  opts.Logger.WithComponent("realm").With("realm", id),
		out:     make(chan protocol.Message, outboundQueueSize),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.console = instrument.NewConsole(r.emit, opts.Clock)
	r.gens = instrument.NewGenerations(r.emit)

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, protocol.Message{Type: protocol.TypeHello, Realm: id}); err != nil {
		conn.CloseNow()
		return nil, perrors.NewTransportError(perrors.ErrCodeRealmClosed, "failed to introduce realm", err)
	}

	r.logger.Debug(ctx, "Realm connected", "url", opts.URL)
	return r, nil
}

// ID returns the realm id.
func (r *Realm) ID() string { return r.id }

// Console returns the realm console, for code running in the sandbox.
func (r *Realm) Console() *instrument.Console { return r.console }

// Run serves the host until the connection ends, ctx is done or a full
// reload is requested.
func (r *Realm) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() { r.writeLoop(ctx) })

	err := r.readLoop(ctx, &wg)

	r.doneOnce.Do(func() { close(r.done) })
	cancel()
	wg.Wait()
	if errors.Is(err, ErrFullReload) {
		r.conn.CloseNow()
	} else {
		r.conn.Close(websocket.StatusNormalClosure, "")
	}

	return err
}

// Close ends the connection.
func (r *Realm) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}

// Document returns the current document, or nil before the first
// successful mount.
func (r *Realm) Document() *Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

// Click clicks the first element matching selector in the current document.
func (r *Realm) Click(selector string) error {
	doc := r.Document()
	if doc == nil {
		return fmt.Errorf("nothing is rendered")
	}
	return doc.Click(selector)
}

// WaitFor blocks until an element matching selector is rendered.
func (r *Realm) WaitFor(ctx context.Context, selector string) error {
	for {
		r.mu.Lock()
		doc, changed := r.doc, r.changed
		r.mu.Unlock()

		if doc != nil && doc.Has(selector) {
			return nil
		}
		select {
		case <-changed:
		case <-r.done:
			return ErrRealmClosed
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q: %w", selector, ctx.Err())
		}
	}
}

func (r *Realm) readLoop(ctx context.Context, wg *conc.WaitGroup) error {
	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, r.conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				r.logger.Warn(ctx, err, "Realm connection lost")
			}
			return fmt.Errorf("%w: %v", ErrRealmClosed, err)
		}

		switch msg.Type {
		case protocol.TypeRequest:
			r.handleRequest(ctx, msg, wg)
		case protocol.TypeUpdate:
			if msg.Update == nil {
				continue
			}
			if err := r.applyUpdate(ctx, *msg.Update); err != nil {
				return err
			}
		default:
			r.logger.Debug(ctx, "Ignoring message", "type", string(msg.Type))
		}
	}
}

func (r *Realm) handleRequest(ctx context.Context, msg protocol.Message, wg *conc.WaitGroup) {
	switch msg.Method {
	case protocol.MethodRender:
		var req protocol.RenderRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			r.respond(msg.ID, &protocol.ResponseError{Code: protocol.CodeBadRequest, Message: err.Error()})
			return
		}
		r.render(ctx, req)
		r.respond(msg.ID, nil)

	case protocol.MethodArmExpectedRefresh:
		r.refresh.Arm()
		r.respond(msg.ID, nil)

	case protocol.MethodWaitForExpectedRefresh:
		// Waits are released by later render cycles, so they cannot block
		// the read loop.
		wg.Go(func() {
			err := r.refresh.Wait(ctx)
			if err != nil && ctx.Err() != nil {
				err = &protocol.ResponseError{Code: protocol.CodeCanceled, Message: err.Error()}
			}
			r.respond(msg.ID, err)
		})

	default:
		r.respond(msg.ID, &protocol.ResponseError{
			Code:    protocol.CodeUnknownMethod,
			Message: fmt.Sprintf("unknown method %q", msg.Method),
		})
	}
}

func (r *Realm) render(ctx context.Context, req protocol.RenderRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.request = &req
	gen := r.gens.Begin()

	if req.Error != nil {
		r.bundle = nil
		r.console.Error(req.Error.Message)
		for _, id := range req.Error.Chain {
			r.console.Error(perrors.DynamicImportFailed(id))
		}
		r.refresh.Complete()
		return
	}
	if req.Bundle == nil {
		r.bundle = nil
		r.console.Errorf("Nothing to render for %s", req.ComponentID)
		r.refresh.Complete()
		return
	}

	r.bundle = &protocol.Bundle{Entry: req.Bundle.Entry, Modules: append([]protocol.Module(nil), req.Bundle.Modules...)}
	r.mount(ctx, gen, "")
}

func (r *Realm) applyUpdate(ctx context.Context, u protocol.Update) error {
	if u.Type == protocol.UpdateFullReload {
		r.logger.Info(ctx, "Full reload requested", "path", u.Path)
		return ErrFullReload
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if u.Error != "" {
		r.console.Error(u.Error)
		r.console.Error(perrors.ReloadFailed(u.Path))
		r.refresh.Complete()
		return nil
	}
	if r.bundle == nil || r.request == nil {
		r.logger.Debug(ctx, "Ignoring update before first render", "path", u.Path)
		return nil
	}

	r.bundle.Merge(u.Modules)
	r.mount(ctx, r.gens.Begin(), u.Path)
	return nil
}

// mount renders the current request as generation gen. updatePath is set
// when the cycle was triggered by a hot update. The caller holds r.mu.
func (r *Realm) mount(ctx context.Context, gen uint64, updatePath string) {
	defer r.refresh.Complete()

	file, name, err := SplitComponentID(r.request.ComponentID)
	if err != nil {
		r.console.CaptureError(err)
		return
	}

	props := map[string]interface{}{}
	if len(r.request.Props) > 0 {
		if err := json.Unmarshal(r.request.Props, &props); err != nil {
			r.console.CaptureError(fmt.Errorf("invalid props for %s: %w", r.request.ComponentID, err))
			return
		}
	}
	props = instrument.WrapProps(props, r.request.Callbacks, r.explicitCallbacks(), r.emit)

	markup, err := r.safeRender(ctx, RenderContext{
		ComponentID: r.request.ComponentID,
		File:        file,
		Name:        name,
		Props:       props,
		Bundle:      r.bundle,
		Console:     r.console,
	})
	if err != nil {
		// The previous document stays on display.
		r.console.CaptureError(err)
		var moduleErr *ModuleError
		if errors.As(err, &moduleErr) {
			if updatePath != "" {
				r.console.Error(perrors.ReloadFailed(updatePath))
			} else {
				r.console.Error(perrors.DynamicImportFailed(moduleErr.Module))
			}
		}
		return
	}

	doc, err := ParseDocument(markup, props, r.opts.BaseURL, r.emit, r.console)
	if err != nil {
		r.console.CaptureError(err)
		return
	}

	r.doc = doc
	close(r.changed)
	r.changed = make(chan struct{})
	r.gens.Mounted(gen)
}

func (r *Realm) safeRender(ctx context.Context, rc RenderContext) (markup string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", rec)
		}
	}()
	return r.opts.Adapter.Render(ctx, rc)
}

func (r *Realm) explicitCallbacks() map[string]instrument.Callback {
	if len(r.opts.Callbacks) == 0 {
		return nil
	}
	out := make(map[string]instrument.Callback, len(r.opts.Callbacks))
	for path, fn := range r.opts.Callbacks {
		fn := fn
		out[path] = func(args ...interface{}) interface{} { return fn(r.console, args...) }
	}
	return out
}

// emit assigns the next sequence number and queues ev. Holding sendMu across
// both keeps seq order and queue order identical.
func (r *Realm) emit(ev protocol.Event) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.seq++
	env, err := protocol.Wrap(r.seq, r.gens.Current(), ev)
	if err != nil {
		r.logger.Error(context.Background(), err, "Dropping event")
		return
	}
	r.push(protocol.Message{Type: protocol.TypeEvent, Event: &env})
}

func (r *Realm) respond(id uint64, err error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.push(protocol.NewResponse(id, nil, err))
}

func (r *Realm) push(msg protocol.Message) {
	select {
	case r.out <- msg:
	case <-r.done:
	}
}

func (r *Realm) writeLoop(ctx context.Context) {
	write := func(msg protocol.Message) bool {
		writeCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := wsjson.Write(writeCtx, r.conn, msg); err != nil {
			r.logger.Warn(ctx, err, "Realm write failed")
			return false
		}
		return true
	}

	for {
		select {
		case msg := <-r.out:
			if !write(msg) {
				return
			}
		case <-r.done:
			// Flush what was queued before shutdown.
			for {
				select {
				case msg := <-r.out:
					if !write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
