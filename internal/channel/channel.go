// Package channel is the host end of the preview event protocol. It accepts
// sandbox realms over a websocket, delivers their events in order to a
// single listener, calls into the current realm and implements refresh
// synchronization on top of those calls.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/conneroisu/isolate/internal/config"
	perrors "github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/conneroisu/isolate/internal/metrics"
	"github.com/conneroisu/isolate/internal/protocol"
	"github.com/sourcegraph/conc"
)

const (
	// Time allowed to write a message to the realm.
	writeWait = 10 * time.Second

	// Time a new connection has to introduce itself.
	helloWait = 10 * time.Second

	// Send pings to the realm with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from a realm.
	maxMessageSize = 4 << 20

	outboundQueueSize = 256

	initialBackoff = 50 * time.Millisecond
	maxBackoff     = time.Second
)

var (
	// ErrRealmClosed matches any call that failed because its realm went
	// away.
	ErrRealmClosed = perrors.NewTransportError(perrors.ErrCodeRealmClosed, "sandbox realm closed", nil)
	// ErrNoRealm is returned when no realm is attached.
	ErrNoRealm = errors.New("no sandbox realm connected")
	// ErrRefreshTimeout matches a refresh wait that ran out of time.
	ErrRefreshTimeout = perrors.NewTimeoutError(perrors.ErrCodeRefreshTimeout, "timed out waiting for the expected refresh")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")
)

// Listener receives every event of the attached realm, in emission order.
type Listener func(protocol.Event)

// Options configures a Channel.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Refresh config.RefreshConfig
	// AllowedOrigins are host patterns accepted from browser clients. Realms
	// started by this process connect without an Origin header.
	AllowedOrigins []string
}

// Channel is an http.Handler accepting realms. At most one realm is attached;
// a new connection replaces the previous one.
type Channel struct {
	logger  logging.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	refresh config.RefreshConfig
	origins []string

	nextID atomic.Uint64

	mu        sync.Mutex
	current   *realmConn
	changed   chan struct{}
	listener  Listener
	onConnect []func(ctx context.Context, realmID string)
	closed    bool

	hooks conc.WaitGroup
}

// New creates a channel.
func New(opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	d := config.Default().Refresh
	if opts.Refresh.Timeout <= 0 {
		opts.Refresh.Timeout = d.Timeout
	}
	if opts.Refresh.PollInterval <= 0 {
		opts.Refresh.PollInterval = d.PollInterval
	}
	if opts.Refresh.PollLimit <= 0 {
		opts.Refresh.PollLimit = d.PollLimit
	}
	return &Channel{
		logger:  opts.Logger.WithComponent("channel"),
		metrics: opts.Metrics,
		clock:   opts.Clock,
		refresh: opts.Refresh,
		origins: opts.AllowedOrigins,
		changed: make(chan struct{}),
	}
}

// SetListener replaces the listener. Events that arrive while no listener is
// set are dropped.
func (c *Channel) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// OnConnect registers fn to run, on its own goroutine, each time a realm
// attaches.
func (c *Channel) OnConnect(fn func(ctx context.Context, realmID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// ServeHTTP accepts a realm and serves it until it disconnects.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		http.Error(w, "channel closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: c.origins,
	})
	if err != nil {
		c.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	helloCtx, helloCancel := context.WithTimeout(ctx, helloWait)
	var hello protocol.Message
	err = wsjson.Read(helloCtx, conn, &hello)
	helloCancel()
	if err != nil || hello.Type != protocol.TypeHello || hello.Realm == "" {
		c.logger.Warn(ctx, err, "Realm did not introduce itself")
		conn.Close(websocket.StatusPolicyViolation, "expected hello")
		return
	}

	rc := newRealmConn(hello.Realm, conn)
	c.attach(ctx, rc)
	defer c.detach(ctx, rc)

	var wg conc.WaitGroup
	wg.Go(func() { c.writeLoop(ctx, rc) })
	defer wg.Wait()
	defer cancel()

	c.readLoop(ctx, rc)
}

func (c *Channel) attach(ctx context.Context, rc *realmConn) {
	c.mu.Lock()
	previous := c.current
	c.current = rc
	close(c.changed)
	c.changed = make(chan struct{})
	hooks := append([]func(context.Context, string){}, c.onConnect...)
	c.mu.Unlock()

	if previous != nil {
		c.logger.Info(ctx, "Realm replaced", "previous", previous.id, "realm", rc.id)
		previous.close()
		previous.conn.Close(websocket.StatusGoingAway, "replaced")
	} else {
		c.logger.Info(ctx, "Realm attached", "realm", rc.id)
	}
	c.metrics.RealmConnected()

	for _, fn := range hooks {
		fn := fn
		c.hooks.Go(func() { fn(context.WithoutCancel(ctx), rc.id) })
	}
}

func (c *Channel) detach(ctx context.Context, rc *realmConn) {
	rc.close()
	c.metrics.RealmDisconnected()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == rc {
		c.current = nil
		close(c.changed)
		c.changed = make(chan struct{})
		c.logger.Info(ctx, "Realm detached", "realm", rc.id)
	}
}

func (c *Channel) readLoop(ctx context.Context, rc *realmConn) {
	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, rc.conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if ctx.Err() == nil && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.logger.Warn(ctx, err, "Realm transport failed", "realm", rc.id)
			}
			return
		}

		switch msg.Type {
		case protocol.TypeEvent:
			if msg.Event == nil {
				continue
			}
			ev, err := msg.Event.Event()
			if err != nil {
				c.logger.Warn(ctx, err, "Dropping malformed event", "realm", rc.id)
				continue
			}
			if msg.Event.Seq <= rc.lastSeq {
				c.logger.Warn(ctx, nil, "Event out of order", "realm", rc.id, "seq", msg.Event.Seq, "last", rc.lastSeq)
			}
			rc.lastSeq = msg.Event.Seq
			c.metrics.RecordEvent(ev.Kind())
			c.deliver(ev)
		case protocol.TypeResponse:
			rc.resolve(msg)
		default:
			c.logger.Debug(ctx, "Ignoring message", "type", string(msg.Type))
		}
	}
}

func (c *Channel) deliver(ev protocol.Event) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(ev)
	}
}

func (c *Channel) writeLoop(ctx context.Context, rc *realmConn) {
	ticker := c.clock.Ticker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-rc.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := wsjson.Write(writeCtx, rc.conn, msg)
			cancel()
			if err != nil {
				c.logger.Warn(ctx, err, "Realm write failed", "realm", rc.id)
				rc.close()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := rc.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				rc.close()
				return
			}
		case <-rc.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Realm returns the id of the attached realm, or "".
func (c *Channel) Realm() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.id
}

// WaitForRealm blocks until a realm is attached and returns its id.
func (c *Channel) WaitForRealm(ctx context.Context) (string, error) {
	rc, err := c.waitRealm(ctx)
	if err != nil {
		return "", err
	}
	return rc.id, nil
}

func (c *Channel) waitRealm(ctx context.Context) (*realmConn, error) {
	for {
		c.mu.Lock()
		rc, changed, closed := c.current, c.changed, c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if rc != nil {
			return rc, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Channel) currentRealm() *realmConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// call performs a request against the attached realm.
func (c *Channel) call(ctx context.Context, rc *realmConn, method string, params interface{}) (protocol.Message, error) {
	if rc == nil {
		return protocol.Message{}, ErrNoRealm
	}
	id := c.nextID.Add(1)
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return protocol.Message{}, err
	}

	ch, ok := rc.register(id)
	if !ok {
		return protocol.Message{}, rc.closedErr()
	}
	defer rc.unregister(id)

	if err := rc.send(ctx, msg); err != nil {
		return protocol.Message{}, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Code == protocol.CodeCanceled {
				// The realm is shutting down.
				return resp, rc.closedErr()
			}
			return resp, resp.Error
		}
		return resp, nil
	case <-rc.closed:
		return protocol.Message{}, rc.closedErr()
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Render asks the realm to render req, waiting for a realm to attach first.
func (c *Channel) Render(ctx context.Context, req protocol.RenderRequest) error {
	rc, err := c.waitRealm(ctx)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, rc, protocol.MethodRender, req)
	if err != nil {
		return fmt.Errorf("render %s: %w", req.ComponentID, err)
	}
	return nil
}

// SendUpdate pushes a hot update to the attached realm.
func (c *Channel) SendUpdate(ctx context.Context, u protocol.Update) error {
	rc := c.currentRealm()
	if rc == nil {
		return ErrNoRealm
	}
	return rc.send(ctx, protocol.Message{Type: protocol.TypeUpdate, Update: &u})
}

// ArmExpectedRefresh tells the realm that a refresh is about to happen.
// Without a realm, or when the realm goes away during the call, it does
// nothing.
func (c *Channel) ArmExpectedRefresh(ctx context.Context) error {
	_, err := c.call(ctx, c.currentRealm(), protocol.MethodArmExpectedRefresh, nil)
	switch {
	case err == nil, errors.Is(err, ErrNoRealm), errors.Is(err, ErrRealmClosed):
		return nil
	default:
		return err
	}
}

// WaitForExpectedRefresh blocks until the armed refresh has rendered. A realm
// torn down mid-wait is retried against its successor with exponential
// backoff; a realm that has not finished its first render is polled. The
// whole wait is bounded by the refresh timeout.
func (c *Channel) WaitForExpectedRefresh(ctx context.Context) error {
	start := c.clock.Now()
	defer func() { c.metrics.ObserveRefreshWait(c.clock.Since(start)) }()

	waitCtx, cancel := c.clock.WithTimeout(ctx, c.refresh.Timeout)
	defer cancel()

	backoff := initialBackoff
	var notInitializedSince time.Time

	for {
		_, err := c.call(waitCtx, c.currentRealm(), protocol.MethodWaitForExpectedRefresh, nil)

		var delay time.Duration
		switch {
		case err == nil:
			return nil

		case errors.Is(err, protocol.ErrNotInitialized):
			now := c.clock.Now()
			if notInitializedSince.IsZero() {
				notInitializedSince = now
			}
			if now.Sub(notInitializedSince) >= c.refresh.PollLimit {
				return perrors.NewTimeoutError(perrors.ErrCodeRefreshTimeout,
					fmt.Sprintf("sandbox did not initialize within %s", c.refresh.PollLimit))
			}
			delay = c.refresh.PollInterval

		case errors.Is(err, ErrRealmClosed), errors.Is(err, ErrNoRealm):
			c.logger.Debug(ctx, "Refresh wait retrying", "error", err.Error(), "backoff", backoff.String())
			delay = backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

		case waitCtx.Err() != nil:
			return c.waitErr(ctx)

		default:
			return err
		}

		timer := c.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-waitCtx.Done():
			timer.Stop()
			return c.waitErr(ctx)
		}
	}
}

// waitErr distinguishes the caller giving up from the refresh timeout.
func (c *Channel) waitErr(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return perrors.NewTimeoutError(perrors.ErrCodeRefreshTimeout,
		fmt.Sprintf("no refresh within %s", c.refresh.Timeout))
}

// Close detaches the current realm and refuses new ones.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rc := c.current
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	if rc != nil {
		rc.close()
		rc.conn.Close(websocket.StatusNormalClosure, "host closed")
	}
	c.hooks.Wait()
	return nil
}
