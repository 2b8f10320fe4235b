package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conneroisu/isolate/internal/config"
	perrors "github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/metrics"
	"github.com/conneroisu/isolate/internal/protocol"
	"github.com/conneroisu/isolate/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var markupAdapter = sandbox.AdapterFunc(func(ctx context.Context, rc sandbox.RenderContext) (string, error) {
	m, ok := rc.Bundle.Lookup(rc.Bundle.Entry)
	if !ok {
		return "", &sandbox.ModuleError{Module: rc.Bundle.Entry, Err: errors.New("missing entry")}
	}
	return m.Code, nil
})

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) listen(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

type fixture struct {
	ch      *Channel
	srv     *httptest.Server
	metrics *metrics.Metrics
	events  *recorder
}

func newFixture(t *testing.T, refresh config.RefreshConfig) *fixture {
	t.Helper()
	m := metrics.New()
	ch := New(Options{Metrics: m, Refresh: refresh})
	rec := &recorder{}
	ch.SetListener(rec.listen)

	srv := httptest.NewServer(ch)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = ch.Close() })

	return &fixture{ch: ch, srv: srv, metrics: m, events: rec}
}

func (f *fixture) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// startRealm connects an in-process realm and waits until it is attached.
func (f *fixture) startRealm(t *testing.T) *sandbox.Realm {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	realm, err := sandbox.Connect(ctx, sandbox.Options{URL: f.url(), Adapter: markupAdapter})
	require.NoError(t, err)
	go func() { _ = realm.Run(ctx) }()

	require.Eventually(t, func() bool { return f.ch.Realm() == realm.ID() }, 5*time.Second, 5*time.Millisecond)
	return realm
}

func renderRequest(code string) protocol.RenderRequest {
	return protocol.RenderRequest{
		ComponentID: "src/App.html:App",
		Props:       json.RawMessage(`{}`),
		Callbacks:   []string{"onClick"},
		Bundle: &protocol.Bundle{
			Entry:   "/p/src/App.html",
			Modules: []protocol.Module{{ID: "/p/src/App.html", File: "src/App.html", Code: code}},
		},
	}
}

func hotUpdate(code string) protocol.Update {
	return protocol.Update{
		Type:    protocol.UpdateHot,
		Path:    "/src/App.html",
		Modules: []protocol.Module{{ID: "/p/src/App.html", File: "src/App.html", Code: code}},
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEventsDeliveredInOrder(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	realm := f.startRealm(t)
	ctx := testContext(t)

	require.NoError(t, f.ch.Render(ctx, renderRequest(`<button id="b" data-action="onClick">x</button>`)))
	require.NoError(t, realm.Click("#b"))
	require.NoError(t, realm.Click("#b"))

	require.Eventually(t, func() bool { return len(f.events.kinds()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.KindRenderingDone, protocol.KindAction, protocol.KindAction}, f.events.kinds())

	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `isolate_events_total{kind="action"} 2`)
	assert.Contains(t, string(body), `isolate_realms_active 1`)
}

func TestListenerSwap(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	realm := f.startRealm(t)
	ctx := testContext(t)

	require.NoError(t, f.ch.Render(ctx, renderRequest(`<button id="b" data-action="onClick">x</button>`)))
	require.Eventually(t, func() bool { return len(f.events.kinds()) == 1 }, 5*time.Second, 5*time.Millisecond)

	second := &recorder{}
	f.ch.SetListener(second.listen)
	require.NoError(t, realm.Click("#b"))

	require.Eventually(t, func() bool { return len(second.kinds()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.KindRenderingDone}, f.events.kinds())
	assert.Equal(t, []string{protocol.KindAction}, second.kinds())
}

func TestArmWithoutRealmIsNoop(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	assert.NoError(t, f.ch.ArmExpectedRefresh(testContext(t)))
}

func TestSendUpdateWithoutRealm(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	assert.ErrorIs(t, f.ch.SendUpdate(testContext(t), hotUpdate("x")), ErrNoRealm)
}

func TestWaitWithoutExpectationReturns(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	f.startRealm(t)
	ctx := testContext(t)

	require.NoError(t, f.ch.Render(ctx, renderRequest(`<p>x</p>`)))
	assert.NoError(t, f.ch.WaitForExpectedRefresh(ctx))
}

func TestArmThenWaitResolvesAfterUpdate(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	realm := f.startRealm(t)
	ctx := testContext(t)

	require.NoError(t, f.ch.Render(ctx, renderRequest(`<p id="old">old</p>`)))
	require.NoError(t, f.ch.ArmExpectedRefresh(ctx))

	done := make(chan error, 1)
	go func() { done <- f.ch.WaitForExpectedRefresh(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("wait returned before the update: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, f.ch.SendUpdate(ctx, hotUpdate(`<p id="new">new</p>`)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve")
	}

	// The new generation is on screen and its rendering-done was delivered
	// before the wait resolved.
	assert.True(t, realm.Document().Has("#new"))
	assert.Equal(t, []string{protocol.KindRenderingDone, protocol.KindRenderingDone}, f.events.kinds())
}

func TestWaitNotInitializedTimesOut(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		PollLimit:    100 * time.Millisecond,
	})
	f.startRealm(t)

	err := f.ch.WaitForExpectedRefresh(testContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshTimeout)
	assert.True(t, perrors.IsTimeout(err))
	assert.Contains(t, err.Error(), "did not initialize")
}

func TestWaitWithoutRealmTimesOut(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{Timeout: 200 * time.Millisecond})

	start := time.Now()
	err := f.ch.WaitForExpectedRefresh(testContext(t))
	assert.ErrorIs(t, err, ErrRefreshTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWaitHonorsCallerCancellation(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.ch.WaitForExpectedRefresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, ErrRefreshTimeout))
}

func TestWaitRetriesAcrossRealmReplacement(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	ctx := testContext(t)

	f.startRealm(t)
	require.NoError(t, f.ch.Render(ctx, renderRequest(`<p>first</p>`)))
	require.NoError(t, f.ch.ArmExpectedRefresh(ctx))

	// Every new realm gets the component again.
	f.ch.OnConnect(func(ctx context.Context, realmID string) {
		_ = f.ch.Render(ctx, renderRequest(`<p>second</p>`))
	})

	done := make(chan error, 1)
	go func() { done <- f.ch.WaitForExpectedRefresh(ctx) }()
	time.Sleep(50 * time.Millisecond)

	second := f.startRealm(t)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not move to the new realm")
	}
	require.NoError(t, second.WaitFor(ctx, "p"))
}

func TestRenderWaitsForRealm(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() { done <- f.ch.Render(ctx, renderRequest(`<p id="late">late</p>`)) }()

	realm := f.startRealm(t)
	require.NoError(t, <-done)
	require.NoError(t, realm.WaitFor(ctx, "#late"))
}

func TestClosedChannelRejectsRealms(t *testing.T) {
	f := newFixture(t, config.RefreshConfig{})
	require.NoError(t, f.ch.Close())

	_, err := sandbox.Connect(testContext(t), sandbox.Options{URL: f.url(), Adapter: markupAdapter})
	assert.Error(t, err)

	_, err = f.ch.WaitForRealm(testContext(t))
	assert.ErrorIs(t, err, ErrClosed)
}
