package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	perrors "github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/instrument"
	"github.com/conneroisu/isolate/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// markupAdapter renders the entry module code verbatim. Code starting with
// "syntax error" fails to evaluate and "throw" fails while rendering.
var markupAdapter = AdapterFunc(func(ctx context.Context, rc RenderContext) (string, error) {
	m, ok := rc.Bundle.Lookup(rc.Bundle.Entry)
	if !ok {
		return "", &ModuleError{Module: rc.Bundle.Entry, Err: errors.New("missing entry")}
	}
	switch {
	case strings.HasPrefix(m.Code, "syntax error"):
		return "", &ModuleError{Module: m.ID, Err: fmt.Errorf("%s: Unexpected token", m.File)}
	case strings.HasPrefix(m.Code, "throw"):
		return "", fmt.Errorf("%s is not defined", strings.TrimSpace(strings.TrimPrefix(m.Code, "throw")))
	}
	return m.Code, nil
})

type fakeHost struct {
	t      *testing.T
	srv    *httptest.Server
	conns  chan *websocket.Conn
	stop   chan struct{}
	conn   *websocket.Conn
	nextID uint64
	events []protocol.Envelope
}

func newFakeHost(t *testing.T) *fakeHost {
	h := &fakeHost{t: t, conns: make(chan *websocket.Conn, 4), stop: make(chan struct{})}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.SetReadLimit(maxMessageSize)
		h.conns <- c
		<-h.stop
	}))
	t.Cleanup(h.srv.Close)
	t.Cleanup(func() { close(h.stop) })
	return h
}

func (h *fakeHost) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

// accept waits for the next realm and reads its hello.
func (h *fakeHost) accept() string {
	h.t.Helper()
	select {
	case h.conn = <-h.conns:
	case <-time.After(5 * time.Second):
		h.t.Fatal("no realm connected")
	}
	msg := h.read()
	require.Equal(h.t, protocol.TypeHello, msg.Type)
	require.NotEmpty(h.t, msg.Realm)
	return msg.Realm
}

func (h *fakeHost) read() protocol.Message {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg protocol.Message
	require.NoError(h.t, wsjson.Read(ctx, h.conn, &msg))
	return msg
}

func (h *fakeHost) send(msg protocol.Message) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, wsjson.Write(ctx, h.conn, msg))
}

func (h *fakeHost) request(method string, params interface{}) uint64 {
	h.t.Helper()
	h.nextID++
	msg, err := protocol.NewRequest(h.nextID, method, params)
	require.NoError(h.t, err)
	h.send(msg)
	return h.nextID
}

// await reads until the response to id, recording events on the way.
func (h *fakeHost) await(id uint64) protocol.Message {
	h.t.Helper()
	for {
		msg := h.read()
		switch msg.Type {
		case protocol.TypeEvent:
			h.events = append(h.events, *msg.Event)
		case protocol.TypeResponse:
			if msg.ID == id {
				return msg
			}
		}
	}
}

// awaitKind reads until an event of kind arrives.
func (h *fakeHost) awaitKind(kind string) protocol.Event {
	h.t.Helper()
	for {
		msg := h.read()
		if msg.Type != protocol.TypeEvent {
			continue
		}
		h.events = append(h.events, *msg.Event)
		if msg.Event.Kind == kind {
			ev, err := msg.Event.Event()
			require.NoError(h.t, err)
			return ev
		}
	}
}

func (h *fakeHost) messages() []string {
	var out []string
	for _, env := range h.events {
		ev, err := env.Event()
		require.NoError(h.t, err)
		if m, ok := ev.(protocol.LogMessage); ok {
			out = append(out, m.Message)
		}
	}
	return out
}

func (h *fakeHost) count(kind string) int {
	n := 0
	for _, env := range h.events {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func startRealm(t *testing.T, h *fakeHost, opts Options) (*Realm, <-chan error) {
	t.Helper()
	opts.URL = h.url()
	if opts.Adapter == nil {
		opts.Adapter = markupAdapter
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	realm, err := Connect(ctx, opts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- realm.Run(ctx) }()

	id := h.accept()
	assert.Equal(t, realm.ID(), id)
	return realm, done
}

func appRequest(code string, callbacks ...string) protocol.RenderRequest {
	return protocol.RenderRequest{
		ComponentID: "src/App.html:App",
		Props:       json.RawMessage(`{"label":"hi"}`),
		Callbacks:   callbacks,
		Bundle: &protocol.Bundle{
			Entry:   "/p/src/App.html",
			Modules: []protocol.Module{{ID: "/p/src/App.html", File: "src/App.html", Code: code}},
		},
	}
}

func TestRealmRenderAndClick(t *testing.T) {
	h := newFakeHost(t)
	realm, _ := startRealm(t, h, Options{})

	resp := h.await(h.request(protocol.MethodRender, appRequest(`<button id="b" data-action="onClick">x</button>`, "onClick")))
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, h.count(protocol.KindRenderingDone))

	require.NoError(t, realm.WaitFor(context.Background(), "#b"))
	require.NoError(t, realm.Click("#b"))

	ev := h.awaitKind(protocol.KindAction)
	assert.Equal(t, protocol.Action{Path: "onClick", Type: protocol.ActionFn}, ev)

	for i := 1; i < len(h.events); i++ {
		assert.Greater(t, h.events[i].Seq, h.events[i-1].Seq)
	}
}

func TestRealmExplicitCallback(t *testing.T) {
	h := newFakeHost(t)
	realm, _ := startRealm(t, h, Options{
		Callbacks: map[string]ExplicitCallback{
			"onClick": func(console *instrument.Console, args ...interface{}) interface{} {
				console.Log("clicked")
				return nil
			},
		},
	})

	h.await(h.request(protocol.MethodRender, appRequest(`<button data-action="onClick">x</button>`)))
	require.NoError(t, realm.Click("button"))

	ev := h.awaitKind(protocol.KindAction)
	assert.Equal(t, protocol.Action{Path: "onClick", Type: protocol.ActionFn}, ev)
	ev = h.awaitKind(protocol.KindLogMessage)
	assert.Equal(t, "clicked", ev.(protocol.LogMessage).Message)
}

func TestRealmRenderBuildError(t *testing.T) {
	h := newFakeHost(t)
	realm, _ := startRealm(t, h, Options{})

	req := protocol.RenderRequest{
		ComponentID: "src/App.tsx:App",
		Error: &protocol.BuildError{
			Message: `Failed to resolve import "./missing" from "src/App.tsx". Does the file exist?`,
			Chain:   []string{"/p/src/App.tsx"},
		},
	}
	resp := h.await(h.request(protocol.MethodRender, req))
	require.Nil(t, resp.Error)

	// The cycle is over, so waiting without an expectation returns at once.
	resp = h.await(h.request(protocol.MethodWaitForExpectedRefresh, nil))
	require.Nil(t, resp.Error)

	assert.Equal(t, []string{
		`Failed to resolve import "./missing" from "src/App.tsx". Does the file exist?`,
		perrors.DynamicImportFailed("/p/src/App.tsx"),
	}, h.messages())
	assert.Zero(t, h.count(protocol.KindRenderingDone))
	assert.Nil(t, realm.Document())
}

func TestRealmInitialModuleError(t *testing.T) {
	h := newFakeHost(t)
	startRealm(t, h, Options{})

	h.await(h.request(protocol.MethodRender, appRequest(`syntax error`)))
	h.await(h.request(protocol.MethodWaitForExpectedRefresh, nil))

	assert.Equal(t, []string{
		"src/App.html: Unexpected token",
		perrors.DynamicImportFailed("/p/src/App.html"),
	}, h.messages())
}

func TestRealmWaitBeforeFirstRender(t *testing.T) {
	h := newFakeHost(t)
	startRealm(t, h, Options{})

	resp := h.await(h.request(protocol.MethodWaitForExpectedRefresh, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeNotInitialized, resp.Error.Code)
	assert.ErrorIs(t, resp.Error, protocol.ErrNotInitialized)
}

func TestRealmUnknownMethod(t *testing.T) {
	h := newFakeHost(t)
	startRealm(t, h, Options{})

	resp := h.await(h.request("reticulate", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnknownMethod, resp.Error.Code)
}

func TestRealmHotUpdate(t *testing.T) {
	h := newFakeHost(t)
	realm, _ := startRealm(t, h, Options{})

	h.await(h.request(protocol.MethodRender, appRequest(`<p id="old">old</p>`)))
	h.await(h.request(protocol.MethodArmExpectedRefresh, nil))
	waitID := h.request(protocol.MethodWaitForExpectedRefresh, nil)

	h.send(protocol.Message{Type: protocol.TypeUpdate, Update: &protocol.Update{
		Type:    protocol.UpdateHot,
		Path:    "/src/App.html",
		Modules: []protocol.Module{{ID: "/p/src/App.html", File: "src/App.html", Code: `<p id="new">new</p>`}},
	}})

	resp := h.await(waitID)
	require.Nil(t, resp.Error)

	// rendering-done of the new generation arrives before the wait resolves.
	require.Equal(t, 2, h.count(protocol.KindRenderingDone))
	last := h.events[len(h.events)-1]
	assert.Equal(t, protocol.KindRenderingDone, last.Kind)
	assert.Equal(t, uint64(2), last.Generation)

	doc := realm.Document()
	require.NotNil(t, doc)
	assert.True(t, doc.Has("#new"))
	assert.False(t, doc.Has("#old"))
}

func TestRealmUpdateWithError(t *testing.T) {
	h := newFakeHost(t)
	realm, _ := startRealm(t, h, Options{})

	h.await(h.request(protocol.MethodRender, appRequest(`<p id="old">old</p>`)))
	h.await(h.request(protocol.MethodArmExpectedRefresh, nil))
	waitID := h.request(protocol.MethodWaitForExpectedRefresh, nil)

	h.send(protocol.Message{Type: protocol.TypeUpdate, Update: &protocol.Update{
		Type:  protocol.UpdateHot,
		Path:  "/src/App.html",
		Error: "src/App.html: Unexpected token",
	}})
	require.Nil(t, h.await(waitID).Error)

	assert.Equal(t, []string{
		"src/App.html: Unexpected token",
		perrors.ReloadFailed("/src/App.html"),
	}, h.messages())
	assert.True(t, realm.Document().Has("#old"))
}

func TestRealmUpdateModuleError(t *testing.T) {
	h := newFakeHost(t)
	realm, _ := startRealm(t, h, Options{})

	h.await(h.request(protocol.MethodRender, appRequest(`<p id="old">old</p>`)))
	h.await(h.request(protocol.MethodArmExpectedRefresh, nil))
	waitID := h.request(protocol.MethodWaitForExpectedRefresh, nil)

	h.send(protocol.Message{Type: protocol.TypeUpdate, Update: &protocol.Update{
		Type:    protocol.UpdateHot,
		Path:    "/src/App.html",
		Modules: []protocol.Module{{ID: "/p/src/App.html", File: "src/App.html", Code: `syntax error`}},
	}})
	require.Nil(t, h.await(waitID).Error)

	assert.Equal(t, []string{
		"src/App.html: Unexpected token",
		perrors.ReloadFailed("/src/App.html"),
	}, h.messages())
	assert.Equal(t, 1, h.count(protocol.KindRenderingDone))
	assert.True(t, realm.Document().Has("#old"))
}

func TestRealmRuntimeRenderError(t *testing.T) {
	h := newFakeHost(t)
	realm, _ := startRealm(t, h, Options{})

	h.await(h.request(protocol.MethodRender, appRequest(`<p id="old">old</p>`)))
	h.await(h.request(protocol.MethodArmExpectedRefresh, nil))
	waitID := h.request(protocol.MethodWaitForExpectedRefresh, nil)

	h.send(protocol.Message{Type: protocol.TypeUpdate, Update: &protocol.Update{
		Type:    protocol.UpdateHot,
		Path:    "/src/App.html",
		Modules: []protocol.Module{{ID: "/p/src/App.html", File: "src/App.html", Code: `throw foo`}},
	}})
	require.Nil(t, h.await(waitID).Error)

	assert.Equal(t, []string{"foo is not defined"}, h.messages())
	assert.True(t, realm.Document().Has("#old"))
}

func TestRealmReportsUnhandledRejection(t *testing.T) {
	h := newFakeHost(t)
	async := AdapterFunc(func(ctx context.Context, rc RenderContext) (string, error) {
		rc.Console.Go(func() error { return errors.New("request aborted") })
		return `<p id="ok">ok</p>`, nil
	})
	realm, _ := startRealm(t, h, Options{Adapter: async})

	h.await(h.request(protocol.MethodRender, appRequest("")))
	// The rejection may land before or after the render response.
	if len(h.messages()) == 0 {
		h.awaitKind(protocol.KindLogMessage)
	}
	assert.Equal(t, []string{"Unhandled rejection: request aborted"}, h.messages())
	assert.True(t, realm.Document().Has("#ok"))
}

func TestRealmFullReload(t *testing.T) {
	h := newFakeHost(t)
	_, done := startRealm(t, h, Options{})

	h.send(protocol.Message{Type: protocol.TypeUpdate, Update: &protocol.Update{
		Type: protocol.UpdateFullReload,
		Path: "/src/App.html",
	}})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrFullReload)
	case <-time.After(5 * time.Second):
		t.Fatal("realm did not stop")
	}
}

func TestRunnerReplacesRealmOnFullReload(t *testing.T) {
	h := newFakeHost(t)
	runner := NewRunner(Options{URL: h.url(), Adapter: markupAdapter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	first := h.accept()
	h.send(protocol.Message{Type: protocol.TypeUpdate, Update: &protocol.Update{Type: protocol.UpdateFullReload}})

	second := h.accept()
	assert.NotEqual(t, first, second)

	h.await(h.request(protocol.MethodRender, appRequest(`<p id="fresh">fresh</p>`)))

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, runner.WaitFor(waitCtx, "#fresh"))

	realm, err := runner.WaitForRealm(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, second, realm.ID())
}
