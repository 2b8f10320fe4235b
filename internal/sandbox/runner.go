package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/conneroisu/isolate/internal/logging"
)

// Runner keeps a realm attached to the host, replacing it whenever the host
// requests a full reload.
type Runner struct {
	opts   Options
	logger logging.Logger
	clock  clock.Clock

	mu      sync.Mutex
	current *Realm
	changed chan struct{}
}

// NewRunner creates a runner. Nothing connects until Run.
func NewRunner(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Runner{
		opts:    opts,
		logger:  opts.Logger.WithComponent("runner"),
		clock:   opts.Clock,
		changed: make(chan struct{}),
	}
}

// Run connects and serves realms until ctx is done or a realm ends for any
// reason other than a full reload.
func (r *Runner) Run(ctx context.Context) error {
	for {
		realm, err := r.connect(ctx)
		if err != nil {
			return err
		}
		r.setCurrent(realm)

		err = realm.Run(ctx)
		r.setCurrent(nil)
		if errors.Is(err, ErrFullReload) {
			r.logger.Info(ctx, "Replacing realm after full reload", "realm", realm.ID())
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

// connect retries briefly so a runner may start before its host.
func (r *Runner) connect(ctx context.Context) (*Realm, error) {
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		realm, err := Connect(ctx, r.opts)
		if err == nil {
			return realm, nil
		}
		lastErr = err
		r.logger.Debug(ctx, "Connect failed, retrying", "attempt", attempt+1, "error", err.Error())

		select {
		case <-r.clock.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (r *Runner) setCurrent(realm *Realm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = realm
	close(r.changed)
	r.changed = make(chan struct{})
}

// Realm returns the attached realm, or nil between realms.
func (r *Runner) Realm() *Realm {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// WaitForRealm blocks until a realm is attached.
func (r *Runner) WaitForRealm(ctx context.Context) (*Realm, error) {
	return r.waitRealm(ctx, nil)
}

func (r *Runner) waitRealm(ctx context.Context, skip *Realm) (*Realm, error) {
	for {
		r.mu.Lock()
		realm, changed := r.current, r.changed
		r.mu.Unlock()
		if realm != nil && realm != skip {
			return realm, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitFor blocks until selector is rendered, following the runner across
// realm replacements.
func (r *Runner) WaitFor(ctx context.Context, selector string) error {
	var prev *Realm
	for {
		realm, err := r.waitRealm(ctx, prev)
		if err != nil {
			return err
		}
		prev = realm
		err = realm.WaitFor(ctx, selector)
		if !errors.Is(err, ErrRealmClosed) {
			return err
		}
	}
}

// Click clicks selector in the attached realm.
func (r *Runner) Click(ctx context.Context, selector string) error {
	realm, err := r.WaitForRealm(ctx)
	if err != nil {
		return err
	}
	return realm.Click(selector)
}
