package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	iotguardgo "github.com/tomyedwab/iotguard/clients/go"
	"github.com/tomyedwab/iotguard/session"
)

// DefaultMaxBytes caps the size of a fetched resource.
const DefaultMaxBytes = 32 << 20

// ErrNoToken is the error of a loader that has a source but no access token
// to fetch it with.
var ErrNoToken = errors.New("no access token")

// State is the lifecycle state of a Loader.
type State int

const (
	Idle State = iota
	Loading
	Loaded
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Placeholder tells a renderer what to show instead of the resource.
type Placeholder int

const (
	PlaceholderNone Placeholder = iota
	PlaceholderLoading
	PlaceholderError
)

// LoadError describes a failed fetch.
type LoadError struct {
	Source     string
	StatusCode int // Zero when no response arrived
	Err        error
}

func (e *LoadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("load %s: status %d", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// View is a snapshot of a Loader.
type View struct {
	State      State
	Source     string
	Handle     Handle // Zero unless a resource is displayed
	Err        error  // Set in the Error state
	Generation uint64
}

// Placeholder returns what to render in place of the resource. While a new
// generation loads over a displayed handle, the handle stays visible.
func (v View) Placeholder() Placeholder {
	switch {
	case v.State == Error:
		return PlaceholderError
	case v.State == Loading && v.Handle.IsZero():
		return PlaceholderLoading
	default:
		return PlaceholderNone
	}
}

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Recorder counts fetch outcomes. *iotguardgo.Metrics implements it.
type Recorder interface {
	ResourceLoad(outcome string)
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithRecorder counts fetch outcomes in r.
func WithRecorder(r Recorder) Option {
	return func(l *Loader) {
		l.recorder = r
	}
}

// WithBaseURL resolves relative sources such as "/evidences/5/file" against
// baseURL.
func WithBaseURL(baseURL string) Option {
	return func(l *Loader) {
		l.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithMaxBytes caps the size of a fetched resource.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		l.maxBytes = n
	}
}

// Loader fetches one authenticated resource for one consumer.
//
// Fetches go through doer as-is: the loader stamps the bearer token itself
// and never renews it, so a failed load cannot end the session. When the
// token changes the loader reloads on its own.
type Loader struct {
	store    *session.Store
	doer     Doer
	mat      Materializer
	logger   *slog.Logger
	recorder Recorder
	baseURL  string
	maxBytes int64

	mu      sync.Mutex // Protects everything below
	view    View
	token   string // Token the current generation fetches with
	cancel  context.CancelFunc
	closed  bool
	changed chan struct{} // Closed and replaced on every state change
	subs    map[uint64]func(View)
	nextSub uint64

	notifyMu    sync.Mutex
	unsubscribe func()
	inflight    sync.WaitGroup
}

// NewLoader creates an idle loader. It follows access token changes in store
// until Close.
func NewLoader(store *session.Store, doer Doer, mat Materializer, options ...Option) *Loader {
	l := &Loader{
		store:    store,
		doer:     doer,
		mat:      mat,
		maxBytes: DefaultMaxBytes,
		changed:  make(chan struct{}),
		subs:     make(map[uint64]func(View)),
	}
	for _, option := range options {
		option(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l.logger = l.logger.With("component", "resource")
	l.unsubscribe = store.Subscribe(l.sessionChanged)
	return l
}

// View returns the current snapshot.
func (l *Loader) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view
}

// SetSource points the loader at src. Setting the current source again does
// nothing; an empty source returns the loader to Idle.
func (l *Loader) SetSource(src string) {
	l.mu.Lock()
	if l.closed || src == l.view.Source {
		l.mu.Unlock()
		return
	}
	l.view.Source = src
	l.restartLocked()
	l.mu.Unlock()
	l.notify()
}

func (l *Loader) sessionChanged(s session.Session) {
	l.mu.Lock()
	if l.closed || l.view.Source == "" || s.AccessToken == l.token {
		l.mu.Unlock()
		return
	}
	l.logger.Debug("access token changed, reloading", "source", l.view.Source)
	l.restartLocked()
	l.mu.Unlock()
	l.notify()
}

// restartLocked starts a new generation for the current source. The
// displayed handle survives a restart into Loading.
func (l *Loader) restartLocked() {
	l.view.Generation++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.token = l.store.AccessToken()
	l.view.Err = nil

	switch {
	case l.view.Source == "":
		l.releaseLocked()
		l.view.State = Idle
	case l.token == "":
		l.releaseLocked()
		l.view.State = Error
		l.view.Err = &LoadError{Source: l.view.Source, Err: ErrNoToken}
		l.record("no_token")
	default:
		l.view.State = Loading
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.inflight.Add(1)
		go l.fetch(ctx, l.view.Generation, l.view.Source, l.token)
	}
	l.signalLocked()
}

func (l *Loader) fetch(ctx context.Context, gen uint64, src, token string) {
	defer l.inflight.Done()

	data, contentType, err := l.get(ctx, src, token)

	l.mu.Lock()
	if l.closed || gen != l.view.Generation {
		l.mu.Unlock()
		l.logger.Debug("discarding superseded load", "source", src, "generation", gen)
		l.record("discarded")
		return
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	if err == nil {
		var h Handle
		h, err = l.mat.Materialize(data, contentType)
		if err == nil {
			previous := l.view.Handle
			l.view.Handle = h
			l.view.State = Loaded
			l.view.Err = nil
			if !previous.IsZero() {
				l.mat.Release(previous)
			}
			l.signalLocked()
			l.mu.Unlock()
			l.record("success")
			l.notify()
			return
		}
		err = &LoadError{Source: src, Err: err}
	}

	l.releaseLocked()
	l.view.State = Error
	l.view.Err = err
	l.signalLocked()
	l.mu.Unlock()

	l.logger.Warn("resource load failed", "source", src, "error", err)
	l.record("failure")
	l.notify()
}

// get performs the authorized fetch of src.
func (l *Loader) get(ctx context.Context, src, token string) ([]byte, string, error) {
	target := src
	if l.baseURL != "" && strings.HasPrefix(src, "/") {
		target = l.baseURL + src
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", &LoadError{Source: src, Err: err}
	}
	iotguardgo.AuthorizeRequest(req, token)

	resp, err := l.doer.Do(req)
	if err != nil {
		return nil, "", &LoadError{Source: src, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &LoadError{
			Source:     src,
			StatusCode: resp.StatusCode,
			Err:        iotguardgo.WrapHTTPError(resp, "resource fetch failed"),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, "", &LoadError{Source: src, Err: err}
	}
	if int64(len(data)) > l.maxBytes {
		return nil, "", &LoadError{Source: src, Err: fmt.Errorf("resource exceeds %d bytes", l.maxBytes)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// Await blocks until the loader leaves Loading or ctx is done, and returns
// the view it settled on.
func (l *Loader) Await(ctx context.Context) (View, error) {
	for {
		l.mu.Lock()
		view, changed := l.view, l.changed
		l.mu.Unlock()
		if view.State != Loading {
			return view, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return view, ctx.Err()
		}
	}
}

// Subscribe registers fn to be called with the new view after every change.
// The returned function removes the subscription.
func (l *Loader) Subscribe(fn func(View)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

// Close aborts any transfer in flight, releases the displayed handle and
// stops following the session. The loader does not change afterwards.
// Close is idempotent.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.view.Generation++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.releaseLocked()
	l.view.State = Idle
	l.view.Err = nil
	l.subs = map[uint64]func(View){}
	l.signalLocked()
	l.mu.Unlock()

	l.unsubscribe()
}

// Detach closes the loader like Close but hands the displayed handle to the
// caller instead of releasing it. The caller must release it.
func (l *Loader) Detach() Handle {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Handle{}
	}
	h := l.view.Handle
	l.view.Handle = Handle{}
	l.mu.Unlock()

	l.Close()
	return h
}

// Wait blocks until every fetch goroutine has returned.
func (l *Loader) Wait() {
	l.inflight.Wait()
}

func (l *Loader) releaseLocked() {
	if !l.view.Handle.IsZero() {
		l.mat.Release(l.view.Handle)
		l.view.Handle = Handle{}
	}
}

func (l *Loader) signalLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// notify delivers the current view to subscribers. Deliveries are
// serialized so no subscriber sees views out of order.
func (l *Loader) notify() {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	view := l.view
	fns := make([]func(View), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

func (l *Loader) record(outcome string) {
	if l.recorder != nil {
		l.recorder.ResourceLoad(outcome)
	}
}
