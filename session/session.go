package session

import (
	"context"
	"errors"
	"sync"

	"github.com/caffeineduck/wasmload/hostfunc"
	"github.com/caffeineduck/wasmload/loader"
	"go.uber.org/zap"
)

var ErrSessionClosed = errors.New("session closed")

// Loader is the pipeline a session drives. *loader.Loader implements it.
type Loader interface {
	Load(ctx context.Context, src loader.Source, imports hostfunc.Imports) (*loader.Result, error)
}

// State is a snapshot of a session. Data and Err are mutually exclusive and
// both are nil while Loading.
type State struct {
	Loading bool
	Err     error
	Data    *loader.Result
}

// Settled reports whether the latest run has finished.
func (s State) Settled() bool { return !s.Loading }

// Controller starts sessions that share a loader and options.
type Controller struct {
	loader Loader
	cfg    config
}

func New(l Loader, opts ...Option) *Controller {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{loader: l, cfg: cfg}
}

type Session struct {
	loader Loader
	cfg    config
	logger *zap.Logger
	parent context.Context

	mu      sync.Mutex
	state   State
	version uint64
	changed chan struct{}
	prev    source
	token   uint64
	cancel  context.CancelFunc
	closed  bool

	observers   map[int]*observer
	nextObs     int
	queue       []delivery
	queued      *sync.Cond
	dispatching bool
}

// observer receives every snapshot newer than from.
type observer struct {
	fn   func(State)
	from uint64
}

// delivery is a snapshot waiting for the dispatcher. A delivery with an
// observer id goes to that observer alone.
type delivery struct {
	state   State
	version uint64
	id      int
	initial bool
}

// source is the part of a loader.Source that forms the change key.
type source struct {
	url    string
	buffer []byte
}

// differs applies the change rule: a present URL is compared by value, and
// the buffer only counts when no URL is present.
func (p source) differs(src loader.Source) bool {
	if src.HasURL() {
		return src.URL != p.url
	}
	return !sameBuffer(src.Buffer, p.buffer)
}

// sameBuffer compares slices by identity: same backing array and length.
// nil equals only nil.
func sameBuffer(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

// Start begins a session and runs the pipeline for src right away. ctx
// bounds every run of the session; cancelling it fails the in-flight run.
func (c *Controller) Start(ctx context.Context, src loader.Source, imports hostfunc.Imports) *Session {
	s := &Session{
		loader:    c.loader,
		cfg:       c.cfg,
		logger:    c.cfg.logger,
		parent:    ctx,
		changed:   make(chan struct{}),
		observers: make(map[int]*observer),
	}
	s.queued = sync.NewCond(&s.mu)

	s.mu.Lock()
	s.trigger(src, imports)
	s.mu.Unlock()
	return s
}

// Update re-evaluates the change rule for src. It returns true if a new run
// was started. imports are used only when a run starts; a change to imports
// alone never triggers one.
func (s *Session) Update(src loader.Source, imports hostfunc.Imports) bool {
	s.mu.Lock()
	if s.closed || !s.prev.differs(src) {
		s.mu.Unlock()
		return false
	}
	replaced := s.trigger(src, imports)
	s.mu.Unlock()

	s.release(replaced)
	return true
}

// trigger resets the state to loading and starts a run. It returns the
// result being replaced. s.mu must be held.
func (s *Session) trigger(src loader.Source, imports hostfunc.Imports) *loader.Result {
	if s.cancel != nil {
		s.cancel()
	}
	replaced := s.state.Data

	s.token++
	token := s.token
	ctx, cancel := context.WithCancel(s.parent)
	s.cancel = cancel
	s.prev = source{url: src.URL, buffer: src.Buffer}
	s.setState(State{Loading: true})

	s.logger.Debug("starting run",
		zap.Uint64("run", token),
		zap.String("url", src.URL),
		zap.Int("buffer", len(src.Buffer)))

	go s.run(ctx, token, src, imports)
	return replaced
}

func (s *Session) run(ctx context.Context, token uint64, src loader.Source, imports hostfunc.Imports) {
	res, err := s.loader.Load(ctx, src, imports)

	s.mu.Lock()
	if token != s.token || s.closed {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded run", zap.Uint64("run", token), zap.Error(err))
		if res != nil {
			if cerr := res.Close(context.Background()); cerr != nil {
				s.logger.Warn("close superseded result", zap.Error(cerr))
			}
		}
		return
	}

	if err != nil {
		s.setState(State{Err: err})
		s.logger.Debug("run failed", zap.Uint64("run", token), zap.Error(err))
	} else {
		s.setState(State{Data: res})
		s.logger.Debug("run succeeded", zap.Uint64("run", token))
	}
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()
}

// setState replaces the state wholesale, wakes waiters and queues the
// snapshot for observers. s.mu must be held.
func (s *Session) setState(st State) {
	s.state = st
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})

	if len(s.observers) > 0 {
		s.queue = append(s.queue, delivery{state: st, version: s.version})
		s.queued.Signal()
	}
}

// State returns the latest snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the latest run has settled and returns its state. A run
// superseded while waiting is skipped; Wait follows the newest one.
func (s *Session) Wait(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		st, changed, closed := s.state, s.changed, s.closed
		s.mu.Unlock()

		if st.Settled() {
			return st, nil
		}
		if closed {
			return st, ErrSessionClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Subscribe registers fn to receive state snapshots, starting with the
// current one. Snapshots are delivered in order, none skipped, on a single
// goroutine per session with no session lock held, so fn may call Update,
// State or Close. A slow fn delays later snapshots but never the session.
// The returned function removes the subscription; a snapshot already
// being handed out may still reach fn once after it returns.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	if s.closed {
		snap := s.state
		s.mu.Unlock()
		fn(snap)
		return func() {}
	}

	id := s.nextObs
	s.nextObs++
	s.observers[id] = &observer{fn: fn, from: s.version}
	s.queue = append(s.queue, delivery{state: s.state, version: s.version, id: id, initial: true})
	if !s.dispatching {
		s.dispatching = true
		go s.dispatch()
	}
	s.queued.Signal()
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// dispatch hands queued snapshots to observers until the session is closed
// and the queue is drained.
func (s *Session) dispatch() {
	var targets []func(State)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.queued.Wait()
		}
		if len(s.queue) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]

		targets = targets[:0]
		if d.initial {
			if o, ok := s.observers[d.id]; ok {
				targets = append(targets, o.fn)
			}
		} else {
			for _, o := range s.observers {
				if d.version > o.from {
					targets = append(targets, o.fn)
				}
			}
		}
		s.mu.Unlock()

		for _, fn := range targets {
			fn(d.state)
		}
	}
}

func (s *Session) release(res *loader.Result) {
	if res == nil || s.cfg.keepResults {
		return
	}
	if err := res.Close(context.Background()); err != nil {
		s.logger.Warn("close replaced result", zap.Error(err))
	}
}

// Close cancels the in-flight run and releases the current result. Later
// Update calls return false.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	data := s.state.Data
	close(s.changed)
	s.changed = make(chan struct{})
	s.queued.Broadcast()
	s.mu.Unlock()

	if data == nil || s.cfg.keepResults {
		return nil
	}
	return data.Close(context.Background())
}
