package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/wasmload/hostfunc"
	"github.com/caffeineduck/wasmload/loader"
)

// fakeLoader returns instances named after the source. Sources with a gate
// block until the gate is closed; the run context is ignored unless
// honorCancel is set.
type fakeLoader struct {
	mu          sync.Mutex
	calls       []loader.Source
	imports     []hostfunc.Imports
	gates       map[string]chan struct{}
	instances   map[string]*fakeInstance
	honorCancel bool
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		gates:     make(map[string]chan struct{}),
		instances: make(map[string]*fakeInstance),
	}
}

func sourceKey(src loader.Source) string {
	switch {
	case src.HasURL():
		return src.URL
	case src.HasBuffer():
		return string(src.Buffer)
	}
	return ""
}

func (f *fakeLoader) gate(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[key] = ch
	return ch
}

func (f *fakeLoader) Load(ctx context.Context, src loader.Source, imports hostfunc.Imports) (*loader.Result, error) {
	key := sourceKey(src)

	f.mu.Lock()
	f.calls = append(f.calls, src)
	f.imports = append(f.imports, imports)
	gate := f.gates[key]
	honor := f.honorCancel
	f.mu.Unlock()

	if gate != nil {
		if honor {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate
		}
	}

	switch {
	case key == "":
		return nil, loader.ErrInvalidParameters
	case strings.HasPrefix(key, "fail"):
		return nil, errors.New(key)
	}
	inst := newFakeInstance(key)
	f.mu.Lock()
	f.instances[key] = inst
	f.mu.Unlock()
	return &loader.Result{Instance: inst}, nil
}

// instance waits for the run of key to produce its instance.
func (f *fakeLoader) instance(t *testing.T, key string) *fakeInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		inst := f.instances[key]
		f.mu.Unlock()
		if inst != nil {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no instance produced for %s", key)
	return nil
}

func (f *fakeLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeInstance struct {
	name   string
	once   sync.Once
	closed chan struct{}
}

func newFakeInstance(name string) *fakeInstance {
	return &fakeInstance{name: name, closed: make(chan struct{})}
}

func (i *fakeInstance) Call(context.Context, string, ...uint64) ([]uint64, error) { return nil, nil }
func (i *fakeInstance) ExportedFunctions() []loader.FunctionDef {
	return []loader.FunctionDef{{Name: i.name}}
}

func (i *fakeInstance) Close(context.Context) error {
	i.once.Do(func() { close(i.closed) })
	return nil
}

func (i *fakeInstance) isClosed() bool {
	select {
	case <-i.closed:
		return true
	default:
		return false
	}
}

func instanceName(t *testing.T, st State) string {
	t.Helper()
	if st.Data == nil {
		t.Fatalf("expected data, got state %+v", st)
	}
	return st.Data.Instance.(*fakeInstance).name
}

func waitState(t *testing.T, s *Session) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	return st
}

func TestStartIsLoading(t *testing.T) {
	fl := newFakeLoader()
	release := fl.gate("a")

	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	defer s.Close()

	st := s.State()
	if !st.Loading || st.Err != nil || st.Data != nil {
		t.Errorf("expected fresh loading state, got %+v", st)
	}

	close(release)
	if name := instanceName(t, waitState(t, s)); name != "a" {
		t.Errorf("expected instance a, got %s", name)
	}
}

func TestStartWithoutSourceFails(t *testing.T) {
	s := New(newFakeLoader()).Start(context.Background(), loader.Source{}, nil)
	defer s.Close()

	st := waitState(t, s)
	if st.Loading || st.Data != nil {
		t.Errorf("expected settled failure, got %+v", st)
	}
	if !errors.Is(st.Err, loader.ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", st.Err)
	}
}

func TestUpdateSameURLDoesNotRerun(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	defer s.Close()
	waitState(t, s)

	if s.Update(loader.Source{URL: "a"}, nil) {
		t.Error("identical URL should not trigger a run")
	}
	if n := fl.callCount(); n != 1 {
		t.Errorf("expected 1 load, got %d", n)
	}
}

func TestUpdateNewURLResetsState(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	defer s.Close()
	waitState(t, s)

	release := fl.gate("b")
	if !s.Update(loader.Source{URL: "b"}, nil) {
		t.Fatal("new URL should trigger a run")
	}

	st := s.State()
	if !st.Loading || st.Err != nil || st.Data != nil {
		t.Errorf("expected reset to loading, got %+v", st)
	}

	close(release)
	if name := instanceName(t, waitState(t, s)); name != "b" {
		t.Errorf("expected instance b, got %s", name)
	}
}

func TestBufferIgnoredWhileURLSet(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl).Start(context.Background(), loader.Source{URL: "a", Buffer: []byte("x")}, nil)
	defer s.Close()
	waitState(t, s)

	if s.Update(loader.Source{URL: "a", Buffer: []byte("y")}, nil) {
		t.Error("buffer change under an unchanged URL should not trigger a run")
	}
	if n := fl.callCount(); n != 1 {
		t.Errorf("expected 1 load, got %d", n)
	}
}

func TestBufferComparedByIdentity(t *testing.T) {
	fl := newFakeLoader()
	buf := []byte("x")

	s := New(fl).Start(context.Background(), loader.Source{Buffer: buf}, nil)
	defer s.Close()
	waitState(t, s)

	if s.Update(loader.Source{Buffer: buf}, nil) {
		t.Error("same buffer should not trigger a run")
	}

	buf2 := append([]byte(nil), buf...)
	if !s.Update(loader.Source{Buffer: buf2}, nil) {
		t.Error("distinct buffer should trigger a run")
	}
	waitState(t, s)

	if !s.Update(loader.Source{}, nil) {
		t.Error("dropping the buffer should trigger a run")
	}
	st := waitState(t, s)
	if !errors.Is(st.Err, loader.ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", st.Err)
	}

	if s.Update(loader.Source{}, nil) {
		t.Error("nil to nil should not trigger a run")
	}
	if n := fl.callCount(); n != 3 {
		t.Errorf("expected 3 loads, got %d", n)
	}
}

func TestURLRemovedFallsBackToBuffer(t *testing.T) {
	fl := newFakeLoader()
	buf := []byte("x")

	s := New(fl).Start(context.Background(), loader.Source{URL: "a", Buffer: buf}, nil)
	defer s.Close()
	waitState(t, s)

	// the previous pair recorded this buffer, so dropping the URL alone
	// is not a change
	if s.Update(loader.Source{Buffer: buf}, nil) {
		t.Error("same buffer without URL should not trigger a run")
	}
	if !s.Update(loader.Source{Buffer: []byte("y")}, nil) {
		t.Error("new buffer without URL should trigger a run")
	}
	if name := instanceName(t, waitState(t, s)); name != "y" {
		t.Errorf("expected instance y, got %s", name)
	}
}

func TestImportsOnlyChangeIgnored(t *testing.T) {
	fl := newFakeLoader()
	first := hostfunc.Imports{"env": {"f": func() {}}}
	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, first)
	defer s.Close()
	waitState(t, s)

	second := hostfunc.Imports{"env": {"g": func() {}}}
	if s.Update(loader.Source{URL: "a"}, second) {
		t.Error("imports-only change should not trigger a run")
	}

	s.Update(loader.Source{URL: "b"}, second)
	waitState(t, s)

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if _, ok := fl.imports[1]["env"]["g"]; !ok {
		t.Error("expected the triggering update's imports to be used")
	}
}

func TestStaleResultDiscarded(t *testing.T) {
	fl := newFakeLoader()
	releaseA := fl.gate("a")
	releaseB := fl.gate("b")

	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	defer s.Close()
	s.Update(loader.Source{URL: "b"}, nil)

	close(releaseB)
	if name := instanceName(t, waitState(t, s)); name != "b" {
		t.Fatalf("expected instance b, got %s", name)
	}

	// a settles after b and must lose
	close(releaseA)
	stale := fl.instance(t, "a")
	select {
	case <-stale.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("superseded result was not closed")
	}

	if name := instanceName(t, s.State()); name != "b" {
		t.Errorf("stale run overwrote state: got %s", name)
	}
}

func TestReplacedResultClosed(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	defer s.Close()

	first := waitState(t, s).Data.Instance.(*fakeInstance)
	s.Update(loader.Source{URL: "b"}, nil)

	if !first.isClosed() {
		t.Error("replaced result should be closed")
	}

	second := waitState(t, s).Data.Instance.(*fakeInstance)
	s.Close()
	if !second.isClosed() {
		t.Error("current result should be closed with the session")
	}
}

func TestKeepResults(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl, WithKeepResults()).Start(context.Background(), loader.Source{URL: "a"}, nil)

	first := waitState(t, s).Data.Instance.(*fakeInstance)
	s.Update(loader.Source{URL: "b"}, nil)
	second := waitState(t, s).Data.Instance.(*fakeInstance)
	s.Close()

	if first.isClosed() || second.isClosed() {
		t.Error("results should be left to the caller")
	}
}

// collect subscribes to s and returns the channel snapshots are sent on.
func collect(t *testing.T, s *Session) (<-chan State, func()) {
	t.Helper()
	ch := make(chan State, 64)
	cancel := s.Subscribe(func(st State) { ch <- st })
	return ch, cancel
}

func nextState(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
		return State{}
	}
}

func dataName(st State) string {
	if st.Data == nil {
		return ""
	}
	return st.Data.Instance.(*fakeInstance).name
}

func TestSubscribeSeesTransitions(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	defer s.Close()
	waitState(t, s)

	states, cancel := collect(t, s)

	release := fl.gate("fail-b")
	s.Update(loader.Source{URL: "fail-b"}, nil)
	close(release)
	waitState(t, s)

	if st := nextState(t, states); dataName(st) != "a" {
		t.Errorf("first snapshot should be the current settled state, got %+v", st)
	}
	if st := nextState(t, states); !st.Loading {
		t.Errorf("second snapshot should be loading, got %+v", st)
	}
	if st := nextState(t, states); st.Err == nil || st.Err.Error() != "fail-b" {
		t.Errorf("third snapshot should carry the failure, got %+v", st)
	}
	cancel()

	s.Update(loader.Source{URL: "c"}, nil)
	waitState(t, s)

	select {
	case st := <-states:
		t.Errorf("no snapshots expected after cancel, got %+v", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeObserverRetries(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl).Start(context.Background(), loader.Source{URL: "fail-a"}, nil)
	defer s.Close()
	if st := waitState(t, s); st.Err == nil {
		t.Fatalf("expected failure, got %+v", st)
	}

	settled := make(chan State, 8)
	retried := false
	cancel := s.Subscribe(func(st State) {
		if st.Err != nil && !retried {
			retried = true
			if !s.Update(loader.Source{URL: "b"}, nil) {
				t.Error("retry from the observer should start a run")
			}
			return
		}
		if st.Settled() {
			settled <- st
		}
	})
	defer cancel()

	if st := nextState(t, settled); dataName(st) != "b" {
		t.Errorf("expected the retried run to settle, got %+v", st)
	}
	if st := s.State(); dataName(st) != "b" {
		t.Errorf("session should hold the retried result, got %+v", st)
	}
}

func TestSubscribeObserverCanClose(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	waitState(t, s)

	closed := make(chan error, 1)
	s.Subscribe(func(State) { closed <- s.Close() })

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("close failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close from the observer never returned")
	}
	if s.Update(loader.Source{URL: "b"}, nil) {
		t.Error("closed session should not start runs")
	}
}

func TestSubscribeInOrder(t *testing.T) {
	fl := newFakeLoader()
	s := New(fl).Start(context.Background(), loader.Source{URL: "u0"}, nil)
	defer s.Close()

	const (
		runs      = 50
		observers = 5
	)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		streams = make([][]State, observers)
	)
	for n := 1; n <= runs; n++ {
		if n%10 == 0 {
			i := n/10 - 1
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Subscribe(func(st State) {
					mu.Lock()
					streams[i] = append(streams[i], st)
					mu.Unlock()
				})
			}()
		}
		s.Update(loader.Source{URL: fmt.Sprintf("u%d", n)}, nil)
	}
	wg.Wait()
	waitState(t, s)

	final := fmt.Sprintf("u%d", runs)
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		done := true
		for _, stream := range streams {
			if len(stream) == 0 || dataName(stream[len(stream)-1]) != final {
				done = false
			}
		}
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("observers never saw the final state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, stream := range streams {
		last := -1
		for _, st := range stream {
			name := dataName(st)
			if name == "" {
				continue
			}
			n, err := strconv.Atoi(strings.TrimPrefix(name, "u"))
			if err != nil {
				t.Fatalf("unexpected instance %q", name)
			}
			if n < last {
				t.Errorf("observer %d saw u%d after u%d", i, n, last)
			}
			last = n
		}
	}
}

func TestCloseStopsSession(t *testing.T) {
	fl := newFakeLoader()
	fl.honorCancel = true
	fl.gate("a")

	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Wait(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if s.Update(loader.Source{URL: "b"}, nil) {
		t.Error("update after close should not trigger a run")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	fl := newFakeLoader()
	release := fl.gate("a")
	defer close(release)

	s := New(fl).Start(context.Background(), loader.Source{URL: "a"}, nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := s.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !st.Loading {
		t.Error("expected loading state while run is in flight")
	}
}

func TestSameBuffer(t *testing.T) {
	a := []byte("abc")
	tests := []struct {
		name string
		x, y []byte
		want bool
	}{
		{"both nil", nil, nil, true},
		{"nil and empty", nil, []byte{}, false},
		{"both empty", []byte{}, []byte{}, true},
		{"same slice", a, a, true},
		{"equal copy", a, []byte("abc"), false},
		{"prefix view", a, a[:2], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameBuffer(tt.x, tt.y); got != tt.want {
				t.Errorf("sameBuffer = %v, want %v", got, tt.want)
			}
		})
	}
}
