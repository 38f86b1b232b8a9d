package loader

import (
	"context"
	"io"

	"github.com/caffeineduck/wasmload/fetch"
	"github.com/caffeineduck/wasmload/hostfunc"
	"go.uber.org/zap"
)

// Source identifies where module bytes come from. A non-empty URL takes
// precedence over Buffer. A nil Buffer is absent; an empty non-nil Buffer is
// present and fails to decode.
type Source struct {
	URL    string
	Buffer []byte
}

func (s Source) HasURL() bool    { return s.URL != "" }
func (s Source) HasBuffer() bool { return s.Buffer != nil }

// Loader resolves a Source into a compiled and instantiated module. It
// holds no per-call state and is safe for concurrent use.
type Loader struct {
	engine Engine
	cfg    config
}

func New(engine Engine, opts ...Option) *Loader {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.fetcher == nil {
		cfg.fetcher = fetch.NewHTTP(fetch.Config{})
	}
	return &Loader{engine: engine, cfg: cfg}
}

// Load fetches or reads the module bytes, compiles them and instantiates the
// result against imports. Every call does the full work; nothing is cached
// here and nothing is retried.
func (l *Loader) Load(ctx context.Context, src Source, imports hostfunc.Imports) (*Result, error) {
	switch {
	case src.HasURL():
		return l.loadURL(ctx, src.URL, imports)
	case src.HasBuffer():
		l.cfg.logger.Debug("loading module from buffer", zap.Int("size", len(src.Buffer)))
		return l.compile(ctx, src.Buffer, imports)
	default:
		return nil, ErrInvalidParameters
	}
}

// Compile resolves src and compiles it without instantiating, so a module
// whose imports cannot be satisfied can still be inspected. The caller owns
// the returned module.
func (l *Loader) Compile(ctx context.Context, src Source) (CompiledModule, error) {
	var payload []byte
	switch {
	case src.HasURL():
		body, err := l.cfg.fetcher.Fetch(ctx, src.URL)
		if err != nil {
			return nil, &TransportError{URL: src.URL, Err: err}
		}
		defer body.Close()
		if payload, err = io.ReadAll(limitBody(body, l.cfg.maxModuleSize)); err != nil {
			return nil, &TransportError{URL: src.URL, Err: err}
		}
	case src.HasBuffer():
		payload = src.Buffer
	default:
		return nil, ErrInvalidParameters
	}

	mod, err := l.engine.Compile(ctx, payload)
	if err != nil {
		return nil, classify(err, decodingError)
	}
	return mod, nil
}

func (l *Loader) loadURL(ctx context.Context, url string, imports hostfunc.Imports) (*Result, error) {
	body, err := l.cfg.fetcher.Fetch(ctx, url)
	if err != nil {
		l.cfg.logger.Debug("fetch failed", zap.String("url", url), zap.Error(err))
		return nil, &TransportError{URL: url, Err: err}
	}
	defer body.Close()

	r := limitBody(body, l.cfg.maxModuleSize)

	if se, ok := l.engine.(StreamingEngine); ok && l.cfg.streaming {
		l.cfg.logger.Debug("instantiating streamed module", zap.String("url", url))
		res, err := se.InstantiateStreaming(ctx, r, imports)
		if err != nil {
			return nil, withURL(classify(err, instantiationError), url)
		}
		return res, nil
	}

	l.cfg.logger.Debug("buffering module", zap.String("url", url))
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	return l.compile(ctx, payload, imports)
}

func (l *Loader) compile(ctx context.Context, payload []byte, imports hostfunc.Imports) (*Result, error) {
	mod, err := l.engine.Compile(ctx, payload)
	if err != nil {
		return nil, classify(err, decodingError)
	}

	inst, err := l.engine.Instantiate(ctx, mod, imports)
	if err != nil {
		if cerr := mod.Close(ctx); cerr != nil {
			l.cfg.logger.Warn("close module after failed instantiation", zap.Error(cerr))
		}
		return nil, classify(err, instantiationError)
	}

	return &Result{Module: mod, Instance: inst}, nil
}

func decodingError(err error) error      { return &DecodingError{Err: err} }
func instantiationError(err error) error { return &InstantiationError{Err: err} }

// withURL fills in the URL of a TransportError raised without one.
func withURL(err error, url string) error {
	if te, ok := err.(*TransportError); ok && te.URL == "" {
		return &TransportError{URL: url, Err: te.Err}
	}
	return err
}

// limitBody fails with ErrModuleTooLarge once more than n bytes are read.
func limitBody(r io.Reader, n int64) io.Reader {
	if n <= 0 {
		return r
	}
	return &limitedReader{r: r, n: n}
}

type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, ErrModuleTooLarge
	}
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return 0, ErrModuleTooLarge
	}
	return n, err
}
