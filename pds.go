// Package pds is the server handle tying the pieces together: a badger
// block store, per-DID signing keys, the repository engine, the firehose
// hub, and the HTTP surface.
package pds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/stormlightlabs/pds/apiServer"
	"github.com/stormlightlabs/pds/pkg/blob"
	"github.com/stormlightlabs/pds/pkg/blockstore"
	"github.com/stormlightlabs/pds/pkg/crypto"
	"github.com/stormlightlabs/pds/pkg/firehose"
	"github.com/stormlightlabs/pds/pkg/keystore"
	"github.com/stormlightlabs/pds/pkg/repo"
	"github.com/stormlightlabs/pds/pkg/workerpool"
)

var (
	ErrNotStarted = errors.New("pds: server not started")
	ErrClosed     = errors.New("pds: server closed")
)

// Config configures a PDS instance.
type Config struct {
	// DataDir holds the badger database.
	DataDir string
	// Listen is the HTTP listen address. Empty disables the HTTP server;
	// the engine and firehose still run, which is what tests use.
	Listen string
	// MinimumFreeGB refuses startup below this much free disk space.
	MinimumFreeGB uint64
	// SigningCurve selects the curve for new repository keys.
	SigningCurve crypto.Curve
	// AuthSecret, when non-empty, gates the API behind HMAC tokens.
	AuthSecret []byte
	// Logger is optional. If nil, a stderr logger is used.
	Logger *slog.Logger
}

// PDS owns the lifecycle of one server process's worth of subsystems.
type PDS struct {
	log    *slog.Logger
	config Config

	store  *blockstore.Badger
	engine *repo.Engine
	hub    *firehose.Hub
	blobs  *blob.Store
	pool   *workerpool.Pool
	http   *http.Server
	lnAddr atomic.Value

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a handle. New does not touch disk or start goroutines;
// call Start.
func New(config Config) (*PDS, error) {
	if config.DataDir == "" {
		return nil, errors.New("pds: DataDir is required")
	}
	if config.SigningCurve == 0 {
		config.SigningCurve = crypto.P256
	}
	if config.Logger == nil {
		config.Logger = defaultLogger()
	}
	return &PDS{
		log:    config.Logger,
		config: config,
	}, nil
}

// Start opens the block store, wires the engine, and (when configured)
// begins serving HTTP. Only the first call has effect.
func (p *PDS) Start(ctx context.Context) error {
	var startErr error
	p.startOnce.Do(func() {
		startErr = p.start(ctx)
	})
	if startErr != nil {
		return startErr
	}
	if !p.started.Load() {
		return ErrNotStarted
	}
	return nil
}

func (p *PDS) start(ctx context.Context) error {
	store, err := blockstore.OpenBadger(blockstore.BadgerConfig{
		Path:          p.config.DataDir,
		MinimumFreeGB: p.config.MinimumFreeGB,
	})
	if err != nil {
		return err
	}
	p.store = store

	p.hub = firehose.NewHub(p.log)
	p.pool = workerpool.New(0, 0)
	p.blobs = blob.NewStore(store, p.pool)

	engine, err := repo.NewEngine(repo.Config{
		Blocks: store,
		Keys:   keystore.NewBadger(store.DB(), p.config.SigningCurve),
		States: repo.NewBadgerStates(store.DB()),
		Hub:    p.hub,
		Logger: p.log,
	})
	if err != nil {
		store.Close()
		return err
	}
	p.engine = engine

	if p.config.Listen != "" {
		opts := []apiServer.Option{
			apiServer.WithLogger(p.log),
			apiServer.WithBlobStore(p.blobs),
		}
		if len(p.config.AuthSecret) > 0 {
			opts = append(opts, apiServer.WithAuth(apiServer.HMACAuth(p.config.AuthSecret)))
		}
		handler := apiServer.New(engine, p.hub, opts...)

		ln, err := net.Listen("tcp", p.config.Listen)
		if err != nil {
			store.Close()
			return fmt.Errorf("pds: listen on %s: %w", p.config.Listen, err)
		}
		p.lnAddr.Store(ln.Addr().String())
		p.http = &http.Server{Handler: handler}
		go func() {
			if err := p.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.log.Error("http server stopped", "error", err)
			}
		}()
		p.log.Info("serving", "addr", ln.Addr().String())
	}

	p.started.Store(true)
	return nil
}

// Engine exposes the repository engine for embedding callers and tests.
func (p *PDS) Engine() (*repo.Engine, error) {
	if !p.started.Load() {
		return nil, ErrNotStarted
	}
	return p.engine, nil
}

// Hub exposes the firehose hub.
func (p *PDS) Hub() (*firehose.Hub, error) {
	if !p.started.Load() {
		return nil, ErrNotStarted
	}
	return p.hub, nil
}

// Blobs exposes the blob store.
func (p *PDS) Blobs() (*blob.Store, error) {
	if !p.started.Load() {
		return nil, ErrNotStarted
	}
	return p.blobs, nil
}

// Addr returns the bound HTTP address, useful when Listen was ":0".
func (p *PDS) Addr() string {
	if addr, ok := p.lnAddr.Load().(string); ok {
		return addr
	}
	return ""
}

// Close shuts the HTTP server and flushes the block store. Safe to call
// more than once.
func (p *PDS) Close() error {
	var closeErr error
	p.closeOnce.Do(func() {
		if !p.started.Load() {
			return
		}
		p.started.Store(false)

		if p.http != nil {
			closeErr = p.http.Shutdown(context.Background())
		}
		if p.pool != nil {
			p.pool.Close()
		}
		if err := p.store.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}
