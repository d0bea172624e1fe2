package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"cdp-go/internal/backend"
	"cdp-go/internal/cdp"
	"cdp-go/internal/client"
	"cdp-go/internal/config"
	"cdp-go/internal/encryption"
	"cdp-go/internal/restore"
	"cdp-go/internal/server"
	"cdp-go/internal/version"
)

// shutdownTimeout bounds how long in-flight requests may take once the
// server is asked to stop.
const shutdownTimeout = 10 * time.Second

// ServerApp wires a storage backend, the write pipeline and the HTTP
// server from a Config, and owns their lifecycle.
type ServerApp struct {
	cfg       *config.Config
	backend   cdp.Backend
	pipeline  *cdp.Pipeline
	service   *cdp.Service
	server    *server.Server
	logger    cdp.Logger
	logCloser io.Closer
	clock     cdp.Clock
	op        *Operation
}

// NewServerApp builds and initializes the backend selected by cfg,
// decorated with sealing and the hash cache as configured. passphrase is
// only called when the age sealer needs it.
func NewServerApp(ctx context.Context, cfg *config.Config, passphrase func() (string, error)) (*ServerApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sl, logCloser, err := newLogger(cfg.LogDir, cfg.Log, "server")
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	clock := cdp.RealClock{}
	op := NewOperation("serve", cfg.Server.Listen, clock)
	logger := (&slogAdapter{l: sl}).With("op", op.ID)

	a := &ServerApp{cfg: cfg, logger: logger, logCloser: logCloser, clock: clock, op: op}
	if err := a.build(ctx, passphrase); err != nil {
		op.Finish(err, clock, logger)
		logCloser.Close()
		return nil, err
	}
	return a, nil
}

func (a *ServerApp) build(ctx context.Context, passphrase func() (string, error)) error {
	b, err := backend.NewBackendFromConfig(ctx, a.cfg.Backend, a.logger)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	sealer, err := encryption.NewSealerFromConfig(a.cfg.Encryption, passphrase)
	if err != nil {
		b.Close()
		return fmt.Errorf("creating sealer: %w", err)
	}

	decorated, err := backend.Decorate(ctx, b, a.cfg.Cache, sealer, a.logger)
	if err != nil {
		b.Close()
		return fmt.Errorf("decorating backend: %w", err)
	}
	if err := decorated.Init(ctx); err != nil {
		decorated.Close()
		return fmt.Errorf("initializing %s backend: %w", a.cfg.Backend.Type, err)
	}

	stats := cdp.NewStats()
	a.backend = decorated
	a.pipeline = cdp.NewPipeline(decorated, a.logger, stats)
	a.service = cdp.NewService(decorated, a.pipeline, stats, a.logger)
	a.server = server.New(a.service, a.pipeline, version.Get(), a.logger)

	a.logger.Info("server configured",
		"backend", a.cfg.Backend.Type,
		"encryption", a.cfg.Encryption.Type,
		"cache", a.cfg.Cache.Enabled,
		"drain_on_shutdown", a.cfg.Server.DrainOnShutdown)
	return nil
}

// Service returns the dedup service the server answers from.
func (a *ServerApp) Service() *cdp.Service { return a.service }

// Run serves on ln, or on the configured listen address when ln is nil,
// until ctx is done or the server fails. It then shuts everything down and
// returns the first error met on the way.
func (a *ServerApp) Run(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.Listen)
		if err != nil {
			err = fmt.Errorf("listening on %s: %w", a.cfg.Server.Listen, err)
			a.close(err)
			return err
		}
	}

	// The workers outlive ctx so that a drain can still store what is queued.
	if err := a.pipeline.Start(context.WithoutCancel(ctx)); err != nil {
		ln.Close()
		a.close(err)
		return err
	}

	a.logger.Info("server listening", "addr", ln.Addr().String(), "version", version.Version)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("serving: %w", err)
		}
	}
	return a.shutdown(runErr)
}

// shutdown stops accepting requests, optionally drains the pipeline, then
// stops the workers and closes the backend.
func (a *ServerApp) shutdown(runErr error) error {
	firstErr := runErr

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stopping http server: %w", err)
	}

	if a.cfg.Server.DrainOnShutdown {
		timeout := a.cfg.Server.DrainTimeout.Duration
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
		if err := a.pipeline.Flush(drainCtx); err != nil {
			a.logger.Warn("drain incomplete", "error", err)
		}
		cancelDrain()
	}

	if dropped := a.pipeline.Stop(); dropped > 0 {
		a.logger.Warn("queued writes lost", "dropped", dropped)
	}

	a.close(firstErr)
	return firstErr
}

func (a *ServerApp) close(err error) {
	if a.backend != nil {
		if cerr := a.backend.Close(); cerr != nil {
			a.logger.Error("closing backend", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
		a.backend = nil
	}
	a.op.Finish(err, a.clock, a.logger)
	a.logCloser.Close()
}

// ClientApp is the application layer between the CLI and the backup and
// restore clients.
type ClientApp struct {
	cfg       *config.Config
	client    *client.Client
	hostname  string
	logger    cdp.Logger
	logCloser io.Closer
	clock     cdp.Clock
	op        *Operation
}

// NewClientApp creates a ClientApp for one CLI command. operation and
// params name the command in the log. The caller must call Close.
func NewClientApp(cfg *config.Config, operation, params string) (*ClientApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hostname, err := client.Hostname(cfg.Client.Hostname)
	if err != nil {
		return nil, err
	}

	sl, logCloser, err := newLogger(cfg.LogDir, cfg.Log, "client")
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	clock := cdp.RealClock{}
	op := NewOperation(operation, params, clock)
	logger := (&slogAdapter{l: sl}).With("op", op.ID)

	c, err := client.New(cfg.Client.ServerURL, cfg.Client.Timeout.Duration, logger)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	return &ClientApp{
		cfg:       cfg,
		client:    c,
		hostname:  hostname,
		logger:    logger,
		logCloser: logCloser,
		clock:     clock,
		op:        op,
	}, nil
}

// Hostname returns the name this client files its records under.
func (a *ClientApp) Hostname() string { return a.hostname }

// ServerVersion asks the server for its identity.
func (a *ClientApp) ServerVersion(ctx context.Context) (version.Info, error) {
	return a.client.Version(ctx)
}

// Backup sends paths to the server using the configured chunking and
// compression.
func (a *ClientApp) Backup(ctx context.Context, paths []string, recursive bool) (client.Summary, error) {
	chunker, err := client.NewChunker(a.cfg.Client.Chunking, a.cfg.Client.BlockSize)
	if err != nil {
		return client.Summary{}, err
	}
	compression, err := cdp.ParseCompressionType(a.cfg.Client.Compression)
	if err != nil {
		return client.Summary{}, err
	}

	b, err := client.NewBackup(a.client, client.NewScanner(a.cfg.Filesystem.Ignore, a.logger), client.BackupOptions{
		Hostname:    a.hostname,
		Chunker:     chunker,
		Compression: compression,
		BatchSize:   a.cfg.Client.BatchSize,
	}, cdp.UUIDGenerator{}, a.logger)
	if err != nil {
		return client.Summary{}, err
	}
	return b.Run(ctx, paths, recursive)
}

// QueryOptions selects records for list and restore. Empty fields and
// negative ids fall back to this host and the running user.
type QueryOptions struct {
	Hostname        string
	UID             int
	GID             int
	Owner           string
	Group           string
	FilenamePattern string
	Date            string
	AfterDate       string
	BeforeDate      string
}

// Query builds the cdp.Query described by opts.
func (a *ClientApp) Query(opts QueryOptions) (cdp.Query, error) {
	hostname := opts.Hostname
	if hostname == "" {
		hostname = a.hostname
	}
	q, err := client.CurrentUserQuery(hostname)
	if err != nil {
		return cdp.Query{}, err
	}
	if opts.UID >= 0 {
		q.UID = uint32(opts.UID)
	}
	if opts.GID >= 0 {
		q.GID = uint32(opts.GID)
	}
	if opts.Owner != "" {
		q.Owner = opts.Owner
	}
	if opts.Group != "" {
		q.Group = opts.Group
	}
	q.FilenamePattern = opts.FilenamePattern
	q.Date = opts.Date
	q.AfterDate = opts.AfterDate
	q.BeforeDate = opts.BeforeDate

	if _, err := q.Compile(); err != nil {
		return cdp.Query{}, err
	}
	return q, nil
}

// List returns the latest version of every matching file.
func (a *ClientApp) List(ctx context.Context, q cdp.Query) ([]cdp.HostFileRecord, error) {
	return restore.New(a.client, a.logger).List(ctx, q)
}

// Restore rebuilds the latest matching file under where and returns its
// path.
func (a *ClientApp) Restore(ctx context.Context, q cdp.Query, where string) (string, error) {
	return restore.New(a.client, a.logger).Restore(ctx, q, where)
}

// Close logs the outcome of the command, given the error it ended with,
// and closes the log file.
func (a *ClientApp) Close(err error) error {
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("interrupted: %w", err)
	}
	a.op.Finish(err, a.clock, a.logger)
	return a.logCloser.Close()
}

// FormatSummary renders a backup summary for the terminal.
func FormatSummary(sum client.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d files, %d directories, %d links", sum.Files, sum.Dirs, sum.Links)
	if sum.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", sum.Failed)
	}
	fmt.Fprintf(&b, "\n%d bytes scanned, %d chunks sent (%d bytes)", sum.Bytes, sum.SentChunks, sum.SentBytes)
	return b.String()
}
