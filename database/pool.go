package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/puddle/v2"

	"github.com/gaborage/todo-telemetry/config"
	"github.com/gaborage/todo-telemetry/logger"
)

const (
	DefaultMaxSize        = 20
	DefaultAcquireTimeout = 2 * time.Second

	connCloseTimeout  = 5 * time.Second
	maxReaperInterval = 30 * time.Second
	minReaperInterval = 10 * time.Millisecond
	testQuery         = "SELECT NOW()"
)

// Options bounds the pool.
type Options struct {
	MaxSize        int32
	AcquireTimeout time.Duration
	// IdleTimeout closes connections unused for longer than this. Zero disables reaping.
	IdleTimeout time.Duration
}

// OptionsFromConfig reads pool options from the database configuration.
func OptionsFromConfig(cfg *config.DatabaseConfig) Options {
	return Options{
		MaxSize:        cfg.Pool.Max,
		AcquireTimeout: cfg.Pool.Acquire.Timeout,
		IdleTimeout:    cfg.Pool.Idle.Timeout,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.IdleTimeout < 0 {
		o.IdleTimeout = 0
	}
	return o
}

// Pool is a bounded set of database sessions shared by concurrent requests.
type Pool struct {
	pool *puddle.Pool[Conn]
	opts Options
	log  logger.Logger

	closing    atomic.Bool
	closeOnce  sync.Once
	closed     chan struct{}
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// PooledConn is a session checked out to exactly one caller.
type PooledConn struct {
	res  *puddle.Resource[Conn]
	pool *Pool

	mu       sync.Mutex
	lastErr  error
	broken   bool
	released bool
}

// Conn returns the underlying session. It must not be used after Release.
func (c *PooledConn) Conn() Conn {
	return c.res.Value()
}

// MarkBroken flags the session so Release discards it instead of returning it to the idle set.
func (c *PooledConn) MarkBroken(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
	if err != nil {
		c.lastErr = err
	}
}

// Err returns the last error recorded against this session.
func (c *PooledConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Release returns the session to its pool.
func (c *PooledConn) Release() {
	c.pool.Release(c)
}

// observe records err and marks the session broken when the failure is at the connection level.
func (c *PooledConn) observe(err error) {
	if err == nil {
		return
	}
	if c.Conn().IsClosed() || isNetworkError(err) {
		c.MarkBroken(err)
		c.pool.log.Error().Err(err).Msg("PostgreSQL connection failure, dropping connection")
		return
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// New creates a pool that opens sessions lazily through connector, up to opts.MaxSize.
func New(connector Connector, opts Options, log logger.Logger) (*Pool, error) {
	opts = opts.withDefaults()

	p := &Pool{
		opts:       opts,
		log:        log,
		closed:     make(chan struct{}),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	inner, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) {
			conn, err := connector.Connect(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to open PostgreSQL connection")
				return nil, fmt.Errorf("failed to open database connection: %w", err)
			}
			log.Info().Msg("New PostgreSQL connection established")
			return conn, nil
		},
		Destructor: func(conn Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), connCloseTimeout)
			defer cancel()
			if err := conn.Close(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to close PostgreSQL connection")
			}
		},
		MaxSize: opts.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	p.pool = inner

	go p.reapIdle()

	return p, nil
}

// Open builds a pgx-backed pool from configuration. No connection is opened until first use.
func Open(cfg *config.DatabaseConfig, tracer pgx.QueryTracer, log logger.Logger) (*Pool, error) {
	connector, err := NewPostgresConnector(cfg, tracer)
	if err != nil {
		return nil, err
	}

	p, err := New(connector, OptionsFromConfig(cfg), log)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Int("max_connections", int(p.opts.MaxSize)).
		Msg("PostgreSQL pool initialized")

	return p, nil
}

// Acquire checks out a session, waiting at most the acquire timeout when the pool is exhausted.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	if p.closing.Load() {
		return nil, ErrPoolClosed
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	res, err := p.pool.Acquire(acquireCtx)
	if err != nil {
		switch {
		case errors.Is(err, puddle.ErrClosedPool):
			return nil, ErrPoolClosed
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("%w after %s", ErrPoolTimeout, p.opts.AcquireTimeout)
		default:
			return nil, err
		}
	}

	// Close may have started while this caller was waiting.
	if p.closing.Load() {
		res.Release()
		return nil, ErrPoolClosed
	}

	return &PooledConn{res: res, pool: p}, nil
}

// Release returns c to the idle set, or destroys it when it was marked broken or its session
// is closed. Releasing twice is a no-op.
func (p *Pool) Release(c *PooledConn) {
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	broken, lastErr := c.broken, c.lastErr
	c.mu.Unlock()

	if broken || c.res.Value().IsClosed() {
		p.log.Warn().Err(lastErr).Msg("Discarding broken PostgreSQL connection")
		c.res.Destroy()
		return
	}
	c.res.Release()
}

// Query runs sql on a pooled session and collects every row as a column-name map.
// Driver errors are returned unchanged.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(c)

	rows, err := c.Conn().Query(ctx, sql, args...)
	if err != nil {
		c.observe(err)
		return nil, err
	}

	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		c.observe(err)
		return nil, err
	}
	return result, nil
}

// Exec runs a statement on a pooled session and returns the number of affected rows.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer p.Release(c)

	tag, err := c.Conn().Exec(ctx, sql, args...)
	if err != nil {
		c.observe(err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TestConnection performs a round-trip query and reports whether it succeeded. It never panics.
func (p *Pool) TestConnection(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("Database connection test panicked")
			ok = false
		}
	}()

	c, err := p.Acquire(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("Database connection test failed")
		return false
	}
	defer p.Release(c)

	if _, err := c.Conn().Exec(ctx, testQuery); err != nil {
		c.observe(err)
		p.log.Error().Err(err).Msg("Database connection test failed")
		return false
	}

	p.log.Debug().Msg("Database connection test successful")
	return true
}

func (p *Pool) reapIdle() {
	defer close(p.reaperDone)

	if p.opts.IdleTimeout <= 0 {
		<-p.stopReaper
		return
	}

	interval := min(max(p.opts.IdleTimeout/2, minReaperInterval), maxReaperInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.closeIdle()
		}
	}
}

// closeIdle destroys idle sessions past the idle timeout, and any the server has dropped.
func (p *Pool) closeIdle() int {
	closed := 0
	for _, res := range p.pool.AcquireAllIdle() {
		switch {
		case res.Value().IsClosed():
			p.log.Error().Msg("Unexpected PostgreSQL error on idle connection")
			res.Destroy()
			closed++
		case p.opts.IdleTimeout > 0 && res.IdleDuration() >= p.opts.IdleTimeout:
			res.Destroy()
			closed++
		default:
			res.ReleaseUnused()
		}
	}
	if closed > 0 {
		p.log.Debug().Int("closed", closed).Msg("Closed idle PostgreSQL connections")
	}
	return closed
}

// CloseAll rejects new acquisitions, waits for checked-out sessions to be released and closes
// every session. It returns ErrDrainTimeout if ctx ends first; the close still completes in the
// background once the remaining sessions are released. Calling it again waits on the same close.
//
// A caller already blocked in Acquire when CloseAll starts is not woken early: it keeps waiting
// until a session is released or its acquire timeout elapses, and then gets ErrPoolClosed.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		close(p.stopReaper)

		p.log.Info().
			Int("acquired", int(p.pool.Stat().AcquiredResources())).
			Msg("Closing database pool")

		go func() {
			<-p.reaperDone
			p.pool.Close()
			p.log.Info().Msg("Database pool closed")
			close(p.closed)
		}()
	})

	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		inUse := p.pool.Stat().AcquiredResources()
		return fmt.Errorf("%w: %d connections still in use: %w", ErrDrainTimeout, inUse, ctx.Err())
	}
}

// IsClosed reports whether CloseAll has been called.
func (p *Pool) IsClosed() bool {
	return p.closing.Load()
}

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	MaxConns             int32
	TotalConns           int32
	IdleConns            int32
	AcquiredConns        int32
	ConstructingConns    int32
	AcquireCount         int64
	EmptyAcquireCount    int64
	CanceledAcquireCount int64
	AcquireDuration      time.Duration
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	s := p.pool.Stat()
	return Stats{
		MaxConns:             s.MaxResources(),
		TotalConns:           s.TotalResources(),
		IdleConns:            s.IdleResources(),
		AcquiredConns:        s.AcquiredResources(),
		ConstructingConns:    s.ConstructingResources(),
		AcquireCount:         s.AcquireCount(),
		EmptyAcquireCount:    s.EmptyAcquireCount(),
		CanceledAcquireCount: s.CanceledAcquireCount(),
		AcquireDuration:      s.AcquireDuration(),
	}
}
