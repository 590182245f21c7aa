package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"school-biometric-core/internal/device"
	"school-biometric-core/internal/logging"
	"school-biometric-core/internal/store"
)

// Connector opens a device connection. The default production connector
// dials the terminal over TCP; tests substitute fakes.
type Connector func(ctx context.Context, d *store.Device) (device.Conn, error)

// Registry caches one live connection per device and serializes access
// to it. Holding a Handle grants exclusive use of the device until
// Release, so concurrent callers never interleave commands on the wire.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	connect Connector

	// staleAfter bounds how long an idle cached connection is trusted
	// without re-verification
	staleAfter time.Duration

	logger *logrus.Entry
	closed bool
}

type entry struct {
	mu       sync.Mutex
	conn     device.Conn
	lastUsed time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithStaleAfter overrides the idle window after which a cached
// connection is probed before reuse
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) { r.staleAfter = d }
}

// NewRegistry creates a registry backed by the given connector
func NewRegistry(connect Connector, logger *logrus.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		connect:    connect,
		staleAfter: 30 * time.Second,
		logger:     logging.NewComponentLogger(logger, "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewTCPConnector returns the production connector that dials terminals
// directly
func NewTCPConnector(connectTimeout, commandTimeout time.Duration, logger *logrus.Logger) Connector {
	return func(ctx context.Context, d *store.Device) (device.Conn, error) {
		return device.Connect(ctx, device.Config{
			Address:        d.Address,
			Port:           d.Port,
			CommKey:        d.CommKey,
			ConnectTimeout: connectTimeout,
			CommandTimeout: commandTimeout,
			Logger:         logging.NewDeviceLogger(logger, d.ID),
		})
	}
}

// Handle is exclusive access to one device connection. The caller must
// Release it when done; Evict before Release discards the connection so
// the next Acquire reconnects.
type Handle struct {
	entry    *entry
	conn     device.Conn
	released bool
}

// Conn returns the held connection
func (h *Handle) Conn() device.Conn {
	return h.conn
}

// Evict disconnects and drops the cached connection. Call it when a
// command failed in a way that poisons the transport.
func (h *Handle) Evict() {
	if h.entry.conn != nil {
		h.entry.conn.Disconnect()
		h.entry.conn = nil
	}
}

// Release returns exclusive access. Safe to call once only.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.entry.lastUsed = time.Now()
	h.entry.mu.Unlock()
}

// Acquire returns exclusive access to the device's connection, opening
// one if none is cached. Concurrent callers for the same device queue on
// the entry lock, so at most one connect attempt happens at a time and
// later callers reuse its result.
func (r *Registry) Acquire(ctx context.Context, d *store.Device) (*Handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &device.TransportError{Op: "acquire", Err: context.Canceled}
	}
	e, ok := r.entries[d.ID]
	if !ok {
		e = &entry{}
		r.entries[d.ID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()

	if e.conn != nil && r.staleAfter > 0 && time.Since(e.lastUsed) > r.staleAfter {
		// Idle connections may have been dropped by the terminal;
		// verify before handing them out
		if err := e.conn.Probe(ctx); err != nil {
			r.logger.WithField("device_id", d.ID).WithError(err).Debug("Cached connection went stale, reconnecting")
			e.conn.Disconnect()
			e.conn = nil
		}
	}

	if e.conn == nil {
		conn, err := r.connect(ctx, d)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.conn = conn
		r.logger.WithField("device_id", d.ID).Debug("Opened device connection")
	}

	return &Handle{entry: e, conn: e.conn}, nil
}

// WithConn runs fn while holding exclusive access to the device. When fn
// fails with a transport or timeout error the cached connection is
// evicted so the next caller reconnects.
func (r *Registry) WithConn(ctx context.Context, d *store.Device, fn func(conn device.Conn) error) error {
	h, err := r.Acquire(ctx, d)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := fn(h.Conn()); err != nil {
		if device.IsTransport(err) || device.IsTimeout(err) {
			h.Evict()
		}
		return err
	}
	return nil
}

// Remove drops the device's cached connection, waiting for any in-flight
// holder to release first. Called when a device is deleted.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	e, ok := r.entries[deviceID]
	if ok {
		delete(r.entries, deviceID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()
	if e.conn != nil {
		e.conn.Disconnect()
		e.conn = nil
	}
	e.mu.Unlock()
}

// Close disconnects every cached connection and rejects further Acquires
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Disconnect()
			e.conn = nil
		}
		e.mu.Unlock()
		r.logger.WithField("device_id", id).Debug("Closed device connection")
	}
}
