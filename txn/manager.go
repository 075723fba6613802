// Package txn implements the transaction manager (spec component C7): it
// owns isolation-level policy and hands out scoped transaction handles on
// top of packages mvcc and ssi.
package txn

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/riftkv/riftkv/mvcc"
	"github.com/riftkv/riftkv/ssi"
)

// Manager owns a single mvcc.Store plus, when serializable transactions are
// in use, the ssi.Store layered on top of it. Read/Write/Delete/Commit/
// Abort always go straight to the underlying mvcc.Store — ssi.Store only
// needs to see Begin, since that's where its conflict-graph bookkeeping is
// seeded (its other methods are pure passthroughs once an Observer is wired).
type Manager struct {
	store    *mvcc.Store
	ssiStore *ssi.Store
	logger   log.Logger

	defaultIso mvcc.Isolation
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a transaction manager over store using defaultIso for
// handles opened without an explicit isolation level. When defaultIso (or
// any later per-Begin override) is mvcc.Serializable, an ssi.Store is
// installed as store's Observer automatically.
func NewManager(store *mvcc.Store, defaultIso mvcc.Isolation, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		defaultIso: defaultIso,
		logger:     log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ssiStore = ssi.NewStore(store)
	return m
}

// Begin opens a handle at the manager's default isolation level.
func (m *Manager) Begin() *Handle {
	return m.BeginWithIsolation(m.defaultIso)
}

// BeginWithIsolation opens a handle at the given isolation level,
// overriding the manager's default for this one transaction.
func (m *Manager) BeginWithIsolation(iso mvcc.Isolation) *Handle {
	var t *mvcc.Txn
	if iso == mvcc.Serializable {
		t = m.ssiStore.Begin()
	} else {
		t = m.store.BeginWithIsolation(iso)
	}
	level.Debug(m.logger).Log("msg", "txn begin", "txn_id", t.ID, "isolation", iso.String())
	return &Handle{m: m, txn: t}
}

// WithTransaction runs fn inside a scoped transaction at the manager's
// default isolation level: if fn returns nil, the transaction is committed;
// otherwise it is aborted and fn's error (or a serialization-failure error
// from the commit attempt) is returned. This is the guaranteed-release
// pattern named in §9's design notes for scoped resource acquisition.
func (m *Manager) WithTransaction(fn func(*Handle) error) error {
	return m.WithTransactionIsolation(m.defaultIso, fn)
}

// WithTransactionIsolation is WithTransaction with an explicit isolation
// level override.
func (m *Manager) WithTransactionIsolation(iso mvcc.Isolation, fn func(*Handle) error) (err error) {
	h := m.BeginWithIsolation(iso)
	defer func() {
		if r := recover(); r != nil {
			_ = h.Abort()
			panic(r)
		}
	}()

	if err = fn(h); err != nil {
		if abortErr := h.Abort(); abortErr != nil {
			level.Warn(m.logger).Log("msg", "abort failed after scope error", "txn_id", h.txn.ID, "err", abortErr)
		}
		return err
	}
	if err = h.Commit(); err != nil {
		level.Debug(m.logger).Log("msg", "commit failed at scope exit", "txn_id", h.txn.ID, "err", err)
		return err
	}
	return nil
}

// GC forwards to the underlying mvcc store and ssi conflict graph.
func (m *Manager) GC() {
	m.store.GC()
	m.ssiStore.GC()
}
