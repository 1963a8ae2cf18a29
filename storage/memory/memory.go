// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"sync"

	"github.com/jmcleod/ironsession/storage"
)

// Repository keeps sealed records in process memory. Used by tests and by
// the agent when no data directory is configured.
type Repository struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{namespaces: make(map[string]map[string]*storage.Envelope)}
}

func recordKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func clone(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	cp := *env
	cp.Nonce = append([]byte(nil), env.Nonce...)
	cp.Ciphertext = append([]byte(nil), env.Ciphertext...)
	return &cp
}

func (r *Repository) Put(namespace, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(namespace, recordType, recordID, envelope)
	return nil
}

func (r *Repository) put(namespace, recordType, recordID string, envelope *storage.Envelope) {
	ns, ok := r.namespaces[namespace]
	if !ok {
		ns = make(map[string]*storage.Envelope)
		r.namespaces[namespace] = ns
	}
	ns[recordKey(recordType, recordID)] = clone(envelope)
}

func (r *Repository) Get(namespace, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[namespace]
	if !ok {
		return nil, fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	return lookup(ns, recordType, recordID)
}

func lookup(ns map[string]*storage.Envelope, recordType, recordID string) (*storage.Envelope, error) {
	env, ok := ns[recordKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return clone(env), nil
}

func remove(ns map[string]*storage.Envelope, recordType, recordID string) error {
	k := recordKey(recordType, recordID)
	if _, ok := ns[k]; !ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	delete(ns, k)
	return nil
}

func (r *Repository) PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCAS(namespace, recordType, recordID, expectedVersion, envelope)
}

func (r *Repository) putCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, ok := r.namespaces[namespace][recordKey(recordType, recordID)]
	switch {
	case !ok && expectedVersion != 0:
		return storage.ErrCASFailed
	case ok && existing.Version != expectedVersion:
		return storage.ErrCASFailed
	case ok && expectedVersion == 0:
		return storage.ErrCASFailed
	}
	r.put(namespace, recordType, recordID, envelope)
	return nil
}

// Batch runs fn under the write lock. On error the namespace is restored
// to its state before the batch began.
func (r *Repository) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, existed := r.snapshot(namespace)
	if err := fn(&batchTx{repo: r, namespace: namespace}); err != nil {
		if existed {
			r.namespaces[namespace] = snapshot
		} else {
			delete(r.namespaces, namespace)
		}
		return err
	}
	return nil
}

func (r *Repository) snapshot(namespace string) (map[string]*storage.Envelope, bool) {
	original, ok := r.namespaces[namespace]
	if !ok {
		return nil, false
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = clone(v)
	}
	return cp, true
}

type batchTx struct {
	repo      *Repository
	namespace string
}

func (tx *batchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return lookup(tx.repo.namespaces[tx.namespace], recordType, recordID)
}

func (tx *batchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	tx.repo.put(tx.namespace, recordType, recordID, envelope)
	return nil
}

func (tx *batchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return tx.repo.putCAS(tx.namespace, recordType, recordID, expectedVersion, envelope)
}

func (tx *batchTx) Delete(recordType, recordID string) error {
	return remove(tx.repo.namespaces[tx.namespace], recordType, recordID)
}
