package memory

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jmcleod/ironsession/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	namespace := "credentials"
	recordType := "KV"
	env := &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte("ciphertext"),
		Version:    1,
	}

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(namespace, recordType, "auth_tokens", env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(namespace, recordType, "auth_tokens")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != env.Version || string(got.Ciphertext) != "ciphertext" {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}

		got.Nonce[0] = 'X'
		again, _ := repo.Get(namespace, recordType, "auth_tokens")
		if again.Nonce[0] == 'X' {
			t.Error("repository should hand out copies")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get("nonexistent", recordType, "auth_tokens")
		if !errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("expected ErrNamespaceNotFound, got %v", err)
		}
		_, err = repo.Get(namespace, recordType, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("BatchDelete", func(t *testing.T) {
		repo.Put(namespace, recordType, "auth_user", env)
		repo.Put(namespace, "OTHER", "auth_user", env)

		err := repo.Batch(namespace, func(tx storage.BatchTx) error {
			return tx.Delete(recordType, "auth_user")
		})
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		err = repo.Batch(namespace, func(tx storage.BatchTx) error {
			return tx.Delete(recordType, "auth_user")
		})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
		if _, err := repo.Get(namespace, "OTHER", "auth_user"); err != nil {
			t.Errorf("record of another type should survive: %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := NewRepository()
		v1 := &storage.Envelope{Version: 1}
		v2 := &storage.Envelope{Version: 2}

		if err := repo.PutCAS(namespace, recordType, "cas", 0, v1); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(namespace, recordType, "cas", 0, v1); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed on duplicate create, got %v", err)
		}
		if err := repo.PutCAS(namespace, recordType, "missing", 1, v1); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed on missing record, got %v", err)
		}
		if err := repo.PutCAS(namespace, recordType, "cas", 1, v2); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS(namespace, recordType, "cas", 1, v1); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		repo := NewRepository()

		err := repo.Batch(namespace, func(tx storage.BatchTx) error {
			if err := tx.Put(recordType, "auth_tokens", env); err != nil {
				return err
			}
			got, err := tx.Get(recordType, "auth_tokens")
			if err != nil {
				return err
			}
			if got.Version != 1 {
				return fmt.Errorf("unexpected version %d", got.Version)
			}
			return tx.Put(recordType, "auth_user", env)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		err = repo.Batch(namespace, func(tx storage.BatchTx) error {
			tx.Delete(recordType, "auth_user")
			tx.Put(recordType, "auth_tokens", &storage.Envelope{Version: 9})
			return fmt.Errorf("simulated error")
		})
		if err == nil {
			t.Error("expected error from Batch")
		}
		got, _ := repo.Get(namespace, recordType, "auth_tokens")
		if got.Version != 1 {
			t.Errorf("expected version 1 after rollback, got %d", got.Version)
		}
		if _, err := repo.Get(namespace, recordType, "auth_user"); err != nil {
			t.Errorf("auth_user should survive rolled back delete: %v", err)
		}

		err = repo.Batch("fresh", func(tx storage.BatchTx) error {
			tx.Put(recordType, "x", env)
			return fmt.Errorf("simulated error")
		})
		if err == nil {
			t.Error("expected error from Batch")
		}
		if _, err := repo.Get("fresh", recordType, "x"); !errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("namespace created inside failed batch should not exist, got %v", err)
		}
	})
}
