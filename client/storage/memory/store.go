package memory

import (
	"context"
	"sync"
)

// MemStore keeps the cached identity for the lifetime of the process.
type MemStore struct {
	mx       *sync.Mutex
	username string
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
	}
}

func (ms *MemStore) Get(_ context.Context) (string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return ms.username, nil
}

func (ms *MemStore) Set(_ context.Context, username string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.username = username
	return nil
}

func (ms *MemStore) Clear(_ context.Context) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.username = ""
	return nil
}
