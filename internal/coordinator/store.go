package coordinator

import (
	"context"
	"sync"

	"exchangecore/internal/common"

	"github.com/google/uuid"
)

// OrderStore persists ClientOrder rows, backed by the ledger schema's
// `orders` table in production (spec.md §6) — a MemoryOrderStore suffices
// for tests and the example binary, matching internal/ledger.MemoryStore's
// no-external-service bias.
type OrderStore interface {
	Create(ctx context.Context, o ClientOrder) error
	Get(ctx context.Context, externalID uuid.UUID) (ClientOrder, bool, error)
	Update(ctx context.Context, o ClientOrder) error
	Open(ctx context.Context) ([]ClientOrder, error)
}

type MemoryOrderStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]ClientOrder
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[uuid.UUID]ClientOrder)}
}

func (s *MemoryOrderStore) Create(_ context.Context, o ClientOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ExternalID] = o
	return nil
}

func (s *MemoryOrderStore) Get(_ context.Context, externalID uuid.UUID) (ClientOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[externalID]
	return o, ok, nil
}

func (s *MemoryOrderStore) Update(_ context.Context, o ClientOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ExternalID] = o
	return nil
}

func (s *MemoryOrderStore) Open(_ context.Context) ([]ClientOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if o.Status == common.Open || o.Status == common.PartiallyFilled {
			out = append(out, o)
		}
	}
	return out, nil
}
