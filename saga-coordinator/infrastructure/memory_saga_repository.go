package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
)

// MemorySagaRepository keeps sagas and their outbox in process memory. It is
// used by tests and local demos; nothing survives a restart.
type MemorySagaRepository struct {
	mu          sync.Mutex
	sagas       map[models.ID]domain.SagaInstance
	byOrder     map[models.ID]models.ID
	transitions map[models.ID][]domain.Transition
	outbox      map[string]*domain.OutboxMessage
}

func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{
		sagas:       make(map[models.ID]domain.SagaInstance),
		byOrder:     make(map[models.ID]models.ID),
		transitions: make(map[models.ID][]domain.Transition),
		outbox:      make(map[string]*domain.OutboxMessage),
	}
}

func (r *MemorySagaRepository) Create(ctx context.Context, instance *domain.SagaInstance, outcome *domain.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sagas[instance.SagaID]; ok {
		return errors.Wrapf(domain.ErrAlreadyExists, "saga %s", instance.SagaID)
	}
	if _, ok := r.byOrder[instance.OrderID]; ok {
		return errors.Wrapf(domain.ErrAlreadyExists, "order %s", instance.OrderID)
	}

	instance.Version = 1
	r.sagas[instance.SagaID] = *instance
	r.byOrder[instance.OrderID] = instance.SagaID
	r.writeOutcome(outcome)
	return nil
}

func (r *MemorySagaRepository) Load(ctx context.Context, sagaID models.ID) (*domain.SagaInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.sagas[sagaID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &instance, nil
}

func (r *MemorySagaRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.SagaInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sagaID, ok := r.byOrder[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	instance := r.sagas[sagaID]
	return &instance, nil
}

func (r *MemorySagaRepository) CompareAndSwap(ctx context.Context, sagaID models.ID, expected saga.Status, mutate domain.Mutator) (*domain.SagaInstance, error) {
	r.mu.Lock()
	current, ok := r.sagas[sagaID]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	if current.Status != expected {
		return nil, errors.Wrapf(domain.ErrConflict, "saga %s is %s, expected %s", sagaID, current.Status, expected)
	}

	next, outcome, err := mutate(current)
	if err != nil {
		return nil, err
	}
	next.SagaID = current.SagaID
	next.Version = current.Version + 1

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.sagas[sagaID]
	if stored.Status != expected || stored.Version != current.Version {
		return nil, errors.Wrapf(domain.ErrConflict, "saga %s changed at version %d", sagaID, current.Version)
	}
	r.sagas[sagaID] = next
	r.writeOutcome(outcome)
	return &next, nil
}

func (r *MemorySagaRepository) FindStalled(ctx context.Context, status saga.Status, olderThan time.Time, limit int) ([]*domain.SagaInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stalled []*domain.SagaInstance
	for _, instance := range r.sagas {
		if instance.Status == status && instance.Timestamps.UpdatedAt.Before(olderThan) {
			instance := instance
			stalled = append(stalled, &instance)
		}
	}
	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].Timestamps.UpdatedAt.Before(stalled[j].Timestamps.UpdatedAt)
	})
	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}
	return stalled, nil
}

func (r *MemorySagaRepository) History(ctx context.Context, sagaID models.ID) ([]domain.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]domain.Transition, len(r.transitions[sagaID]))
	copy(history, r.transitions[sagaID])
	return history, nil
}

func (r *MemorySagaRepository) FetchPending(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*domain.OutboxMessage
	for _, msg := range r.outbox {
		if msg.Status == domain.OutboxStatusPending && !msg.NextAttemptAt.After(now) {
			m := *msg
			pending = append(pending, &m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Position < b.Position
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *MemorySagaRepository) MarkSent(ctx context.Context, id models.ID, revision int64, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := r.findOutbox(id)
	if msg == nil || msg.Revision != revision {
		return nil
	}
	sentAt = sentAt.UTC()
	msg.Status = domain.OutboxStatusSent
	msg.SentAt = &sentAt
	msg.Attempts++
	msg.LastError = ""
	return nil
}

func (r *MemorySagaRepository) MarkFailed(ctx context.Context, id models.ID, revision int64, reason string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := r.findOutbox(id)
	if msg == nil || msg.Revision != revision || msg.Status != domain.OutboxStatusPending {
		return nil
	}
	msg.Attempts++
	msg.LastError = reason
	msg.NextAttemptAt = nextAttemptAt.UTC()
	return nil
}

// Outbox returns a copy of every outbox message, for inspection in tests
func (r *MemorySagaRepository) Outbox() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	messages := make([]domain.OutboxMessage, 0, len(r.outbox))
	for _, msg := range r.outbox {
		messages = append(messages, *msg)
	}
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].Position < messages[j].Position
	})
	return messages
}

func (r *MemorySagaRepository) findOutbox(id models.ID) *domain.OutboxMessage {
	for _, msg := range r.outbox {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// writeOutcome must be called with mu held
func (r *MemorySagaRepository) writeOutcome(outcome *domain.Outcome) {
	if outcome == nil {
		return
	}
	for _, tr := range outcome.Transitions {
		r.transitions[tr.SagaID] = append(r.transitions[tr.SagaID], tr)
	}
	for _, cmd := range outcome.Commands {
		if existing, ok := r.outbox[cmd.Key]; ok {
			existing.Payload = cmd.Payload
			existing.Status = domain.OutboxStatusPending
			existing.Revision++
			existing.Position = cmd.Position
			existing.Attempts = 0
			existing.LastError = ""
			existing.NextAttemptAt = cmd.NextAttemptAt
			existing.SentAt = nil
			continue
		}
		msg := cmd
		r.outbox[cmd.Key] = &msg
	}
}
