package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

const defaultBusyTimeout = 2 * time.Second

// Store is an in-memory ScheduleStore. Per provider, template and exception
// edits take the schedule lock exclusively while slot operations take it
// shared plus a per-slot mutex, so operations on different slots run in
// parallel and all transitions of one slot are serialized.
type Store struct {
	mu          sync.Mutex
	providers   map[string]*providerState
	busyTimeout time.Duration
}

type providerState struct {
	// schedMu is the provider-wide lock: exclusive for template/exception
	// edits, shared for slot transactions.
	schedMu sync.RWMutex

	slotMuMu sync.Mutex
	slotMu   map[int64]*sync.Mutex

	// dataMu guards the record maps; the outer locks serialize the
	// read-check-write sequences, dataMu only protects map access.
	dataMu       sync.Mutex
	template     *domain.WeeklyTemplate
	exceptions   map[string]domain.Exception
	holds        map[uuid.UUID]domain.Hold
	appointments map[uuid.UUID]domain.Appointment
}

type Option func(*Store)

// WithBusyTimeout bounds how long a provider-wide edit waits for in-flight
// slot operations before failing with store.ErrBusy.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		providers:   make(map[string]*providerState),
		busyTimeout: defaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) provider(providerID string) *providerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		p = &providerState{
			slotMu:       make(map[int64]*sync.Mutex),
			exceptions:   make(map[string]domain.Exception),
			holds:        make(map[uuid.UUID]domain.Hold),
			appointments: make(map[uuid.UUID]domain.Appointment),
		}
		s.providers[providerID] = p
	}
	return p
}

func (p *providerState) slotLock(slotStart time.Time) *sync.Mutex {
	key := slotStart.UTC().UnixNano()
	p.slotMuMu.Lock()
	defer p.slotMuMu.Unlock()
	mu, ok := p.slotMu[key]
	if !ok {
		mu = &sync.Mutex{}
		p.slotMu[key] = mu
	}
	return mu
}

func (s *Store) InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context, tx store.ScheduleTx) error) error {
	p := s.provider(providerID)

	deadline := time.Now().Add(s.busyTimeout)
	for !p.schedMu.TryLock() {
		if time.Now().After(deadline) {
			return store.ErrBusy
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	defer p.schedMu.Unlock()

	return fn(ctx, &tx{p: p})
}

func (s *Store) InSlotTx(ctx context.Context, providerID string, slotStart time.Time, fn func(ctx context.Context, tx store.ScheduleTx) error) error {
	p := s.provider(providerID)

	p.schedMu.RLock()
	defer p.schedMu.RUnlock()

	mu := p.slotLock(slotStart)
	mu.Lock()
	defer mu.Unlock()

	return fn(ctx, &tx{p: p})
}

func (s *Store) GetTemplate(ctx context.Context, providerID string) (domain.WeeklyTemplate, error) {
	p := s.provider(providerID)
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	return p.getTemplateLocked(providerID)
}

func (s *Store) ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.Exception, error) {
	p := s.provider(providerID)
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	return p.listExceptionsLocked(fromDate, toDate), nil
}

func (s *Store) GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	s.mu.Lock()
	providers := make([]*providerState, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.mu.Unlock()

	for _, p := range providers {
		p.dataMu.Lock()
		h, ok := p.holds[holdID]
		p.dataMu.Unlock()
		if ok {
			return h, nil
		}
	}
	return domain.Hold{}, store.ErrNotFound
}

func (s *Store) ListHolds(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Hold, error) {
	p := s.provider(providerID)
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	return p.listHoldsLocked(windowStart, windowEnd), nil
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	s.mu.Lock()
	providers := make([]*providerState, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.mu.Unlock()

	for _, p := range providers {
		p.dataMu.Lock()
		a, ok := p.appointments[appointmentID]
		p.dataMu.Unlock()
		if ok {
			return a, nil
		}
	}
	return domain.Appointment{}, store.ErrNotFound
}

func (s *Store) ListAppointments(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	p := s.provider(providerID)
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	return p.listAppointmentsLocked(windowStart, windowEnd), nil
}

func (s *Store) DeleteExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	providers := make([]*providerState, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.mu.Unlock()

	removed := 0
	for _, p := range providers {
		p.dataMu.Lock()
		for id, h := range p.holds {
			if h.Expired(now) {
				delete(p.holds, id)
				removed++
			}
		}
		p.dataMu.Unlock()
	}
	return removed, nil
}
