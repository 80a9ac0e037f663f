package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/slotreserve/internal/platform/clock"
	"github.com/ehr/slotreserve/internal/platform/lock"
)

const (
	testDoctor = "D"
	testDate   = "2024-06-01"
	testStart  = "09:00"
)

// t0 is the day before testDate so every slot on the grid is in the future.
var t0 = time.Date(2024, 5, 31, 10, 0, 0, 0, time.UTC)

func testKey(t *testing.T) SlotKey {
	t.Helper()
	k, err := NewSlotKey(testDoctor, testDate, testStart)
	if err != nil {
		t.Fatalf("slot key: %v", err)
	}
	return k
}

// -- Availability --

type fakeProvider struct {
	schedules map[string]DaySchedule
	err       error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{schedules: map[string]DaySchedule{
		testDoctor: {
			Windows:     []WorkingWindow{{Start: 9 * 60, End: 12 * 60}},
			SlotMinutes: 30,
		},
	}}
}

func (p *fakeProvider) DaySchedule(_ context.Context, doctorID string, _ time.Time) (DaySchedule, error) {
	if p.err != nil {
		return DaySchedule{}, p.err
	}
	s, ok := p.schedules[doctorID]
	if !ok {
		return DaySchedule{}, ErrDoctorNotFound
	}
	return s, nil
}

// -- Bookings --

type fakeBookings struct {
	mu      sync.Mutex
	records map[string]*BookingRecord
	creates int
	failN   int
	err     error
}

func newFakeBookings() *fakeBookings {
	return &fakeBookings{records: make(map[string]*BookingRecord)}
}

func (b *fakeBookings) CreateBooking(_ context.Context, req BookingRequest) (*BookingRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failN > 0 {
		b.failN--
		return nil, errors.New("booking store unavailable")
	}
	id := req.Key.String()
	if rec, ok := b.records[id]; ok {
		if rec.HolderID != req.HolderID {
			return nil, fmt.Errorf("%w: %s booked by %s", ErrSlotUnavailable, req.Key, rec.HolderID)
		}
		return rec, nil
	}
	b.creates++
	rec := &BookingRecord{
		ID:            uuid.New(),
		ReservationID: req.ReservationID,
		Key:           req.Key,
		HolderID:      req.HolderID,
		Metadata:      req.Metadata,
		Status:        "booked",
		CreatedAt:     req.ConfirmedAt,
	}
	b.records[id] = rec
	return rec, nil
}

func (b *fakeBookings) BookedStarts(_ context.Context, doctorID, date string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var out []string
	for _, rec := range b.records {
		if rec.Key.DoctorID == doctorID && rec.Key.Date == date {
			out = append(out, rec.Key.Start)
		}
	}
	return out, nil
}

func (b *fakeBookings) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

// -- Events --

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// -- Store fault injection --

type faultyStore struct {
	Store
	mu   sync.Mutex
	fail map[string]error
}

func newFaultyStore(inner Store) *faultyStore {
	return &faultyStore{Store: inner, fail: make(map[string]error)}
}

func (f *faultyStore) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *faultyStore) errFor(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[op]
}

func (f *faultyStore) Insert(ctx context.Context, r *Reservation) error {
	if err := f.errFor("insert"); err != nil {
		return err
	}
	return f.Store.Insert(ctx, r)
}

func (f *faultyStore) Update(ctx context.Context, r *Reservation, expectedVersion int) error {
	if err := f.errFor("update"); err != nil {
		return err
	}
	return f.Store.Update(ctx, r, expectedVersion)
}

func (f *faultyStore) GetLive(ctx context.Context, key SlotKey) (*Reservation, error) {
	if err := f.errFor("getlive"); err != nil {
		return nil, err
	}
	return f.Store.GetLive(ctx, key)
}

// -- Environment --

type testEnv struct {
	clock    *clock.Manual
	store    *faultyStore
	locker   *lock.KeyedMutex
	ledger   *Ledger
	provider *fakeProvider
	bookings *fakeBookings
	catalog  *Catalog
	events   *recordingEmitter
	svc      *Service
	sweeper  *Sweeper
}

func newTestEnv(t *testing.T, opts ...LedgerOption) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:    clock.NewManual(t0),
		store:    newFaultyStore(NewMemoryStore()),
		locker:   lock.NewKeyedMutex(),
		provider: newFakeProvider(),
		bookings: newFakeBookings(),
		events:   &recordingEmitter{},
	}
	env.ledger = NewLedger(env.store, env.locker, opts...)
	env.catalog = NewCatalog(env.provider, env.ledger, env.bookings, env.clock, time.UTC, 30)
	env.svc = NewService(env.ledger, env.catalog, env.bookings, env.clock,
		WithEmitter(env.events), WithServiceLogger(zerolog.Nop()))
	env.sweeper = NewSweeper(env.ledger, env.clock, WithSweeperEmitter(env.events))
	return env
}

func (env *testEnv) reserve(t *testing.T, holder string) Handle {
	t.Helper()
	h, err := env.svc.ReserveSlot(context.Background(), ReserveRequest{
		DoctorID: testDoctor, Date: testDate, Time: testStart, HolderID: holder,
	})
	if err != nil {
		t.Fatalf("reserve for %s: %v", holder, err)
	}
	return h
}
