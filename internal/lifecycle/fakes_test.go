package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/example/carpool-ledger/internal/fare"
	"github.com/example/carpool-ledger/internal/ledger"
	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/routing"
	"github.com/example/carpool-ledger/internal/storage"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
	carol = common.HexToAddress("0xca201")
	dave  = common.HexToAddress("0xda7e")
)

// fakeLedger is an in-memory contract that enforces the same guards as
// RideSharing. Everything runs under one mutex, like a chain would
// serialize transactions.
type fakeLedger struct {
	mu       sync.Mutex
	rides    map[models.RideID]*models.Ride
	order    []models.RideID
	nextID   models.RideID
	balances map[common.Address]*big.Int
	txSeq    int64

	calls     int // every method
	submitted int // mutating methods only

	requestErr error
	getErr     map[models.RideID]error
	lists      map[string][]models.RideID // overrides for list methods
	onBalance  func()
	beforeTx   func() // runs before a mutating call takes the lock
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		rides:    make(map[models.RideID]*models.Ride),
		nextID:   1,
		balances: make(map[common.Address]*big.Int),
		getErr:   make(map[models.RideID]error),
		lists:    make(map[string][]models.RideID),
	}
}

func (f *fakeLedger) fund(addr common.Address, wei *big.Int) { f.balances[addr] = wei }

// seed inserts a ride directly, as if created earlier.
func (f *fakeLedger) seed(r models.Ride) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Fare == nil {
		r.Fare = big.NewInt(1)
	}
	cp := r
	f.rides[r.ID] = &cp
	f.order = append(f.order, r.ID)
	if r.ID >= f.nextID {
		f.nextID = r.ID + 1
	}
}

func (f *fakeLedger) receipt() ledger.Receipt {
	f.txSeq++
	return ledger.Receipt{TxHash: common.BigToHash(big.NewInt(f.txSeq)), BlockNumber: uint64(f.txSeq)}
}

func revert(reason string) error {
	return &ledger.OpError{Op: "tx", Err: fmt.Errorf("%w: execution reverted: %s", models.ErrPrecondition, reason)}
}

func (f *fakeLedger) RequestRide(_ context.Context, from common.Address, distanceMeters uint64, value *big.Int) (models.RideID, ledger.Receipt, error) {
	if f.beforeTx != nil {
		f.beforeTx()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.submitted++
	if f.requestErr != nil {
		return 0, ledger.Receipt{}, f.requestErr
	}
	if distanceMeters == 0 || value.Sign() <= 0 {
		return 0, ledger.Receipt{}, revert("invalid ride")
	}
	id := f.nextID
	f.nextID++
	f.rides[id] = &models.Ride{ID: id, Passenger: from, DistanceMeters: distanceMeters, Fare: new(big.Int).Set(value), Status: models.StatusRequested}
	f.order = append(f.order, id)
	if bal, ok := f.balances[from]; ok {
		bal.Sub(bal, value)
	}
	return id, f.receipt(), nil
}

func (f *fakeLedger) AcceptRide(_ context.Context, id models.RideID, caller common.Address) (ledger.Receipt, error) {
	if f.beforeTx != nil {
		f.beforeTx()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.submitted++
	r, ok := f.rides[id]
	if !ok || r.Status != models.StatusRequested || r.Passenger == caller {
		return ledger.Receipt{}, revert("ride not available")
	}
	r.Driver = caller
	r.Status = models.StatusAccepted
	return f.receipt(), nil
}

func (f *fakeLedger) CompleteRide(_ context.Context, id models.RideID, caller common.Address) (ledger.Receipt, error) {
	if f.beforeTx != nil {
		f.beforeTx()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.submitted++
	r, ok := f.rides[id]
	if !ok || r.Status != models.StatusAccepted || r.Driver != caller {
		return ledger.Receipt{}, revert("not the driver of an accepted ride")
	}
	r.Status = models.StatusCompleted
	if bal, ok := f.balances[caller]; ok {
		bal.Add(bal, r.Fare)
	}
	return f.receipt(), nil
}

func (f *fakeLedger) GetRide(_ context.Context, id models.RideID) (models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.getErr[id]; err != nil {
		return models.Ride{}, err
	}
	r, ok := f.rides[id]
	if !ok {
		return models.Ride{}, &ledger.OpError{Op: "getRide", Err: fmt.Errorf("ride %d: %w", id, models.ErrNotFound)}
	}
	cp := *r
	cp.Fare = new(big.Int).Set(r.Fare)
	return cp, nil
}

func (f *fakeLedger) list(name string, keep func(*models.Ride) bool) []models.RideID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if ids, ok := f.lists[name]; ok {
		return ids
	}
	var out []models.RideID
	for _, id := range f.order {
		if keep(f.rides[id]) {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeLedger) AvailableRides(context.Context) ([]models.RideID, error) {
	return f.list("available", func(r *models.Ride) bool { return r.Status == models.StatusRequested }), nil
}

func (f *fakeLedger) UserActiveRides(_ context.Context, user common.Address) ([]models.RideID, error) {
	return f.list("active", func(r *models.Ride) bool {
		return r.IsParticipant(user) && r.Status != models.StatusCompleted
	}), nil
}

func (f *fakeLedger) UserCompletedRides(_ context.Context, user common.Address) ([]models.RideID, error) {
	return f.list("completed", func(r *models.Ride) bool {
		return r.IsParticipant(user) && r.Status == models.StatusCompleted
	}), nil
}

func (f *fakeLedger) Balance(_ context.Context, account common.Address) (*big.Int, error) {
	if f.onBalance != nil {
		f.onBalance()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLedger) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

type fakeGeocoder map[string]models.Coord

func (g fakeGeocoder) Resolve(_ context.Context, place string) (models.Coord, error) {
	c, ok := g[place]
	if !ok {
		return models.Coord{}, fmt.Errorf("%q: %w", place, models.ErrNotFound)
	}
	return c, nil
}

type fixedRouter struct {
	km  float64
	err error
}

func (r fixedRouter) Route(_ context.Context, a, b models.Coord) (routing.Route, error) {
	if r.err != nil {
		return routing.Route{}, r.err
	}
	return routing.Route{Path: []models.Coord{a, b}, DistanceKm: r.km}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingBoard struct {
	mu      sync.Mutex
	changes []string
}

func (b *recordingBoard) RideChanged(id models.RideID, status models.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, fmt.Sprintf("%d:%s", id, status))
}

type harness struct {
	engine  *Engine
	ledger  *fakeLedger
	events  *recordingPublisher
	board   *recordingBoard
	journal *storage.MemoryStore
}

func newHarness(t *testing.T, router routing.Router) *harness {
	t.Helper()
	calc, err := fare.NewCalculator(decimal.RequireFromString("0.1"), fare.NativeDecimals)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		ledger:  newFakeLedger(),
		events:  &recordingPublisher{},
		board:   &recordingBoard{},
		journal: storage.NewMemoryStore(),
	}
	h.engine = &Engine{
		Ledger: h.ledger,
		Geocoder: fakeGeocoder{
			"Sector 17, Chandigarh": {Lat: 30.7398, Lon: 76.7827},
			"Mohali Stadium":        {Lat: 30.6909, Lon: 76.7375},
		},
		Router:       router,
		Fare:         calc,
		Events:       h.events,
		Board:        h.board,
		Journal:      h.journal,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		HydrateLimit: 4,
	}
	return h
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}
