package offer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ridedispatch/internal/models"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

type event struct {
	identity, name string
	payload        interface{}
}

func (f *fakeNotifier) EmitTo(identity, name string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{identity, name, payload})
	return true
}

func (f *fakeNotifier) countFor(identity, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.identity == identity && e.name == name {
			n++
		}
	}
	return n
}

type fakePositions struct {
	mu        sync.Mutex
	available map[string]bool
}

func newFakePositions(drivers ...string) *fakePositions {
	m := make(map[string]bool, len(drivers))
	for _, d := range drivers {
		m[d] = true
	}
	return &fakePositions{available: m}
}

func (f *fakePositions) Get(ctx context.Context, driverID string) (models.DriverPosition, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	avail, ok := f.available[driverID]
	if !ok {
		return models.DriverPosition{}, false, nil
	}
	return models.DriverPosition{DriverID: driverID, IsOnline: true, IsAvailable: avail}, true, nil
}

func (f *fakePositions) MarkAvailable(ctx context.Context, driverID string, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[driverID] = available
	return nil
}

type fakeNames struct{}

func (fakeNames) DriverName(ctx context.Context, driverID string) (string, error) { return "Driver " + driverID, nil }

func TestSingleAcceptRaceExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	drivers := []string{"d1", "d2", "d3", "d4", "d5"}
	store := NewMemStore()
	positions := newFakePositions(drivers...)
	notify := &fakeNotifier{}
	m := NewManager(store, notify, positions, fakeNames{}, 15*time.Second, nil)

	offerID, err := m.OpenOffer(ctx, "rider1", models.Coord{}, models.Coord{}, drivers, 10, 1)
	if err != nil {
		t.Fatalf("OpenOffer: %v", err)
	}

	var wg sync.WaitGroup
	var wins int32
	for _, d := range drivers {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			o, err := m.AcceptOffer(ctx, offerID, driverID)
			if err == nil && o.Winner == driverID {
				atomic.AddInt32(&wins, 1)
			}
		}(d)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if notify.countFor("rider1", "ride:accepted") != 1 {
		t.Fatalf("expected rider to get exactly one ride:accepted, got %d", notify.countFor("rider1", "ride:accepted"))
	}
	if notify.countFor("rider1", "ride:request:expired") != 0 {
		t.Fatalf("accepted offer must not also expire")
	}
}

func TestExpiryWithNoRespondersFiresOnce(t *testing.T) {
	ctx := context.Background()
	drivers := []string{"d1", "d2", "d3"}
	store := NewMemStore()
	positions := newFakePositions(drivers...)
	notify := &fakeNotifier{}
	m := NewManager(store, notify, positions, fakeNames{}, 30*time.Millisecond, nil)

	offerID, err := m.OpenOffer(ctx, "rider1", models.Coord{}, models.Coord{}, drivers, 10, 1)
	if err != nil {
		t.Fatalf("OpenOffer: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if got := notify.countFor("rider1", "ride:request:expired"); got != 1 {
		t.Fatalf("expected exactly one ride:request:expired, got %d", got)
	}
	o, ok, err := m.GetOfferState(ctx, offerID)
	if err != nil || !ok {
		t.Fatalf("expected offer to still exist in EXPIRED state: ok=%v err=%v", ok, err)
	}
	if o.State != models.OfferExpired {
		t.Fatalf("expected state EXPIRED, got %s", o.State)
	}
}

func TestRejectByLastRecipientDoesNotExpireEarly(t *testing.T) {
	ctx := context.Background()
	drivers := []string{"d1"}
	store := NewMemStore()
	positions := newFakePositions(drivers...)
	notify := &fakeNotifier{}
	m := NewManager(store, notify, positions, fakeNames{}, 200*time.Millisecond, nil)

	offerID, err := m.OpenOffer(ctx, "rider1", models.Coord{}, models.Coord{}, drivers, 10, 1)
	if err != nil {
		t.Fatalf("OpenOffer: %v", err)
	}
	if err := m.RejectOffer(ctx, offerID, "d1"); err != nil {
		t.Fatalf("RejectOffer: %v", err)
	}

	o, ok, err := m.GetOfferState(ctx, offerID)
	if err != nil || !ok {
		t.Fatalf("offer should still exist after reject: ok=%v err=%v", ok, err)
	}
	if o.State != models.OfferOpen {
		t.Fatalf("reject must not change state, got %s", o.State)
	}
	if notify.countFor("rider1", "ride:request:expired") != 0 {
		t.Fatalf("reject must not trigger early expiry notification")
	}
}

func TestAcceptFlipsAvailability(t *testing.T) {
	ctx := context.Background()
	drivers := []string{"d1"}
	store := NewMemStore()
	positions := newFakePositions(drivers...)
	notify := &fakeNotifier{}
	m := NewManager(store, notify, positions, fakeNames{}, time.Second, nil)

	offerID, _ := m.OpenOffer(ctx, "rider1", models.Coord{}, models.Coord{}, drivers, 10, 1)
	if _, err := m.AcceptOffer(ctx, offerID, "d1"); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	pos, _, _ := positions.Get(ctx, "d1")
	if pos.IsAvailable {
		t.Fatalf("expected driver to be marked unavailable after accept")
	}
}

func TestCancelOnlyByOriginatingRider(t *testing.T) {
	ctx := context.Background()
	drivers := []string{"d1"}
	store := NewMemStore()
	positions := newFakePositions(drivers...)
	notify := &fakeNotifier{}
	m := NewManager(store, notify, positions, fakeNames{}, time.Second, nil)

	offerID, _ := m.OpenOffer(ctx, "rider1", models.Coord{}, models.Coord{}, drivers, 10, 1)
	if err := m.CancelOffer(ctx, offerID, "someone-else"); err == nil {
		t.Fatalf("expected error when a non-rider attempts cancel")
	}
	if err := m.CancelOffer(ctx, offerID, "rider1"); err != nil {
		t.Fatalf("CancelOffer: %v", err)
	}
	o, _, _ := m.GetOfferState(ctx, offerID)
	if o.State != models.OfferExpired {
		t.Fatalf("expected state EXPIRED after rider cancel, got %s", o.State)
	}
}
