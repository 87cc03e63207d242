package device

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// failingRepository wraps a Repository and fails Save when saveErr is set.
type failingRepository struct {
	Repository
	mu      sync.Mutex
	saveErr error
	saves   int
}

func (f *failingRepository) Save(ctx context.Context, rec *Record, prev uint64) error {
	f.mu.Lock()
	f.saves++
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Repository.Save(ctx, rec, prev)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(NewMemoryRepository(), SliderReject)
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	return reg
}

func relayUpdate(id RelayID, opts ...func(*RelayPatch)) ChannelUpdate {
	p := RelayPatch{RelayID: id}
	for _, o := range opts {
		o(&p)
	}
	return ChannelUpdate{Relay: &p}
}

func withValue(v Value) func(*RelayPatch) { return func(p *RelayPatch) { p.Value = &v } }
func withName(n string) func(*RelayPatch) { return func(p *RelayPatch) { p.Name = &n } }

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rec, created, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{
		Relays: []RelayPatch{{Name: ptr("Pump")}, {RelayID: "aux", ControlType: ptr(ControlSlider)}},
	})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !created {
		t.Error("created = false on first registration")
	}
	if rec.Class != ClassRelay || rec.Version != 1 {
		t.Errorf("record class %q version %d", rec.Class, rec.Version)
	}
	if len(rec.Relays) != 2 || rec.Relays[0].RelayID != "1" || rec.Relays[0].Name != "Pump" {
		t.Errorf("relays = %+v", rec.Relays)
	}

	again, created, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{Class: ClassSimple})
	if err != nil {
		t.Fatalf("second GetOrCreate() error = %v", err)
	}
	if created {
		t.Error("created = true for an existing device")
	}
	if again.Class != ClassRelay || again.Version != 1 {
		t.Errorf("existing record changed: %+v", again)
	}
}

func TestRegistry_GetOrCreate_Validation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, _, err := reg.GetOrCreate(ctx, "bad id", RegisterOptions{}); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("bad id: error = %v", err)
	}
	if _, _, err := reg.GetOrCreate(ctx, "led", RegisterOptions{Class: ClassSimple, Relays: []RelayPatch{{}}}); !errors.Is(err, ErrInvalidChannelState) {
		t.Errorf("simple with relays: error = %v", err)
	}
	if _, _, err := reg.GetOrCreate(ctx, "esp", RegisterOptions{Relays: []RelayPatch{{Value: ptr(Level(3))}}}); !errors.Is(err, ErrInvalidChannelState) {
		t.Errorf("invalid initial relay: error = %v", err)
	}
	if reg.GetStats().Devices != 0 {
		t.Error("failed registrations left records behind")
	}
}

// Relays registered without an id never take an id another relay in the
// same registration claims explicitly.
func TestRegistry_GetOrCreate_MixedRelayIDs(t *testing.T) {
	tests := []struct {
		name    string
		relays  []RelayPatch
		wantIDs []RelayID
	}{
		{
			name:    "explicit id at a later position",
			relays:  []RelayPatch{{RelayID: "2", Name: ptr("Pump")}, {Name: ptr("Fan")}},
			wantIDs: []RelayID{"2", "1"},
		},
		{
			name:    "explicit id declared after the implicit one",
			relays:  []RelayPatch{{Name: ptr("Fan")}, {RelayID: "1", Name: ptr("Pump")}},
			wantIDs: []RelayID{"2", "1"},
		},
		{
			name:    "several collisions",
			relays:  []RelayPatch{{RelayID: "3"}, {RelayID: "2"}, {Name: ptr("a")}, {Name: ptr("b")}},
			wantIDs: []RelayID{"3", "2", "1", "4"},
		},
		{
			name:    "no explicit ids",
			relays:  []RelayPatch{{}, {}, {}},
			wantIDs: []RelayID{"1", "2", "3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			rec, _, err := reg.GetOrCreate(context.Background(), "esp-1", RegisterOptions{Relays: tt.relays})
			if err != nil {
				t.Fatalf("GetOrCreate() error = %v", err)
			}
			if len(rec.Relays) != len(tt.wantIDs) {
				t.Fatalf("relays = %+v, want %d entries", rec.Relays, len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if rec.Relays[i].RelayID != want {
					t.Errorf("relay %d id = %q, want %q", i, rec.Relays[i].RelayID, want)
				}
			}
		})
	}
}

// Concurrent registration of one id yields exactly one record and exactly
// one caller that created it.
func TestRegistry_ConcurrentRegistration(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	const callers = 50
	var mu sync.Mutex
	createdCount := 0

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, created, err := reg.GetOrCreate(ctx, "esp-shared", RegisterOptions{})
			if err != nil {
				return err
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	if createdCount != 1 {
		t.Errorf("created reported %d times, want 1", createdCount)
	}
	records, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(List()) = %d, want 1", len(records))
	}
}

// Writers touching different relays of the same device never lose each
// other's changes.
func TestRegistry_NoLostUpdates(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, _, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	const writers = 32
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		id := RelayID(fmt.Sprintf("r%d", i))
		g.Go(func() error {
			_, _, err := reg.Upsert(ctx, "esp-1", relayUpdate(id, withValue(Bool(true))), UpsertOptions{})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	rec, err := reg.Get(ctx, "esp-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(rec.Relays) != writers {
		t.Errorf("len(Relays) = %d, want %d", len(rec.Relays), writers)
	}
	if rec.Version != writers+1 {
		t.Errorf("Version = %d, want %d", rec.Version, writers+1)
	}
	if n := reg.locks.Len(); n != 0 {
		t.Errorf("%d lock entries left after all writers finished", n)
	}
}

// Random interleavings of writes never produce duplicate relay ids.
func TestRegistry_RelayIDsStayUnique(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42)) //nolint:gosec // deterministic test data

	ids := []RelayID{"1", "2", "3", "4", "5"}
	plans := make([][]RelayID, 8)
	for i := range plans {
		for j := 0; j < 40; j++ {
			plans[i] = append(plans[i], ids[rng.Intn(len(ids))])
		}
	}

	var g errgroup.Group
	for _, plan := range plans {
		g.Go(func() error {
			for _, id := range plan {
				if _, _, err := reg.Upsert(ctx, "esp-r", relayUpdate(id, withValue(Bool(true))), UpsertOptions{CreateIfMissing: true}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	rec, err := reg.Get(ctx, "esp-r")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	seen := make(map[RelayID]bool)
	for _, rl := range rec.Relays {
		if seen[rl.RelayID] {
			t.Errorf("relay %s appears twice", rl.RelayID)
		}
		seen[rl.RelayID] = true
	}
}

func TestRegistry_Upsert_PartialMerge(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1", withName("Pump"), withValue(Bool(false))), UpsertOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	rec, rl, err := reg.Upsert(ctx, "esp-1", relayUpdate("1", withValue(Bool(true))), UpsertOptions{})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if rl == nil || rl.Name != "Pump" {
		t.Errorf("merged relay = %+v, want name kept", rl)
	}
	if on, _ := rec.Relays[0].Value.AsBool(); !on {
		t.Error("value not applied")
	}
}

func TestRegistry_Upsert_NotFoundWithoutCreate(t *testing.T) {
	reg := newTestRegistry(t)
	_, _, err := reg.Upsert(context.Background(), "ghost", relayUpdate("1"), UpsertOptions{})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Upsert() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_Upsert_SimpleStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	on := true

	rec, _, err := reg.Upsert(ctx, "led-1", ChannelUpdate{Status: &on}, UpsertOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if rec.Class != ClassSimple || !rec.SimpleStatus {
		t.Errorf("record = %+v, want simple and on", rec)
	}

	if _, _, err := reg.Upsert(ctx, "led-1", relayUpdate("1"), UpsertOptions{}); !errors.Is(err, ErrInvalidChannelState) {
		t.Errorf("relay on simple device: error = %v", err)
	}

	if _, _, err := reg.GetOrCreate(ctx, "board", RegisterOptions{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, _, err := reg.Upsert(ctx, "board", ChannelUpdate{Status: &on}, UpsertOptions{}); !errors.Is(err, ErrInvalidChannelState) {
		t.Errorf("status on relay device: error = %v", err)
	}
}

func TestRegistry_Upsert_RejectLeavesRecordUnchanged(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("d", func(p *RelayPatch) {
		p.ControlType = ptr(ControlSlider)
		p.SliderMax = ptr(100)
		p.Value = ptr(Level(10))
	}), UpsertOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	_, _, err = reg.Upsert(ctx, "esp-1", relayUpdate("d", withValue(Level(500))), UpsertOptions{})
	if !errors.Is(err, ErrInvalidChannelState) {
		t.Fatalf("Upsert(500) error = %v, want ErrInvalidChannelState", err)
	}

	rec, _ := reg.Get(ctx, "esp-1")
	if level, _ := rec.Relays[0].Value.AsLevel(); level != 10 || rec.Version != 1 {
		t.Errorf("record changed after rejected write: level %d version %d", level, rec.Version)
	}
}

func TestRegistry_ClampPolicy(t *testing.T) {
	reg := NewRegistry(NewMemoryRepository(), SliderClamp)
	ctx := context.Background()

	_, rl, err := reg.Upsert(ctx, "esp-1", relayUpdate("d", func(p *RelayPatch) {
		p.ControlType = ptr(ControlSlider)
		p.Value = ptr(Level(999))
	}), UpsertOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if level, _ := rl.Value.AsLevel(); level != DefaultSliderMax {
		t.Errorf("Value = %d, want %d", level, DefaultSliderMax)
	}
}

func TestRegistry_SaveFailureLeavesCacheUnchanged(t *testing.T) {
	repo := &failingRepository{Repository: NewMemoryRepository()}
	reg := NewRegistry(repo, SliderReject)
	ctx := context.Background()

	if _, _, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	repo.mu.Lock()
	repo.saveErr = errors.New("disk full")
	repo.mu.Unlock()

	if _, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1"), UpsertOptions{}); err == nil {
		t.Fatal("Upsert() succeeded with a failing repository")
	}

	rec, err := reg.Get(ctx, "esp-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(rec.Relays) != 0 || rec.Version != 1 {
		t.Errorf("cache holds uncommitted state: %+v", rec)
	}
}

// A write rejected for a stale version reloads the record, so the next
// write goes through against the stored version.
func TestRegistry_ConflictResyncsCache(t *testing.T) {
	repo := NewMemoryRepository()
	reg := NewRegistry(repo, SliderReject)
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	ctx := context.Background()

	if _, _, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	// Another writer moves the stored record past the cached version.
	bumped, err := repo.Get(ctx, "esp-1")
	if err != nil {
		t.Fatalf("repo.Get() error = %v", err)
	}
	bumped.Relays = []Relay{{RelayID: "9", Name: "Relay 9", ControlType: ControlSwitch, Value: Bool(false), SliderMax: DefaultSliderMax}}
	bumped.Version = 2
	if err := repo.Save(ctx, bumped, 1); err != nil {
		t.Fatalf("repo.Save() error = %v", err)
	}

	if _, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1"), UpsertOptions{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("first Upsert() error = %v, want ErrConflict", err)
	}

	rec, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1"), UpsertOptions{})
	if err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	if rec.Version != 3 || len(rec.Relays) != 2 || rec.Relays[0].RelayID != "9" {
		t.Errorf("record after resync = %+v", rec)
	}
}

func TestRegistry_DeleteConflictResyncsCache(t *testing.T) {
	repo := NewMemoryRepository()
	reg := NewRegistry(repo, SliderReject)
	ctx := context.Background()

	if _, _, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	bumped, err := repo.Get(ctx, "esp-1")
	if err != nil {
		t.Fatalf("repo.Get() error = %v", err)
	}
	bumped.Version = 2
	if err := repo.Save(ctx, bumped, 1); err != nil {
		t.Fatalf("repo.Save() error = %v", err)
	}

	if err := reg.Delete(ctx, "esp-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("first Delete() error = %v, want ErrConflict", err)
	}
	if err := reg.Delete(ctx, "esp-1"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if _, err := reg.Get(ctx, "esp-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

// Writes that acquire the device after a delete never resurrect the old
// record.
func TestRegistry_DeleteIsFinal(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1", withName("Old")), UpsertOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := reg.Delete(ctx, "esp-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := reg.Get(ctx, "esp-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
	if _, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1"), UpsertOptions{}); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("API Upsert() after delete error = %v, want ErrDeviceNotFound", err)
	}

	rec, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("2"), UpsertOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("telemetry Upsert() after delete error = %v", err)
	}
	if len(rec.Relays) != 1 || rec.Relays[0].RelayID != "2" || rec.Version != 1 {
		t.Errorf("recreated record = %+v, want only relay 2 at version 1", rec)
	}

	if err := reg.Delete(ctx, "never"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Delete(unknown) error = %v", err)
	}
}

func TestRegistry_ConcurrentDeleteAndUpsert(t *testing.T) {
	for i := 0; i < 20; i++ {
		reg := newTestRegistry(t)
		ctx := context.Background()
		if _, _, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{Relays: []RelayPatch{{RelayID: "old"}}}); err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}

		var g errgroup.Group
		g.Go(func() error { return reg.Delete(ctx, "esp-1") })
		g.Go(func() error {
			_, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("new"), UpsertOptions{CreateIfMissing: true})
			return err
		})
		if err := g.Wait(); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}

		// Either the upsert ran first and the delete removed everything, or
		// the delete ran first and the upsert started a fresh record.
		rec, err := reg.Get(ctx, "esp-1")
		if errors.Is(err, ErrDeviceNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if _, ok := rec.Relay("old"); ok {
			t.Fatalf("iteration %d: deleted relay resurrected: %+v", i, rec.Relays)
		}
	}
}

func TestRegistry_Listeners(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var changes []Change
	reg.Subscribe(func(c Change) { changes = append(changes, c) })

	if _, _, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1", withValue(Bool(true))), UpsertOptions{}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	// Listener copies are private.
	changes[1].Record.Relays[0].Name = "mutated"
	if rec, _ := reg.Get(ctx, "esp-1"); rec.Relays[0].Name == "mutated" {
		t.Error("listener mutation reached the registry")
	}

	if err := reg.Delete(ctx, "esp-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	want := []ChangeKind{ChangeCreated, ChangeUpdated, ChangeDeleted}
	if len(changes) != len(want) {
		t.Fatalf("got %d changes, want %d", len(changes), len(want))
	}
	for i, k := range want {
		if changes[i].Kind != k {
			t.Errorf("changes[%d].Kind = %s, want %s", i, changes[i].Kind, k)
		}
	}
	if changes[1].Relay == nil || changes[1].Relay.RelayID != "1" {
		t.Errorf("update change relay = %+v", changes[1].Relay)
	}
	if changes[1].Record.Version != 2 {
		t.Errorf("update change version = %d, want 2", changes[1].Record.Version)
	}
	if changes[2].Record != nil {
		t.Error("delete change carries a record")
	}
}

func TestRegistry_ListOrder(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	reg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, _, err := reg.GetOrCreate(ctx, id, RegisterOptions{}); err != nil {
			t.Fatalf("GetOrCreate(%s) error = %v", id, err)
		}
	}

	records, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := []string{records[0].ID, records[1].ID, records[2].ID}
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List() order = %v, want %v", got, want)
			break
		}
	}
}

func TestRegistry_ReadsAreCopies(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1", withName("Lamp")), UpsertOptions{CreateIfMissing: true}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	rec, _ := reg.Get(ctx, "esp-1")
	rec.Relays[0].Name = "changed"

	again, _ := reg.Get(ctx, "esp-1")
	if again.Relays[0].Name != "Lamp" {
		t.Error("mutating a returned record changed the registry")
	}
}

func TestRegistry_ColdCacheReadsThrough(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if err := repo.Save(ctx, testRecord("stored"), 0); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reg := NewRegistry(repo, SliderReject)
	rec, err := reg.Get(ctx, "stored")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(rec.Relays) != 2 {
		t.Errorf("len(Relays) = %d, want 2", len(rec.Relays))
	}

	rec, _, err = reg.Upsert(ctx, "stored", relayUpdate("1", withValue(Bool(false))), UpsertOptions{})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Version = %d, want 2", rec.Version)
	}
}

// Registration, a partial update and a rejected out-of-range slider write,
// as a device and a dashboard would drive them.
func TestRegistry_DeviceLifecycle(t *testing.T) {
	reg := NewRegistry(NewSQLiteRepository(setupTestDB(t).DB), SliderReject)
	ctx := context.Background()
	if err := reg.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	_, created, err := reg.GetOrCreate(ctx, "esp32-01", RegisterOptions{Relays: []RelayPatch{
		{RelayID: "1", Name: ptr("Lamp")},
		{RelayID: "2", Name: ptr("Dimmer"), ControlType: ptr(ControlSlider), SliderMax: ptr(100)},
	}})
	if err != nil || !created {
		t.Fatalf("GetOrCreate() = created %v, error %v", created, err)
	}

	if _, _, err := reg.Upsert(ctx, "esp32-01", relayUpdate("1", withValue(Bool(true))), UpsertOptions{}); err != nil {
		t.Fatalf("switch Upsert() error = %v", err)
	}
	if _, _, err := reg.Upsert(ctx, "esp32-01", relayUpdate("2", withValue(Level(60))), UpsertOptions{}); err != nil {
		t.Fatalf("slider Upsert() error = %v", err)
	}
	if _, _, err := reg.Upsert(ctx, "esp32-01", relayUpdate("2", withValue(Level(101))), UpsertOptions{}); !errors.Is(err, ErrInvalidChannelState) {
		t.Fatalf("out-of-range Upsert() error = %v", err)
	}

	// A fresh registry over the same database sees the committed state.
	reloaded := NewRegistry(reg.repo, SliderReject)
	if err := reloaded.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	rec, err := reloaded.Get(ctx, "esp32-01")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if on, _ := rec.Relays[0].Value.AsBool(); !on || rec.Relays[0].Name != "Lamp" {
		t.Errorf("relay 1 = %+v", rec.Relays[0])
	}
	if level, _ := rec.Relays[1].Value.AsLevel(); level != 60 {
		t.Errorf("relay 2 level = %d, want 60", level)
	}
	if rec.Version != 3 {
		t.Errorf("Version = %d, want 3", rec.Version)
	}

	stats := reloaded.GetStats()
	if stats.Devices != 1 || stats.Relays != 2 || stats.ByClass[ClassRelay] != 1 {
		t.Errorf("GetStats() = %+v", stats)
	}
}

// Writes to a device wait until an Observe callback for it returns.
func TestRegistry_ObserveHoldsWrites(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Observe(ctx, "esp-1", func(rec *Record) {
		if rec != nil {
			t.Errorf("Observe() on a missing device got %+v", rec)
		}
	}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if _, _, err := reg.GetOrCreate(ctx, "esp-1", RegisterOptions{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	done := make(chan struct{})
	err := reg.Observe(ctx, "esp-1", func(rec *Record) {
		if rec == nil || rec.Version != 1 {
			t.Errorf("Observe() record = %+v", rec)
		}
		go func() {
			defer close(done)
			if _, _, err := reg.Upsert(ctx, "esp-1", relayUpdate("1"), UpsertOptions{}); err != nil {
				t.Errorf("Upsert() error = %v", err)
			}
		}()
		select {
		case <-done:
			t.Error("Upsert() committed while Observe() held the device")
		case <-time.After(50 * time.Millisecond):
		}
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Upsert() never completed after Observe() returned")
	}
	if rec, _ := reg.Get(ctx, "esp-1"); rec.Version != 2 {
		t.Errorf("version = %d, want 2", rec.Version)
	}

	if err := reg.Observe(ctx, "bad id", func(*Record) {}); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("Observe(bad id) error = %v", err)
	}
}
