package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the authoritative store of device records.
//
// Every write to a device runs inside that device's critical section: the
// current record is read, merged, persisted and published as one step, so
// concurrent writers to the same device never lose each other's changes.
// Different devices never wait on each other.
//
// Committed records are cached copy-on-write. Readers take a deep copy of
// the cached record and never observe a write in progress.
//
// All public methods are thread-safe.
type Registry struct {
	repo   Repository
	policy SliderPolicy
	locks  *keyedMutex

	cache   map[string]*Record
	loaded  bool
	cacheMu sync.RWMutex

	listeners   []ChangeListener
	listenersMu sync.RWMutex

	logger Logger
	now    func() time.Time
}

// NewRegistry creates a new device registry over repo.
// policy decides how out-of-range slider values are treated and is fixed
// for the registry's lifetime.
func NewRegistry(repo Repository, policy SliderPolicy) *Registry {
	return &Registry{
		repo:   repo,
		policy: policy,
		locks:  newKeyedMutex(),
		cache:  make(map[string]*Record),
		logger: noopLogger{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Subscribe registers fn to receive every committed change.
//
// Listeners run synchronously while the changed device is locked, which
// gives each device's changes a stable order. A listener must hand work off
// (channel send, queue) rather than block on I/O.
func (r *Registry) Subscribe(fn ChangeListener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// SliderPolicy returns the policy the registry was built with.
func (r *Registry) SliderPolicy() SliderPolicy {
	return r.policy
}

// RefreshCache reloads all records from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	records, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	cache := make(map[string]*Record, len(records))
	for i := range records {
		cache[records[i].ID] = records[i].DeepCopy()
	}

	r.cacheMu.Lock()
	r.cache = cache
	r.loaded = true
	r.cacheMu.Unlock()

	r.logger.Info("device cache refreshed", "count", len(records))
	return nil
}

// GetOrCreate returns the record for id, creating it when absent.
//
// Creation applies opts: the device class and any initial relays (a relay
// without an id gets its 1-based position, or the lowest free number when
// another relay claims that id explicitly). When the record already exists
// it is returned unchanged and opts are ignored.
//
// Returns:
//   - *Record: a private copy of the record
//   - bool: true when this call created the record
//   - error: ErrInvalidDeviceID, ErrInvalidChannelState, or a repository error
func (r *Registry) GetOrCreate(ctx context.Context, id string, opts RegisterOptions) (*Record, bool, error) {
	if err := ValidateDeviceID(id); err != nil {
		return nil, false, err
	}
	class, err := ValidateClass(opts.Class)
	if err != nil {
		return nil, false, err
	}
	if class == ClassSimple && len(opts.Relays) > 0 {
		return nil, false, fmt.Errorf("%w: simple devices have no relays", ErrInvalidChannelState)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.loadLocked(ctx, id)
	if err == nil {
		return cur.DeepCopy(), false, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, false, err
	}

	rec := r.blank(id, class)
	for _, p := range assignRelayIDs(opts.Relays) {
		relays, _, err := MergeRelay(rec.Relays, p, r.policy)
		if err != nil {
			return nil, false, err
		}
		rec.Relays = relays
	}

	if err := r.commitLocked(ctx, rec, 0); err != nil {
		return nil, false, err
	}

	r.notify(Change{Kind: ChangeCreated, DeviceID: id, Record: rec})
	r.logger.Info("device registered", "device_id", id, "class", class, "relays", len(rec.Relays))
	return rec.DeepCopy(), true, nil
}

// Upsert applies one channel update to the record for id.
//
// A relay patch is merged with MergeRelay; a status update sets the simple
// device's on/off state. The update must match the device class. If the
// record is missing, Upsert returns ErrDeviceNotFound unless
// opts.CreateIfMissing is set, in which case an empty record of the class
// implied by the update is created first.
//
// On any error the stored record is unchanged.
//
// Returns:
//   - *Record: a private copy of the committed record
//   - *Relay: the merged relay, nil for status updates
//   - error: ErrDeviceNotFound, ErrInvalidChannelState, ErrInvalidDeviceID or a repository error
func (r *Registry) Upsert(ctx context.Context, id string, u ChannelUpdate, opts UpsertOptions) (*Record, *Relay, error) {
	if err := ValidateDeviceID(id); err != nil {
		return nil, nil, err
	}
	if err := validateUpdate(u); err != nil {
		return nil, nil, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	kind := ChangeUpdated
	cur, err := r.loadLocked(ctx, id)
	switch {
	case errors.Is(err, ErrDeviceNotFound) && opts.CreateIfMissing:
		class := ClassRelay
		if u.Status != nil {
			class = ClassSimple
		}
		cur = r.blank(id, class)
		kind = ChangeCreated
	case err != nil:
		return nil, nil, err
	}

	next := cur.DeepCopy()
	var touched *Relay

	switch {
	case u.Relay != nil:
		if next.Class != ClassRelay {
			return nil, nil, fmt.Errorf("%w: %s is a %s device and has no relays", ErrInvalidChannelState, id, next.Class)
		}
		relays, rl, err := MergeRelay(cur.Relays, *u.Relay, r.policy)
		if err != nil {
			return nil, nil, err
		}
		next.Relays = relays
		touched = &rl
	default:
		if next.Class != ClassSimple {
			return nil, nil, fmt.Errorf("%w: %s is a %s device and has no simple status", ErrInvalidChannelState, id, next.Class)
		}
		next.SimpleStatus = *u.Status
	}

	if err := r.commitLocked(ctx, next, cur.Version); err != nil {
		return nil, nil, err
	}

	r.notify(Change{Kind: kind, DeviceID: id, Record: next, Relay: touched})
	r.logger.Debug("device updated", "device_id", id, "version", next.Version)

	var relayCopy *Relay
	if touched != nil {
		rl := *touched
		relayCopy = &rl
	}
	return next.DeepCopy(), relayCopy, nil
}

// Get retrieves a record by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned record is a deep copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, id string) (*Record, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	loaded := r.loaded
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}
	if loaded {
		return nil, ErrDeviceNotFound
	}

	// Cold cache: read through under the device lock so a concurrent delete
	// cannot race the cache fill.
	unlock := r.locks.Lock(id)
	defer unlock()
	rec, err := r.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.DeepCopy(), nil
}

// Observe runs fn with a private copy of the record for id, or nil when
// there is none, inside the device's critical section. No write to id
// commits while fn runs, so a snapshot taken here and a subscription made
// in fn see every later change exactly once and in order. fn must not call
// back into the registry for the same id.
func (r *Registry) Observe(ctx context.Context, id string, fn func(*Record)) error {
	if err := ValidateDeviceID(id); err != nil {
		return err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.loadLocked(ctx, id)
	switch {
	case err == nil:
		fn(rec.DeepCopy())
	case errors.Is(err, ErrDeviceNotFound):
		fn(nil)
	default:
		return err
	}
	return nil
}

// List returns a snapshot of every record ordered by creation time, then id.
// Each record in the snapshot is internally consistent.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	r.cacheMu.RLock()
	if !r.loaded {
		r.cacheMu.RUnlock()
		if err := r.RefreshCache(ctx); err != nil {
			return nil, err
		}
		r.cacheMu.RLock()
	}
	out := make([]Record, 0, len(r.cache))
	for _, rec := range r.cache {
		out = append(out, *rec.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sortRecords(out)
	return out, nil
}

// Delete removes the record for id.
// Writes that acquire the device after Delete see no record: API writes
// get ErrDeviceNotFound and device telemetry starts a fresh empty record.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.loadLocked(ctx, id)
	if err != nil {
		return err
	}

	if err := r.repo.Delete(ctx, id, cur.Version); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrDeviceNotFound) {
			r.resyncLocked(ctx, id)
		}
		return fmt.Errorf("deleting device %s: %w", id, err)
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.notify(Change{Kind: ChangeDeleted, DeviceID: id})
	r.logger.Info("device deleted", "device_id", id)
	return nil
}

// Stats summarises the registry contents.
type Stats struct {
	Devices     int           `json:"devices"`
	Relays      int           `json:"relays"`
	ByClass     map[Class]int `json:"byClass"`
	LockedNow   int           `json:"lockedNow"`
	SliderClamp bool          `json:"sliderClamp"`
}

// GetStats returns counts over the cached records.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	s := Stats{
		Devices:     len(r.cache),
		ByClass:     make(map[Class]int),
		LockedNow:   r.locks.Len(),
		SliderClamp: r.policy == SliderClamp,
	}
	for _, rec := range r.cache {
		s.Relays += len(rec.Relays)
		s.ByClass[rec.Class]++
	}
	return s
}

// loadLocked returns the current record for id, reading through to the
// repository on a cold cache. The caller must hold the device lock. The
// returned pointer is the cached value and must not be modified.
func (r *Registry) loadLocked(ctx context.Context, id string) (*Record, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	loaded := r.loaded
	r.cacheMu.RUnlock()

	if ok {
		return cached, nil
	}
	if loaded {
		return nil, ErrDeviceNotFound
	}

	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("loading device %s: %w", id, err)
	}

	r.cacheMu.Lock()
	r.cache[id] = rec
	r.cacheMu.Unlock()
	return rec, nil
}

// commitLocked stamps rec with the next version, persists it conditionally
// on prevVersion and swaps it into the cache. The caller must hold the
// device lock. rec must not be modified afterwards.
func (r *Registry) commitLocked(ctx context.Context, rec *Record, prevVersion uint64) error {
	rec.Version = prevVersion + 1
	rec.UpdatedAt = r.now()

	if err := r.repo.Save(ctx, rec, prevVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			r.resyncLocked(ctx, rec.ID)
		}
		return fmt.Errorf("saving device %s: %w", rec.ID, err)
	}

	r.cacheMu.Lock()
	r.cache[rec.ID] = rec
	r.cacheMu.Unlock()
	return nil
}

// resyncLocked replaces the cached record for id with the repository's
// copy after the repository rejected a write, so the next write is checked
// against the stored version. The caller must hold the device lock.
func (r *Registry) resyncLocked(ctx context.Context, id string) {
	rec, err := r.repo.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		r.logger.Warn("device resync failed", "device_id", id, "error", err)
		r.cacheMu.Lock()
		delete(r.cache, id)
		r.loaded = false
		r.cacheMu.Unlock()
		return
	}

	r.cacheMu.Lock()
	if rec == nil {
		delete(r.cache, id)
	} else {
		r.cache[id] = rec
	}
	r.cacheMu.Unlock()
	r.logger.Info("device resynced from repository", "device_id", id, "found", rec != nil)
}

func (r *Registry) blank(id string, class Class) *Record {
	now := r.now()
	return &Record{
		ID:        id,
		Class:     class,
		Relays:    []Relay{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// notify hands each listener its own copy of the change.
func (r *Registry) notify(c Change) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		cc := c
		cc.Record = c.Record.DeepCopy()
		if c.Relay != nil {
			rl := *c.Relay
			cc.Relay = &rl
		}
		fn(cc)
	}
}

// assignRelayIDs fills in ids for relays registered without one. Each gets
// its 1-based position unless a relay in the list claims that id
// explicitly, in which case it takes the lowest number still free.
func assignRelayIDs(patches []RelayPatch) []RelayPatch {
	taken := make(map[RelayID]bool, len(patches))
	for _, p := range patches {
		if p.RelayID != "" {
			taken[p.RelayID] = true
		}
	}

	out := make([]RelayPatch, len(patches))
	next := 1
	for i, p := range patches {
		if p.RelayID == "" {
			id := RelayID(strconv.Itoa(i + 1))
			if taken[id] {
				for taken[RelayID(strconv.Itoa(next))] {
					next++
				}
				id = RelayID(strconv.Itoa(next))
			}
			p.RelayID = id
			taken[id] = true
		}
		out[i] = p
	}
	return out
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
