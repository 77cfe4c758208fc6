// Package gpu keeps the per-device VRAM ledger. The Tracker is the only
// component allowed to decide whether a model fits on a device; every
// mutation of a device's ledger happens under that device's mutex.
package gpu

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"meshd/internal/apperr"
)

// Device describes a physical GPU and its VRAM budget in bytes.
type Device struct {
	ID        int
	Name      string
	TotalVRAM int64
}

type residency struct {
	vram     int64
	pins     int
	lastUsed uint64
	epoch    uint64
	evicting bool
}

type ledger struct {
	mu        sync.Mutex
	dev       Device
	allocated int64
	resident  map[string]*residency
}

// Tracker is safe for concurrent use. Operations on different devices never
// contend with each other.
type Tracker struct {
	devices map[int]*ledger
	order   []int
	clock   atomic.Uint64
}

// NewTracker builds a tracker for the given devices.
func NewTracker(devs []Device) (*Tracker, error) {
	t := &Tracker{devices: make(map[int]*ledger, len(devs))}
	for _, d := range devs {
		if d.TotalVRAM <= 0 {
			return nil, fmt.Errorf("gpu %d: total vram must be positive", d.ID)
		}
		if _, dup := t.devices[d.ID]; dup {
			return nil, fmt.Errorf("gpu %d: duplicate id", d.ID)
		}
		t.devices[d.ID] = &ledger{dev: d, resident: make(map[string]*residency)}
		t.order = append(t.order, d.ID)
	}
	sort.Ints(t.order)
	return t, nil
}

func (t *Tracker) ledger(gpu int) (*ledger, error) {
	l, ok := t.devices[gpu]
	if !ok {
		return nil, apperr.NotFound("gpu %d not found", gpu)
	}
	return l, nil
}

func (t *Tracker) tick() uint64 { return t.clock.Add(1) }

// Devices returns the configured devices ordered by id.
func (t *Tracker) Devices() []Device {
	out := make([]Device, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.devices[id].dev)
	}
	return out
}

// MaxVRAM returns the largest device budget.
func (t *Tracker) MaxVRAM() int64 {
	var largest int64
	for _, l := range t.devices {
		if l.dev.TotalVRAM > largest {
			largest = l.dev.TotalVRAM
		}
	}
	return largest
}

// CanAdmit reports whether vram more bytes fit on gpu right now.
func (t *Tracker) CanAdmit(gpu int, vram int64) bool {
	l, err := t.ledger(gpu)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocated+vram <= l.dev.TotalVRAM
}

// Free returns the unallocated bytes on gpu.
func (t *Tracker) Free(gpu int) int64 {
	l, err := t.ledger(gpu)
	if err != nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.TotalVRAM - l.allocated
}

// Reserve admits model onto gpu and returns with the residency pinned once;
// the caller unpins when its load finishes. Reserving an already resident
// model only adds a pin.
func (t *Tracker) Reserve(gpu int, model string, vram int64) error {
	l, err := t.ledger(gpu)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.resident[model]; ok {
		if r.evicting {
			return apperr.CapacityUnavailable(model)
		}
		r.pins++
		r.lastUsed = t.tick()
		return nil
	}
	if l.allocated+vram > l.dev.TotalVRAM {
		return apperr.InsufficientVRAM(gpu, vram, l.dev.TotalVRAM-l.allocated)
	}
	l.allocated += vram
	tick := t.tick()
	l.resident[model] = &residency{vram: vram, pins: 1, lastUsed: tick, epoch: tick}
	l.assert()
	return nil
}

// Release drops model's residency on gpu regardless of pins. Releasing a
// model that is not resident is a no-op.
func (t *Tracker) Release(gpu int, model string) {
	l, err := t.ledger(gpu)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resident[model]
	if !ok {
		return
	}
	l.allocated -= r.vram
	delete(l.resident, model)
	l.assert()
}

// SelectEvictionCandidate picks the least recently used resident on gpu with
// no pins. It reports false when no idle resident exists or when evicting
// every idle resident still would not free needed bytes.
func (t *Tracker) SelectEvictionCandidate(gpu int, needed int64) (string, bool) {
	l, err := t.ledger(gpu)
	if err != nil {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.candidate(needed)
}

func (l *ledger) candidate(needed int64) (string, bool) {
	var (
		best     string
		bestTick uint64
		idle     int64
		found    bool
	)
	for id, r := range l.resident {
		if r.pins > 0 || r.evicting {
			continue
		}
		idle += r.vram
		if !found || r.lastUsed < bestTick || (r.lastUsed == bestTick && id < best) {
			best, bestTick, found = id, r.lastUsed, true
		}
	}
	if !found {
		return "", false
	}
	if l.dev.TotalVRAM-l.allocated+idle < needed {
		return "", false
	}
	return best, true
}

// ClaimEviction marks an idle resident as being evicted so no new pin can
// land on it. It reports false when the model gained a pin or is gone.
func (t *Tracker) ClaimEviction(gpu int, model string) bool {
	l, err := t.ledger(gpu)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resident[model]
	if !ok || r.pins > 0 || r.evicting {
		return false
	}
	r.evicting = true
	return true
}

// AbortEviction clears a claim made by ClaimEviction.
func (t *Tracker) AbortEviction(gpu int, model string) {
	l, err := t.ledger(gpu)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.resident[model]; ok {
		r.evicting = false
	}
}

// Pin marks one in-flight use of a resident model and refreshes its LRU
// position. It reports false if the model is not resident or is being evicted.
func (t *Tracker) Pin(gpu int, model string) bool {
	l, err := t.ledger(gpu)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resident[model]
	if !ok || r.evicting {
		return false
	}
	r.pins++
	r.lastUsed = t.tick()
	return true
}

// Unpin ends one in-flight use. Unpinning a model that was released in the
// meantime is a no-op.
func (t *Tracker) Unpin(gpu int, model string) {
	l, err := t.ledger(gpu)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resident[model]
	if !ok {
		return
	}
	r.pins--
	if r.pins < 0 {
		panic(fmt.Sprintf("gpu %d: negative pin count for %s", gpu, model))
	}
	r.lastUsed = t.tick()
}

// PinEpoch pins like Pin and also returns the residency's epoch. Each
// Reserve that creates a residency starts a new epoch.
func (t *Tracker) PinEpoch(gpu int, model string) (uint64, bool) {
	l, err := t.ledger(gpu)
	if err != nil {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resident[model]
	if !ok || r.evicting {
		return 0, false
	}
	r.pins++
	r.lastUsed = t.tick()
	return r.epoch, true
}

// UnpinEpoch unpins only if model is still the residency pinned in epoch.
// A pin taken before an explicit unload and reload is dropped silently.
func (t *Tracker) UnpinEpoch(gpu int, model string, epoch uint64) {
	l, err := t.ledger(gpu)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.resident[model]
	if !ok || r.epoch != epoch {
		return
	}
	r.pins--
	if r.pins < 0 {
		panic(fmt.Sprintf("gpu %d: negative pin count for %s", gpu, model))
	}
	r.lastUsed = t.tick()
}

// Locate returns the device model is resident on.
func (t *Tracker) Locate(model string) (int, bool) {
	for _, id := range t.order {
		l := t.devices[id]
		l.mu.Lock()
		_, ok := l.resident[model]
		l.mu.Unlock()
		if ok {
			return id, true
		}
	}
	return 0, false
}

// ByFreeVRAM returns device ids ordered by free VRAM, largest first, ties
// broken by id.
func (t *Tracker) ByFreeVRAM() []int {
	type entry struct {
		id   int
		free int64
	}
	entries := make([]entry, 0, len(t.order))
	for _, id := range t.order {
		entries = append(entries, entry{id: id, free: t.Free(id)})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].free > entries[j].free })
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// Resident is one row of a device snapshot.
type Resident struct {
	ModelID  string `json:"model_id"`
	VRAM     int64  `json:"vram_bytes"`
	Pins     int    `json:"in_flight"`
	LastUsed uint64 `json:"last_used_tick"`
	Evicting bool   `json:"evicting,omitempty"`
}

// DeviceSnapshot is a consistent read of one device's ledger.
type DeviceSnapshot struct {
	Device
	Allocated int64
	Residents []Resident
}

// Snapshot returns a copy of every ledger. Each device is read under its own
// lock, so the view is consistent per device.
func (t *Tracker) Snapshot() []DeviceSnapshot {
	out := make([]DeviceSnapshot, 0, len(t.order))
	for _, id := range t.order {
		l := t.devices[id]
		l.mu.Lock()
		s := DeviceSnapshot{Device: l.dev, Allocated: l.allocated}
		for mid, r := range l.resident {
			s.Residents = append(s.Residents, Resident{ModelID: mid, VRAM: r.vram, Pins: r.pins, LastUsed: r.lastUsed, Evicting: r.evicting})
		}
		l.mu.Unlock()
		sort.Slice(s.Residents, func(i, j int) bool { return s.Residents[i].ModelID < s.Residents[j].ModelID })
		out = append(out, s)
	}
	return out
}

// assert panics when the ledger invariant is broken. Callers hold l.mu.
func (l *ledger) assert() {
	var sum int64
	for _, r := range l.resident {
		sum += r.vram
	}
	if sum != l.allocated || l.allocated < 0 || l.allocated > l.dev.TotalVRAM {
		panic(fmt.Sprintf("gpu %d: ledger corrupt: allocated=%d residents=%d total=%d", l.dev.ID, l.allocated, sum, l.dev.TotalVRAM))
	}
}
