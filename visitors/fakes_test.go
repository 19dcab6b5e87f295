package visitors

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/LdDl/mot-visitors/mot"
)

// scriptedDetector returns detections produced by script for every call (1-based)
type scriptedDetector struct {
	calls  int
	script func(call int) ([]mot.Detection, error)
}

func (sd *scriptedDetector) Detect(ctx context.Context, frame image.Image) ([]mot.Detection, error) {
	sd.calls++
	if sd.script == nil {
		return nil, nil
	}
	return sd.script(sd.calls)
}

func detectOnce(dets ...mot.Detection) *scriptedDetector {
	return &scriptedDetector{
		script: func(call int) ([]mot.Detection, error) {
			if call == 1 {
				return dets, nil
			}
			return nil, nil
		},
	}
}

func detectAlways(dets ...mot.Detection) *scriptedDetector {
	return &scriptedDetector{
		script: func(call int) ([]mot.Detection, error) {
			return dets, nil
		},
	}
}

// sizeRecognizer identifies faces by crop size, so equally sized boxes are the same person
type sizeRecognizer struct {
	known   map[string]string
	minted  int
	noEmbed bool
}

func newSizeRecognizer() *sizeRecognizer {
	return &sizeRecognizer{known: make(map[string]string)}
}

func (sr *sizeRecognizer) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	if sr.noEmbed {
		return nil, ErrNoEmbedding
	}
	b := crop.Bounds()
	return []float32{float32(b.Dx()), float32(b.Dy())}, nil
}

func (sr *sizeRecognizer) Resolve(ctx context.Context, embedding []float32) (string, bool) {
	identity, ok := sr.known[fmt.Sprint(embedding)]
	return identity, ok
}

func (sr *sizeRecognizer) Mint(ctx context.Context, embedding []float32) string {
	sr.minted++
	identity := fmt.Sprintf("V%d", sr.minted)
	sr.known[fmt.Sprint(embedding)] = identity
	return identity
}

// memStore keeps everything in memory and records calls in order
type memStore struct {
	mu       sync.Mutex
	visitors map[string]time.Time
	events   []Event
	touches  map[string]int
	calls    []string
	failAll  error
}

func newMemStore() *memStore {
	return &memStore{
		visitors: make(map[string]time.Time),
		touches:  make(map[string]int),
	}
}

func (ms *memStore) Exists(ctx context.Context, identity string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.failAll != nil {
		return false, ms.failAll
	}
	_, ok := ms.visitors[identity]
	return ok, nil
}

func (ms *memStore) AddVisitor(ctx context.Context, identity string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.calls = append(ms.calls, "add:"+identity)
	if ms.failAll != nil {
		return ms.failAll
	}
	if _, ok := ms.visitors[identity]; !ok {
		ms.visitors[identity] = at
	}
	return nil
}

func (ms *memStore) TouchLastSeen(ctx context.Context, identity string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.calls = append(ms.calls, "touch:"+identity)
	if ms.failAll != nil {
		return ms.failAll
	}
	ms.touches[identity]++
	return nil
}

func (ms *memStore) LogEvent(ctx context.Context, event Event) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.calls = append(ms.calls, string(event.Type)+":"+event.Identity)
	if ms.failAll != nil {
		return ms.failAll
	}
	ms.events = append(ms.events, event)
	return nil
}

func (ms *memStore) Stats(ctx context.Context) (Stats, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	stats := Stats{
		VisitorCount: len(ms.visitors),
		EventCount:   len(ms.events),
	}
	for _, e := range ms.events {
		switch e.Type {
		case EventEntry:
			stats.EntryCount++
		case EventExit:
			stats.ExitCount++
		}
	}
	return stats, nil
}

func (ms *memStore) Events() []Event {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	result := make([]Event, len(ms.events))
	copy(result, ms.events)
	return result
}

// handleWorld creates low-level trackers whose success is switched from tests
type handleWorld struct {
	initFails bool
	handles   []*switchTracker
}

type switchTracker struct {
	box      mot.BBox
	fail     bool
	initFail bool
	released bool
}

func (st *switchTracker) Init(frame image.Image, box mot.BBox) bool {
	st.box = box
	return !st.initFail
}

func (st *switchTracker) Update(frame image.Image) (bool, mot.BBox) {
	if st.fail {
		return false, mot.BBox{}
	}
	return true, st.box
}

func (st *switchTracker) Correct(frame image.Image, box mot.BBox) bool {
	st.box = box
	return true
}

func (st *switchTracker) Release() {
	st.released = true
}

func (hw *handleWorld) factory() mot.TrackerFactory {
	return func() mot.LowLevelTracker {
		st := &switchTracker{initFail: hw.initFails}
		hw.handles = append(hw.handles, st)
		return st
	}
}

// pathSaver pretends to save crops
type pathSaver struct {
	saved []string
}

func (ps *pathSaver) SaveCrop(crop image.Image, identity, kind string, at time.Time) (string, error) {
	path := fmt.Sprintf("/crops/%s_%s_%s.jpg", identity, kind, at.Format("2006-01-02_15-04-05"))
	ps.saved = append(ps.saved, path)
	return path, nil
}
