package mot

import (
	"image"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrTrackerInitFailed is returned when low-level tracker can't be initialized on a box
	ErrTrackerInitFailed = errors.New("tracker initialization failed")
	// ErrDegenerateBox is returned for boxes with zero area
	ErrDegenerateBox = errors.New("degenerate bounding box")
	// ErrTrackNotFound is returned when no live track has the requested ID
	ErrTrackNotFound = errors.New("track not found")
	// ErrIdentityTracked is returned when identity is already held by another live track
	ErrIdentityTracked = errors.New("identity is already tracked")
)

// TrackID is unique for the lifetime of a Registry and never reused
type TrackID int64

// Track is a live region followed by a low-level tracker, optionally bound to an identity.
type Track struct {
	ID       TrackID
	Box      BBox
	Identity string
	// Consecutive low-level tracker failures. Reset on every successful update
	Failures int

	tracker LowLevelTracker
}

// HasIdentity reports whether the track was bound to an identity
func (t Track) HasIdentity() bool {
	return t.Identity != ""
}

// TrackUpdate is the outcome of advancing a single track.
type TrackUpdate struct {
	TrackID  TrackID
	Identity string
	Box      BBox
	// Missed is true when low-level tracker failed but the track is still alive
	Missed bool
	// Failed is true when the track exceeded failure ceiling and has been removed
	Failed bool
}

// Registry owns low-level tracker handles for every live track.
type Registry struct {
	// Factory for low-level tracker handles
	factory TrackerFactory
	// Max consecutive failures before eviction. Default 30
	failureCeiling int
	// Next ID to allocate
	nextID TrackID
	// Main storage
	tracks map[TrackID]*Track
}

// NewDefaultRegistry creates registry with default failure ceiling of 30.
func NewDefaultRegistry(factory TrackerFactory) *Registry {
	return NewRegistry(factory, 30)
}

// NewRegistry creates new instance of Registry
func NewRegistry(factory TrackerFactory, failureCeiling int) *Registry {
	return &Registry{
		factory:        factory,
		failureCeiling: failureCeiling,
		nextID:         1,
		tracks:         make(map[TrackID]*Track),
	}
}

// AddTrack allocates a new track ID and initializes low-level tracker on box.
// On initialization failure no track is created and ErrTrackerInitFailed is returned.
func (reg *Registry) AddTrack(frame image.Image, box BBox, identity string) (TrackID, error) {
	if box.IsDegenerate() {
		return 0, ErrDegenerateBox
	}
	if identity != "" {
		if existing, ok := reg.findIdentity(identity); ok {
			return 0, errors.Wrapf(ErrIdentityTracked, "identity %s is held by track %d", identity, existing.ID)
		}
	}
	trackID := reg.nextID
	reg.nextID++

	tracker := reg.factory()
	if !tracker.Init(frame, box) {
		tracker.Release()
		return 0, errors.Wrapf(ErrTrackerInitFailed, "track %d", trackID)
	}
	reg.tracks[trackID] = &Track{
		ID:       trackID,
		Box:      box,
		Identity: identity,
		tracker:  tracker,
	}
	return trackID, nil
}

// AdvanceAll updates every live track against frame. Tracks failing more than
// failure ceiling times in a row are removed and reported with Failed set.
// Results are ordered by track ID.
func (reg *Registry) AdvanceAll(frame image.Image) []TrackUpdate {
	ids := reg.sortedIDs()
	updates := make([]TrackUpdate, 0, len(ids))
	for _, trackID := range ids {
		track := reg.tracks[trackID]
		ok, box := track.tracker.Update(frame)
		if ok && !box.IsDegenerate() {
			track.Box = box
			track.Failures = 0
			updates = append(updates, TrackUpdate{
				TrackID:  trackID,
				Identity: track.Identity,
				Box:      box,
			})
			continue
		}
		track.Failures++
		update := TrackUpdate{
			TrackID:  trackID,
			Identity: track.Identity,
			Box:      track.Box,
			Missed:   true,
		}
		// Remove object if it was not found for a long time
		if track.Failures > reg.failureCeiling {
			reg.Remove(trackID)
			update.Missed = false
			update.Failed = true
		}
		updates = append(updates, update)
	}
	return updates
}

// Refresh updates track with externally measured box (e.g. matched detection).
// Resets failure counter and re-seeds low-level tracker if it supports correction.
func (reg *Registry) Refresh(trackID TrackID, frame image.Image, box BBox) error {
	track, ok := reg.tracks[trackID]
	if !ok {
		return errors.Wrapf(ErrTrackNotFound, "track %d", trackID)
	}
	if box.IsDegenerate() {
		return ErrDegenerateBox
	}
	track.Box = box
	track.Failures = 0
	if corrector, ok := track.tracker.(Corrector); ok {
		corrector.Correct(frame, box)
	}
	return nil
}

// SetIdentity attaches identity to an existing track.
func (reg *Registry) SetIdentity(trackID TrackID, identity string) error {
	track, ok := reg.tracks[trackID]
	if !ok {
		return errors.Wrapf(ErrTrackNotFound, "track %d", trackID)
	}
	if existing, ok := reg.findIdentity(identity); ok && existing.ID != trackID {
		return errors.Wrapf(ErrIdentityTracked, "identity %s is held by track %d", identity, existing.ID)
	}
	track.Identity = identity
	return nil
}

// Remove deletes track and releases its low-level tracker. No-op if absent.
func (reg *Registry) Remove(trackID TrackID) {
	track, ok := reg.tracks[trackID]
	if !ok {
		return
	}
	track.tracker.Release()
	delete(reg.tracks, trackID)
}

// RemoveIdentity removes the track holding identity. Returns removed track ID.
func (reg *Registry) RemoveIdentity(identity string) (TrackID, bool) {
	track, ok := reg.findIdentity(identity)
	if !ok {
		return 0, false
	}
	reg.Remove(track.ID)
	return track.ID, true
}

// Track returns copy of live track
func (reg *Registry) Track(trackID TrackID) (Track, bool) {
	track, ok := reg.tracks[trackID]
	if !ok {
		return Track{}, false
	}
	return *track, true
}

// TrackByIdentity returns copy of live track holding identity
func (reg *Registry) TrackByIdentity(identity string) (Track, bool) {
	track, ok := reg.findIdentity(identity)
	if !ok {
		return Track{}, false
	}
	return *track, true
}

// Tracks returns copies of every live track ordered by ID
func (reg *Registry) Tracks() []Track {
	ids := reg.sortedIDs()
	tracks := make([]Track, 0, len(ids))
	for _, trackID := range ids {
		tracks = append(tracks, *reg.tracks[trackID])
	}
	return tracks
}

// Len returns number of live tracks
func (reg *Registry) Len() int {
	return len(reg.tracks)
}

// Close releases every low-level tracker handle and forgets all tracks.
// Track IDs keep growing after Close.
func (reg *Registry) Close() {
	for trackID := range reg.tracks {
		reg.Remove(trackID)
	}
}

func (reg *Registry) findIdentity(identity string) (*Track, bool) {
	if identity == "" {
		return nil, false
	}
	for _, track := range reg.tracks {
		if track.Identity == identity {
			return track, true
		}
	}
	return nil, false
}

func (reg *Registry) sortedIDs() []TrackID {
	ids := make([]TrackID, 0, len(reg.tracks))
	for trackID := range reg.tracks {
		ids = append(ids, trackID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
