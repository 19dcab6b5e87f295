package visitors

import (
	"context"
	"image"
	"sort"
	"time"

	"github.com/LdDl/mot-visitors/mot"
	"github.com/LdDl/mot-visitors/timeutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ExitReason tells what ended visitor's presence
type ExitReason int

const (
	// ExitTimeout means no confirmed sighting for longer than exit timeout
	ExitTimeout ExitReason = iota
	// ExitTrackerLost means low-level tracker exceeded its failure ceiling
	ExitTrackerLost
	// ExitShutdown means stream stopped while visitor was active
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitTimeout:
		return "timeout"
	case ExitTrackerLost:
		return "tracker_lost"
	case ExitShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ActiveVisitor is the liveness record of an identity currently held by a live track.
type ActiveVisitor struct {
	Identity   string
	TrackID    mot.TrackID
	Box        mot.BBox
	LastUpdate time.Time
}

// Outcome describes an accepted detection
type Outcome struct {
	Identity string
	TrackID  mot.TrackID
	Box      mot.BBox
}

// Exit describes a processed exit
type Exit struct {
	Identity  string
	TrackID   mot.TrackID
	Reason    ExitReason
	ImagePath string
}

// Drop describes a detection abandoned for the current frame
type Drop struct {
	Box    mot.BBox
	Reason error
}

// lifecycle keeps identity-keyed liveness in sync with the track registry.
// Every exit goes through retire.
type lifecycle struct {
	registry    *mot.Registry
	recognizer  Recognizer
	store       VisitorStore
	crops       CropSaver
	clock       timeutil.Clock
	exitTimeout time.Duration
	active      map[string]*ActiveVisitor
	logger      zerolog.Logger
}

func newLifecycle(registry *mot.Registry, recognizer Recognizer, store VisitorStore, crops CropSaver, clock timeutil.Clock, exitTimeout time.Duration, logger zerolog.Logger) *lifecycle {
	return &lifecycle{
		registry:    registry,
		recognizer:  recognizer,
		store:       store,
		crops:       crops,
		clock:       clock,
		exitTimeout: exitTimeout,
		active:      make(map[string]*ActiveVisitor),
		logger:      logger,
	}
}

// processNewFace handles detection which matched no live track.
// Returns true when a new track was created, false when detection turned out
// to be a continuation of identity which is already tracked.
func (lc *lifecycle) processNewFace(ctx context.Context, frame image.Image, det mot.Detection, touched map[string]struct{}) (Outcome, bool, error) {
	crop, err := cropBox(frame, det.Box)
	if err != nil {
		return Outcome{}, false, err
	}
	embedding, err := lc.recognizer.Embed(ctx, crop)
	if err != nil {
		return Outcome{}, false, errors.Wrap(err, "embed")
	}
	if len(embedding) == 0 {
		return Outcome{}, false, ErrNoEmbedding
	}

	identity, ok := lc.recognizer.Resolve(ctx, embedding)
	if !ok {
		identity = lc.recognizer.Mint(ctx, embedding)
		lc.register(ctx, identity)
	}

	// Same identity must not be followed by two tracks at once
	if track, ok := lc.registry.TrackByIdentity(identity); ok {
		outcome, err := lc.continueTrack(ctx, frame, track.ID, det.Box, touched)
		return outcome, false, err
	}

	trackID, err := lc.registry.AddTrack(frame, det.Box, identity)
	if err != nil {
		return Outcome{}, false, err
	}

	now := lc.clock.Now()
	imagePath := lc.saveCrop(crop, identity, EventEntry, now)
	confidence := det.Confidence
	lc.logEvent(ctx, Event{
		Identity:   identity,
		Type:       EventEntry,
		Timestamp:  now,
		ImagePath:  imagePath,
		Confidence: &confidence,
	})
	lc.activate(identity, trackID, det.Box, now)
	touched[identity] = struct{}{}

	lc.logger.Info().Str("identity", identity).Int64("track_id", int64(trackID)).Float64("confidence", confidence).Msg("Visitor entered")
	return Outcome{Identity: identity, TrackID: trackID, Box: det.Box}, true, nil
}

// continueTrack applies matched detection to live track.
func (lc *lifecycle) continueTrack(ctx context.Context, frame image.Image, trackID mot.TrackID, box mot.BBox, touched map[string]struct{}) (Outcome, error) {
	if err := lc.registry.Refresh(trackID, frame, box); err != nil {
		return Outcome{}, err
	}
	track, _ := lc.registry.Track(trackID)
	outcome := Outcome{Identity: track.Identity, TrackID: trackID, Box: box}
	if !track.HasIdentity() {
		return outcome, nil
	}
	now := lc.clock.Now()
	lc.activate(track.Identity, trackID, box, now)
	lc.touch(ctx, track.Identity, now, touched)
	return outcome, nil
}

// observe refreshes liveness from successful low-level tracker updates.
func (lc *lifecycle) observe(ctx context.Context, updates []mot.TrackUpdate, touched map[string]struct{}) {
	now := lc.clock.Now()
	for _, u := range updates {
		if u.Missed || u.Failed || u.Identity == "" {
			continue
		}
		av, ok := lc.active[u.Identity]
		if !ok {
			continue
		}
		av.Box = u.Box
		av.LastUpdate = now
		lc.touch(ctx, u.Identity, now, touched)
	}
}

// sweep retires every identity which was not seen for longer than exit timeout.
func (lc *lifecycle) sweep(ctx context.Context, frame image.Image) []Exit {
	stale := make([]string, 0)
	for identity, av := range lc.active {
		if lc.clock.Since(av.LastUpdate) > lc.exitTimeout {
			stale = append(stale, identity)
		}
	}
	sort.Strings(stale)
	exits := make([]Exit, 0, len(stale))
	for _, identity := range stale {
		if exit, ok := lc.retire(ctx, frame, identity, ExitTimeout); ok {
			exits = append(exits, exit)
		}
	}
	return exits
}

// flush retires every active identity.
func (lc *lifecycle) flush(ctx context.Context, frame image.Image) []Exit {
	identities := make([]string, 0, len(lc.active))
	for identity := range lc.active {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	exits := make([]Exit, 0, len(identities))
	for _, identity := range identities {
		if exit, ok := lc.retire(ctx, frame, identity, ExitShutdown); ok {
			exits = append(exits, exit)
		}
	}
	return exits
}

// retire is the only way an identity leaves. It removes liveness record and
// the track, then logs exit event. Repeated calls for the same identity are no-ops.
func (lc *lifecycle) retire(ctx context.Context, frame image.Image, identity string, reason ExitReason) (Exit, bool) {
	av, ok := lc.active[identity]
	if !ok {
		return Exit{}, false
	}
	delete(lc.active, identity)
	lc.registry.RemoveIdentity(identity)

	now := lc.clock.Now()
	imagePath := ""
	crop, err := cropBox(frame, av.Box)
	if err != nil {
		lc.logger.Debug().Err(err).Str("identity", identity).Msg("No exit crop")
	} else {
		imagePath = lc.saveCrop(crop, identity, EventExit, now)
	}
	lc.logEvent(ctx, Event{
		Identity:  identity,
		Type:      EventExit,
		Timestamp: now,
		ImagePath: imagePath,
	})

	lc.logger.Info().Str("identity", identity).Int64("track_id", int64(av.TrackID)).Str("reason", reason.String()).Msg("Visitor exited")
	return Exit{
		Identity:  identity,
		TrackID:   av.TrackID,
		Reason:    reason,
		ImagePath: imagePath,
	}, true
}

func (lc *lifecycle) activate(identity string, trackID mot.TrackID, box mot.BBox, now time.Time) {
	av, ok := lc.active[identity]
	if !ok {
		lc.active[identity] = &ActiveVisitor{
			Identity:   identity,
			TrackID:    trackID,
			Box:        box,
			LastUpdate: now,
		}
		return
	}
	av.TrackID = trackID
	av.Box = box
	av.LastUpdate = now
}

// snapshot returns copies of liveness records ordered by identity
func (lc *lifecycle) snapshot() []ActiveVisitor {
	result := make([]ActiveVisitor, 0, len(lc.active))
	for _, av := range lc.active {
		result = append(result, *av)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Identity < result[j].Identity })
	return result
}

func (lc *lifecycle) register(ctx context.Context, identity string) {
	exists, err := lc.store.Exists(ctx, identity)
	if err != nil {
		lc.logger.Warn().Err(err).Str("identity", identity).Msg("Can't check visitor existence")
	}
	if exists {
		return
	}
	if err := lc.store.AddVisitor(ctx, identity, lc.clock.Now()); err != nil {
		lc.logger.Warn().Err(err).Str("identity", identity).Msg("Can't add visitor")
		return
	}
	lc.logger.Info().Str("identity", identity).Msg("Registered new visitor")
}

func (lc *lifecycle) touch(ctx context.Context, identity string, now time.Time, touched map[string]struct{}) {
	if _, ok := touched[identity]; ok {
		return
	}
	touched[identity] = struct{}{}
	if err := lc.store.TouchLastSeen(ctx, identity, now); err != nil {
		lc.logger.Warn().Err(err).Str("identity", identity).Msg("Can't update last seen")
	}
}

func (lc *lifecycle) logEvent(ctx context.Context, event Event) {
	if err := lc.store.LogEvent(ctx, event); err != nil {
		lc.logger.Warn().Err(err).Str("identity", event.Identity).Str("event_type", string(event.Type)).Msg("Can't log event")
	}
}

func (lc *lifecycle) saveCrop(crop image.Image, identity string, kind EventType, at time.Time) string {
	if lc.crops == nil {
		return ""
	}
	path, err := lc.crops.SaveCrop(crop, identity, string(kind), at)
	if err != nil {
		lc.logger.Warn().Err(err).Str("identity", identity).Str("event_type", string(kind)).Msg("Can't save crop")
		return ""
	}
	return path
}
