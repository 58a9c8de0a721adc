package playback

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/voiceroom/internal/core"
)

type speakerRecord struct {
	expiry time.Time
	timer  core.Timer
}

// SpeakerTracker keeps who spoke within the last window.
// Each refresh replaces the pending removal of that sender.
type SpeakerTracker struct {
	clock  core.Clock
	window time.Duration

	mu       sync.Mutex
	speakers map[string]*speakerRecord
	onChange func([]string)
}

func NewSpeakerTracker(clock core.Clock, window time.Duration) *SpeakerTracker {
	return &SpeakerTracker{
		clock:    clock,
		window:   window,
		speakers: make(map[string]*speakerRecord),
	}
}

// OnChange is called with a fresh snapshot whenever a sender joins or leaves the set.
func (t *SpeakerTracker) OnChange(h func([]string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = h
}

func (t *SpeakerTracker) Refresh(sender string) {
	t.mu.Lock()
	old, existed := t.speakers[sender]
	if existed {
		old.timer.Stop()
	}
	rec := &speakerRecord{expiry: t.clock.Now().Add(t.window)}
	rec.timer = t.clock.AfterFunc(t.window, func() { t.expire(sender, rec) })
	t.speakers[sender] = rec
	h, snap := t.changedLocked(!existed)
	t.mu.Unlock()

	if h != nil {
		h(snap)
	}
}

func (t *SpeakerTracker) expire(sender string, rec *speakerRecord) {
	t.mu.Lock()
	if t.speakers[sender] != rec {
		t.mu.Unlock()
		return
	}
	delete(t.speakers, sender)
	h, snap := t.changedLocked(true)
	t.mu.Unlock()

	if h != nil {
		h(snap)
	}
}

func (t *SpeakerTracker) changedLocked(changed bool) (func([]string), []string) {
	if !changed || t.onChange == nil {
		return nil, nil
	}
	return t.onChange, t.activeLocked()
}

// Active returns a sorted snapshot of senders whose expiry is still ahead.
func (t *SpeakerTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

func (t *SpeakerTracker) activeLocked() []string {
	now := t.clock.Now()
	out := make([]string, 0, len(t.speakers))
	for id, rec := range t.speakers {
		if now.Before(rec.expiry) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close cancels every pending removal and empties the set.
func (t *SpeakerTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.speakers {
		rec.timer.Stop()
		delete(t.speakers, id)
	}
	t.onChange = nil
}
