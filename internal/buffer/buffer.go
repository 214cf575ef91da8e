package buffer

import (
	"errors"
	"sync"

	"behaviorwatch/internal/model"
)

// ErrNotReady means the buffer has not yet accumulated a full window of
// frames. Warm-up state, not a fault.
var ErrNotReady = errors.New("buffer not ready")

// Ring is a fixed-capacity sliding window of landmark frames for one
// (session, modality) pair. Push never blocks and evicts the oldest
// frame once the window is full.
type Ring struct {
	mu       sync.Mutex
	modality model.Modality
	frames   []model.LandmarkFrame
	head     int
	size     int
}

func NewRing(modality model.Modality, capacity int) *Ring {
	if capacity <= 0 {
		capacity = 10
	}
	return &Ring{
		modality: modality,
		frames:   make([]model.LandmarkFrame, capacity),
	}
}

func (r *Ring) Modality() model.Modality {
	return r.modality
}

func (r *Ring) Cap() int {
	return len(r.frames)
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring) Push(frame model.LandmarkFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head + r.size) % len(r.frames)
	r.frames[tail] = frame
	if r.size < len(r.frames) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.frames)
}

// Snapshot returns a deep copy of the window in arrival order, oldest
// first. ErrNotReady until the window is at capacity.
func (r *Ring) Snapshot() ([]model.LandmarkFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.frames) {
		return nil, ErrNotReady
	}
	out := make([]model.LandmarkFrame, r.size)
	for i := 0; i < r.size; i++ {
		src := r.frames[(r.head+i)%len(r.frames)]
		cp := src
		cp.Points = make([]model.Point, len(src.Points))
		copy(cp.Points, src.Points)
		out[i] = cp
	}
	return out, nil
}

func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
	for i := range r.frames {
		r.frames[i] = model.LandmarkFrame{}
	}
}

// Set groups the per-modality rings owned by one session.
type Set struct {
	rings map[model.Modality]*Ring
}

func NewSet(capacity int) *Set {
	s := &Set{rings: make(map[model.Modality]*Ring, 3)}
	for _, m := range []model.Modality{model.ModalityPose, model.ModalityHand, model.ModalityFace} {
		s.rings[m] = NewRing(m, capacity)
	}
	return s
}

func (s *Set) Ring(m model.Modality) (*Ring, bool) {
	r, ok := s.rings[m]
	return r, ok
}

func (s *Set) Push(frame model.LandmarkFrame) bool {
	r, ok := s.rings[frame.Modality]
	if !ok {
		return false
	}
	r.Push(frame)
	return true
}

func (s *Set) Clear() {
	for _, r := range s.rings {
		r.Clear()
	}
}
