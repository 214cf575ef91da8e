package buffer

import (
	"testing"
	"time"

	"behaviorwatch/internal/model"
)

func poseFrame(seq int) model.LandmarkFrame {
	pts := make([]model.Point, 33)
	for i := range pts {
		pts[i] = model.Point{X: float64(seq), Y: float64(i)}
	}
	return model.LandmarkFrame{
		Timestamp: time.Unix(int64(seq), 0),
		Modality:  model.ModalityPose,
		Points:    pts,
	}
}

func TestSnapshotNotReady(t *testing.T) {
	r := NewRing(model.ModalityPose, 10)
	for i := 0; i < 9; i++ {
		r.Push(poseFrame(i))
	}
	if _, err := r.Snapshot(); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestPushEvictsOldest(t *testing.T) {
	r := NewRing(model.ModalityPose, 10)
	for i := 0; i < 25; i++ {
		r.Push(poseFrame(i))
		if r.Len() > 10 {
			t.Fatalf("capacity exceeded: %d", r.Len())
		}
	}
	frames, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(frames) != 10 {
		t.Fatalf("expected 10 frames, got %d", len(frames))
	}
	for i, f := range frames {
		want := time.Unix(int64(15+i), 0)
		if !f.Timestamp.Equal(want) {
			t.Fatalf("frame %d: timestamp %v, want %v", i, f.Timestamp, want)
		}
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	r := NewRing(model.ModalityPose, 10)
	for i := 0; i < 10; i++ {
		r.Push(poseFrame(i))
	}
	frames, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	frames[0].Points[0].X = 999
	again, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if again[0].Points[0].X == 999 {
		t.Fatalf("snapshot shares backing storage with buffer")
	}
}

func TestEmptyFrameAccepted(t *testing.T) {
	r := NewRing(model.ModalityHand, 3)
	r.Push(model.LandmarkFrame{Modality: model.ModalityHand})
	r.Push(model.LandmarkFrame{Modality: model.ModalityHand})
	r.Push(model.LandmarkFrame{Modality: model.ModalityHand})
	frames, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if len(frames[0].Points) != 0 {
		t.Fatalf("expected empty points")
	}
}

func TestSetRoutesByModality(t *testing.T) {
	s := NewSet(2)
	if ok := s.Push(model.LandmarkFrame{Modality: model.ModalityFace}); !ok {
		t.Fatalf("face frame rejected")
	}
	if ok := s.Push(model.LandmarkFrame{Modality: model.Modality("gait")}); ok {
		t.Fatalf("unknown modality accepted")
	}
	face, _ := s.Ring(model.ModalityFace)
	if face.Len() != 1 {
		t.Fatalf("face ring len %d", face.Len())
	}
	s.Clear()
	if face.Len() != 0 {
		t.Fatalf("clear did not empty ring")
	}
}
