package model

import "time"

type Modality string

const (
	ModalityPose Modality = "pose"
	ModalityHand Modality = "hand"
	ModalityFace Modality = "face"
)

type BehaviorType string

const (
	BehaviorSitStand     BehaviorType = "sit_stand"
	BehaviorTappingHands BehaviorType = "tapping_hands"
	BehaviorTappingFeet  BehaviorType = "tapping_feet"
	BehaviorEyeGaze      BehaviorType = "eye_gaze"
	BehaviorRapidTalking BehaviorType = "rapid_talking"
)

func AllBehaviors() []BehaviorType {
	return []BehaviorType{
		BehaviorSitStand,
		BehaviorTappingHands,
		BehaviorTappingFeet,
		BehaviorEyeGaze,
		BehaviorRapidTalking,
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// LandmarkFrame is one capture tick of one modality. Immutable once
// ingested; an empty Points slice means the detector saw nothing
// (no hand in frame, no face, ...).
type LandmarkFrame struct {
	Timestamp time.Time `json:"timestamp"`
	Modality  Modality  `json:"modality"`
	Points    []Point   `json:"points"`
}

// BehaviorSample is the payload for one behavior type, built from buffer
// snapshots. Exactly one of Frames or Vector is set: frame-sequence
// behaviors carry [N][width] rows, rapid_talking carries a flat feature
// vector.
type BehaviorSample struct {
	Type   BehaviorType `json:"behavior_type"`
	Frames [][]float64  `json:"frames,omitempty"`
	Vector []float64    `json:"vector,omitempty"`
}

func (s BehaviorSample) Data() any {
	if s.Vector != nil {
		return s.Vector
	}
	return s.Frames
}

type InferenceResult struct {
	Type       BehaviorType `json:"behavior_type"`
	Detected   bool         `json:"detected"`
	Confidence float64      `json:"confidence"`
	Label      string       `json:"label,omitempty"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
}

func (r InferenceResult) Failed() bool {
	return r.Error != "" || r.ErrorKind != ""
}

// BehaviorState is mutated only by the aggregator and reset only at
// session creation. Severity is the running max of observed confidences.
type BehaviorState struct {
	Type          BehaviorType `json:"behavior_type"`
	Count         int          `json:"count"`
	LastDetection *time.Time   `json:"last_detection,omitempty"`
	Severity      float64      `json:"severity"`
}

type AlertType string

const (
	AlertInfo    AlertType = "info"
	AlertWarning AlertType = "warning"
)

// Alert is append-only per session; never mutated or deleted.
type Alert struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	Type       AlertType    `json:"type"`
	Message    string       `json:"message"`
	Timestamp  time.Time    `json:"timestamp"`
	Behavior   BehaviorType `json:"behavior_type,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
}

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"
)

type MonitoringSession struct {
	ID        string        `json:"id"`
	SubjectID string        `json:"subject_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Status    SessionStatus `json:"status"`
}
