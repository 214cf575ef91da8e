package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"behaviorwatch/internal/model"
)

type InputKind string

const (
	KindRawData       InputKind = "raw_data"
	KindSingleFrame   InputKind = "single_frame"
	KindFrameSequence InputKind = "frame_sequence"
)

// Input is the resolved ingress variant. Request bodies are duck-typed
// on the wire (frame vs frames vs audio_features); they are resolved to
// exactly one variant here, once, and never re-branched downstream.
type Input struct {
	Kind   InputKind
	Audio  []float64
	Frames []model.LandmarkFrame
}

type rawPoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

type rawFrame struct {
	Timestamp *time.Time `json:"timestamp"`
	Points    []rawPoint `json:"points"`
}

type frameRequest struct {
	SessionID     string     `json:"session_id"`
	Modality      string     `json:"modality"`
	Frame         *rawFrame  `json:"frame"`
	Frames        []rawFrame `json:"frames"`
	AudioFeatures []float64  `json:"audio_features"`
}

var validModalities = map[model.Modality]bool{
	model.ModalityPose: true,
	model.ModalityHand: true,
	model.ModalityFace: true,
}

// ParseRequest resolves one request body into (session, variant).
// Missing or null point components read as 0; a malformed landmark is
// a data-quality condition, not an ingress error.
func ParseRequest(body []byte) (string, Input, error) {
	var req frameRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", Input{}, fmt.Errorf("decode frame request: %w", err)
	}
	if req.SessionID == "" {
		return "", Input{}, errors.New("session_id is required")
	}

	if req.AudioFeatures != nil {
		if req.Frame != nil || len(req.Frames) > 0 {
			return "", Input{}, errors.New("audio_features cannot be combined with frames")
		}
		return req.SessionID, Input{Kind: KindRawData, Audio: req.AudioFeatures}, nil
	}

	modality := model.Modality(req.Modality)
	if !validModalities[modality] {
		return "", Input{}, fmt.Errorf("unknown modality %q", req.Modality)
	}

	switch {
	case req.Frame != nil && len(req.Frames) > 0:
		return "", Input{}, errors.New("frame and frames are mutually exclusive")
	case req.Frame != nil:
		return req.SessionID, Input{
			Kind:   KindSingleFrame,
			Frames: []model.LandmarkFrame{resolveFrame(*req.Frame, modality)},
		}, nil
	case len(req.Frames) > 0:
		frames := make([]model.LandmarkFrame, len(req.Frames))
		for i, rf := range req.Frames {
			frames[i] = resolveFrame(rf, modality)
		}
		return req.SessionID, Input{Kind: KindFrameSequence, Frames: frames}, nil
	default:
		return "", Input{}, errors.New("one of frame, frames, audio_features is required")
	}
}

func resolveFrame(rf rawFrame, modality model.Modality) model.LandmarkFrame {
	ts := time.Now().UTC()
	if rf.Timestamp != nil {
		ts = rf.Timestamp.UTC()
	}
	points := make([]model.Point, len(rf.Points))
	for i, rp := range rf.Points {
		points[i] = model.Point{X: deref(rp.X), Y: deref(rp.Y), Z: deref(rp.Z)}
	}
	return model.LandmarkFrame{Timestamp: ts, Modality: modality, Points: points}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
