package assemble

import (
	"behaviorwatch/internal/buffer"
	"behaviorwatch/internal/config"
	"behaviorwatch/internal/model"
)

// Spec describes how one behavior's sample is built: which modality
// feeds it, how many coordinates per landmark go into a row, and how
// many landmarks a full row carries. Audio behaviors have no modality
// and consume the session's feature vector instead.
type Spec struct {
	Behavior  model.BehaviorType
	Modality  model.Modality
	Coords    int
	Landmarks int
	Audio     bool
}

func (s Spec) RowWidth() int {
	return s.Coords * s.Landmarks
}

// Specs returns the behavior-to-modality mapping. The mapping is
// configuration, not computed per request; landmark counts come from
// the monitor config.
func Specs(cfg *config.Config) []Spec {
	lm := cfg.Monitor.Landmarks
	return []Spec{
		{Behavior: model.BehaviorSitStand, Modality: model.ModalityPose, Coords: 2, Landmarks: lm.Pose},
		{Behavior: model.BehaviorTappingFeet, Modality: model.ModalityPose, Coords: 2, Landmarks: lm.Pose},
		{Behavior: model.BehaviorTappingHands, Modality: model.ModalityHand, Coords: 3, Landmarks: lm.Hand},
		{Behavior: model.BehaviorEyeGaze, Modality: model.ModalityFace, Coords: 2, Landmarks: lm.Face},
		{Behavior: model.BehaviorRapidTalking, Audio: true},
	}
}

// Build samples the session's buffers once and returns a sample for
// every behavior whose required data is ready. Behaviors still warming
// up are skipped silently; zero ready behaviors yields an empty slice.
func Build(specs []Spec, set *buffer.Set, audio []float64, audioLen int) []model.BehaviorSample {
	out := make([]model.BehaviorSample, 0, len(specs))
	for _, spec := range specs {
		if spec.Audio {
			if len(audio) != audioLen || audioLen == 0 {
				continue
			}
			vec := make([]float64, len(audio))
			copy(vec, audio)
			out = append(out, model.BehaviorSample{Type: spec.Behavior, Vector: vec})
			continue
		}
		ring, ok := set.Ring(spec.Modality)
		if !ok {
			continue
		}
		frames, err := ring.Snapshot()
		if err != nil {
			continue
		}
		out = append(out, model.BehaviorSample{
			Type:   spec.Behavior,
			Frames: flatten(frames, spec),
		})
	}
	return out
}

// flatten turns N frames into N rows of Coords*Landmarks floats. A frame
// with no detections (no hand in shot, no face) becomes an all-zero row;
// frames with fewer landmarks than expected are zero-padded on the right.
func flatten(frames []model.LandmarkFrame, spec Spec) [][]float64 {
	rows := make([][]float64, len(frames))
	for i, frame := range frames {
		row := make([]float64, spec.RowWidth())
		n := len(frame.Points)
		if n > spec.Landmarks {
			n = spec.Landmarks
		}
		for j := 0; j < n; j++ {
			p := frame.Points[j]
			row[j*spec.Coords] = p.X
			row[j*spec.Coords+1] = p.Y
			if spec.Coords > 2 {
				row[j*spec.Coords+2] = p.Z
			}
		}
		rows[i] = row
	}
	return rows
}
