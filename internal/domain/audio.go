package domain

const (
	MinGain = 0.0
	MaxGain = 2.0
)

// AudioSettings is the single authoritative copy of local audio state.
// Components read it through the session manager rather than caching their
// own view, so a stale closure can never disagree with it.
type AudioSettings struct {
	DeviceID      string             `json:"device_id"`
	Gain          float64            `json:"gain"`
	Muted         bool               `json:"muted"`
	RemoteVolumes map[PeerID]float64 `json:"remote_volumes"`
}

func NewAudioSettings(deviceID string) *AudioSettings {
	return &AudioSettings{
		DeviceID:      deviceID,
		Gain:          1.0,
		RemoteVolumes: make(map[PeerID]float64),
	}
}

// ClampGain bounds g to the allowed range.
func ClampGain(g float64) float64 {
	if g < MinGain {
		return MinGain
	}
	if g > MaxGain {
		return MaxGain
	}
	return g
}
