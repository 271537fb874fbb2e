package types

type LiveFrame struct {
	Type       string `json:"type"`
	SequenceID uint64 `json:"sequence_id"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Image      string `json:"image"`
}

type ControlMessage struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}
