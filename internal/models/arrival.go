package models

// Arrival is a single transit-arrival observation as reported by the upstream
// feed. The cache layer treats it as opaque: records pass through verbatim and
// are never validated or transformed.
type Arrival struct {
	Station     string  `json:"station"`
	Line        string  `json:"line"`
	Direction   string  `json:"direction"`
	TrainID     string  `json:"trainId"`
	WaitSeconds int     `json:"waitSeconds"`
	Realtime    bool    `json:"realtime"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}
