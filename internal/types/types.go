package types

// FrameTask is one captured frame on its way to the server.
type FrameTask struct {
	Index int
	Name  string // source file name, empty for live capture
	Data  []byte
}

// Record is one detection as persisted in results.json.
type Record struct {
	T     []float64   `json:"t"`
	Rot   [][]float64 `json:"rot"`
	Box   []float64   `json:"box"`
	Class int32       `json:"class"`
}
