package term

// Sink is the terminal emulator contract consumed by the session manager.
// Rendering and emulation live outside this module; the manager only ever
// writes verbatim bytes and forwards geometry changes.
type Sink interface {
	Write(text string)
	Reset()
	Focus()
	GetSelection() string
	Resize(cols, rows int)
}

// Recorder receives a verbatim copy of every inbound data event, in arrival
// order. Implementations must not mutate the payload.
type Recorder interface {
	Record(text string)
}

// Dimensions is a terminal geometry pair.
type Dimensions struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}
