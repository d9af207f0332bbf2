package scale

// OperatingState is the mode the measurement loop runs for one cycle.
type OperatingState int

const (
	StateMeasuring OperatingState = iota
	StateTaring
	StateCalibrating
	StateClearing
)

func (s OperatingState) String() string {
	switch s {
	case StateMeasuring:
		return "measuring"
	case StateTaring:
		return "taring"
	case StateCalibrating:
		return "calibrating"
	case StateClearing:
		return "clearing"
	}
	return "unknown"
}
