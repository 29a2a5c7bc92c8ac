package app

// StopReason is logged when the app stops.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// ReasonForSignal maps a received OS signal name to a StopReason.
func ReasonForSignal(name string) StopReason {
	switch name {
	case "interrupt":
		return StopSIGINT
	case "terminated":
		return StopSIGTERM
	default:
		return StopUnknown
	}
}
