package app

import "github.com/Dalmarthas/Beyond-Call/internal/daemon"

// DaemonConnectedMsg is sent when both daemon connections are established.
type DaemonConnectedMsg struct {
	Client   *daemon.Client // for commands (start, pause, stop, meter, status, devices)
	EvClient *daemon.Client // for event subscription
}

// DaemonConnectErrorMsg is sent when the daemon connection fails.
type DaemonConnectErrorMsg struct {
	Err error
}

// DaemonEventMsg wraps a streamed event from the daemon.
type DaemonEventMsg struct {
	Event daemon.Event
}

// DaemonEventErrorMsg is sent when a connection breaks.
type DaemonEventErrorMsg struct {
	Err error
}

// StatusResponseMsg carries the entry's active session, if any.
type StatusResponseMsg struct {
	Response daemon.Response
}

// DevicesResponseMsg carries the response to a devices command.
type DevicesResponseMsg struct {
	Response daemon.Response
}

// StartResponseMsg carries the response to a start command.
type StartResponseMsg struct {
	Response daemon.Response
}

// PauseResponseMsg carries the response to a pause or resume command.
type PauseResponseMsg struct {
	Paused   bool
	Response daemon.Response
}

// StopResponseMsg carries the response to a stop command.
type StopResponseMsg struct {
	Response daemon.Response
}

// MeterTickMsg schedules the next meter poll for a session.
type MeterTickMsg struct {
	SessionID string
}

// MeterResponseMsg carries one meter reading.
type MeterResponseMsg struct {
	SessionID string
	Response  daemon.Response
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}

// ReconnectTickMsg triggers a reconnection attempt.
type ReconnectTickMsg struct{}
