// Package daemon provides the server, client and protocol types for driving
// recording sessions and the revision pipeline over a Unix socket using NDJSON.
package daemon

import (
	"strings"

	"github.com/Dalmarthas/Beyond-Call/internal/apperr"
	"github.com/Dalmarthas/Beyond-Call/internal/capture"
	"github.com/Dalmarthas/Beyond-Call/internal/recording"
	"github.com/Dalmarthas/Beyond-Call/internal/telemetry"
)

// Command names.
const (
	CmdStart      = "start"
	CmdPause      = "pause"
	CmdResume     = "resume"
	CmdStop       = "stop"
	CmdMeter      = "meter"
	CmdStatus     = "status"
	CmdDevices    = "devices"
	CmdTranscribe = "transcribe"
	CmdGenerate   = "generate"
	CmdSubscribe  = "subscribe"
)

// Event names.
const (
	EventMeter  = "meter"
	EventStatus = "status"
	EventError  = "error"
)

// Command is sent from a client to the daemon.
type Command struct {
	Cmd          string           `json:"cmd"`
	EntryID      string           `json:"entryId,omitempty"`
	SessionID    string           `json:"sessionId,omitempty"`
	Sources      []capture.Source `json:"sources,omitempty"`
	Language     string           `json:"language,omitempty"`
	ArtifactType string           `json:"artifactType,omitempty"`
	Events       []string         `json:"events,omitempty"`
}

// Response is returned by the daemon after processing a command.
type Response struct {
	OK        bool                 `json:"ok"`
	Error     string               `json:"error,omitempty"`
	ErrorKind apperr.Kind          `json:"errorKind,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
	Session   *recording.Status    `json:"session,omitempty"`
	Sessions  []recording.Status   `json:"sessions,omitempty"`
	Recording *recording.Recording `json:"recording,omitempty"`
	Meter     *telemetry.Reading   `json:"meter,omitempty"`
	Devices   []capture.Source     `json:"devices,omitempty"`
	Version   int                  `json:"version,omitempty"`
	Language  string               `json:"language,omitempty"`
	Text      string               `json:"text,omitempty"`
}

// Err rebuilds the daemon-side error of a failed response, keeping its kind
// so callers can match it with errors.Is.
func (r Response) Err() error {
	if r.OK {
		return nil
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = apperr.KindInvalidInput
	}
	return apperr.New(kind, "%s", strings.TrimPrefix(r.Error, string(kind)+": "))
}

// Event is streamed from the daemon to subscribed clients.
type Event struct {
	Event     string             `json:"event"`
	SessionID string             `json:"sessionId,omitempty"`
	EntryID   string             `json:"entryId,omitempty"`
	State     recording.State    `json:"state,omitempty"`
	Meter     *telemetry.Reading `json:"meter,omitempty"`
	Message   string             `json:"message,omitempty"`
	ErrorKind apperr.Kind        `json:"errorKind,omitempty"`
}
