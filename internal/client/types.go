// Package client talks to a running dev server the way a browser and a
// launcher do. Types mirror the server wire protocol without importing
// server packages.
package client

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of event stream message.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgRerun    MessageType = "rerun"
)

// WSMessage is the envelope for all event stream messages.
type WSMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Session is a session record as the server reports it. Fields the browser
// reported on finish are kept in Extra.
type Session struct {
	ID          string   `json:"id"`
	TestRun     int      `json:"testRun"`
	TestFile    string   `json:"testFile"`
	Browser     string   `json:"browser"`
	Status      string   `json:"status"`
	Request404s []string `json:"request404s"`
	Passed      *bool    `json:"passed,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, k := range []string{"id", "testRun", "testFile", "browser", "status", "request404s", "passed"} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		p.Extra = fields
	}
	*s = Session(p)
	return nil
}

// SessionConfig is the response to the config command.
type SessionConfig struct {
	Session
	Watch bool `json:"watch"`
}

func (c *SessionConfig) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &c.Session); err != nil {
		return err
	}
	var w struct {
		Watch bool `json:"watch"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Watch = w.Watch
	delete(c.Extra, "watch")
	if len(c.Extra) == 0 {
		c.Extra = nil
	}
	return nil
}

// TestError is a failure reported by a browser.
type TestError struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Result is what a browser posts when its session finishes.
type Result struct {
	Passed bool        `json:"passed"`
	Errors []TestError `json:"errors"`
	Logs   [][]any     `json:"logs,omitempty"`
}

type SnapshotPayload struct {
	Sessions []Session `json:"sessions"`
}

type DeltaPayload struct {
	Updates []Session `json:"updates"`
}

type RerunTarget struct {
	SessionID string `json:"sessionId"`
	TestRun   int    `json:"testRun"`
	TestFile  string `json:"testFile"`
	Browser   string `json:"browser,omitempty"`
}

type RerunPayload struct {
	Sessions []RerunTarget `json:"sessions"`
}

// Status is the body of /api/status.
type Status struct {
	Sessions      map[string]int `json:"sessions"`
	Clients       int            `json:"clients"`
	DroppedEvents int64          `json:"droppedEvents"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Process       *struct {
		PID        int     `json:"pid"`
		CPUPercent float64 `json:"cpuPercent"`
		RSSBytes   uint64  `json:"rssBytes"`
		Threads    int32   `json:"threads"`
	} `json:"process,omitempty"`
}

// HistoryEntry is one finished run from /api/history.
type HistoryEntry struct {
	SessionID   string          `json:"sessionId"`
	TestFile    string          `json:"testFile"`
	Browser     string          `json:"browser,omitempty"`
	TestRun     int             `json:"testRun"`
	Passed      *bool           `json:"passed,omitempty"`
	ErrorCount  int             `json:"errorCount"`
	Request404s []string        `json:"request404s"`
	Result      json.RawMessage `json:"result"`
	FinishedAt  time.Time       `json:"finishedAt"`
}
