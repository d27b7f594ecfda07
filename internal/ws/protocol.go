package ws

import (
	"github.com/webtestrunner/devserver/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgRerun    MessageType = "rerun"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*session.Session `json:"sessions"`
}

type DeltaPayload struct {
	Updates []*session.Session `json:"updates"`
}

// RerunTarget tells a launcher which page to reload for a new test run.
type RerunTarget struct {
	SessionID string `json:"sessionId"`
	TestRun   int    `json:"testRun"`
	TestFile  string `json:"testFile"`
	Browser   string `json:"browser,omitempty"`
}

type RerunPayload struct {
	Sessions []RerunTarget `json:"sessions"`
}
