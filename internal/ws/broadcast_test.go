package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webtestrunner/devserver/internal/session"
)

// readMessage reads the next message of type want, skipping others.
func readMessage(t *testing.T, conn *websocket.Conn, want MessageType) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg struct {
			Type    MessageType     `json:"type"`
			Seq     uint64          `json:"seq"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if msg.Type == want {
			return msg.Payload
		}
	}
}

func TestBroadcaster_SnapshotOnConnect(t *testing.T) {
	store := session.NewStore()
	store.Update(&session.Session{ID: "s1", TestFile: "a.test.js"})

	b := NewBroadcaster(store, 10*time.Millisecond, time.Hour, 0, nil)
	defer b.Stop()
	b.Start(context.Background())

	_, conn := dialServer(t, store, b)

	var payload SnapshotPayload
	if err := json.Unmarshal(readMessage(t, conn, MsgSnapshot), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].ID != "s1" {
		t.Fatalf("unexpected snapshot: %+v", payload.Sessions)
	}
}

func TestBroadcaster_CoalescesDeltas(t *testing.T) {
	store := session.NewStore()
	b := NewBroadcaster(store, 200*time.Millisecond, time.Hour, 0, nil)
	defer b.Stop()
	b.Start(context.Background())

	_, conn := dialServer(t, store, b)
	readMessage(t, conn, MsgSnapshot)

	st := &session.Session{ID: "s1"}
	store.Update(st)
	store.UpdateStatus(st, session.Started)
	store.UpdateStatus(st, session.Finished)
	store.Update(&session.Session{ID: "s2"})

	var payload DeltaPayload
	if err := json.Unmarshal(readMessage(t, conn, MsgDelta), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Updates) != 2 {
		t.Fatalf("expected 2 coalesced updates, got %d", len(payload.Updates))
	}
	if payload.Updates[0].ID != "s1" || payload.Updates[0].Status != session.Finished {
		t.Errorf("first update = %+v, want s1 FINISHED", payload.Updates[0])
	}
	if payload.Updates[1].ID != "s2" {
		t.Errorf("second update = %s, want s2", payload.Updates[1].ID)
	}
}

func TestBroadcaster_Rerun(t *testing.T) {
	store := session.NewStore()
	b := NewBroadcaster(store, time.Hour, time.Hour, 0, nil)
	defer b.Stop()
	b.Start(context.Background())

	_, conn := dialServer(t, store, b)
	readMessage(t, conn, MsgSnapshot)

	b.Rerun([]*session.Session{{ID: "s1", TestRun: 3, TestFile: "/abs/a.test.js", Browser: "chromium"}})

	var payload RerunPayload
	if err := json.Unmarshal(readMessage(t, conn, MsgRerun), &payload); err != nil {
		t.Fatal(err)
	}
	want := RerunTarget{SessionID: "s1", TestRun: 3, TestFile: "/abs/a.test.js", Browser: "chromium"}
	if len(payload.Sessions) != 1 || payload.Sessions[0] != want {
		t.Fatalf("rerun payload = %+v, want %+v", payload.Sessions, want)
	}
}

func TestBroadcaster_SequenceNumberIncrement(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), time.Hour, time.Hour, 0, nil)

	if b.seq.Load() != 0 {
		t.Errorf("expected initial seq to be 0, got %d", b.seq.Load())
	}

	for i := 1; i <= 5; i++ {
		data, err := b.encode(MsgRerun, RerunPayload{})
		if err != nil {
			t.Fatal(err)
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Seq != uint64(i) {
			t.Errorf("message %d: seq = %d", i, msg.Seq)
		}
	}
}

func TestBroadcaster_StopDisconnectsClients(t *testing.T) {
	store := session.NewStore()
	b := NewBroadcaster(store, time.Hour, time.Hour, 0, nil)
	b.Start(context.Background())

	_, conn := dialServer(t, store, b)
	readMessage(t, conn, MsgSnapshot)

	b.Stop()
	b.Stop()

	if got := b.ClientCount(); got != 0 {
		t.Fatalf("expected no clients after Stop, got %d", got)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after Stop")
	}
}

func TestBroadcaster_StopWithoutStart(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), time.Hour, time.Hour, 0, nil)
	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a broadcaster that never started")
	}
}
