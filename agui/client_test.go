package agui

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testClientSettings(dialer *testDialer) *ClientSettings {
	settings := DefaultClientSettings()
	settings.GatewayUrl = "http://gateway.local/agent"
	settings.ReconnectInterval = 1 * time.Millisecond
	settings.MaxReconnectAttempts = 3
	settings.ConnectionSettings = testConnectionSettings(dialer)
	return settings
}

// readEnvelope pops the next client frame off the test conn.
func readEnvelope(t *testing.T, conn *testConn) *Envelope {
	select {
	case message := <-conn.writes:
		envelope, err := DecodeMessage(message)
		assert.Equal(t, nil, err)
		return envelope
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for client frame")
		return nil
	}
}

func readSyncRequest(t *testing.T, conn *testConn) *StateSyncRequestPayload {
	envelope := readEnvelope(t, conn)
	assert.Equal(t, MessageTypeStateSyncRequest, envelope.Type)
	payload := &StateSyncRequestPayload{}
	err := json.Unmarshal(envelope.Payload, payload)
	assert.Equal(t, nil, err)
	return payload
}

func TestClientEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &testDialer{}
	client, err := NewClient(ctx, testClientSettings(dialer))
	assert.Equal(t, nil, err)
	defer client.Close()

	syncStatuses := make(chan SyncStatus, 32)
	client.AddSyncStatusCallback(func(syncStatus SyncStatus) {
		syncStatuses <- syncStatus
	})

	client.Connect()
	waitFor(t, time.Second, func() bool {
		return client.ConnectionState().State == ConnectionStateOpen
	})
	conn := dialer.lastConn()

	// exactly one sync request on open, with a null cursor
	request := readSyncRequest(t, conn)
	assert.Equal(t, true, request.LastSequence == nil)

	// snapshot: mirror becomes {count: 0}, cursor 1
	state := StateTree{"count": 0}
	conn.push(agentMessage(t, MessageTypeStateSnapshot, &StateSnapshotPayload{
		Sequence: 1,
		State:    state,
		Checksum: mustChecksum(t, state),
	}))
	waitFor(t, time.Second, func() bool {
		syncStatus := client.SyncStatus()
		return syncStatus.LastSequence != nil && *syncStatus.LastSequence == 1
	})
	assert.Equal(t, float64(0), client.LocalState()["count"])

	// in-order update: mirror becomes {count: 1}, cursor 2
	conn.push(agentMessage(t, MessageTypeStateUpdate, &StateUpdatePayload{
		Sequence: 2,
		Patch:    []PatchOp{{Op: PatchOpReplace, Path: "/count", Value: 1}},
		Checksum: mustChecksum(t, StateTree{"count": 1}),
	}))
	waitFor(t, time.Second, func() bool {
		syncStatus := client.SyncStatus()
		return syncStatus.LastSequence != nil && *syncStatus.LastSequence == 2
	})
	assert.Equal(t, float64(1), client.LocalState()["count"])
	assert.Equal(t, true, client.SyncStatus().IsSynced)

	// gap: mirror unchanged, needsSync set, sync request carries cursor 2
	conn.push(agentMessage(t, MessageTypeStateUpdate, &StateUpdatePayload{
		Sequence: 4,
		Patch:    []PatchOp{{Op: PatchOpReplace, Path: "/count", Value: 3}},
		Checksum: "sha256:unchecked",
	}))
	request = readSyncRequest(t, conn)
	assert.Equal(t, int64(2), *request.LastSequence)
	assert.Equal(t, float64(1), client.LocalState()["count"])
	syncStatus := client.SyncStatus()
	assert.Equal(t, true, syncStatus.NeedsSync)
	assert.Equal(t, false, syncStatus.IsSynced)

	// recovery snapshot heals the gap
	recovered := StateTree{"count": 3}
	conn.push(agentMessage(t, MessageTypeStateSnapshot, &StateSnapshotPayload{
		Sequence: 4,
		State:    recovered,
		Checksum: mustChecksum(t, recovered),
	}))
	waitFor(t, time.Second, func() bool {
		return client.SyncStatus().IsSynced
	})
	assert.Equal(t, float64(3), client.LocalState()["count"])
	assert.Equal(t, int64(4), *client.SyncStatus().LastSequence)

	clientState := client.State()
	assert.Equal(t, ConnectionStateOpen, clientState.Connection.State)
	assert.Equal(t, true, clientState.Sync.IsSynced)
}

func TestClientSyncRequestOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &testDialer{}
	client, err := NewClient(ctx, testClientSettings(dialer))
	assert.Equal(t, nil, err)
	defer client.Close()

	client.Connect()
	waitFor(t, time.Second, func() bool {
		return client.ConnectionState().State == ConnectionStateOpen
	})
	conn := dialer.lastConn()
	readSyncRequest(t, conn)

	// accept a snapshot so the cursor is set before the drop
	state := StateTree{"count": 0}
	conn.push(agentMessage(t, MessageTypeStateSnapshot, &StateSnapshotPayload{
		Sequence: 5,
		State:    state,
		Checksum: mustChecksum(t, state),
	}))
	waitFor(t, time.Second, func() bool {
		return client.SyncStatus().LastSequence != nil
	})

	conn.closeWithError(errors.New("gateway restarted"))
	waitFor(t, time.Second, func() bool {
		return dialer.dialCount() == 2 && client.ConnectionState().State == ConnectionStateOpen
	})

	// the reconnected transport starts from the known cursor
	request := readSyncRequest(t, dialer.lastConn())
	assert.Equal(t, int64(5), *request.LastSequence)
}

func TestClientSendStampsEnvelope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &testDialer{}
	client, err := NewClient(ctx, testClientSettings(dialer))
	assert.Equal(t, nil, err)
	defer client.Close()

	// send errors while the transport is not open
	_, err = client.SendCommand("arrange", nil)
	assert.Equal(t, ErrNotConnected, err)

	client.Connect()
	waitFor(t, time.Second, func() bool {
		return client.ConnectionState().State == ConnectionStateOpen
	})
	conn := dialer.lastConn()
	readSyncRequest(t, conn)

	sent, err := client.SendCommand("arrange", map[string]any{"layout": "dag"})
	assert.Equal(t, nil, err)

	envelope := readEnvelope(t, conn)
	assert.Equal(t, MessageTypeCommand, envelope.Type)
	assert.Equal(t, ProtocolVersion, envelope.Version)
	assert.Equal(t, sent.MessageId, envelope.MessageId)
	assert.Equal(t, EndpointUi, envelope.Source)
	assert.Equal(t, EndpointAgent, envelope.Target)

	payload := &CommandPayload{}
	err = json.Unmarshal(envelope.Payload, payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, "arrange", payload.Name)
}

func TestClientConvenienceCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventsLock sync.Mutex
	events := []string{}
	record := func(event string) {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		events = append(events, event)
	}
	recorded := func() []string {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		return append([]string{}, events...)
	}

	dialer := &testDialer{}
	settings := testClientSettings(dialer)
	settings.OnConnect = func() {
		record("connect")
	}
	settings.OnDisconnect = func() {
		record("disconnect")
	}
	settings.OnMessage = func(envelope *Envelope) {
		record("message:" + string(envelope.Type))
	}

	client, err := NewClient(ctx, settings)
	assert.Equal(t, nil, err)
	defer client.Close()

	client.Connect()
	waitFor(t, time.Second, func() bool {
		return client.ConnectionState().State == ConnectionStateOpen
	})
	conn := dialer.lastConn()
	readSyncRequest(t, conn)

	conn.push(agentMessage(t, MessageTypeNotification, map[string]any{"note": "hi"}))
	waitFor(t, time.Second, func() bool {
		for _, event := range recorded() {
			if event == "message:notification" {
				return true
			}
		}
		return false
	})

	client.Disconnect()
	waitFor(t, time.Second, func() bool {
		for _, event := range recorded() {
			if event == "disconnect" {
				return true
			}
		}
		return false
	})

	all := recorded()
	assert.Equal(t, "connect", all[0])
}

func TestClientRefreshState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &testDialer{}
	client, err := NewClient(ctx, testClientSettings(dialer))
	assert.Equal(t, nil, err)
	defer client.Close()

	client.Connect()
	waitFor(t, time.Second, func() bool {
		return client.ConnectionState().State == ConnectionStateOpen
	})
	conn := dialer.lastConn()
	readSyncRequest(t, conn)

	client.RefreshState()
	request := readSyncRequest(t, conn)
	assert.Equal(t, true, request.LastSequence == nil)
}

func TestClientRequiresGatewayUrl(t *testing.T) {
	_, err := NewClient(context.Background(), DefaultClientSettings())
	assert.NotEqual(t, err, nil)
}

func TestClientStateCallbackImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &testDialer{}
	client, err := NewClient(ctx, testClientSettings(dialer))
	assert.Equal(t, nil, err)
	defer client.Close()

	states := make(chan StateTree, 8)
	unsubscribe := client.AddStateCallback(func(state StateTree) {
		states <- state
	})
	defer unsubscribe()

	// invoked immediately with the (empty) mirror before any connection
	select {
	case state := <-states:
		assert.Equal(t, 0, len(state))
	case <-time.After(time.Second):
		t.Fatalf("state callback was not invoked on subscribe")
	}
}
