package agui

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// SyncStatus describes mirror freshness. LastSequence is nil until the
// first snapshot or update is accepted.
type SyncStatus struct {
	LastSequence *int64
	IsSynced     bool
	NeedsSync    bool
}

type MessageFunction func(*Envelope)
type StateFunction func(StateTree)
type SyncStatusFunction func(SyncStatus)

// SyncCoordinator owns the local state mirror and the monotonic
// sequence cursor. It is the only writer of either. Inbound messages
// are handled strictly one at a time in transport delivery order;
// checksum verification is the one step that runs off that path, and
// its result only ever logs.
type SyncCoordinator struct {
	// outbound path, wired to the connection manager by the client
	send func(*Envelope) error

	messageCallbacks    *CallbackList[MessageFunction]
	stateCallbacks      *CallbackList[StateFunction]
	syncStatusCallbacks *CallbackList[SyncStatusFunction]

	stateLock    sync.Mutex
	state        StateTree
	hasSequence  bool
	lastSequence int64
	isSynced     bool
	needsSync    bool
}

func NewSyncCoordinator(send func(*Envelope) error) *SyncCoordinator {
	return &SyncCoordinator{
		send:                send,
		messageCallbacks:    NewCallbackList[MessageFunction](),
		stateCallbacks:      NewCallbackList[StateFunction](),
		syncStatusCallbacks: NewCallbackList[SyncStatusFunction](),
		state:               StateTree{},
	}
}

func (self *SyncCoordinator) AddMessageCallback(messageCallback MessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

// AddStateCallback invokes the callback immediately with the current
// mirror, then on every change.
func (self *SyncCoordinator) AddStateCallback(stateCallback StateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	stateCallback(self.LocalState())
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *SyncCoordinator) AddSyncStatusCallback(syncStatusCallback SyncStatusFunction) func() {
	callbackId := self.syncStatusCallbacks.Add(syncStatusCallback)
	return func() {
		self.syncStatusCallbacks.Remove(callbackId)
	}
}

// LocalState returns a deep copy. Callers never see the live mirror.
func (self *SyncCoordinator) LocalState() StateTree {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return deepCopyTree(self.state)
}

func (self *SyncCoordinator) SyncStatus() SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.syncStatusLocked()
}

func (self *SyncCoordinator) syncStatusLocked() SyncStatus {
	var lastSequence *int64
	if self.hasSequence {
		sequence := self.lastSequence
		lastSequence = &sequence
	}
	return SyncStatus{
		LastSequence: lastSequence,
		IsSynced:     self.isSynced,
		NeedsSync:    self.needsSync,
	}
}

// RequestStateSync reports the current cursor to the gateway, which
// decides between a full snapshot and a tail of missed updates. Called
// automatically on every successful open, and manually on suspected
// drift.
func (self *SyncCoordinator) RequestStateSync() {
	self.stateLock.Lock()
	var lastSequence *int64
	if self.hasSequence {
		sequence := self.lastSequence
		lastSequence = &sequence
	}
	self.stateLock.Unlock()

	envelope, err := NewEnvelope(
		MessageTypeStateSyncRequest,
		&StateSyncRequestPayload{LastSequence: lastSequence},
		nil,
	)
	if err != nil {
		glog.Infof("[s]sync request encode error = %s\n", err)
		return
	}
	if err := self.send(envelope); err != nil {
		glog.Infof("[s]sync request send error = %s\n", err)
	}
}

// HandleMessage consumes one raw inbound frame. Nothing escapes this
// path: faults become a log line, a status change, or a resync request.
func (self *SyncCoordinator) HandleMessage(message []byte) {
	envelope, err := DecodeMessage(message)
	if err != nil {
		glog.Infof("[s]drop message = %s\n", err)
		return
	}
	switch envelope.Type {
	case MessageTypeStateUpdate:
		self.handleStateUpdate(envelope)
	case MessageTypeStateSnapshot:
		self.handleStateSnapshot(envelope)
	default:
		// forwarded verbatim, unknown types included
		for _, messageCallback := range self.messageCallbacks.Get() {
			messageCallback(envelope)
		}
	}
}

func (self *SyncCoordinator) handleStateUpdate(envelope *Envelope) {
	payload := &StateUpdatePayload{}
	if err := json.Unmarshal(envelope.Payload, payload); err != nil {
		glog.Infof("[s]drop state.update = %s\n", err)
		return
	}

	self.stateLock.Lock()
	if self.hasSequence && payload.Sequence <= self.lastSequence {
		// stale or duplicate delivery
		lastSequence := self.lastSequence
		self.stateLock.Unlock()
		glog.V(2).Infof("[s]stale update %d <= %d\n", payload.Sequence, lastSequence)
		return
	}
	if self.hasSequence && payload.Sequence != self.lastSequence+1 {
		lastSequence := self.lastSequence
		self.needsSync = true
		self.isSynced = false
		self.stateLock.Unlock()
		glog.Infof("[s]sequence gap %d -> %d\n", lastSequence, payload.Sequence)
		self.notifySyncStatus()
		self.RequestStateSync()
		return
	}
	next, err := ApplyPatch(self.state, payload.Patch)
	if err != nil {
		// the mirror is untouched, ask for a fresh baseline
		self.needsSync = true
		self.isSynced = false
		self.stateLock.Unlock()
		glog.Infof("[s]patch apply error at %d = %s\n", payload.Sequence, err)
		self.notifySyncStatus()
		self.RequestStateSync()
		return
	}
	self.state = next
	self.hasSequence = true
	self.lastSequence = payload.Sequence
	self.isSynced = true
	self.needsSync = false
	stateCopy := deepCopyTree(next)
	self.stateLock.Unlock()

	self.notifyState(stateCopy)
	self.notifySyncStatus()
	go self.verifyChecksum(payload.Sequence, stateCopy, payload.Checksum)
}

func (self *SyncCoordinator) handleStateSnapshot(envelope *Envelope) {
	payload := &StateSnapshotPayload{}
	if err := json.Unmarshal(envelope.Payload, payload); err != nil {
		glog.Infof("[s]drop state.snapshot = %s\n", err)
		return
	}

	// snapshots are authoritative regardless of the cursor
	self.stateLock.Lock()
	self.state = deepCopyTree(payload.State)
	self.hasSequence = true
	self.lastSequence = payload.Sequence
	self.isSynced = true
	self.needsSync = false
	stateCopy := deepCopyTree(self.state)
	self.stateLock.Unlock()

	glog.V(2).Infof("[s]snapshot at %d\n", payload.Sequence)
	self.notifyState(stateCopy)
	self.notifySyncStatus()
	go self.verifyChecksum(payload.Sequence, stateCopy, payload.Checksum)
}

// verifyChecksum is best effort integrity only. A mismatch logs and
// nothing else: the patch already applied against the mirror's
// structural invariants, and verification must not stall the apply path.
func (self *SyncCoordinator) verifyChecksum(sequence int64, state StateTree, checksum string) {
	match, err := VerifyChecksum(state, checksum)
	if err != nil {
		glog.Infof("[s]checksum verify error at %d = %s\n", sequence, err)
		return
	}
	if !match {
		glog.Infof("[s]checksum mismatch at %d\n", sequence)
	}
}

func (self *SyncCoordinator) notifyState(state StateTree) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(state)
	}
}

func (self *SyncCoordinator) notifySyncStatus() {
	syncStatus := self.SyncStatus()
	for _, syncStatusCallback := range self.syncStatusCallbacks.Get() {
		syncStatusCallback(syncStatus)
	}
}
