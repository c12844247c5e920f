package agui

import (
	"context"
	"errors"
	"sync"
	"time"
)

type ClientSettings struct {
	// required. http/https schemes are rewritten to ws/wss.
	GatewayUrl string

	// backoff base
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	Auth *ClientAuth

	// convenience alternatives to the Add...Callback api
	OnConnect    func()
	OnDisconnect func()
	OnError      func(error)
	OnMessage    MessageFunction

	// nil uses defaults with the settings above applied
	ConnectionSettings *ConnectionManagerSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ReconnectInterval:    1 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Client is the single public entry point: connect/disconnect/send plus
// independent subscription channels for raw agent messages, connection
// state changes, state mirror changes and sync status. Each client is
// an owned handle from `NewClient`; there is no package singleton.
type Client struct {
	settings *ClientSettings

	connection  *ConnectionManager
	coordinator *SyncCoordinator

	edgeLock sync.Mutex
	wasOpen  bool
}

func NewClient(ctx context.Context, settings *ClientSettings) (*Client, error) {
	if settings.GatewayUrl == "" {
		return nil, errors.New("gateway url is required")
	}

	connectionSettings := settings.ConnectionSettings
	if connectionSettings == nil {
		connectionSettings = DefaultConnectionManagerSettings()
	}
	if 0 < settings.ReconnectInterval {
		connectionSettings.ReconnectInterval = settings.ReconnectInterval
	}
	if 0 < settings.MaxReconnectAttempts {
		connectionSettings.MaxReconnectAttempts = settings.MaxReconnectAttempts
	}

	client := &Client{
		settings: settings,
	}
	client.coordinator = NewSyncCoordinator(client.sendEnvelope)

	connection, err := NewConnectionManager(
		ctx,
		settings.GatewayUrl,
		settings.Auth,
		client.coordinator.HandleMessage,
		client.coordinator.RequestStateSync,
		connectionSettings,
	)
	if err != nil {
		return nil, err
	}
	client.connection = connection

	connection.AddStateCallback(client.handleConnectionState)
	if settings.OnMessage != nil {
		client.coordinator.AddMessageCallback(settings.OnMessage)
	}

	return client, nil
}

func (self *Client) Connect() {
	self.connection.Connect()
}

func (self *Client) Disconnect() {
	self.connection.Disconnect()
}

func (self *Client) Close() {
	self.connection.Close()
}

// Send stamps the protocol version, a fresh message id and the current
// timestamp, then transmits. It errors if the transport is not open.
// The stamped envelope is returned so callers can correlate responses.
func (self *Client) Send(messageType MessageType, payload any, correlationId *Id) (*Envelope, error) {
	envelope, err := NewEnvelope(messageType, payload, correlationId)
	if err != nil {
		return nil, err
	}
	if err := self.sendEnvelope(envelope); err != nil {
		return nil, err
	}
	return envelope, nil
}

// SendCommand submits a named command to the agent.
func (self *Client) SendCommand(name string, params any) (*Envelope, error) {
	return self.Send(MessageTypeCommand, &CommandPayload{Name: name, Params: params}, nil)
}

func (self *Client) sendEnvelope(envelope *Envelope) error {
	message, err := EncodeMessage(envelope)
	if err != nil {
		return err
	}
	return self.connection.Send(message)
}

// RefreshState manually requests a state sync for suspected drift.
func (self *Client) RefreshState() {
	self.coordinator.RequestStateSync()
}

func (self *Client) ConnectionState() ConnectionStatus {
	return self.connection.Status()
}

// ClientState is the full connection view: transport lifecycle state
// plus mirror freshness.
type ClientState struct {
	Connection ConnectionStatus
	Sync       SyncStatus
}

func (self *Client) State() ClientState {
	return ClientState{
		Connection: self.connection.Status(),
		Sync:       self.coordinator.SyncStatus(),
	}
}

func (self *Client) SyncStatus() SyncStatus {
	return self.coordinator.SyncStatus()
}

// LocalState returns a deep copy of the mirror.
func (self *Client) LocalState() StateTree {
	return self.coordinator.LocalState()
}

func (self *Client) AddMessageCallback(messageCallback MessageFunction) func() {
	return self.coordinator.AddMessageCallback(messageCallback)
}

func (self *Client) AddConnectionStateCallback(stateCallback ConnectionStateFunction) func() {
	return self.connection.AddStateCallback(stateCallback)
}

// AddStateCallback invokes the callback immediately with the current
// mirror, then on every change.
func (self *Client) AddStateCallback(stateCallback StateFunction) func() {
	return self.coordinator.AddStateCallback(stateCallback)
}

func (self *Client) AddSyncStatusCallback(syncStatusCallback SyncStatusFunction) func() {
	return self.coordinator.AddSyncStatusCallback(syncStatusCallback)
}

func (self *Client) handleConnectionState(status ConnectionStatus) {
	self.edgeLock.Lock()
	wasOpen := self.wasOpen
	self.wasOpen = status.State == ConnectionStateOpen
	self.edgeLock.Unlock()

	// terminal errors only; intermediate retry errors stay internal
	if status.State == ConnectionStateError && status.Err != nil && self.settings.OnError != nil {
		self.settings.OnError(status.Err)
	}
	if !wasOpen && status.State == ConnectionStateOpen && self.settings.OnConnect != nil {
		self.settings.OnConnect()
	}
	if wasOpen && status.State != ConnectionStateOpen && self.settings.OnDisconnect != nil {
		self.settings.OnDisconnect()
	}
}
