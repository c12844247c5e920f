package agui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("transport is not open")

type ConnectionState string

const (
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateOpen       ConnectionState = "open"
	ConnectionStateClosed     ConnectionState = "closed"
	ConnectionStateError      ConnectionState = "error"
)

type ConnectionStatus struct {
	State ConnectionState
	Err   error
}

type ConnectionStateFunction func(ConnectionStatus)

// TransportConn is the subset of the websocket connection the manager
// uses. Tests substitute an in-memory implementation via
// `ConnectionManagerSettings.Dial`.
type TransportConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// (ctx, url, requestHeader)
type DialFunc func(ctx context.Context, wsUrl string, requestHeader http.Header) (TransportConn, error)

type ConnectionManagerSettings struct {
	// backoff base. delay(n) = min(ReconnectInterval * 2^(n-1), MaxReconnectInterval)
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int
	WsHandshakeTimeout   time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	ReadTimeout          time.Duration
	// nil uses the websocket dialer
	Dial DialFunc
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		MaxReconnectAttempts: 10,
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         10 * time.Second,
		ReadTimeout:          30 * time.Second,
	}
}

// WsUrl rewrites a gateway url to the websocket scheme:
// http -> ws, https -> wss. ws/wss urls pass through.
func WsUrl(gatewayUrl string) (string, error) {
	u, err := url.Parse(gatewayUrl)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// ConnectionManager owns exactly one transport connection at a time and
// the reconnection backoff around it. Inbound frames go to
// `receiveMessage` in transport delivery order; `handleOpen` runs
// synchronously on every successful open, before any frame is read, so
// the sync coordinator can request a baseline first.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl    string
	auth     *ClientAuth
	settings *ConnectionManagerSettings

	receiveMessage func([]byte)
	handleOpen     func()

	stateCallbacks *CallbackList[ConnectionStateFunction]

	stateLock      sync.Mutex
	state          ConnectionState
	lastErr        error
	conn           TransportConn
	connecting     bool
	manualClose    bool
	attempt        int
	reconnectTimer *time.Timer
	// bumped on every connect cycle and teardown. An in-flight dial
	// carries the epoch it was launched under and may only install its
	// conn while that epoch is still current, so a disconnect/connect
	// pair during a slow dial can never end up with two live sockets.
	connectEpoch int64

	writeLock sync.Mutex
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	gatewayUrl string,
	auth *ClientAuth,
	receiveMessage func([]byte),
	handleOpen func(),
) (*ConnectionManager, error) {
	return NewConnectionManager(ctx, gatewayUrl, auth, receiveMessage, handleOpen, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	gatewayUrl string,
	auth *ClientAuth,
	receiveMessage func([]byte),
	handleOpen func(),
	settings *ConnectionManagerSettings,
) (*ConnectionManager, error) {
	wsUrl, err := WsUrl(gatewayUrl)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		wsUrl:          wsUrl,
		auth:           auth,
		settings:       settings,
		receiveMessage: receiveMessage,
		handleOpen:     handleOpen,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
		state:          ConnectionStateClosed,
	}, nil
}

func (self *ConnectionManager) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return ConnectionStatus{
		State: self.state,
		Err:   self.lastErr,
	}
}

// Connect is a no-op while a connection is open or in progress.
// A manual connect supersedes any pending retry and resets the attempt
// counter, which is how a caller resumes after ceiling exhaustion.
func (self *ConnectionManager) Connect() {
	self.stateLock.Lock()
	if self.connecting || self.conn != nil {
		self.stateLock.Unlock()
		return
	}
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	self.connecting = true
	self.manualClose = false
	self.attempt = 0
	self.state = ConnectionStateConnecting
	self.lastErr = nil
	self.connectEpoch += 1
	epoch := self.connectEpoch
	self.stateLock.Unlock()

	self.notifyState()
	go self.dial(epoch)
}

// Disconnect unconditionally tears down the transport and any pending
// retry. Manual disconnects never reconnect.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	self.manualClose = true
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	conn := self.conn
	self.conn = nil
	self.connecting = false
	self.attempt = 0
	self.state = ConnectionStateClosed
	self.lastErr = nil
	self.connectEpoch += 1
	self.stateLock.Unlock()

	if conn != nil {
		self.writeLock.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
		self.writeLock.Unlock()
		conn.Close()
	}
	self.notifyState()
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.cancel()
}

// Send writes one text frame. Sends are fire and forget; correlation
// and timeouts are the caller's concern.
func (self *ConnectionManager) Send(message []byte) error {
	self.stateLock.Lock()
	conn := self.conn
	state := self.state
	self.stateLock.Unlock()
	if conn == nil || state != ConnectionStateOpen {
		return ErrNotConnected
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	if 0 < self.settings.WriteTimeout {
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		glog.Infof("[cs]-> error = %s\n", err)
		return err
	}
	glog.V(2).Infof("[cs]->\n")
	return nil
}

func (self *ConnectionManager) dial(epoch int64) {
	dial := self.settings.Dial
	if dial == nil {
		dial = wsDial(self.settings.WsHandshakeTimeout)
	}
	var requestHeader http.Header
	if self.auth != nil {
		requestHeader = self.auth.Header()
	}
	conn, err := dial(self.ctx, self.wsUrl, requestHeader)

	self.stateLock.Lock()
	if epoch != self.connectEpoch {
		// a disconnect or newer connect superseded this dial. The
		// current cycle owns `connecting` and the socket slot.
		self.stateLock.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if self.manualClose || self.ctx.Err() != nil {
		self.connecting = false
		self.stateLock.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		self.connecting = false
		glog.Infof("[c]dial error = %s\n", err)
		self.scheduleReconnectLocked(err)
		self.stateLock.Unlock()
		self.notifyState()
		return
	}
	self.conn = conn
	self.connecting = false
	self.attempt = 0
	self.state = ConnectionStateOpen
	self.lastErr = nil
	self.stateLock.Unlock()

	self.notifyState()
	// every fresh open starts from a known baseline before any frame is read
	if self.handleOpen != nil {
		self.handleOpen()
	}

	go self.readPump(conn)
	if 0 < self.settings.PingInterval {
		go self.pingPump(conn)
	}
}

func (self *ConnectionManager) readPump(conn TransportConn) {
	for {
		if 0 < self.settings.ReadTimeout {
			conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			self.handleConnClosed(conn, err)
			return
		}
		if len(message) == 0 {
			// keepalive
			glog.V(2).Infof("[cr]ping<-\n")
			continue
		}
		glog.V(2).Infof("[cr]<-\n")
		if self.receiveMessage != nil {
			self.receiveMessage(message)
		}
	}
}

func (self *ConnectionManager) pingPump(conn TransportConn) {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.writeLock.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout))
			self.writeLock.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (self *ConnectionManager) handleConnClosed(conn TransportConn, err error) {
	self.stateLock.Lock()
	if self.conn != conn {
		// already torn down or replaced
		self.stateLock.Unlock()
		return
	}
	self.conn = nil
	conn.Close()
	if self.manualClose || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		// clean teardown, no reconnect
		self.state = ConnectionStateClosed
		self.lastErr = nil
		self.stateLock.Unlock()
		self.notifyState()
		return
	}
	glog.Infof("[c]transport closed = %s\n", err)
	self.scheduleReconnectLocked(err)
	self.stateLock.Unlock()
	self.notifyState()
}

// scheduleReconnectLocked is called with stateLock held. A schedule
// request while a timer is pending is a no-op.
func (self *ConnectionManager) scheduleReconnectLocked(err error) {
	if self.reconnectTimer != nil {
		return
	}
	self.attempt += 1
	if self.settings.MaxReconnectAttempts < self.attempt {
		self.state = ConnectionStateError
		self.lastErr = fmt.Errorf("reconnect attempts exhausted after %d: %w", self.settings.MaxReconnectAttempts, err)
		glog.Infof("[c]%s\n", self.lastErr)
		return
	}
	self.state = ConnectionStateClosed
	self.lastErr = err
	delay := reconnectDelay(self.attempt, self.settings)
	glog.V(2).Infof("[c]reconnect %d in %s\n", self.attempt, delay)
	self.reconnectTimer = time.AfterFunc(delay, self.retry)
}

func (self *ConnectionManager) retry() {
	self.stateLock.Lock()
	self.reconnectTimer = nil
	if self.manualClose || self.ctx.Err() != nil || self.connecting || self.conn != nil {
		self.stateLock.Unlock()
		return
	}
	self.connecting = true
	self.state = ConnectionStateConnecting
	epoch := self.connectEpoch
	self.stateLock.Unlock()

	self.notifyState()
	go self.dial(epoch)
}

func (self *ConnectionManager) notifyState() {
	status := self.Status()
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(status)
	}
}

// attempt counted from 1
func reconnectDelay(attempt int, settings *ConnectionManagerSettings) time.Duration {
	delay := settings.ReconnectInterval
	for i := 1; i < attempt; i += 1 {
		delay *= 2
		if settings.MaxReconnectInterval <= delay {
			return settings.MaxReconnectInterval
		}
	}
	return min(delay, settings.MaxReconnectInterval)
}

func wsDial(handshakeTimeout time.Duration) DialFunc {
	return func(ctx context.Context, wsUrl string, requestHeader http.Header) (TransportConn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, wsUrl, requestHeader)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}
