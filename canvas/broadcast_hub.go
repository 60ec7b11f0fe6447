package canvas

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type BroadcastHubSettings struct {
	// global connection ceiling across all canvases
	MaxConnections int
	// how often the liveness sweep runs
	SweepInterval time.Duration
	// connections inactive longer than this are torn down
	InactivityTimeout time.Duration
	WriteTimeout      time.Duration
}

func DefaultBroadcastHubSettings() *BroadcastHubSettings {
	return &BroadcastHubSettings{
		MaxConnections:    1000,
		SweepInterval:     60 * time.Second,
		InactivityTimeout: 5 * time.Minute,
		WriteTimeout:      5 * time.Second,
	}
}

// Connection is one observer session. owned exclusively by the hub.
type Connection struct {
	connectionId string
	canvasId     string
	ws           *websocket.Conn
	connectTime  time.Time
	remoteAddr   string
	userAgent    string

	// gorilla conns allow one concurrent writer
	writeLock sync.Mutex

	activityLock sync.Mutex
	lastActivity time.Time
}

func (self *Connection) Id() string {
	return self.connectionId
}

func (self *Connection) CanvasId() string {
	return self.canvasId
}

func (self *Connection) touch() {
	self.activityLock.Lock()
	defer self.activityLock.Unlock()
	self.lastActivity = time.Now()
}

func (self *Connection) lastActivityTime() time.Time {
	self.activityLock.Lock()
	defer self.activityLock.Unlock()
	return self.lastActivity
}

// writeMessage marshals once per caller and writes under the connection
// write lock with a deadline
func (self *Connection) writePayload(payload []byte, writeTimeout time.Duration) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, payload)
}

func (self *Connection) writePing(writeTimeout time.Duration) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	return self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// BroadcastHub tracks live observer connections grouped by canvas id and
// fans change notifications out to them. it never mutates document state,
// only reads messages built by callers.
type BroadcastHub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *BroadcastHubSettings

	stateLock sync.Mutex
	// connection id -> connection
	connections map[string]*Connection
	// canvas id -> connection id -> connection
	canvasConnections map[string]map[string]*Connection
}

func NewBroadcastHubWithDefaults(ctx context.Context) *BroadcastHub {
	return NewBroadcastHub(ctx, DefaultBroadcastHubSettings())
}

func NewBroadcastHub(ctx context.Context, settings *BroadcastHubSettings) *BroadcastHub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &BroadcastHub{
		ctx:               cancelCtx,
		cancel:            cancel,
		settings:          settings,
		connections:       map[string]*Connection{},
		canvasConnections: map[string]map[string]*Connection{},
	}
	go hub.run()
	return hub
}

// AddConnection registers an observer of a canvas and wires pong responses
// as liveness signals. returns the connection id.
func (self *BroadcastHub) AddConnection(ws *websocket.Conn, canvasId string, remoteAddr string, userAgent string) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.settings.MaxConnections <= len(self.connections) {
		return "", NewConnectionLimitExceededError(self.settings.MaxConnections)
	}

	connection := &Connection{
		connectionId: uuid.NewString(),
		canvasId:     canvasId,
		ws:           ws,
		connectTime:  time.Now(),
		lastActivity: time.Now(),
		remoteAddr:   remoteAddr,
		userAgent:    userAgent,
	}
	ws.SetPongHandler(func(string) error {
		connection.touch()
		return nil
	})

	self.connections[connection.connectionId] = connection
	byCanvas, ok := self.canvasConnections[canvasId]
	if !ok {
		byCanvas = map[string]*Connection{}
		self.canvasConnections[canvasId] = byCanvas
	}
	byCanvas[connection.connectionId] = connection

	glog.V(2).Infof("[hub]+%s %s (%d)\n", connection.connectionId, canvasId, len(self.connections))
	return connection.connectionId, nil
}

// RemoveConnection deregisters and closes a connection. idempotent; an
// unknown id is a no-op.
func (self *BroadcastHub) RemoveConnection(connectionId string) {
	self.stateLock.Lock()
	connection, ok := self.connections[connectionId]
	if ok {
		delete(self.connections, connectionId)
		if byCanvas, ok := self.canvasConnections[connection.canvasId]; ok {
			delete(byCanvas, connectionId)
			if len(byCanvas) == 0 {
				delete(self.canvasConnections, connection.canvasId)
			}
		}
	}
	self.stateLock.Unlock()

	if ok {
		connection.ws.Close()
		glog.V(2).Infof("[hub]-%s %s\n", connectionId, connection.canvasId)
	}
}

// Touch refreshes the activity clock of a connection, called by the transport
// on every inbound message
func (self *BroadcastHub) Touch(connectionId string) {
	self.stateLock.Lock()
	connection, ok := self.connections[connectionId]
	self.stateLock.Unlock()

	if ok {
		connection.touch()
	}
}

// SendTo delivers one message to one connection. returns whether delivery
// occurred. a delivery error tears the connection down as if remotely closed.
func (self *BroadcastHub) SendTo(connectionId string, message any) bool {
	self.stateLock.Lock()
	connection, ok := self.connections[connectionId]
	self.stateLock.Unlock()

	if !ok {
		return false
	}

	payload, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[hub]marshal error = %s\n", err)
		return false
	}
	if err := connection.writePayload(payload, self.settings.WriteTimeout); err != nil {
		glog.Infof("[hub]%s-> error = %s\n", connectionId, err)
		self.RemoveConnection(connectionId)
		return false
	}
	glog.V(2).Infof("[hub]%s->\n", connectionId)
	return true
}

// Broadcast serializes the message once and delivers the identical payload to
// every open connection observing the canvas except `excludeId`. a delivery
// failure removes just that connection and the broadcast continues.
// returns the number of connections that received the message.
func (self *BroadcastHub) Broadcast(canvasId string, message any, excludeId string) int {
	payload, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[hub]marshal error = %s\n", err)
		return 0
	}

	self.stateLock.Lock()
	targets := []*Connection{}
	for _, connection := range self.canvasConnections[canvasId] {
		if connection.connectionId == excludeId {
			continue
		}
		targets = append(targets, connection)
	}
	self.stateLock.Unlock()

	delivered := 0
	for _, connection := range targets {
		// a connection torn down since the snapshot fails the write and is
		// removed again, which is a no-op
		if err := connection.writePayload(payload, self.settings.WriteTimeout); err != nil {
			glog.Infof("[hub]%s-> error = %s\n", connection.connectionId, err)
			self.RemoveConnection(connection.connectionId)
			continue
		}
		delivered += 1
	}
	glog.V(2).Infof("[hub]broadcast %s n=%d\n", canvasId, delivered)
	return delivered
}

// ConnectionCount returns the number of live connections, optionally scoped
// to one canvas when canvasId is not empty
func (self *BroadcastHub) ConnectionCount(canvasId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if canvasId == "" {
		return len(self.connections)
	}
	return len(self.canvasConnections[canvasId])
}

// run is the liveness sweep. connections inactive past the timeout are torn
// down; the rest get a keepalive probe, and a probe failure is treated as
// inactivity.
func (self *BroadcastHub) run() {
	ticker := time.NewTicker(self.settings.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.sweep()
		}
	}
}

func (self *BroadcastHub) sweep() {
	self.stateLock.Lock()
	connections := maps.Values(self.connections)
	self.stateLock.Unlock()

	for _, connection := range connections {
		if self.settings.InactivityTimeout < time.Since(connection.lastActivityTime()) {
			glog.Infof("[hub]inactive %s\n", connection.connectionId)
			self.RemoveConnection(connection.connectionId)
			continue
		}
		if err := connection.writePing(self.settings.WriteTimeout); err != nil {
			glog.Infof("[hub]ping %s error = %s\n", connection.connectionId, err)
			self.RemoveConnection(connection.connectionId)
		}
	}
}

// Close tears down all connections and stops the sweep
func (self *BroadcastHub) Close() {
	self.cancel()

	self.stateLock.Lock()
	connectionIds := maps.Keys(self.connections)
	self.stateLock.Unlock()

	for _, connectionId := range connectionIds {
		self.RemoveConnection(connectionId)
	}
}
