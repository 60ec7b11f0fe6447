package canvas

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// provenance tag the server substitutes for pushed element sets
const SourceServer = "server"

// provenance for http mutations when the caller presents no client token
const SourceAgent = "agent"

type CanvasServerSettings struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

func DefaultCanvasServerSettings() *CanvasServerSettings {
	return &CanvasServerSettings{
		ListenAddr:      ":3100",
		ShutdownTimeout: 5 * time.Second,
	}
}

// CanvasServer exposes the document cache over a request/response api and a
// streaming sync endpoint. each transport is gated by its own independently
// configured admission control instance.
type CanvasServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache         *DocumentCache
	hub           *BroadcastHub
	httpAdmission *AdmissionControl
	wsAdmission   *AdmissionControl
	settings      *CanvasServerSettings

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewCanvasServer(
	ctx context.Context,
	cache *DocumentCache,
	hub *BroadcastHub,
	httpAdmission *AdmissionControl,
	wsAdmission *AdmissionControl,
	settings *CanvasServerSettings,
) *CanvasServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &CanvasServer{
		ctx:           cancelCtx,
		cancel:        cancel,
		cache:         cache,
		hub:           hub,
		httpAdmission: httpAdmission,
		wsAdmission:   wsAdmission,
		settings:      settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return server
}

func (self *CanvasServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", self.health).Methods("GET")
	router.HandleFunc("/ws", self.ws)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(self.admitHttp)
	api.HandleFunc("/canvas/ids", self.listCanvasIds).Methods("GET")
	api.HandleFunc("/canvas/clear", self.clearCanvas).Methods("POST")
	api.HandleFunc("/canvas/{canvasId}", self.getCanvas).Methods("GET")
	api.HandleFunc("/elements", self.listElements).Methods("GET")
	api.HandleFunc("/elements", self.createElement).Methods("POST")
	api.HandleFunc("/elements/{elementId}", self.updateElement).Methods("PUT")
	api.HandleFunc("/elements/{elementId}", self.deleteElement).Methods("DELETE")
	return router
}

func (self *CanvasServer) ListenAndServe() error {
	self.httpServer = &http.Server{
		Addr:    self.settings.ListenAddr,
		Handler: self.Router(),
	}
	glog.Infof("[server]listen %s\n", self.settings.ListenAddr)
	err := self.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (self *CanvasServer) Close() {
	self.cancel()
	if self.httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), self.settings.ShutdownTimeout)
		defer shutdownCancel()
		self.httpServer.Shutdown(shutdownCtx)
	}
}

// structured results across the http boundary, success flag plus either
// payload or a typed error

type ElementResult struct {
	Success bool         `json:"success"`
	Element *Element     `json:"element,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

type ElementsResult struct {
	Success  bool         `json:"success"`
	Elements []*Element   `json:"elements,omitempty"`
	Count    int          `json:"count"`
	Error    *ResultError `json:"error,omitempty"`
}

type CanvasResult struct {
	Success bool         `json:"success"`
	Canvas  *Document    `json:"canvas,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

type CanvasIdsResult struct {
	Success   bool         `json:"success"`
	CanvasIds []string     `json:"canvasIds,omitempty"`
	Error     *ResultError `json:"error,omitempty"`
}

type DeleteResult struct {
	Success   bool         `json:"success"`
	ElementId string       `json:"elementId,omitempty"`
	Error     *ResultError `json:"error,omitempty"`
}

type ClearResult struct {
	Success bool         `json:"success"`
	Cleared int          `json:"cleared"`
	Error   *ResultError `json:"error,omitempty"`
}

type RateLimitResult struct {
	Success   bool         `json:"success"`
	Error     *ResultError `json:"error,omitempty"`
	Count     int          `json:"count"`
	Limit     int          `json:"limit"`
	Remaining int          `json:"remaining"`
}

type HealthResult struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Canvases    int    `json:"canvases"`
}

func writeResult(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

func errorStatus(resultError *ResultError) int {
	switch resultError.Code {
	case ErrorCodeElementNotFound:
		return http.StatusNotFound
	case ErrorCodeElementLocked:
		return http.StatusConflict
	case ErrorCodeElementLimitExceeded, ErrorCodeConnectionLimitExceeded, ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// clientKey pins the admission-control key: the unverified client token id
// when presented, else the remote ip
func (self *CanvasServer) clientKey(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token != "" {
		if clientToken, err := ParseClientTokenUnverified(token); err == nil && clientToken.ClientId != "" {
			return clientToken.ClientId
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// clientSource is the provenance stamped on http mutations
func (self *CanvasServer) clientSource(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token != "" {
		if clientToken, err := ParseClientTokenUnverified(token); err == nil && clientToken.ClientId != "" {
			return clientToken.ClientId
		}
	}
	return SourceAgent
}

func (self *CanvasServer) admitHttp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := self.clientKey(r)
		if !self.httpAdmission.Check(key) {
			count, limit, remaining := self.httpAdmission.Usage(key)
			glog.Infof("[server]rate limit %s\n", key)
			writeResult(w, http.StatusTooManyRequests, &RateLimitResult{
				Error:     NewRateLimitedError(),
				Count:     count,
				Limit:     limit,
				Remaining: remaining,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func canvasIdParam(r *http.Request) string {
	if canvasId := r.URL.Query().Get("canvas"); canvasId != "" {
		return canvasId
	}
	return DefaultCanvasId
}

func (self *CanvasServer) health(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, &HealthResult{
		Status:      "ok",
		Connections: self.hub.ConnectionCount(""),
		Canvases:    len(self.cache.CachedIds()),
	})
}

func (self *CanvasServer) getCanvas(w http.ResponseWriter, r *http.Request) {
	canvasId := mux.Vars(r)["canvasId"]
	document, err := self.cache.Snapshot(canvasId)
	if err != nil {
		resultError := AsResultError(err)
		writeResult(w, errorStatus(resultError), &CanvasResult{Error: resultError})
		return
	}
	writeResult(w, http.StatusOK, &CanvasResult{Success: true, Canvas: document})
}

func (self *CanvasServer) listCanvasIds(w http.ResponseWriter, r *http.Request) {
	canvasIds, err := self.cache.store.ListIds()
	if err != nil {
		resultError := AsResultError(err)
		writeResult(w, errorStatus(resultError), &CanvasIdsResult{Error: resultError})
		return
	}
	writeResult(w, http.StatusOK, &CanvasIdsResult{Success: true, CanvasIds: canvasIds})
}

func (self *CanvasServer) listElements(w http.ResponseWriter, r *http.Request) {
	canvasId := canvasIdParam(r)
	// warm the cache so a cold canvas still lists its persisted elements
	if _, err := self.cache.GetOrCreate(canvasId); err != nil {
		resultError := AsResultError(err)
		writeResult(w, errorStatus(resultError), &ElementsResult{Error: resultError})
		return
	}
	elements := self.cache.GetActiveElements(canvasId)
	writeResult(w, http.StatusOK, &ElementsResult{
		Success:  true,
		Elements: elements,
		Count:    len(elements),
	})
}

func (self *CanvasServer) createElement(w http.ResponseWriter, r *http.Request) {
	params := ElementPatch{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeResult(w, http.StatusBadRequest, &ElementResult{Error: NewValidationError("Malformed element: %s", err)})
		return
	}
	canvasId := canvasIdParam(r)
	if bodyCanvasId, ok := params["canvasId"].(string); ok && bodyCanvasId != "" {
		canvasId = bodyCanvasId
		delete(params, "canvasId")
	}

	source := self.clientSource(r)
	element, err := self.cache.CreateElement(canvasId, params, source)
	if err != nil {
		resultError := AsResultError(err)
		writeResult(w, errorStatus(resultError), &ElementResult{Error: resultError})
		return
	}

	self.hub.Broadcast(canvasId, NewElementNotification(NotificationElementCreated, canvasId, element, source), "")
	writeResult(w, http.StatusCreated, &ElementResult{Success: true, Element: element})
}

func (self *CanvasServer) updateElement(w http.ResponseWriter, r *http.Request) {
	elementId := mux.Vars(r)["elementId"]
	updates := ElementPatch{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeResult(w, http.StatusBadRequest, &ElementResult{Error: NewValidationError("Malformed element: %s", err)})
		return
	}
	canvasId := canvasIdParam(r)
	if bodyCanvasId, ok := updates["canvasId"].(string); ok && bodyCanvasId != "" {
		canvasId = bodyCanvasId
		delete(updates, "canvasId")
	}

	source := self.clientSource(r)
	updates["source"] = source
	element, err := self.cache.UpdateElement(canvasId, elementId, updates)
	if err != nil {
		resultError := AsResultError(err)
		writeResult(w, errorStatus(resultError), &ElementResult{Error: resultError})
		return
	}

	self.hub.Broadcast(canvasId, NewElementNotification(NotificationElementUpdated, canvasId, element, source), "")
	writeResult(w, http.StatusOK, &ElementResult{Success: true, Element: element})
}

func (self *CanvasServer) deleteElement(w http.ResponseWriter, r *http.Request) {
	elementId := mux.Vars(r)["elementId"]
	canvasId := canvasIdParam(r)
	source := self.clientSource(r)

	deletedId, err := self.cache.DeleteElement(canvasId, elementId)
	if err != nil {
		resultError := AsResultError(err)
		writeResult(w, errorStatus(resultError), &DeleteResult{Error: resultError})
		return
	}

	self.hub.Broadcast(canvasId, NewElementDeletedNotification(canvasId, deletedId, source), "")
	writeResult(w, http.StatusOK, &DeleteResult{Success: true, ElementId: deletedId})
}

func (self *CanvasServer) clearCanvas(w http.ResponseWriter, r *http.Request) {
	canvasId := canvasIdParam(r)
	source := self.clientSource(r)

	cleared, err := self.cache.Clear(canvasId)
	if err != nil {
		resultError := AsResultError(err)
		writeResult(w, errorStatus(resultError), &ClearResult{Error: resultError})
		return
	}

	self.hub.Broadcast(canvasId, NewCanvasClearedNotification(canvasId, source), "")
	writeResult(w, http.StatusOK, &ClearResult{Success: true, Cleared: cleared})
}

// ws is the streaming sync endpoint. the handshake is gated by the http
// admission instance; each inbound message by the ws instance.
func (self *CanvasServer) ws(w http.ResponseWriter, r *http.Request) {
	key := self.clientKey(r)
	if !self.httpAdmission.Check(key) {
		count, limit, remaining := self.httpAdmission.Usage(key)
		writeResult(w, http.StatusTooManyRequests, &RateLimitResult{
			Error:     NewRateLimitedError(),
			Count:     count,
			Limit:     limit,
			Remaining: remaining,
		})
		return
	}

	canvasId := canvasIdParam(r)
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[server]upgrade error = %s\n", err)
		return
	}

	connectionId, err := self.hub.AddConnection(ws, canvasId, r.RemoteAddr, r.UserAgent())
	if err != nil {
		resultError := AsResultError(err)
		payload, _ := json.Marshal(NewErrorNotification(resultError.Code, resultError.Message, SourceServer))
		ws.SetWriteDeadline(time.Now().Add(time.Second))
		ws.WriteMessage(websocket.TextMessage, payload)
		ws.Close()
		return
	}
	defer self.hub.RemoveConnection(connectionId)

	// full initial snapshot
	if document, err := self.cache.Snapshot(canvasId); err == nil {
		self.hub.SendTo(connectionId, NewCanvasSyncNotification(canvasId, document.ActiveElements(), document.Version, SourceServer))
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[server]%s<- closed = %s\n", connectionId, err)
			return
		}
		self.hub.Touch(connectionId)

		if !self.wsAdmission.Check(key) {
			self.hub.SendTo(connectionId, NewErrorNotification(ErrorCodeRateLimited, "Rate limit exceeded", SourceServer))
			continue
		}

		request := &Request{}
		if err := json.Unmarshal(data, request); err != nil {
			self.hub.SendTo(connectionId, NewErrorNotification(ErrorCodeValidation, "Malformed request", SourceServer))
			continue
		}

		self.handleRequest(connectionId, canvasId, request)
	}
}

func (self *CanvasServer) handleRequest(connectionId string, canvasId string, request *Request) {
	switch request.Type {
	case RequestSync:
		document, err := self.cache.Snapshot(canvasId)
		if err != nil {
			resultError := AsResultError(err)
			self.hub.SendTo(connectionId, NewErrorNotification(resultError.Code, resultError.Message, SourceServer))
			return
		}
		self.hub.SendTo(connectionId, NewCanvasSyncNotification(canvasId, document.ActiveElements(), document.Version, SourceServer))

	case RequestCanvasData:
		// caller-supplied provenance is ignored, the server's substituted
		document, err := self.cache.SyncElements(canvasId, request.Elements, SourceServer)
		if err != nil {
			resultError := AsResultError(err)
			self.hub.SendTo(connectionId, NewErrorNotification(resultError.Code, resultError.Message, SourceServer))
			return
		}
		self.hub.SendTo(connectionId, NewSyncAckNotification(canvasId, document.Version, SourceServer))
		// observers other than the originator see the converged element set
		self.hub.Broadcast(
			canvasId,
			NewCanvasSyncNotification(canvasId, document.ActiveElements(), document.Version, SourceServer),
			connectionId,
		)

	default:
		self.hub.SendTo(connectionId, NewErrorNotification(ErrorCodeValidation, "Unknown request type: "+request.Type, SourceServer))
	}
}
