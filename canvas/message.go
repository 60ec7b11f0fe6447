package canvas

// notification and request framing between the hub and its observers.
// every outbound notification carries a timestamp and the provenance of the
// change, so an observer can ignore echoes of its own writes.

const (
	NotificationElementCreated = "element_created"
	NotificationElementUpdated = "element_updated"
	NotificationElementDeleted = "element_deleted"
	NotificationCanvasCleared  = "canvas_cleared"
	NotificationCanvasSync     = "canvas_sync"
	NotificationSyncAck        = "sync_ack"
	NotificationError          = "error"
)

const (
	RequestSync       = "sync_request"
	RequestCanvasData = "canvas_data"
)

// Notification is the tagged union sent hub -> observer, keyed by `Type`.
// `Element`/`Elements` presence depends on the event type.
type Notification struct {
	Type      string     `json:"type"`
	CanvasId  string     `json:"canvasId,omitempty"`
	Timestamp Millis     `json:"timestamp"`
	Source    string     `json:"source,omitempty"`
	Element   *Element   `json:"element,omitempty"`
	Elements  []*Element `json:"elements,omitempty"`
	ElementId string     `json:"elementId,omitempty"`
	Version   int64      `json:"version,omitempty"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func NewElementNotification(eventType string, canvasId string, element *Element, source string) *Notification {
	return &Notification{
		Type:      eventType,
		CanvasId:  canvasId,
		Timestamp: NowMillis(),
		Source:    source,
		Element:   element,
	}
}

func NewElementDeletedNotification(canvasId string, elementId string, source string) *Notification {
	return &Notification{
		Type:      NotificationElementDeleted,
		CanvasId:  canvasId,
		Timestamp: NowMillis(),
		Source:    source,
		ElementId: elementId,
	}
}

func NewCanvasClearedNotification(canvasId string, source string) *Notification {
	return &Notification{
		Type:      NotificationCanvasCleared,
		CanvasId:  canvasId,
		Timestamp: NowMillis(),
		Source:    source,
	}
}

// NewCanvasSyncNotification is the full initial snapshot of active elements
func NewCanvasSyncNotification(canvasId string, elements []*Element, version int64, source string) *Notification {
	return &Notification{
		Type:      NotificationCanvasSync,
		CanvasId:  canvasId,
		Timestamp: NowMillis(),
		Source:    source,
		Elements:  elements,
		Version:   version,
	}
}

func NewSyncAckNotification(canvasId string, version int64, source string) *Notification {
	return &Notification{
		Type:      NotificationSyncAck,
		CanvasId:  canvasId,
		Timestamp: NowMillis(),
		Source:    source,
		Version:   version,
	}
}

// streaming observers receive error notifications instead of silent drops
func NewErrorNotification(code string, message string, source string) *Notification {
	return &Notification{
		Type:      NotificationError,
		Timestamp: NowMillis(),
		Source:    source,
		Code:      code,
		Message:   message,
	}
}

// Request is the inbound framing observer -> hub, keyed by `Type`
type Request struct {
	Type     string     `json:"type"`
	CanvasId string     `json:"canvasId,omitempty"`
	Elements []*Element `json:"elements,omitempty"`
	Source   string     `json:"source,omitempty"`
}
