package canvas

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type AdmissionControlSettings struct {
	// trailing window size
	Window time.Duration
	// maximum admitted requests per key inside the window
	Ceiling int
}

func DefaultHttpAdmissionSettings() *AdmissionControlSettings {
	return &AdmissionControlSettings{
		Window:  60 * time.Second,
		Ceiling: 100,
	}
}

func DefaultWsAdmissionSettings() *AdmissionControlSettings {
	return &AdmissionControlSettings{
		Window:  60 * time.Second,
		Ceiling: 50,
	}
}

// AdmissionControl bounds request rate per client key with a sliding window,
// one instance per transport. rejection is a first-class admitted=false
// signal, not an error.
type AdmissionControl struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *AdmissionControlSettings

	stateLock sync.Mutex
	// client key -> ordered request timestamps inside the trailing window
	windows map[string][]time.Time
}

func NewAdmissionControl(ctx context.Context, settings *AdmissionControlSettings) *AdmissionControl {
	cancelCtx, cancel := context.WithCancel(ctx)
	admission := &AdmissionControl{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		windows:  map[string][]time.Time{},
	}
	go admission.run()
	return admission
}

// Check admits the request if the key's in-window count is under the ceiling,
// recording the current timestamp. a rejected request is not recorded.
func (self *AdmissionControl) Check(key string) bool {
	now := time.Now()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	window := self.prune(key, now)
	if self.settings.Ceiling <= len(window) {
		glog.V(2).Infof("[admission]reject %s n=%d\n", key, len(window))
		return false
	}
	self.windows[key] = append(window, now)
	return true
}

// Usage returns the in-window count, the configured limit, and the remaining
// quota for a key without recording a request
func (self *AdmissionControl) Usage(key string) (count int, limit int, remaining int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	window := self.prune(key, time.Now())
	count = len(window)
	limit = self.settings.Ceiling
	remaining = limit - count
	if remaining < 0 {
		remaining = 0
	}
	return
}

// Reset clears one key's window
func (self *AdmissionControl) Reset(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.windows, key)
}

// prune drops timestamps older than now - window. caller holds stateLock.
func (self *AdmissionControl) prune(key string, now time.Time) []time.Time {
	window := self.windows[key]
	cutoff := now.Add(-self.settings.Window)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i += 1
	}
	if 0 < i {
		window = window[i:]
		if len(window) == 0 {
			delete(self.windows, key)
		} else {
			self.windows[key] = window
		}
	}
	return window
}

// run periodically removes keys whose window has emptied, bounding memory for
// churny key sets like a per-ip transport
func (self *AdmissionControl) run() {
	ticker := time.NewTicker(self.settings.Window)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.cleanup()
		}
	}
}

func (self *AdmissionControl) cleanup() {
	now := time.Now()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, key := range maps.Keys(self.windows) {
		self.prune(key, now)
	}
}

func (self *AdmissionControl) Close() {
	self.cancel()
}
