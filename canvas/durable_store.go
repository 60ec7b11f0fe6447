package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type DurableStoreSettings struct {
	// minimum interval between two completed writes for the same canvas id.
	// saves issued inside the interval are coalesced into one write.
	SaveThrottle time.Duration
}

func DefaultDurableStoreSettings() *DurableStoreSettings {
	return &DurableStoreSettings{
		SaveThrottle: 1000 * time.Millisecond,
	}
}

// DurableStore persists one json snapshot file per canvas id and coalesces
// rapid saves for the same id into a single atomic write.
// it never touches in-memory document state owned by the cache.
type DurableStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	dir      string
	settings *DurableStoreSettings

	stateLock      sync.Mutex
	pendingSaves   map[string]*pendingSave
	inflightWrites map[string]chan struct{}
	lastWriteTimes map[string]time.Time
}

// one debounce cycle for one canvas id.
// `document` is replaced in place by newer saves (last write wins) and the
// scheduled timer is reused so no additional delay accumulates.
// a cycle opened while a write for the same id is still on disk i/o has a nil
// timer; it is scheduled when that write completes, so an acknowledged
// payload can never race an older one for the same file.
type pendingSave struct {
	document  *Document
	waiters   []chan error
	timer     *time.Timer
	immediate bool
}

func NewDurableStoreWithDefaults(ctx context.Context, dir string) (*DurableStore, error) {
	return NewDurableStore(ctx, dir, DefaultDurableStoreSettings())
}

func NewDurableStore(ctx context.Context, dir string, settings *DurableStoreSettings) (*DurableStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &DurableStore{
		ctx:            cancelCtx,
		cancel:         cancel,
		dir:            dir,
		settings:       settings,
		pendingSaves:   map[string]*pendingSave{},
		inflightWrites: map[string]chan struct{}{},
		lastWriteTimes: map[string]time.Time{},
	}, nil
}

// Save enqueues the document as the latest pending write for its id and
// returns a channel that resolves when the write for this cycle completes.
// callers that do not need a durability guarantee just drop the channel.
func (self *DurableStore) Save(document *Document) <-chan error {
	waiter := make(chan error, 1)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	canvasId := document.Id
	if pending, ok := self.pendingSaves[canvasId]; ok {
		// a cycle is already open. replace the payload, keep its schedule.
		pending.document = document
		pending.waiters = append(pending.waiters, waiter)
		return waiter
	}

	pending := &pendingSave{
		document: document,
		waiters:  []chan error{waiter},
	}
	self.pendingSaves[canvasId] = pending
	if _, ok := self.inflightWrites[canvasId]; !ok {
		self.schedule(canvasId, pending)
	}
	// else: chained, scheduled when the in-flight write completes
	return waiter
}

// schedule arms the cycle's timer at throttle measured from the previous
// completed write. an id with no previous write waits the full throttle, so
// rapid initial saves coalesce the same way. a closed store flushes
// immediately. caller holds stateLock.
func (self *DurableStore) schedule(canvasId string, pending *pendingSave) {
	delay := self.settings.SaveThrottle
	if lastWriteTime, ok := self.lastWriteTimes[canvasId]; ok {
		elapsed := time.Since(lastWriteTime)
		if self.settings.SaveThrottle <= elapsed {
			delay = 0
		} else {
			delay = self.settings.SaveThrottle - elapsed
		}
	}
	if pending.immediate || self.ctx.Err() != nil {
		delay = 0
	}
	pending.timer = time.AfterFunc(delay, func() {
		self.flush(canvasId)
	})
}

// flush takes the pending record for the id out of the map, writes it, and
// resolves all waiters of the cycle together.
// the id is marked in flight for the duration of the disk write; a Save that
// lands meanwhile opens a new cycle that is scheduled only once this write
// has finished, so writes for an id are strictly sequential.
func (self *DurableStore) flush(canvasId string) {
	self.stateLock.Lock()
	if _, ok := self.inflightWrites[canvasId]; ok {
		// a stale timer fire. the chained cycle, if any, is scheduled when
		// the write on disk i/o completes.
		self.stateLock.Unlock()
		return
	}
	pending, ok := self.pendingSaves[canvasId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.pendingSaves, canvasId)
	document := pending.document
	done := make(chan struct{})
	self.inflightWrites[canvasId] = done
	self.stateLock.Unlock()

	err := self.writeSnapshot(document)

	self.stateLock.Lock()
	self.lastWriteTimes[canvasId] = time.Now()
	delete(self.inflightWrites, canvasId)
	close(done)
	if chained, ok := self.pendingSaves[canvasId]; ok {
		self.schedule(canvasId, chained)
	}
	self.stateLock.Unlock()

	if err != nil {
		glog.Infof("[store]write %s error = %s\n", canvasId, err)
	} else {
		glog.V(2).Infof("[store]write %s v%d\n", canvasId, document.Version)
	}

	for _, waiter := range pending.waiters {
		waiter <- err
		close(waiter)
	}
}

// writeSnapshot serializes to a temp file colocated with the target and
// renames it over the final path. on failure the temp file is removed and
// the previous snapshot stays intact.
func (self *DurableStore) writeSnapshot(document *Document) error {
	data, err := json.Marshal(document)
	if err != nil {
		return err
	}
	path := self.snapshotPath(document.Id)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

// Load reads the persisted snapshot for an id.
// a missing snapshot is (nil, nil), not an error.
func (self *DurableStore) Load(canvasId string) (*Document, error) {
	data, err := os.ReadFile(self.snapshotPath(canvasId))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	document := &Document{}
	if err := json.Unmarshal(data, document); err != nil {
		return nil, err
	}
	return document, nil
}

func (self *DurableStore) Exists(canvasId string) bool {
	_, err := os.Stat(self.snapshotPath(canvasId))
	return err == nil
}

// Delete removes the snapshot for an id. missing snapshot is a no-op.
func (self *DurableStore) Delete(canvasId string) error {
	err := os.Remove(self.snapshotPath(canvasId))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (self *DurableStore) ListIds() ([]string, error) {
	entries, err := os.ReadDir(self.dir)
	if err != nil {
		return nil, err
	}
	canvasIds := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		canvasIds = append(canvasIds, strings.TrimSuffix(name, ".json"))
	}
	return canvasIds, nil
}

// FlushAll fires every scheduled write immediately and waits for completion,
// including writes already on disk i/o and any cycles chained behind them.
// used as the shutdown hook so no pending save is lost on exit.
func (self *DurableStore) FlushAll() error {
	self.stateLock.Lock()
	inflight := maps.Values(self.inflightWrites)
	waiters := []chan error{}
	for _, canvasId := range maps.Keys(self.pendingSaves) {
		pending := self.pendingSaves[canvasId]
		waiter := make(chan error, 1)
		pending.waiters = append(pending.waiters, waiter)
		waiters = append(waiters, waiter)
		if pending.timer != nil {
			pending.timer.Reset(0)
		} else {
			pending.immediate = true
		}
	}
	self.stateLock.Unlock()

	for _, done := range inflight {
		<-done
	}
	var errs []error
	for _, waiter := range waiters {
		if err := <-waiter; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close cancels the store context, which collapses all future scheduling
// delays to zero, and drains every outstanding write.
func (self *DurableStore) Close() {
	self.cancel()
	self.FlushAll()
}

func (self *DurableStore) snapshotPath(canvasId string) string {
	return filepath.Join(self.dir, sanitizeCanvasId(canvasId)+".json")
}

// sanitizeCanvasId keeps only alphanumerics, `-` and `_` so an id can never
// traverse outside the snapshot directory
func sanitizeCanvasId(canvasId string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, canvasId)
	if sanitized == "" {
		return "_"
	}
	return sanitized
}
