package canvas

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type DocumentCacheSettings struct {
	// maximum number of documents held in memory at once
	Capacity int
	// per-document element ceiling, counting soft deleted tombstones
	MaxElementsPerCanvas int
}

func DefaultDocumentCacheSettings() *DocumentCacheSettings {
	return &DocumentCacheSettings{
		Capacity:             100,
		MaxElementsPerCanvas: 10000,
	}
}

// DocumentCache is the single source of truth for live document state and the
// only writer to documents. it is bounded by a least-recently-used policy;
// an evicted document is reloaded transparently from the durable store on
// next access.
// all mutations run under one lock, so two concurrent updates of the same
// element never interleave their read-modify-write.
// operations that hand state to a caller who will serialize or inspect it
// outside the lock return clones; `GetOrCreate` alone returns the live
// cached instance.
type DocumentCache struct {
	store     *DurableStore
	defaulter ElementDefaulter
	sanitizer BindingSanitizer
	settings  *DocumentCacheSettings

	stateLock   sync.Mutex
	documents   map[string]*Document
	accessTimes map[string]time.Time
}

func NewDocumentCacheWithDefaults(store *DurableStore) *DocumentCache {
	return NewDocumentCache(store, DefaultElementDefaulter, DefaultBindingSanitizer, DefaultDocumentCacheSettings())
}

func NewDocumentCache(
	store *DurableStore,
	defaulter ElementDefaulter,
	sanitizer BindingSanitizer,
	settings *DocumentCacheSettings,
) *DocumentCache {
	return &DocumentCache{
		store:       store,
		defaulter:   defaulter,
		sanitizer:   sanitizer,
		settings:    settings,
		documents:   map[string]*Document{},
		accessTimes: map[string]time.Time{},
	}
}

// GetOrCreate returns the cached document for the id, loading a persisted
// snapshot or synthesizing a fresh empty document on miss. the returned
// instance is the live cached document, not a copy.
func (self *DocumentCache) GetOrCreate(canvasId string) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.getOrCreate(canvasId)
}

func (self *DocumentCache) getOrCreate(canvasId string) (*Document, error) {
	if document, ok := self.documents[canvasId]; ok {
		self.accessTimes[canvasId] = time.Now()
		return document, nil
	}

	self.evictIfFull()

	document, err := self.store.Load(canvasId)
	if err != nil {
		return nil, NewInternalError(err)
	}
	if document == nil {
		document = NewDocument(canvasId)
		glog.V(2).Infof("[cache]create %s\n", canvasId)
	} else {
		glog.V(2).Infof("[cache]load %s v%d\n", canvasId, document.Version)
	}

	self.documents[canvasId] = document
	self.accessTimes[canvasId] = time.Now()
	return document, nil
}

// evictIfFull drops the least recently accessed document when the cache is at
// capacity. called only when about to insert an uncached id; there is no
// background sweep. an evicted document is not lost, every mutation has
// already scheduled a durable save.
func (self *DocumentCache) evictIfFull() {
	if len(self.documents) < self.settings.Capacity {
		return
	}
	var evictId string
	var evictTime time.Time
	for _, canvasId := range maps.Keys(self.documents) {
		accessTime := self.accessTimes[canvasId]
		if evictId == "" || accessTime.Before(evictTime) {
			evictId = canvasId
			evictTime = accessTime
		}
	}
	delete(self.documents, evictId)
	delete(self.accessTimes, evictId)
	glog.V(2).Infof("[cache]evict %s\n", evictId)
}

// CreateElement finalizes a new element from the partial params and appends
// it to the document. a caller-supplied id is kept if present, otherwise one
// is generated. provenance and presentation defaults are stamped before the
// element is visible to anyone.
func (self *DocumentCache) CreateElement(canvasId string, params ElementPatch, source string) (*Element, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, err := self.getOrCreate(canvasId)
	if err != nil {
		return nil, err
	}

	if self.settings.MaxElementsPerCanvas <= len(document.Elements) {
		return nil, NewElementLimitExceededError(self.settings.MaxElementsPerCanvas)
	}

	now := NowMillis()
	element := &Element{
		Id:        NewId().String(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Source:    source,
	}
	if elementId, ok := params["id"].(string); ok && elementId != "" {
		if document.activeElement(elementId) != nil {
			return nil, NewValidationError("Element id already exists: %s", elementId)
		}
		element.Id = elementId
	}
	element.applyPatch(params)
	if element.Type != "" && !ValidElementType(element.Type) {
		return nil, NewValidationError("Unknown element type: %s", element.Type)
	}
	self.defaulter(element)
	self.sanitizer(element, document.activeIds())

	document.Elements = append(document.Elements, element)
	document.touch()
	self.persist(document)

	glog.V(2).Infof("[cache]%s+%s %s\n", canvasId, element.Id, element.Type)
	return element.Clone(), nil
}

// UpdateElement merges the partial updates over the existing active element.
// the existing id is always retained even if the payload names another one.
// a locked element rejects any update unless the patch explicitly sets
// `locked`, which is how unlocking stays possible.
func (self *DocumentCache) UpdateElement(canvasId string, elementId string, updates ElementPatch) (*Element, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, err := self.getOrCreate(canvasId)
	if err != nil {
		return nil, err
	}

	element := document.activeElement(elementId)
	if element == nil {
		return nil, NewElementNotFoundError(elementId)
	}
	if element.Locked {
		if _, ok := updates["locked"]; !ok {
			return nil, NewElementLockedError(elementId)
		}
	}

	element.applyPatch(updates)
	if source, ok := updates["source"].(string); ok && source != "" {
		element.Source = source
	}
	element.Version += 1
	element.UpdatedAt = NowMillis()
	self.sanitizer(element, document.activeIds())

	document.touch()
	self.persist(document)

	glog.V(2).Infof("[cache]%s~%s v%d\n", canvasId, elementId, element.Version)
	return element.Clone(), nil
}

// DeleteElement soft deletes the active element. the tombstone is retained
// for idempotent re-sync, never physically removed.
func (self *DocumentCache) DeleteElement(canvasId string, elementId string) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, err := self.getOrCreate(canvasId)
	if err != nil {
		return "", err
	}

	element := document.activeElement(elementId)
	if element == nil {
		return "", NewElementNotFoundError(elementId)
	}
	if element.Locked {
		return "", NewElementLockedError(elementId)
	}

	element.IsDeleted = true
	element.Version += 1
	element.UpdatedAt = NowMillis()

	document.touch()
	self.persist(document)

	glog.V(2).Infof("[cache]%s-%s\n", canvasId, elementId)
	return elementId, nil
}

// GetActiveElements returns clones of the non-deleted elements of a cached
// document in insertion order. a document that is not currently cached yields
// an empty list; this read never triggers a load.
func (self *DocumentCache) GetActiveElements(canvasId string) []*Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, ok := self.documents[canvasId]
	if !ok {
		return []*Element{}
	}
	self.accessTimes[canvasId] = time.Now()
	active := document.ActiveElements()
	elements := make([]*Element, len(active))
	for i, element := range active {
		elements[i] = element.Clone()
	}
	return elements
}

// GetElementByID returns a clone of the active element, or nil if the element
// is deleted, unknown, or the document is not cached. cache-only, same no-load
// semantics.
func (self *DocumentCache) GetElementByID(canvasId string, elementId string) *Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, ok := self.documents[canvasId]
	if !ok {
		return nil
	}
	self.accessTimes[canvasId] = time.Now()
	element := document.activeElement(elementId)
	if element == nil {
		return nil
	}
	return element.Clone()
}

// Snapshot returns a deep copy of the document taken under the state lock,
// safe to serialize while mutations continue. loads on miss like
// `GetOrCreate`.
func (self *DocumentCache) Snapshot(canvasId string) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, err := self.getOrCreate(canvasId)
	if err != nil {
		return nil, err
	}
	return document.Clone(), nil
}

// Clear soft deletes every currently active element in one batch and persists
// once. returns the count of elements that were active before the call.
func (self *DocumentCache) Clear(canvasId string) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, err := self.getOrCreate(canvasId)
	if err != nil {
		return 0, err
	}

	now := NowMillis()
	cleared := 0
	for _, element := range document.Elements {
		if element.IsDeleted {
			continue
		}
		element.IsDeleted = true
		element.Version += 1
		element.UpdatedAt = now
		cleared += 1
	}

	document.touch()
	self.persist(document)

	glog.V(2).Infof("[cache]clear %s n=%d\n", canvasId, cleared)
	return cleared, nil
}

// SyncElements merges a full element set pushed by an observer into the
// document, last write wins per element id. existing elements are replaced
// in place, unseen ids are appended. a concurrent edit to the same element
// from another observer can be silently dropped by this policy.
func (self *DocumentCache) SyncElements(canvasId string, elements []*Element, source string) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, err := self.getOrCreate(canvasId)
	if err != nil {
		return nil, err
	}

	now := NowMillis()
	for _, incoming := range elements {
		if incoming.Id == "" {
			incoming.Id = NewId().String()
		}
		element := incoming.Clone()
		// caller-supplied provenance is stripped, the server's substituted
		element.Source = source
		element.UpdatedAt = now
		if element.CreatedAt == 0 {
			element.CreatedAt = now
		}
		if element.Version == 0 {
			element.Version = 1
		}
		self.defaulter(element)

		if i := document.syncIndex(element.Id); 0 <= i {
			document.Elements[i] = element
		} else {
			if self.settings.MaxElementsPerCanvas <= len(document.Elements) {
				return nil, NewElementLimitExceededError(self.settings.MaxElementsPerCanvas)
			}
			document.Elements = append(document.Elements, element)
		}
	}
	activeIds := document.activeIds()
	for _, element := range document.Elements {
		self.sanitizer(element, activeIds)
	}

	document.touch()
	self.persist(document)

	glog.V(2).Infof("[cache]sync %s n=%d v%d\n", canvasId, len(elements), document.Version)
	return document.Clone(), nil
}

// CachedIds returns the ids currently resident in the cache
func (self *DocumentCache) CachedIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.documents)
}

// persist schedules an asynchronous debounced save of a snapshot of the
// document. mutation success never waits for durability; callers that need
// the guarantee use `Flush`.
func (self *DocumentCache) persist(document *Document) {
	self.store.Save(document.Clone())
}

// Flush forces all pending durable writes to complete. shutdown hook.
func (self *DocumentCache) Flush() error {
	return self.store.FlushAll()
}
