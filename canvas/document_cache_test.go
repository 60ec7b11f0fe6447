package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestCache(t *testing.T, settings *DocumentCacheSettings) (*DocumentCache, *DurableStore) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	storeSettings := &DurableStoreSettings{
		SaveThrottle: 50 * time.Millisecond,
	}
	store, err := NewDurableStore(ctx, t.TempDir(), storeSettings)
	assert.Equal(t, err, nil)

	cache := NewDocumentCache(store, DefaultElementDefaulter, DefaultBindingSanitizer, settings)
	return cache, store
}

func TestElementLifecycle(t *testing.T) {
	cache, _ := newTestCache(t, DefaultDocumentCacheSettings())

	element, err := cache.CreateElement(DefaultCanvasId, ElementPatch{
		"type":   "rectangle",
		"x":      100.0,
		"y":      100.0,
		"width":  200.0,
		"height": 150.0,
	}, "agent")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, element.Id, "")
	assert.Equal(t, element.Type, ElementTypeRectangle)
	assert.Equal(t, element.Version, int64(1))
	assert.Equal(t, element.IsDeleted, false)
	assert.Equal(t, element.Source, "agent")
	// presentation defaults are stamped
	assert.Equal(t, element.StrokeColor, "#1e1e1e")
	assert.Equal(t, element.Opacity, 100.0)

	// the update merges over the existing element and the id is retained
	// even when the payload names another one
	updated, err := cache.UpdateElement(DefaultCanvasId, element.Id, ElementPatch{
		"id": "attacker-chosen",
		"x":  150.0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Id, element.Id)
	assert.Equal(t, updated.Version, int64(2))
	assert.Equal(t, updated.X, 150.0)
	assert.Equal(t, updated.Width, 200.0)

	deletedId, err := cache.DeleteElement(DefaultCanvasId, element.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, deletedId, element.Id)

	assert.Equal(t, len(cache.GetActiveElements(DefaultCanvasId)), 0)
	assert.Equal(t, cache.GetElementByID(DefaultCanvasId, element.Id), (*Element)(nil))

	// the tombstone stays in the full element set
	document, err := cache.GetOrCreate(DefaultCanvasId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(document.Elements), 1)
	assert.Equal(t, document.Elements[0].IsDeleted, true)

	// a second delete reports not found, the element is no longer active
	_, err = cache.DeleteElement(DefaultCanvasId, element.Id)
	assert.Equal(t, AsResultError(err).Code, ErrorCodeElementNotFound)
}

func TestLockedElement(t *testing.T) {
	cache, _ := newTestCache(t, DefaultDocumentCacheSettings())

	element, err := cache.CreateElement(DefaultCanvasId, ElementPatch{
		"type":   "text",
		"text":   "hold still",
		"locked": true,
	}, "agent")
	assert.Equal(t, err, nil)
	assert.Equal(t, element.Locked, true)

	_, err = cache.UpdateElement(DefaultCanvasId, element.Id, ElementPatch{"x": 10.0})
	assert.Equal(t, AsResultError(err).Code, ErrorCodeElementLocked)

	_, err = cache.DeleteElement(DefaultCanvasId, element.Id)
	assert.Equal(t, AsResultError(err).Code, ErrorCodeElementLocked)

	// unlocking is a plain update of the locked field, not subject to the
	// lock check
	unlocked, err := cache.UpdateElement(DefaultCanvasId, element.Id, ElementPatch{"locked": false})
	assert.Equal(t, err, nil)
	assert.Equal(t, unlocked.Locked, false)

	moved, err := cache.UpdateElement(DefaultCanvasId, element.Id, ElementPatch{"x": 10.0})
	assert.Equal(t, err, nil)
	assert.Equal(t, moved.X, 10.0)

	_, err = cache.DeleteElement(DefaultCanvasId, element.Id)
	assert.Equal(t, err, nil)
}

func TestElementLimit(t *testing.T) {
	cache, _ := newTestCache(t, &DocumentCacheSettings{
		Capacity:             10,
		MaxElementsPerCanvas: 3,
	})

	var lastId string
	for i := 0; i < 3; i += 1 {
		element, err := cache.CreateElement(DefaultCanvasId, ElementPatch{"type": "ellipse"}, "agent")
		assert.Equal(t, err, nil)
		lastId = element.Id
	}

	_, err := cache.CreateElement(DefaultCanvasId, ElementPatch{"type": "ellipse"}, "agent")
	assert.Equal(t, AsResultError(err).Code, ErrorCodeElementLimitExceeded)

	// soft deleted tombstones still count toward the ceiling
	_, err = cache.DeleteElement(DefaultCanvasId, lastId)
	assert.Equal(t, err, nil)
	_, err = cache.CreateElement(DefaultCanvasId, ElementPatch{"type": "ellipse"}, "agent")
	assert.Equal(t, AsResultError(err).Code, ErrorCodeElementLimitExceeded)
}

func TestCacheIdentityAndCapacity(t *testing.T) {
	cache, _ := newTestCache(t, &DocumentCacheSettings{
		Capacity:             2,
		MaxElementsPerCanvas: 100,
	})

	a1, err := cache.GetOrCreate("a")
	assert.Equal(t, err, nil)
	a2, err := cache.GetOrCreate("a")
	assert.Equal(t, err, nil)
	if a1 != a2 {
		t.Fatal("expected the identical cached instance")
	}

	for i := 0; i < 10; i += 1 {
		_, err := cache.GetOrCreate(fmt.Sprintf("doc-%d", i))
		assert.Equal(t, err, nil)
		if 2 < len(cache.CachedIds()) {
			t.Fatalf("cache exceeded capacity: %d", len(cache.CachedIds()))
		}
	}
}

func TestEvictedDocumentReloads(t *testing.T) {
	cache, _ := newTestCache(t, &DocumentCacheSettings{
		Capacity:             1,
		MaxElementsPerCanvas: 100,
	})

	element, err := cache.CreateElement("a", ElementPatch{"type": "diamond"}, "agent")
	assert.Equal(t, err, nil)
	// make the mutation durable before forcing eviction
	assert.Equal(t, cache.Flush(), nil)

	_, err = cache.GetOrCreate("b")
	assert.Equal(t, err, nil)

	// "a" was evicted. a cache-only read sees nothing, a get_or_create
	// reloads the snapshot transparently
	assert.Equal(t, len(cache.GetActiveElements("a")), 0)

	document, err := cache.GetOrCreate("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(document.Elements), 1)
	assert.Equal(t, document.Elements[0].Id, element.Id)
}

func TestClear(t *testing.T) {
	cache, _ := newTestCache(t, DefaultDocumentCacheSettings())

	for i := 0; i < 3; i += 1 {
		_, err := cache.CreateElement(DefaultCanvasId, ElementPatch{"type": "line"}, "agent")
		assert.Equal(t, err, nil)
	}
	documentBefore, _ := cache.GetOrCreate(DefaultCanvasId)
	versionBefore := documentBefore.Version

	cleared, err := cache.Clear(DefaultCanvasId)
	assert.Equal(t, err, nil)
	assert.Equal(t, cleared, 3)
	assert.Equal(t, len(cache.GetActiveElements(DefaultCanvasId)), 0)

	document, _ := cache.GetOrCreate(DefaultCanvasId)
	assert.Equal(t, len(document.Elements), 3)
	if document.Version <= versionBefore {
		t.Fatalf("document version did not increase: %d <= %d", document.Version, versionBefore)
	}

	// clearing an already empty canvas clears nothing
	cleared, err = cache.Clear(DefaultCanvasId)
	assert.Equal(t, err, nil)
	assert.Equal(t, cleared, 0)
}

func TestSyncElementsLastWriteWins(t *testing.T) {
	cache, _ := newTestCache(t, DefaultDocumentCacheSettings())

	element, err := cache.CreateElement(DefaultCanvasId, ElementPatch{
		"type": "rectangle",
		"x":    1.0,
	}, "agent")
	assert.Equal(t, err, nil)

	pushed := []*Element{
		{Id: element.Id, Type: ElementTypeRectangle, X: 99, Source: "spoofed"},
		{Type: ElementTypeText, Text: "new"},
	}
	document, err := cache.SyncElements(DefaultCanvasId, pushed, SourceServer)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(document.Elements), 2)

	merged := cache.GetElementByID(DefaultCanvasId, element.Id)
	assert.Equal(t, merged.X, 99.0)
	// caller-supplied provenance is stripped and replaced
	assert.Equal(t, merged.Source, SourceServer)

	active := cache.GetActiveElements(DefaultCanvasId)
	assert.Equal(t, len(active), 2)
	assert.NotEqual(t, active[1].Id, "")
}

func TestCacheOnlyReadsDoNotLoad(t *testing.T) {
	cache, store := newTestCache(t, DefaultDocumentCacheSettings())

	_, err := cache.CreateElement("cold", ElementPatch{"type": "draw"}, "agent")
	assert.Equal(t, err, nil)
	assert.Equal(t, cache.Flush(), nil)
	assert.Equal(t, store.Exists("cold"), true)

	freshCache := NewDocumentCacheWithDefaults(store)

	assert.Equal(t, len(freshCache.GetActiveElements("cold")), 0)
	assert.Equal(t, freshCache.GetElementByID("cold", "anything"), (*Element)(nil))
}

// snapshots must be serializable while other observers keep mutating the
// same document. run with -race.
func TestSnapshotDuringConcurrentMutations(t *testing.T) {
	cache, _ := newTestCache(t, DefaultDocumentCacheSettings())

	var wg sync.WaitGroup
	wg.Add(1)
	writeErrs := make(chan error, 1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i += 1 {
			_, err := cache.CreateElement(DefaultCanvasId, ElementPatch{
				"type": "rectangle",
				"x":    float64(i),
			}, "agent")
			if err != nil {
				select {
				case writeErrs <- err:
				default:
				}
				return
			}
		}
	}()

	for i := 0; i < 200; i += 1 {
		document, err := cache.Snapshot(DefaultCanvasId)
		assert.Equal(t, err, nil)
		if _, err := json.Marshal(document); err != nil {
			t.Fatalf("snapshot marshal error = %s", err)
		}
	}
	wg.Wait()
	select {
	case err := <-writeErrs:
		t.Fatalf("create error = %s", err)
	default:
	}

	document, err := cache.Snapshot(DefaultCanvasId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(document.Elements), 200)
}

func TestReturnedElementsAreDetached(t *testing.T) {
	cache, _ := newTestCache(t, DefaultDocumentCacheSettings())

	created, err := cache.CreateElement(DefaultCanvasId, ElementPatch{
		"type": "text",
		"text": "original",
	}, "agent")
	assert.Equal(t, err, nil)

	// writing to the returned element must not reach the cached state
	created.Text = "scribbled"
	created.IsDeleted = true

	cached := cache.GetElementByID(DefaultCanvasId, created.Id)
	assert.Equal(t, cached.Text, "original")
	assert.Equal(t, cached.IsDeleted, false)

	// and reads hand out independent copies too
	cached.X = 777
	assert.Equal(t, cache.GetElementByID(DefaultCanvasId, created.Id).X, 0.0)
}

func TestSyncElementsAfterIdReuse(t *testing.T) {
	cache, _ := newTestCache(t, DefaultDocumentCacheSettings())

	// create, delete, then recreate the same id. the document now holds a
	// tombstone and an active element sharing the id.
	_, err := cache.CreateElement(DefaultCanvasId, ElementPatch{"id": "x", "type": "rectangle"}, "agent")
	assert.Equal(t, err, nil)
	_, err = cache.DeleteElement(DefaultCanvasId, "x")
	assert.Equal(t, err, nil)
	_, err = cache.CreateElement(DefaultCanvasId, ElementPatch{"id": "x", "type": "rectangle"}, "agent")
	assert.Equal(t, err, nil)

	// a pushed set naming the id must converge onto the active copy, never
	// resurrect the tombstone into a second active element
	document, err := cache.SyncElements(DefaultCanvasId, []*Element{
		{Id: "x", Type: ElementTypeRectangle, X: 42},
	}, SourceServer)
	assert.Equal(t, err, nil)

	activeCount := 0
	for _, element := range document.Elements {
		if element.Id == "x" && !element.IsDeleted {
			activeCount += 1
		}
	}
	assert.Equal(t, activeCount, 1)
	assert.Equal(t, cache.GetElementByID(DefaultCanvasId, "x").X, 42.0)
	assert.Equal(t, len(cache.GetActiveElements(DefaultCanvasId)), 1)
}
