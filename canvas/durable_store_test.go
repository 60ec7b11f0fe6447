package canvas

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestStore(t *testing.T, saveThrottle time.Duration) (*DurableStore, string) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	store, err := NewDurableStore(ctx, dir, &DurableStoreSettings{
		SaveThrottle: saveThrottle,
	})
	assert.Equal(t, err, nil)
	return store, dir
}

func countFiles(t *testing.T, dir string, suffix string) int {
	entries, err := os.ReadDir(dir)
	assert.Equal(t, err, nil)
	n := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), suffix) {
			n += 1
		}
	}
	return n
}

func TestSaveDebounce(t *testing.T) {
	store, dir := newTestStore(t, 200*time.Millisecond)

	waiters := []<-chan error{}
	for version := int64(1); version <= 5; version += 1 {
		document := NewDocument("debounced")
		document.Version = version
		waiters = append(waiters, store.Save(document))
	}

	// nothing is visible before the scheduled write fires
	assert.Equal(t, store.Exists("debounced"), false)

	// all waiters of the cycle resolve together
	for _, waiter := range waiters {
		assert.Equal(t, <-waiter, nil)
	}

	// one physical write, reflecting the payload of the last issued save
	loaded, err := store.Load("debounced")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Version, int64(5))
	assert.Equal(t, countFiles(t, dir, ".json"), 1)
	assert.Equal(t, countFiles(t, dir, ".tmp"), 0)
}

func TestSaveAfterWriteReschedules(t *testing.T) {
	store, _ := newTestStore(t, 50*time.Millisecond)

	first := NewDocument("rescheduled")
	first.Version = 1
	assert.Equal(t, <-store.Save(first), nil)

	second := NewDocument("rescheduled")
	second.Version = 2
	assert.Equal(t, <-store.Save(second), nil)

	loaded, err := store.Load("rescheduled")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Version, int64(2))
}

func TestLoadNotFound(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Millisecond)

	document, err := store.Load("missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, document, (*Document)(nil))
	assert.Equal(t, store.Exists("missing"), false)
}

func TestDeleteIsNoopWhenMissing(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Millisecond)

	assert.Equal(t, store.Delete("missing"), nil)

	document := NewDocument("kept")
	assert.Equal(t, <-store.Save(document), nil)
	assert.Equal(t, store.Exists("kept"), true)
	assert.Equal(t, store.Delete("kept"), nil)
	assert.Equal(t, store.Exists("kept"), false)
}

func TestListIds(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Millisecond)

	for _, canvasId := range []string{"alpha", "beta"} {
		<-store.Save(NewDocument(canvasId))
	}

	canvasIds, err := store.ListIds()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(canvasIds), 2)
}

func TestSanitizedPaths(t *testing.T) {
	store, dir := newTestStore(t, 10*time.Millisecond)

	document := NewDocument("../../etc/passwd")
	assert.Equal(t, <-store.Save(document), nil)

	// the snapshot lands inside the store directory under the sanitized name
	_, err := os.Stat(filepath.Join(dir, "etcpasswd.json"))
	assert.Equal(t, err, nil)
	assert.Equal(t, store.Exists("../../etc/passwd"), true)

	loaded, err := store.Load("../../etc/passwd")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Id, "../../etc/passwd")
}

func TestWriteFailureKeepsLastSnapshot(t *testing.T) {
	store, dir := newTestStore(t, 10*time.Millisecond)

	good := NewDocument("fragile")
	good.Version = 7
	assert.Equal(t, <-store.Save(good), nil)

	// NaN cannot be serialized, so the write of this cycle fails and every
	// waiter observes the failure
	bad := NewDocument("fragile")
	bad.AppState = map[string]any{"zoom": math.NaN()}
	err := <-store.Save(bad)
	assert.NotEqual(t, err, nil)

	// the previously persisted snapshot is untouched and no temp file remains
	loaded, err := store.Load("fragile")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Version, int64(7))
	assert.Equal(t, countFiles(t, dir, ".tmp"), 0)
}

// a save issued while the previous write is still on disk i/o must persist
// after it, never race it for the same file
func TestSaveDuringWriteChainsNextCycle(t *testing.T) {
	store, dir := newTestStore(t, 50*time.Millisecond)

	assert.Equal(t, <-store.Save(NewDocument("chained")), nil)
	// let the throttle fully elapse so the next save fires without delay
	time.Sleep(100 * time.Millisecond)

	// a bulky payload keeps its write on disk long enough for the next saves
	// to land mid-write
	bulky := NewDocument("chained")
	bulky.Version = 2
	for i := 0; i < 50000; i += 1 {
		bulky.Elements = append(bulky.Elements, &Element{
			Id:   NewId().String(),
			Type: ElementTypeRectangle,
			Text: strings.Repeat("x", 64),
		})
	}
	bulkyWaiter := store.Save(bulky)

	waiters := []<-chan error{}
	for version := int64(3); version <= 20; version += 1 {
		document := NewDocument("chained")
		document.Version = version
		waiters = append(waiters, store.Save(document))
	}

	assert.Equal(t, <-bulkyWaiter, nil)
	for _, waiter := range waiters {
		assert.Equal(t, <-waiter, nil)
	}

	// the last acknowledged payload is what ends up on disk
	loaded, err := store.Load("chained")
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Version, int64(20))
	assert.Equal(t, countFiles(t, dir, ".tmp"), 0)
}

func TestFlushAll(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	store.Save(NewDocument("one"))
	store.Save(NewDocument("two"))
	assert.Equal(t, store.Exists("one"), false)

	assert.Equal(t, store.FlushAll(), nil)
	assert.Equal(t, store.Exists("one"), true)
	assert.Equal(t, store.Exists("two"), true)
}
