package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/whallysson/excalidraw-mcp/canvas"
)

const CanvasCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Canvas sync server control.

Environment knobs (all optional):
    CANVAS_CACHE_CAPACITY         max documents held in memory (default 100)
    CANVAS_MAX_ELEMENTS           per-document element ceiling (default 10000)
    CANVAS_MAX_CONNECTIONS        websocket connection ceiling (default 1000)
    CANVAS_SAVE_THROTTLE_MS       debounced save interval (default 1000)
    CANVAS_INACTIVITY_TIMEOUT_MS  connection inactivity timeout (default 300000)
    CANVAS_HTTP_RATE_LIMIT        http requests per window (default 100)
    CANVAS_WS_RATE_LIMIT          ws messages per window (default 50)
    CANVAS_RATE_WINDOW_MS         admission window size (default 60000)

Usage:
    canvasctl serve [--listen=<addr>] [--data_dir=<dir>]
    canvasctl list [--data_dir=<dir>]
    canvasctl export <canvas_id> [--data_dir=<dir>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --listen=<addr>      Listen address [default: :3100].
    --data_dir=<dir>     Snapshot directory [default: ./data].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		export(opts)
	}
}

func serve(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr, _ := opts.String("--listen")
	dataDir, _ := opts.String("--data_dir")

	storeSettings := canvas.DefaultDurableStoreSettings()
	storeSettings.SaveThrottle = envDuration("CANVAS_SAVE_THROTTLE_MS", storeSettings.SaveThrottle)

	store, err := canvas.NewDurableStore(ctx, dataDir, storeSettings)
	if err != nil {
		Err.Fatalf("store: %s", err)
	}

	cacheSettings := canvas.DefaultDocumentCacheSettings()
	cacheSettings.Capacity = envInt("CANVAS_CACHE_CAPACITY", cacheSettings.Capacity)
	cacheSettings.MaxElementsPerCanvas = envInt("CANVAS_MAX_ELEMENTS", cacheSettings.MaxElementsPerCanvas)
	cache := canvas.NewDocumentCache(
		store,
		canvas.DefaultElementDefaulter,
		canvas.DefaultBindingSanitizer,
		cacheSettings,
	)

	hubSettings := canvas.DefaultBroadcastHubSettings()
	hubSettings.MaxConnections = envInt("CANVAS_MAX_CONNECTIONS", hubSettings.MaxConnections)
	hubSettings.InactivityTimeout = envDuration("CANVAS_INACTIVITY_TIMEOUT_MS", hubSettings.InactivityTimeout)
	hub := canvas.NewBroadcastHub(ctx, hubSettings)
	defer hub.Close()

	httpAdmissionSettings := canvas.DefaultHttpAdmissionSettings()
	httpAdmissionSettings.Ceiling = envInt("CANVAS_HTTP_RATE_LIMIT", httpAdmissionSettings.Ceiling)
	httpAdmissionSettings.Window = envDuration("CANVAS_RATE_WINDOW_MS", httpAdmissionSettings.Window)
	httpAdmission := canvas.NewAdmissionControl(ctx, httpAdmissionSettings)
	defer httpAdmission.Close()

	wsAdmissionSettings := canvas.DefaultWsAdmissionSettings()
	wsAdmissionSettings.Ceiling = envInt("CANVAS_WS_RATE_LIMIT", wsAdmissionSettings.Ceiling)
	wsAdmissionSettings.Window = envDuration("CANVAS_RATE_WINDOW_MS", wsAdmissionSettings.Window)
	wsAdmission := canvas.NewAdmissionControl(ctx, wsAdmissionSettings)
	defer wsAdmission.Close()

	serverSettings := canvas.DefaultCanvasServerSettings()
	serverSettings.ListenAddr = listenAddr
	server := canvas.NewCanvasServer(ctx, cache, hub, httpAdmission, wsAdmission, serverSettings)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		Out.Printf("shutting down")
		server.Close()
	}()

	if err := server.ListenAndServe(); err != nil {
		Err.Fatalf("serve: %s", err)
	}

	// flush pending durable writes before exit
	if err := cache.Flush(); err != nil {
		Err.Printf("flush: %s", err)
	}
	store.Close()
}

func list(opts docopt.Opts) {
	dataDir, _ := opts.String("--data_dir")
	store, err := canvas.NewDurableStoreWithDefaults(context.Background(), dataDir)
	if err != nil {
		Err.Fatalf("store: %s", err)
	}
	canvasIds, err := store.ListIds()
	if err != nil {
		Err.Fatalf("list: %s", err)
	}
	for _, canvasId := range canvasIds {
		Out.Printf("%s", canvasId)
	}
}

func export(opts docopt.Opts) {
	dataDir, _ := opts.String("--data_dir")
	canvasId, _ := opts.String("<canvas_id>")
	store, err := canvas.NewDurableStoreWithDefaults(context.Background(), dataDir)
	if err != nil {
		Err.Fatalf("store: %s", err)
	}
	document, err := store.Load(canvasId)
	if err != nil {
		Err.Fatalf("load: %s", err)
	}
	if document == nil {
		Err.Fatalf("no snapshot for %s", canvasId)
	}
	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		Err.Fatalf("encode: %s", err)
	}
	Out.Printf("%s", data)
}

func envInt(name string, defaultValue int) int {
	if value := os.Getenv(name); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		Err.Printf("ignoring bad %s=%s", name, value)
	}
	return defaultValue
}

func envDuration(name string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(name); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
		Err.Printf("ignoring bad %s=%s", name, value)
	}
	return defaultValue
}
