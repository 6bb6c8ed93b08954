package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/worldlock/anchor"
	"github.com/kwv/worldlock/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *anchor.Config
	Store      anchor.PoseStore
	Engine     *anchor.LocalEngine
	Session    *anchor.Session
	MQTTClient *anchor.MQTTClient
	Publisher  *anchor.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	StoreDriver string
	StorePath   string
	OutputFile  string
	GridSpacing float64
	HttpPort    int
	MqttMode    bool
	HttpMode    bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.StoreDriver = opts.StoreDriver
	a.StorePath = opts.StorePath
	a.OutputFile = opts.OutputFile
	a.GridSpacing = opts.GridSpacing
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file and applies command line overrides.
// Without --mqtt a missing file falls back to the defaults.
func (a *App) loadConfig() (*anchor.Config, error) {
	cfg, err := anchor.LoadConfig(a.ConfigFile)
	if err != nil {
		if _, statErr := os.Stat(a.ConfigFile); a.MqttMode || !os.IsNotExist(statErr) {
			return nil, err
		}
		log.Printf("No config at %s, using defaults", a.ConfigFile)
		cfg = anchor.DefaultConfig()
	}

	if a.StoreDriver != "" && a.StoreDriver != cfg.Store.Driver {
		cfg.Store.Driver = a.StoreDriver
		cfg.Store.Path = ""
	}
	if a.StorePath != "" {
		cfg.Store.Path = a.StorePath
	}
	if a.HttpPort != 0 {
		cfg.HTTP.Port = a.HttpPort
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// openStore loads the config (once) and opens its pose store
func (a *App) openStore() error {
	if a.Config == nil {
		cfg, err := a.loadConfig()
		if err != nil {
			return err
		}
		a.Config = cfg
	}
	if a.Store != nil {
		return nil
	}

	if dir := filepath.Dir(a.Config.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}
	store, err := anchor.OpenPoseStore(a.Config.Store)
	if err != nil {
		return fmt.Errorf("opening %s store %s: %w", a.Config.Store.Driver, a.Config.Store.Path, err)
	}
	a.Store = store
	return nil
}

func (a *App) closeStore() {
	if c, ok := a.Store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}
	a.Store = nil
}

// storedPins reads every pin from the configured store
func (a *App) storedPins() ([]anchor.PinStatus, error) {
	if err := a.openStore(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	records, err := a.Store.LoadPoses(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading pins: %w", err)
	}
	return anchor.PinsFromRecords(records), nil
}

// RunListPins prints the stored pins
func (a *App) RunListPins() {
	defer a.closeStore()
	if err := a.listPins(os.Stdout); err != nil {
		log.Fatalf("Error listing pins: %v", err)
	}
}

func (a *App) listPins(w io.Writer) error {
	pins, err := a.storedPins()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Store: %s (%s)\n", a.Config.Store.Path, a.Config.Store.Driver)
	fmt.Fprintf(w, "Found %d pin(s)\n\n", len(pins))
	for _, p := range pins {
		v, l := p.Virtual.Position, p.Locked.Position
		fmt.Fprintf(w, "%-20s virtual (%.3f, %.3f, %.3f)  locked (%.3f, %.3f, %.3f)\n",
			p.Name, v.X, v.Y, v.Z, l.X, l.Y, l.Z)
	}
	return nil
}

// RunRender draws the stored pin mesh to OutputFile
func (a *App) RunRender() {
	defer a.closeStore()
	if err := a.render(); err != nil {
		log.Fatalf("Error rendering pins: %v", err)
	}
	fmt.Println("Done!")
}

func (a *App) render() error {
	pins, err := a.storedPins()
	if err != nil {
		return err
	}

	tri, labels := anchor.BuildPinMesh(pins, false)
	renderer := mesh.NewMeshRenderer(tri, labels)
	renderer.GridSpacing = a.GridSpacing

	f, err := os.Create(a.OutputFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(a.OutputFile)) {
	case ".png":
		err = renderer.RenderToPNG(f)
	case ".svg", "":
		err = renderer.RenderToSVG(f)
	default:
		return fmt.Errorf("unsupported output format %q (use .svg or .png)", filepath.Ext(a.OutputFile))
	}
	if err != nil {
		return err
	}
	fmt.Printf("Rendered %d pin(s) to %s\n", len(pins), a.OutputFile)
	return nil
}

// RunExportGeoJSON writes the stored pin mesh as a FeatureCollection
func (a *App) RunExportGeoJSON() {
	defer a.closeStore()
	if err := a.exportGeoJSON(); err != nil {
		log.Fatalf("Error exporting GeoJSON: %v", err)
	}
	fmt.Println("Done!")
}

func (a *App) exportGeoJSON() error {
	pins, err := a.storedPins()
	if err != nil {
		return err
	}

	tri, labels := anchor.BuildPinMesh(pins, false)
	fc := mesh.MeshToFeatureCollection(tri, mesh.MeshLabels{Names: labels})

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	fmt.Printf("Exported %d feature(s) to %s\n", len(fc.Features), a.OutputFile)
	return nil
}

// setupSession builds the engine and session over the configured store
func (a *App) setupSession() error {
	if err := a.openStore(); err != nil {
		return err
	}
	a.Engine = anchor.NewLocalEngine(anchor.EngineSettingsFromConfig(a.Config.WorldLock))
	a.Session = anchor.NewSession(a.Engine, a.Engine, a.Store, anchor.SessionOptionsFromConfig(a.Config.WorldLock))
	return nil
}

// connectMQTT subscribes the session to head samples and commands and
// routes adjustments, pins and refits to the publisher
func (a *App) connectMQTT() error {
	client, err := anchor.InitMQTT(a.Config, a.Session.Head(), a.Session)
	if err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("MQTT broker not configured in %s", a.ConfigFile)
	}
	a.MQTTClient = client
	a.wirePublisher(anchor.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix))
	return nil
}

func (a *App) wirePublisher(pub *anchor.Publisher) {
	a.Publisher = pub
	a.Session.SetSink(pub)
	a.Session.SetPinPublisher(pub)
	a.Session.Notifier().OnRefit(pub.RefitHandler())
}

// RunService runs the world-lock session until interrupted
func (a *App) RunService() {
	fmt.Println("Starting worldlock service...")

	if err := a.setupSession(); err != nil {
		log.Fatalf("Failed to start session: %v (config %s)", err, a.ConfigFile)
	}
	log.Printf("Pin store: %s (%s)", a.Config.Store.Path, a.Config.Store.Driver)

	if a.MqttMode {
		if err := a.connectMQTT(); err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		fmt.Println("MQTT adjustment publisher initialized")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Session.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[SESSION] exited: %v", err)
		}
	}()

	if a.HttpMode {
		httpServer := newHTTPServer(a.Session)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
			log.Printf("[HTTP] Server stopped unexpectedly")
		}()
	}

	a.printServiceInfo()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	cancel()
	<-done
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	a.closeStore()
	fmt.Println("Service stopped")
}

func (a *App) printServiceInfo() {
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		fmt.Printf("    - %s (head pose)\n", a.Config.MQTT.HeadTopic)
		fmt.Printf("    - %s (commands)\n", a.Config.MQTT.CommandTopic)
		fmt.Printf("  Adjustment: %s\n", a.Publisher.Topic("adjustment"))
		fmt.Printf("  Pins:       %s\n", a.Publisher.Topic("pins"))
		fmt.Printf("  Refits:     %s\n", a.Publisher.Topic("refit"))
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		fmt.Println("  GET  /health       - Health check")
		fmt.Println("  GET  /pose         - Latest session snapshot")
		fmt.Println("  GET  /pins         - Pins with locked and virtual poses")
		fmt.Println("  POST /command      - Submit a command")
		fmt.Println("  GET  /mesh.svg     - Active pin mesh (also .png, .geojson)")
		fmt.Println("  GET  /metrics      - Prometheus metrics")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}
