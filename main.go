package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line
type AppOptions struct {
	ConfigFile    string
	StoreDriver   string
	StorePath     string
	OutputFile    string
	GridSpacing   float64
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
	ListPins      bool
	RenderOnly    bool
	ExportGeoJSON bool
}

// Runner is the set of entry points main dispatches to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunListPins()
	RunRender()
	RunExportGeoJSON()
	RunService()
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
}

// run parses args and calls the matching entry point on app
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("worldlock", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.StoreDriver, "store-driver", "", "Override store.driver: json or sqlite")
	fs.StringVar(&opts.StorePath, "store-path", "", "Override store.path")
	fs.BoolVar(&opts.ListPins, "list-pins", false, "Print the stored pins and exit")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render the stored pin mesh and exit (svg or png by --output extension)")
	fs.BoolVar(&opts.ExportGeoJSON, "export-geojson", false, "Write the stored pin mesh as GeoJSON and exit")
	fs.StringVar(&opts.OutputFile, "output", "pins.svg", "Output file for --render and --export-geojson")
	fs.Float64Var(&opts.GridSpacing, "grid-spacing", 1.0, "Grid line spacing in meters for --render (0 disables)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run the world-lock service over MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable the HTTP status server")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "worldlock version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ListPins:
		app.RunListPins()
	case opts.RenderOnly:
		app.RunRender()
	case opts.ExportGeoJSON:
		app.RunExportGeoJSON()
	case opts.MqttMode || opts.HttpMode:
		app.RunService()
	default:
		fmt.Fprintln(out, "Use --mqtt to run the world-lock service")
		fmt.Fprintln(out, "Use --http (with or without --mqtt) to serve status, pins and mesh images")
		fmt.Fprintln(out, "Use --list-pins to print stored pins")
		fmt.Fprintln(out, "Use --render --output pins.png to draw the stored pin mesh")
		fmt.Fprintln(out, "Use --export-geojson --output pins.geojson to export it")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - MQTT, store and world-lock settings")
	}
	return nil
}
