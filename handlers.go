package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/worldlock/anchor"
	"github.com/kwv/worldlock/mesh"
)

const (
	commandTimeout = 5 * time.Second
	maxCommandBody = 64 << 10
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(session *anchor.Session) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		snap := session.Snapshot()
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Tracking  bool      `json:"tracking"`
			Loading   bool      `json:"loading"`
			Pins      int       `json:"pins"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Tracking:  snap.Tracking,
			Loading:   snap.Loading,
			Pins:      len(snap.Pins),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /pose", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, session.Snapshot())
	})

	mux.HandleFunc("GET /pins", func(w http.ResponseWriter, r *http.Request) {
		pins := session.Snapshot().Pins
		if pins == nil {
			pins = []anchor.PinStatus{}
		}
		writeJSON(w, http.StatusOK, struct {
			Pins []anchor.PinStatus `json:"pins"`
		}{pins})
	})

	// POST /pins adds a pin; the body carries name, virtual and locked
	mux.HandleFunc("POST /pins", func(w http.ResponseWriter, r *http.Request) {
		var cmd anchor.Command
		err := json.NewDecoder(io.LimitReader(r.Body, maxCommandBody)).Decode(&cmd)
		if err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, fmt.Sprintf("invalid pin: %v", err), http.StatusBadRequest)
			return
		}
		cmd.Kind = anchor.CmdAddPin
		if err := cmd.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		submit(w, r, session, cmd)
	})

	mux.HandleFunc("DELETE /pins/{name}", func(w http.ResponseWriter, r *http.Request) {
		submit(w, r, session, anchor.Command{Kind: anchor.CmdRemovePin, Name: r.PathValue("name")})
	})

	mux.HandleFunc("DELETE /pins", func(w http.ResponseWriter, r *http.Request) {
		submit(w, r, session, anchor.Command{Kind: anchor.CmdClearPins})
	})

	// Same payloads as the MQTT command topic
	mux.HandleFunc("POST /command", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		cmd, err := anchor.ParseCommand(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		submit(w, r, session, cmd)
	})

	mux.HandleFunc("GET /mesh.geojson", func(w http.ResponseWriter, r *http.Request) {
		tri, labels, _, err := activeMesh(session)
		if err != nil {
			http.Error(w, "No pins available", http.StatusServiceUnavailable)
			return
		}
		fc := mesh.MeshToFeatureCollection(tri, mesh.MeshLabels{Names: labels})
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("Error encoding mesh GeoJSON: %v", err)
		}
	})

	mux.HandleFunc("GET /mesh.svg", func(w http.ResponseWriter, r *http.Request) {
		serveMeshImage(w, session, "image/svg+xml", (*mesh.MeshRenderer).RenderToSVG)
	})

	mux.HandleFunc("GET /mesh.png", func(w http.ResponseWriter, r *http.Request) {
		serveMeshImage(w, session, "image/png", (*mesh.MeshRenderer).RenderToPNG)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// submit runs cmd on the session goroutine and writes its result
func submit(w http.ResponseWriter, r *http.Request, session *anchor.Session, cmd anchor.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	res, err := session.Submit(ctx, cmd)
	switch {
	case errors.Is(err, anchor.ErrSessionStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, "session busy", http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	code := http.StatusOK
	if !res.OK {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

// activeMesh triangulates the active pins; the viewer is the locked head
// while tracking
func activeMesh(session *anchor.Session) (*mesh.Triangulator, []string, *mesh.Pose, error) {
	snap := session.Snapshot()
	tri, labels := anchor.BuildPinMesh(snap.Pins, true)
	var viewer *mesh.Pose
	if snap.Tracking {
		head := snap.LockedHead
		viewer = &head
	}
	if len(labels) == 0 && viewer == nil {
		return nil, nil, nil, mesh.ErrNothingToRender
	}
	return tri, labels, viewer, nil
}

func serveMeshImage(w http.ResponseWriter, session *anchor.Session, contentType string, render func(*mesh.MeshRenderer, io.Writer) error) {
	tri, labels, viewer, err := activeMesh(session)
	if err != nil {
		http.Error(w, "No pins available", http.StatusServiceUnavailable)
		return
	}
	renderer := mesh.NewMeshRenderer(tri, labels)
	renderer.Viewer = viewer

	// Render fully before writing so failures can still set the status
	var buf bytes.Buffer
	if err := render(renderer, &buf); err != nil {
		if errors.Is(err, mesh.ErrNothingToRender) {
			http.Error(w, "No pins available", http.StatusServiceUnavailable)
			return
		}
		log.Printf("Error rendering mesh (%s): %v", contentType, err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("Error writing mesh (%s): %v", contentType, err)
	}
}
