//go:build ignore

// Mock Orthanc upstream for trying isogate locally. It answers with
// conflicting isolation headers so the rewrite is visible.
// Run with: go run scripts/mock-orthanc.go -port 18997
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/isogate/internal/logging"
)

func main() {
	port := flag.Int("port", 18997, "Port to listen on")
	name := flag.String("name", "orthanc", "Upstream name")
	flag.Parse()

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cross-Origin-Opener-Policy", "unsafe-none")
		json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /system", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"Name": *name, "Version": "mock"})
	})

	mux.HandleFunc("GET /instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if n, err := strconv.Atoi(id); err == nil {
			writeJSON(w, map[string]int{"id": n})
			return
		}
		writeJSON(w, map[string]string{"id": id})
	})

	mux.HandleFunc("GET /dicom-web/studies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dicom+json")
		w.Write([]byte("[]"))
	})

	// Echo endpoint - returns request info
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		headers := make(map[string]string)
		for k, v := range r.Header {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}
		writeJSON(w, map[string]interface{}{
			"upstream":  *name,
			"path":      r.URL.Path,
			"method":    r.Method,
			"query":     r.URL.RawQuery,
			"host":      r.Host,
			"timestamp": time.Now().Format(time.RFC3339),
			"headers":   headers,
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	logging.Info("Mock upstream starting", zap.String("name", *name), zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("Mock upstream stopped", zap.Error(err))
	}
}
