// Package monitoring serves the health and Prometheus endpoints for a
// running inference process.
package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BurgessTheGamer/Llamux-sub000/internal/logger"
)

// ModelInfo describes the loaded model for the status payload.
type ModelInfo struct {
	Path          string `json:"path"`
	Layers        int    `json:"layers"`
	Heads         int    `json:"heads"`
	ContextLength int    `json:"context_length"`
	VocabSize     int    `json:"vocab_size"`
}

// HealthStatus is the JSON body of /healthz.
type HealthStatus struct {
	Status        string     `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	GoVersion     string     `json:"go_version"`
	NumCPU        int        `json:"num_cpu"`
	HeapAllocMB   float64    `json:"heap_alloc_mb"`
	Model         *ModelInfo `json:"model,omitempty"`
	LastInference time.Time  `json:"last_inference,omitempty"`
}

// Server exposes /healthz, /status and /metrics on one address.
type Server struct {
	start time.Time
	srv   *http.Server

	mu            sync.RWMutex
	model         *ModelInfo
	lastInference time.Time
}

func NewServer() *Server {
	return &Server{start: time.Now()}
}

// SetModel records the loaded model shown in the status payload.
func (s *Server) SetModel(info ModelInfo) {
	s.mu.Lock()
	s.model = &info
	s.mu.Unlock()
}

// RecordInference timestamps the latest completed generation.
func (s *Server) RecordInference() {
	s.mu.Lock()
	s.lastInference = time.Now()
	s.mu.Unlock()
}

// Start serves until the listener fails. It blocks; callers run it in a
// goroutine.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("monitoring server listening", "addr", addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.RLock()
	status := HealthStatus{
		Status:        "ok",
		Timestamp:     time.Now(),
		UptimeSeconds: time.Since(s.start).Seconds(),
		GoVersion:     runtime.Version(),
		NumCPU:        runtime.NumCPU(),
		HeapAllocMB:   float64(mem.HeapAlloc) / (1 << 20),
		Model:         s.model,
		LastInference: s.lastInference,
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logger.Log.Error("health encode failed", "error", err)
	}
}
