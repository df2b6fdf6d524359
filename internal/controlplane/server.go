// Package controlplane serves operational endpoints next to the chat API.
package controlplane

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
)

// ActivityFunc reports how many answers are streaming right now.
type ActivityFunc func() int64

type Server struct {
	startTime time.Time
	active    ActivityFunc
}

func NewServer(active ActivityFunc) *Server {
	if active == nil {
		active = func() int64 { return 0 }
	}
	return &Server{
		startTime: time.Now(),
		active:    active,
	}
}

// Mount registers the operational routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
}

type StatsResponse struct {
	Uptime        string      `json:"uptime"`
	GoVersion     string      `json:"go_version"`
	NumGoroutine  int         `json:"num_goroutine"`
	ActiveAnswers int64       `json:"active_answers"`
	Memory        MemoryStats `json:"memory"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:     runtime.Version(),
		NumGoroutine:  runtime.NumGoroutine(),
		ActiveAnswers: s.active(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
