package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

const readinessTimeout = 2 * time.Second

type memoryStats struct {
	AllocBytes     uint64 `json:"allocBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	HeapInuseBytes uint64 `json:"heapInuseBytes"`
	NumGC          uint32 `json:"numGC"`
}

type healthResponse struct {
	Status         string      `json:"status"`
	UptimeSeconds  float64     `json:"uptimeSeconds"`
	ActiveSessions int         `json:"activeSessions"`
	Memory         memoryStats `json:"memory"`
	Goroutines     int         `json:"goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	active := 0
	if s.deps.Sessions != nil {
		active = s.deps.Sessions.ActiveCount()
	}
	respondJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		UptimeSeconds:  time.Since(s.startedAt).Round(time.Millisecond).Seconds(),
		ActiveSessions: active,
		Memory: memoryStats{
			AllocBytes:     ms.Alloc,
			SysBytes:       ms.Sys,
			HeapInuseBytes: ms.HeapInuse,
			NumGC:          ms.NumGC,
		},
		Goroutines: runtime.NumGoroutine(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Ready))
	status, code := "ready", http.StatusOK
	for _, c := range s.deps.Ready {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			s.log.Warn("readiness check failed", "check", c.Name, "error", err)
			continue
		}
		checks[c.Name] = "ok"
	}
	respondJSON(w, code, map[string]any{"status": status, "checks": checks})
}
