// Package adminserver exposes the proxy's private metrics and health
// surface described in spec.md §4.6, built on gin-gonic the way
// jroosing-HydraDNS's management API is.
package adminserver

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/demeter-run/cardano-node-proxy/internal/registry"
)

// Server is the admin HTTP surface: /metrics, /healthz, /status. No
// authentication, per spec.md §4.6 ("expected to be reachable only on a
// private address").
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	startTime  time.Time
}

// statusResponse is the JSON body for /status.
type statusResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Consumers     int     `json:"consumers"`
	Tiers         int     `json:"tiers"`
	NumCPU        int     `json:"num_cpu"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	MemPercent    float64 `json:"mem_percent"`
}

// New builds a Server bound to addr, scraping reg for /status and the
// Prometheus registry promReg for /metrics.
func New(addr string, promReg *prometheus.Registry, reg *registry.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, startTime: time.Now()}

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status(reg))
	})

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) status(reg *registry.Registry) statusResponse {
	resp := statusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Consumers:     reg.ConsumerCount(),
		Tiers:         reg.TierCount(),
		NumCPU:        runtime.NumCPU(),
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedMB = float64(vmStat.Used) / 1024 / 1024
		resp.MemPercent = vmStat.UsedPercent
	}
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	}
	return resp
}

// ListenAndServe runs the server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
