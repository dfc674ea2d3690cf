package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthProbeTimeout = 3 * time.Second

type dependencyStatus struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Health reports liveness plus dependency status. Any failing
// dependency degrades the response to 503 so load balancers stop
// routing new submissions here.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	deps := gin.H{}
	healthy := true

	dbStatus := s.probeDB(ctx)
	deps["db"] = dbStatus
	healthy = healthy && dbStatus.OK

	if s.redis != nil {
		redisStatus := s.probeRedis(ctx)
		deps["redis"] = redisStatus
		healthy = healthy && redisStatus.OK
	}

	erps := gin.H{}
	for _, system := range s.erp.Systems() {
		status := s.probeERP(ctx, system)
		erps[system] = status
		healthy = healthy && status.OK
	}
	if len(erps) > 0 {
		deps["erp"] = erps
	}

	code := http.StatusOK
	state := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(code, gin.H{"status": state, "dependencies": deps})
}

func (s *Server) probeDB(ctx context.Context) dependencyStatus {
	started := time.Now()
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	status := dependencyStatus{OK: err == nil, LatencyMs: time.Since(started).Milliseconds()}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

func (s *Server) probeRedis(ctx context.Context) dependencyStatus {
	started := time.Now()
	err := s.redis.Ping(ctx).Err()
	status := dependencyStatus{OK: err == nil, LatencyMs: time.Since(started).Milliseconds()}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

func (s *Server) probeERP(ctx context.Context, system string) dependencyStatus {
	conn, err := s.erp.TestConnection(ctx, system)
	if err != nil {
		return dependencyStatus{OK: false, Error: err.Error()}
	}
	return dependencyStatus{OK: conn.OK, LatencyMs: conn.LatencyMs}
}

func (s *Server) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        s.cfg.AppName,
		"version":     s.cfg.AppVersion,
		"environment": s.cfg.Environment,
	})
}
