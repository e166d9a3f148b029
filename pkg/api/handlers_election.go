package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"leaderd/pkg/coordination"
	"leaderd/pkg/metrics"
)

// healthCheck handles GET /health. Only a connected session is healthy.
func (s *Server) healthCheck(c *gin.Context) {
	st := s.source.Status()

	status := "healthy"
	code := http.StatusOK
	switch st.SessionState {
	case coordination.StateDisconnected:
		status = "degraded"
		code = http.StatusServiceUnavailable
	case coordination.StateConnecting, coordination.StateExpired, coordination.StateClosed:
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	if code != http.StatusOK {
		metrics.HealthUnavailable.WithLabelValues(st.SessionState.String()).Inc()
	}
	c.JSON(code, gin.H{
		"status":    status,
		"session":   st.SessionState,
		"timestamp": time.Now().UTC(),
	})
}

// getStatus handles GET /api/v1/election/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Status())
}

// getLeader handles GET /api/v1/election/leader
func (s *Server) getLeader(c *gin.Context) {
	st := s.source.Status()
	if st.Leader == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no leader known"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leader":    st.Leader,
		"is_self":   st.IsLeader(),
		"peer_id":   st.PeerID,
		"candidate": st.Candidate,
	})
}
