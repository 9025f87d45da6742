package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace period on top of Interval before eviction
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// heartbeat pings every connection each Interval and evicts those silent for
// longer than Interval + Timeout. It returns when the server shuts down.
func (s *Server) heartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		config = DefaultHeartbeatConfig()
	}
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(now, config)
		}
	}
}

// checkConnections evicts stale connections and pings the rest. Browsers
// answer the protocol ping automatically, which refreshes LastSeen.
func (s *Server) checkConnections(now time.Time, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info("heartbeat timeout",
				zap.String("session", c.ID), zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c, ReasonHeartbeat)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.log.Debug("heartbeat ping failed", zap.String("session", c.ID), zap.Error(err))
			s.RemoveConnection(c, ReasonHeartbeat)
		}
	}
}
