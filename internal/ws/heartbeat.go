package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace period after a missed ping
}

// DefaultHeartbeatConfig returns the default heartbeat timings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  20 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those with
// no inbound frame for Interval + Timeout. Eviction goes through
// RemoveConnection, so the disconnect callback fires exactly as it would for
// a closed socket. The goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				reapConnections(server, config, time.Now())
			}
		}
	}()
}

// reapConnections evicts stale connections and pings the rest. It returns
// the number evicted.
func reapConnections(server *Server, config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	evicted := 0

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Printf("ws: heartbeat timeout session=%s user=%s idle=%s",
				c.ID, c.UserID, idle.Round(time.Second))
			server.RemoveConnection(c)
			evicted++
			continue
		}

		// Pings are queued; a peer that stops reading fails on its own
		// write deadline.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}
