package conn

import (
	"context"
	"time"
)

// forceReconnect runs one step of the episode heuristic. The first error of
// an episode only opens it; a reconnect happens once the episode has lasted
// DroppedConnectionGracePeriod while errors keep arriving at least every
// DroppedConnectionEpisodeTimeout.
func (m *Manager) forceReconnect() {
	if !m.reconnectDue(m.now()) {
		return
	}
	if !m.acquire() {
		return
	}
	defer m.release()

	now := m.now()
	if m.firstError.IsZero() {
		m.firstError = now
		m.previousError = now
		m.episodes.Add(1)
		m.logger.Debug("redis: connection error episode opened")
		return
	}

	// Time may have passed while waiting for the lock.
	if !m.reconnectDue(now) {
		return
	}

	sinceFirst := now.Sub(m.firstError)
	sincePrevious := now.Sub(m.previousError)
	if sinceFirst < m.cfg.DroppedConnectionGracePeriod || sincePrevious > m.cfg.DroppedConnectionEpisodeTimeout {
		m.previousError = now
		return
	}

	client, err := m.open(context.Background())
	if err != nil {
		m.logger.WithError(err).Warn("redis: forced reconnect failed, keeping current connection")
		return
	}

	old := m.client.Swap(client)
	m.lastReconnect.Store(m.now().UnixNano())
	m.firstError = time.Time{}
	m.previousError = time.Time{}
	m.reconnects.Add(1)

	m.logger.WithField("episode_duration", sinceFirst.String()).Warn("redis: connection replaced after sustained transport errors")

	if old != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := old.Close(); err != nil {
				m.logger.WithError(err).Debug("redis: error closing replaced connection")
			}
		}()
	}
}

func (m *Manager) reconnectDue(now time.Time) bool {
	last := m.lastReconnect.Load()
	if last == 0 {
		return true
	}
	return now.Sub(time.Unix(0, last)) >= m.cfg.MinForcedReconnectionInterval
}

// acquire takes the reconnect token, giving up after ReconnectLockTimeout.
// A timeout means another goroutine is already handling the episode.
func (m *Manager) acquire() bool {
	timer := time.NewTimer(m.cfg.ReconnectLockTimeout)
	defer timer.Stop()

	select {
	case m.reconnectLock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (m *Manager) release() {
	<-m.reconnectLock
}
