package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// CheckFunc probes a dependency (database, broker) for readiness.
type CheckFunc func(ctx context.Context) error

type Manager struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{checks: make(map[string]CheckFunc)}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

func (m *Manager) AddCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
}

func (m *Manager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	failed := map[string]string{}
	for name, fn := range m.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := fn(checkCtx); err != nil {
			failed[name] = err.Error()
		}
		cancel()
	}
	return failed
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		if failed := m.runChecks(c.Request.Context()); len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
