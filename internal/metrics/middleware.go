package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection.
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		// Process request
		c.Next()

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())

		m.RecordHTTPRequest(method, path, status, duration)
	}
}

// Timer measures one stage operation.
type Timer struct {
	start time.Time
	m     *Metrics
	stage string
	op    string
}

// NewTimer starts a timer for a stage operation.
func NewTimer(m *Metrics, stage, op string) *Timer {
	return &Timer{
		start: time.Now(),
		m:     m,
		stage: stage,
		op:    op,
	}
}

// Stop stops the timer and records the operation.
func (t *Timer) Stop(status string) {
	t.m.RecordStageCall(t.stage, t.op, status, time.Since(t.start))
}
