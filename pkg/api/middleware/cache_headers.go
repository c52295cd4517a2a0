// Package middleware provides gin middleware shared by the platform's
// HTTP services.
package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hackclub/podium-cache/pkg/cache"
)

// CacheStats installs a per-request cache stats tracker and reports the
// counts as X-Cache and X-Airtable-Hits response headers. The dev-tooling
// overlay keys off these exact names; keep them stable.
func CacheStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, stats := cache.WithStats(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Writer = &statsWriter{ResponseWriter: c.Writer, stats: stats}
		c.Next()
	}
}

// statsWriter injects the telemetry headers just before the first byte of
// the response is written, when the counts are final.
type statsWriter struct {
	gin.ResponseWriter
	stats *cache.Stats
	done  bool
}

func (w *statsWriter) emit() {
	if w.done {
		return
	}
	w.done = true
	if v := w.stats.CacheHeader(); v != "" {
		w.Header().Set("X-Cache", v)
	}
	if n := w.stats.SourceCalls(); n > 0 {
		w.Header().Set("X-Airtable-Hits", strconv.Itoa(n))
	}
}

func (w *statsWriter) WriteHeader(code int) {
	w.emit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *statsWriter) Write(b []byte) (int, error) {
	w.emit()
	return w.ResponseWriter.Write(b)
}

func (w *statsWriter) WriteString(s string) (int, error) {
	w.emit()
	return w.ResponseWriter.WriteString(s)
}
