package dispatcher

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MigoXLab/lmeterx/pkg/database"
)

// metricsCollectors are the process-level gauges this Dispatcher
// exposes at GET /metrics. Registered once at package init, following
// the teacher's client_golang usage pattern of package-level
// promauto-registered collectors rather than a per-instance registry.
var (
	activeRunnersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lmeterx_dispatcher_active_runners",
		Help: "Number of Task Runner subprocesses this dispatcher currently owns.",
	})
	claimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lmeterx_dispatcher_claims_total",
		Help: "Total tasks claimed by this dispatcher.",
	})
	claimFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lmeterx_dispatcher_claim_failures_total",
		Help: "Total claim attempts that failed with an error other than no-tasks-available.",
	})
)

// NewHTTPServer builds the health/metrics router. Grounded on the
// teacher's cmd/tarsy/main.go gin.Default()/router.GET("/health", ...)
// pattern, generalized from a database-ping health check to also
// report this Dispatcher's active-runner count, and with a Prometheus
// /metrics endpoint the teacher's server doesn't expose.
func NewHTTPServer(d *Dispatcher, db *sql.DB) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		activeRunnersGauge.Set(float64(d.ActiveCount()))

		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, db)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": dbHealth,
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"dispatcher_id":  d.ID(),
			"active_runners": d.ActiveCount(),
			"database":       dbHealth,
		})
	})

	metricsHandler := promhttp.Handler()
	router.GET("/metrics", func(c *gin.Context) {
		activeRunnersGauge.Set(float64(d.ActiveCount()))
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})

	return router
}
