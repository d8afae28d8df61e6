package http

import (
	"net/http"
	"strconv"

	"optibatch/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrument opens a span per request and counts it by route template.
func instrument() gin.HandlerFunc {
	tracer := otel.Tracer("optibatch-api")
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		ctx, span := tracer.Start(c.Request.Context(), "HTTP "+c.Request.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", c.Request.URL.Path),
		))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		metrics.HttpRequestsTotal.WithLabelValues(path, c.Request.Method, strconv.Itoa(status)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "Server Error")
		}
	}
}

// cors allows any origin for local tooling.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// NewRouter wires the API routes and /metrics. Batch routes are mounted only
// when the handler has a batch service.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors(), instrument())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	{
		jobs := api.Group("/jobs")
		{
			jobs.GET("", h.ListJobs)
			jobs.GET("/:id", h.GetJob)
		}

		runs := api.Group("/runs")
		{
			runs.GET("", h.ListRuns)
			runs.GET("/:id", h.GetRun)
			runs.GET("/:id/config", h.ExportRunConfig)
		}

		if h.batches != nil && h.loader != nil {
			batches := api.Group("/batches")
			{
				batches.GET("", h.ListBatches)
				batches.POST("", h.SubmitBatch)
				batches.GET("/:id", h.GetBatch)
				batches.DELETE("/:id", h.CancelBatch)
			}
		}
	}
	return r
}
