package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	limiterGin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"site-analytics/metrics"
	"site-analytics/utils"
)

// CORS lets tracker scripts on any site post events.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:              []string{"*"},
		AllowMethods:              []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:              []string{"Origin", "Content-Type", "Accept", "X-Tracker-Agent", "X-Requested-With"},
		ExposeHeaders:             []string{"Content-Length"},
		MaxAge:                    12 * time.Hour,
		OptionsResponseStatusCode: http.StatusOK,
	})
}

// RateLimit limits requests per client address, e.g. "600-M".
func RateLimit(limit string, trustProxyHeaders bool) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(limit)
	if err != nil {
		return nil, err
	}
	store := memory.NewStore()
	instance := limiter.New(store, rate)

	return limiterGin.NewMiddleware(instance,
		limiterGin.WithKeyGetter(func(c *gin.Context) string {
			return utils.GetClientIP(c.Request.Header, c.Request.RemoteAddr, trustProxyHeaders)
		}),
		limiterGin.WithLimitReachedHandler(func(c *gin.Context) {
			metrics.IngestFailures.WithLabelValues("rate_limited").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		}),
		limiterGin.WithErrorHandler(func(c *gin.Context, err error) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter failure"})
		}),
	), nil
}

// RequestLogger replaces gin's default logger with structured access logs.
func RequestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	lg := logger.With("middleware", "access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		switch {
		case c.Writer.Status() >= 500:
			lg.Errorw("request", fields...)
		case c.Writer.Status() >= 400:
			lg.Warnw("request", fields...)
		default:
			lg.Infow("request", fields...)
		}
	}
}

// Metrics records request latency by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
