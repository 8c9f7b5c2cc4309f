package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

func registerBaseRoutes(r *gin.Engine, node string, appeared time.Time) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(appeared).String(),
			"service": node,
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Fail writes the standard error body.
func Fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
