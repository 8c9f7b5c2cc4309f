// Package server builds the gin engines shared by the ledger and agent daemons.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/roundctl/internal/observability"
)

type Options struct {
	Node        string
	CorsOrigins []string
	Methods     []string
}

// NewRouter returns an engine with the shared middleware installed and
// /health and /metrics registered.
func NewRouter(opts Options) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Requests(opts.Node, log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(opts.CorsOrigins),
		AllowMethods:  normalizeMethods(opts.Methods),
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	registerBaseRoutes(r, opts.Node, time.Now())
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func normalizeMethods(methods []string) []string {
	if len(methods) == 0 {
		return []string{http.MethodGet, http.MethodPost, http.MethodPut}
	}
	return methods
}
