package middleware

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/paksync/internal/infrastructure/tracing"
)

// CORSConfig lists what browsers may send to the status API.
type CORSConfig struct {
	// Origins allowed to call the API. Empty or "*" allows any origin,
	// which also turns credentials off.
	Origins     []string
	Credentials bool
	MaxAge      time.Duration
}

// DefaultCORSConfig opens the status API to dashboards on any origin.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{MaxAge: 12 * time.Hour}
}

// CORS answers preflights for the read and control routes. The request id
// header is accepted and exposed.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Accept", "Content-Type", "Content-Length", tracing.Header},
		ExposeHeaders: []string{tracing.Header},
		MaxAge:        cfg.MaxAge,
	}
	if anyOrigin(cfg.Origins) {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.Origins
		c.AllowCredentials = cfg.Credentials
	}
	return cors.New(c)
}

func anyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
