package http

import (
	"context"
	"net/http"
	"slices"

	"github.com/dkeye/callsignal/internal/adapters/signal"
	"github.com/dkeye/callsignal/internal/app"
	"github.com/dkeye/callsignal/internal/config"
	"github.com/dkeye/callsignal/internal/domain"
	"github.com/dkeye/callsignal/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	sessionName        = "CallSignalSession"
	sessionIdentityKey = "identity"
)

// IdentityMiddleware resolves the caller's identity from the username query
// parameter, falling back to the one remembered in the session cookie.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		raw := c.Query("username")
		if raw == "" {
			if v, ok := session.Get(sessionIdentityKey).(string); ok {
				raw = v
			}
		}
		id, err := domain.NewIdentity(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("rejected identity")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if session.Get(sessionIdentityKey) != string(id) {
			session.Set(sessionIdentityKey, string(id))
			if err := session.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(signal.IdentityKey, string(id))
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator, ctrl *signal.SignalWSController, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"connectedUsers": orch.Registry.Count(),
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(m, map[string]func() int{
		"connected_users": orch.Registry.Count,
	})))

	api := r.Group("/api")

	// GET /api/me: identity bound to this client
	api.GET("/me", IdentityMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"username": c.GetString(signal.IdentityKey)})
	})

	// GET /api/contacts/online: accepted contacts connected right now
	api.GET("/contacts/online", IdentityMiddleware(), func(c *gin.Context) {
		id := domain.Identity(c.GetString(signal.IdentityKey))
		online, err := orch.Presence.OnlineContacts(c.Request.Context(), id)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("identity", string(id)).Msg("online contacts")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "contact store unavailable"})
			return
		}
		slices.Sort(online)
		c.JSON(http.StatusOK, gin.H{"online": online})
	})

	api.GET("/ws/signal", IdentityMiddleware(), func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("identity", c.GetString(signal.IdentityKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
