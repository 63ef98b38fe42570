// Package httpapi is the thin, boundary HTTP adapter: it mounts each
// chain's base/archive prefixes to the Multi-Chain Manager's Route method,
// exposes the operational endpoints, and maps core error kinds to HTTP
// status codes. It carries no routing or health logic of its own.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/manager"
	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

// ErrorEnvelope is the JSON body returned for every error response.
type ErrorEnvelope struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Server wraps the gin engine bound to one Manager.
type Server struct {
	engine *gin.Engine
	mgr    *manager.Manager
	logger *zap.Logger
}

// NewServer builds a gin engine with every chain's routes plus the
// operational endpoints mounted.
func NewServer(mgr *manager.Manager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, mgr: mgr, logger: logger}

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/health/detailed", s.handleHealthDetailed)
	engine.GET("/chains/:name/status", s.handleChainStatus)
	engine.POST("/chains/:name/refresh", s.handleChainRefresh)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.NoRoute(s.handleProxy)

	return s
}

// Handler returns the underlying http.Handler for use with net/http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealthz(c *gin.Context) {
	status := s.mgr.AggregateStatus()
	if status.Ready {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
}

func (s *Server) handleHealthDetailed(c *gin.Context) {
	status := s.mgr.AggregateStatus()
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleChainStatus(c *gin.Context) {
	name := c.Param("name")
	ci, ok := s.mgr.Chain(name)
	if !ok {
		s.writeError(c, model.NewError(model.KindChainNotFound, "no such chain: "+name))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  ci.Status(),
		"metrics": ci.Metrics(),
	})
}

func (s *Server) handleChainRefresh(c *gin.Context) {
	name := c.Param("name")
	ci, ok := s.mgr.Chain(name)
	if !ok {
		s.writeError(c, model.NewError(model.KindChainNotFound, "no such chain: "+name))
		return
	}
	if err := ci.RefreshRegistry(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": name})
}

// handleProxy is the catch-all that forwards every unmatched path through
// the manager's prefix resolver.
func (s *Server) handleProxy(c *gin.Context) {
	start := time.Now()

	var body []byte
	if c.Request.Method == http.MethodPost {
		b, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.writeError(c, model.Wrap(model.KindUpstreamTransportError, "reading request body", err))
			return
		}
		body = b
	}

	path := c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		path = path + "?" + c.Request.URL.RawQuery
	}

	res, err := s.mgr.Route(c.Request.Context(), path, c.Request.Method, body)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("X-Response-Time", time.Since(start).String())
	c.Header("X-Selected-RPC", res.Endpoint)
	c.Header("X-RPC-Response-Time", res.ResponseTime.String())
	c.Header("X-Is-Archive", boolString(res.IsArchive))
	c.Data(res.Status, "application/json", res.Body)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// writeError maps a core error to its HTTP status per the spec's typical
// mapping and writes the structured JSON error envelope.
func (s *Server) writeError(c *gin.Context, err error) {
	var merr *model.Error
	if !errors.As(err, &merr) {
		s.logger.Error("unmapped error reached httpapi boundary", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorEnvelope{
			Error: "internal_error", Message: err.Error(), Path: c.Request.URL.Path, Timestamp: time.Now(),
		})
		return
	}

	status, passthrough := statusForKind(merr)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}

	if passthrough != nil {
		c.Data(status, "application/json", passthrough.Body)
		return
	}

	c.JSON(status, ErrorEnvelope{
		Error:     string(merr.Kind),
		Message:   merr.Message,
		Path:      c.Request.URL.Path,
		Timestamp: time.Now(),
	})
}

// statusForKind returns the HTTP status for a core error kind, and, when the
// upstream's original body should be passed through verbatim, the
// UpstreamHttpError carrying it (the direct error, or the cause wrapped
// inside an exhausted AllAttemptsFailed).
func statusForKind(merr *model.Error) (int, *model.Error) {
	switch merr.Kind {
	case model.KindNoUpstreamsAvailable, model.KindNotReady:
		return http.StatusServiceUnavailable, nil
	case model.KindChainNotFound:
		return http.StatusNotFound, nil
	case model.KindUpstreamTransportError:
		return http.StatusBadGateway, nil
	case model.KindUpstreamTimeout:
		return http.StatusGatewayTimeout, nil
	case model.KindUpstreamHttpError:
		if merr.Status != 0 {
			return merr.Status, merr
		}
		return http.StatusBadGateway, nil
	case model.KindAllAttemptsFailed:
		var cause *model.Error
		if errors.As(merr.Cause, &cause) {
			if cause.Kind == model.KindUpstreamHttpError && cause.Status != 0 {
				return cause.Status, cause
			}
			if cause.Kind == model.KindUpstreamTimeout {
				return http.StatusGatewayTimeout, nil
			}
		}
		return http.StatusBadGateway, nil
	default:
		return http.StatusInternalServerError, nil
	}
}
