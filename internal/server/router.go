package server

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/convoshq/agentpool/internal/gateway"
	"github.com/convoshq/agentpool/internal/metrics"
	"github.com/convoshq/agentpool/internal/pool"
	"github.com/convoshq/agentpool/pkg/template"
)

// Router provides the control-plane HTTP handlers over a pool manager.
// Read endpoints are open; every mutating endpoint and the full status dump
// sit behind the shared bearer token.
type Router struct {
	mgr         *pool.Manager
	token       string
	version     string
	environment string
	corsOrigins []string
}

type Options struct {
	BearerToken string
	Version     string
	Environment string
	CORSOrigins []string // empty allows all origins
}

func NewRouter(mgr *pool.Manager, opts Options) *Router {
	return &Router{
		mgr:         mgr,
		token:       opts.BearerToken,
		version:     opts.Version,
		environment: opts.Environment,
		corsOrigins: opts.CORSOrigins,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	cc := cors.DefaultConfig()
	if len(r.corsOrigins) > 0 {
		cc.AllowOrigins = r.corsOrigins
	} else {
		cc.AllowAllOrigins = true
	}
	cc.AllowHeaders = append(cc.AllowHeaders, "Authorization")
	g.Use(cors.New(cc))

	g.GET("/health", r.handleHealth)
	g.GET("/version", r.handleVersion)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.GET("/pool/counts", r.handleCounts)
	g.GET("/pool/agents", r.handleAgents)

	authed := g.Group("", bearerAuth(r.token))
	authed.GET("/pool/status", r.handleStatus)
	authed.POST("/pool/claim", r.handleClaim)
	authed.POST("/pool/replenish", r.handleReplenish)
	authed.POST("/pool/drain", r.handleDrain)
	authed.POST("/pool/reconcile", r.handleReconcile)
	authed.DELETE("/pool/instances/:id", r.handleRelease)
	authed.DELETE("/pool/instances/:id/destroy", r.handleDestroy)
	authed.DELETE("/pool/crashed/:id", r.handleDismiss)
	return g
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleVersion(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"version":     r.version,
		"environment": r.environment,
	})
}

func (r *Router) handleCounts(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Counts())
}

func (r *Router) handleAgents(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Agents())
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"counts":    r.mgr.Counts(),
		"instances": r.mgr.Snapshot(),
	})
}

type claimRequest struct {
	AgentName    string            `json:"agentName"`
	Instructions string            `json:"instructions"`
	JoinURL      string            `json:"joinUrl"`
	Vars         map[string]string `json:"vars"`
}

func (r *Router) handleClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.AgentName == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "agentName required"})
		return
	}
	instructions := req.Instructions
	if len(req.Vars) > 0 {
		rendered, err := template.Render(instructions, req.Vars)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid instructions template: " + err.Error()})
			return
		}
		instructions = rendered
	}
	res, err := r.mgr.Claim(c.Request.Context(), pool.ClaimRequest{
		AgentName:    req.AgentName,
		Instructions: instructions,
		JoinURL:      req.JoinURL,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

type countRequest struct {
	Count int `json:"count"`
}

func (r *Router) handleReplenish(c *gin.Context) {
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Count <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "count must be positive"})
		return
	}
	launched := r.mgr.Replenish(c.Request.Context(), req.Count)
	writeJSON(c, http.StatusOK, gin.H{"launched": launched})
}

func (r *Router) handleDrain(c *gin.Context) {
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Count <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "count must be positive"})
		return
	}
	drained := r.mgr.Drain(c.Request.Context(), req.Count)
	writeJSON(c, http.StatusOK, gin.H{"drained": drained})
}

func (r *Router) handleReconcile(c *gin.Context) {
	r.mgr.ReconcileOnce(c.Request.Context())
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleRelease recycles when a checkpoint is recorded, destroys otherwise.
func (r *Router) handleRelease(c *gin.Context) {
	if err := r.mgr.Recycle(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDestroy(c *gin.Context) {
	if err := r.mgr.Destroy(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDismiss(c *gin.Context) {
	if err := r.mgr.DismissCrashed(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// writeError maps pool errors onto the API status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pool.ErrNoIdle):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	case errors.Is(err, pool.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, pool.ErrConflict), errors.Is(err, gateway.ErrConflict):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, pool.ErrAtCapacity):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
