// Package admin exposes the gateway over HTTP: message ingestion,
// capability-gated administration, and read-only observability. Errors are
// returned as application/problem+json with types mirroring the admission
// taxonomy, so relayers can tell retry-later from never-retry rejections.
package admin

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/breaker"
	"github.com/nexafin/bridgeguard/internal/capability"
	"github.com/nexafin/bridgeguard/internal/ratelimit"
	"github.com/nexafin/bridgeguard/internal/router"
	"github.com/nexafin/bridgeguard/internal/settlement"
)

// CapabilityHeader carries the administrative credential token.
const CapabilityHeader = "X-Admin-Capability"

// Problem is the application/problem+json error body.
type Problem struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Status    int       `json:"status"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// API wires the gateway components behind HTTP handlers.
type API struct {
	limiter   ratelimit.Service
	router    *router.Router
	breaker   *breaker.Breaker
	journal   *settlement.Journal
	authority *capability.Authority
	logger    *zap.Logger
}

// New creates the HTTP API.
func New(
	limiter ratelimit.Service,
	rt *router.Router,
	brk *breaker.Breaker,
	journal *settlement.Journal,
	authority *capability.Authority,
	logger *zap.Logger,
) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		limiter:   limiter,
		router:    rt,
		breaker:   brk,
		journal:   journal,
		authority: authority,
		logger:    logger,
	}
}

// Routes registers all endpoints on the engine.
func (a *API) Routes(e *gin.Engine) {
	e.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.POST("/messages", a.handleReceive)
	v1.GET("/ratelimit/:resource", a.handleBucketState)
	v1.GET("/processed/:digest", a.handleIsProcessed)

	adm := e.Group("/admin")
	adm.PUT("/ratelimit/:resource", a.handleSetConfig)
	adm.PUT("/emitter", a.handleSetEmitter)
	adm.POST("/paths/:path/pause", a.handlePause)
	adm.POST("/paths/:path/resume", a.handleResume)
	adm.GET("/settlements/pending", a.handlePendingSettlements)
	adm.POST("/settlements/:digest/retry", a.handleRetrySettlement)
}

func writeProblem(c *gin.Context, status int, typ, title, detail string) {
	c.Header("Content-Type", "application/problem+json")
	c.JSON(status, Problem{
		Type:      "https://bridgeguard.nexafin.io/errors/" + typ,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// credential resolves the capability header, failing the request on miss.
func (a *API) credential(c *gin.Context) (*capability.Capability, bool) {
	cred, err := a.authority.Resolve(c.GetHeader(CapabilityHeader))
	if err != nil {
		writeProblem(c, http.StatusUnauthorized, "unauthorized-caller",
			"Unauthorized", "administrative capability required")
		return nil, false
	}
	return cred, true
}

type receiveRequest struct {
	Raw string `json:"raw" binding:"required"`
}

func (a *API) handleReceive(c *gin.Context) {
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, "validation-error", "Validation Error", err.Error())
		return
	}
	raw, err := hexutil.Decode(req.Raw)
	if err != nil {
		writeProblem(c, http.StatusBadRequest, "validation-error", "Validation Error",
			"raw must be 0x-prefixed hex")
		return
	}

	digest, err := a.router.Receive(c.Request.Context(), raw)
	if err != nil {
		a.writeReceiveError(c, digest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"digest": digest.Hex()})
}

// writeReceiveError maps the admission taxonomy onto HTTP. Retry-later
// rejections carry a Retry-After header.
func (a *API) writeReceiveError(c *gin.Context, digest common.Hash, err error) {
	var rle *ratelimit.RateLimitExceededError
	var sf *router.SettlementFailedError
	switch {
	case errors.Is(err, router.ErrDuplicateMessage):
		writeProblem(c, http.StatusConflict, "duplicate-message",
			"Duplicate Message", "digest "+digest.Hex()+" already processed")
	case errors.Is(err, router.ErrWrongEmitterChain):
		writeProblem(c, http.StatusForbidden, "wrong-origin-chain",
			"Wrong Origin Chain", err.Error())
	case errors.Is(err, router.ErrUnauthorizedEmitter):
		writeProblem(c, http.StatusForbidden, "unauthorized-emitter",
			"Unauthorized Emitter", err.Error())
	case errors.Is(err, router.ErrNoTrustedEmitter):
		writeProblem(c, http.StatusServiceUnavailable, "configuration-error",
			"Not Configured", err.Error())
	case errors.Is(err, router.ErrPathFrozen):
		c.Header("Retry-After", "60")
		writeProblem(c, http.StatusServiceUnavailable, "path-frozen",
			"Path Frozen", err.Error())
	case errors.As(err, &rle):
		if rle.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(rle.RetryAfter/time.Second)))
		}
		writeProblem(c, http.StatusTooManyRequests, "rate-limit",
			"Rate Limit Exceeded", err.Error())
	case errors.As(err, &sf):
		writeProblem(c, http.StatusBadGateway, "settlement-failed",
			"Settlement Failed", err.Error())
	case errors.Is(err, router.ErrMalformedEnvelope), errors.Is(err, router.ErrMalformedPayload):
		writeProblem(c, http.StatusBadRequest, "validation-error", "Validation Error", err.Error())
	default:
		a.logger.Error("receive failed", zap.Error(err))
		writeProblem(c, http.StatusInternalServerError, "internal-error",
			"Internal Server Error", err.Error())
	}
}

type setConfigRequest struct {
	Rate     string `json:"rate"`
	Capacity string `json:"capacity"`
	Enabled  bool   `json:"enabled"`
}

func (a *API) handleSetConfig(c *gin.Context) {
	cred, ok := a.credential(c)
	if !ok {
		return
	}
	var req setConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, "validation-error", "Validation Error", err.Error())
		return
	}
	rate, ok1 := new(big.Int).SetString(req.Rate, 10)
	capacity, ok2 := new(big.Int).SetString(req.Capacity, 10)
	if !ok1 || !ok2 {
		writeProblem(c, http.StatusBadRequest, "validation-error", "Validation Error",
			"rate and capacity must be decimal integers")
		return
	}

	cfg := ratelimit.Config{Rate: rate, Capacity: capacity, Enabled: req.Enabled}
	if err := a.limiter.SetConfig(c.Request.Context(), cred, c.Param("resource"), cfg); err != nil {
		if errors.Is(err, ratelimit.ErrInvalidConfig) {
			writeProblem(c, http.StatusUnprocessableEntity, "configuration-error",
				"Configuration Error", err.Error())
			return
		}
		writeProblem(c, http.StatusUnauthorized, "unauthorized-caller", "Unauthorized", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"resource": c.Param("resource"), "enabled": req.Enabled})
}

type setEmitterRequest struct {
	ChainID uint16 `json:"chain_id"`
	Address string `json:"address" binding:"required"`
}

func (a *API) handleSetEmitter(c *gin.Context) {
	cred, ok := a.credential(c)
	if !ok {
		return
	}
	var req setEmitterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, "validation-error", "Validation Error", err.Error())
		return
	}
	if err := a.router.SetTrustedEmitter(cred, req.ChainID, common.HexToHash(req.Address)); err != nil {
		writeProblem(c, http.StatusUnauthorized, "unauthorized-caller", "Unauthorized", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain_id": req.ChainID, "address": common.HexToHash(req.Address).Hex()})
}

func (a *API) handlePause(c *gin.Context) {
	cred, ok := a.credential(c)
	if !ok {
		return
	}
	if err := a.breaker.Pause(cred, c.Param("path")); err != nil {
		writeProblem(c, http.StatusUnauthorized, "unauthorized-caller", "Unauthorized", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": c.Param("path"), "frozen": true})
}

func (a *API) handleResume(c *gin.Context) {
	cred, ok := a.credential(c)
	if !ok {
		return
	}
	if err := a.breaker.Resume(cred, c.Param("path")); err != nil {
		writeProblem(c, http.StatusUnauthorized, "unauthorized-caller", "Unauthorized", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": c.Param("path"), "frozen": false})
}

func (a *API) handleBucketState(c *gin.Context) {
	st, ok, err := a.limiter.State(c.Request.Context(), c.Param("resource"))
	if err != nil {
		writeProblem(c, http.StatusInternalServerError, "internal-error",
			"Internal Server Error", err.Error())
		return
	}
	if !ok {
		writeProblem(c, http.StatusNotFound, "not-found", "Not Found",
			"no rate limit configured for resource")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rate":         st.Rate.String(),
		"capacity":     st.Capacity.String(),
		"tokens":       st.Tokens.String(),
		"last_updated": st.LastUpdated,
		"enabled":      st.Enabled,
	})
}

func (a *API) handleIsProcessed(c *gin.Context) {
	digest := common.HexToHash(c.Param("digest"))
	processed, err := a.router.IsProcessed(c.Request.Context(), digest)
	if err != nil {
		writeProblem(c, http.StatusInternalServerError, "internal-error",
			"Internal Server Error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"digest": digest.Hex(), "processed": processed})
}

func (a *API) handlePendingSettlements(c *gin.Context) {
	if _, ok := a.credential(c); !ok {
		return
	}
	pending := a.journal.Pending()
	if pending == nil {
		pending = []settlement.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

func (a *API) handleRetrySettlement(c *gin.Context) {
	if _, ok := a.credential(c); !ok {
		return
	}
	digest := common.HexToHash(c.Param("digest"))
	if err := a.journal.Retry(c.Request.Context(), digest); err != nil {
		writeProblem(c, http.StatusBadGateway, "settlement-failed", "Settlement Failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"digest": digest.Hex(), "status": string(settlement.StatusSettled)})
}
