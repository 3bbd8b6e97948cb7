package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"gigpay-core/pkg/config"
	"gigpay-core/pkg/errutil"
	"gigpay-core/services/ledger"
	"gigpay-core/services/loan"
	"gigpay-core/services/platform"
	"gigpay-core/services/reputation"
	"gigpay-core/services/stream"
	"gigpay-core/services/task"
	"gigpay-core/services/transaction"
	"gigpay-core/services/worker"
)

type Handler struct {
	store      *ledger.Store
	workers    *worker.Service
	platforms  *platform.Service
	tasks      *task.Service
	txns       *transaction.Service
	streams    *stream.Service
	loans      *loan.Service
	reputation *reputation.Service
	cfg        *config.Config
}

type Params struct {
	fx.In
	Store      *ledger.Store
	Workers    *worker.Service
	Platforms  *platform.Service
	Tasks      *task.Service
	Txns       *transaction.Service
	Streams    *stream.Service
	Loans      *loan.Service
	Reputation *reputation.Service
	Config     *config.Config
}

func NewHandler(p Params) *Handler {
	return &Handler{
		store:      p.Store,
		workers:    p.Workers,
		platforms:  p.Platforms,
		tasks:      p.Tasks,
		txns:       p.Txns,
		streams:    p.Streams,
		loans:      p.Loans,
		reputation: p.Reputation,
		cfg:        p.Config,
	}
}

// NewRouter builds the public HTTP surface. Everything under /v1 except
// registration requires platform credentials.
func NewRouter(h *Handler, cfg *config.Config) http.Handler {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.POST("/platforms", h.RegisterPlatform)

	authed := v1.Group("")
	authed.Use(h.PlatformAuth())
	{
		authed.POST("/workers", h.RegisterWorker)
		authed.POST("/tasks", h.CreateTask)
		authed.POST("/tasks/:id/assign", h.AssignTask)
		authed.POST("/tasks/:id/complete", h.CompleteTask)
		authed.POST("/tasks/:id/dispute", h.FileDispute)
		authed.POST("/tasks/:id/dispute/resolve", h.ResolveDispute)
		authed.POST("/loans", h.RequestAdvance)
		authed.GET("/workers/:id/balance", h.WorkerBalance)
		authed.GET("/workers/:id/reputation", h.WorkerReputation)
		authed.GET("/workers/:id/loan", h.WorkerLoan)
		authed.GET("/workers/:id/loan-eligibility", h.WorkerLoanEligibility)
		authed.GET("/streams/:id", h.GetStream)
		authed.GET("/transactions/:id", h.GetTransaction)
	}

	return r
}

const platformKey = "authenticated_platform"

// PlatformAuth validates X-Platform-Id plus a bearer API key and stashes the
// platform on the request context.
func (h *Handler) PlatformAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		platformID := c.GetHeader("X-Platform-Id")
		auth := c.GetHeader("Authorization")
		apiKey := strings.TrimPrefix(auth, "Bearer ")

		if platformID == "" || apiKey == "" || apiKey == auth {
			abortWithError(c, errutil.Unauthorized("missing platform credentials", nil))
			return
		}

		p, err := h.platforms.Authenticate(c.Request.Context(), platformID, apiKey)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(platformKey, p)
		c.Next()
	}
}

func currentPlatform(c *gin.Context) *platform.Platform {
	v, _ := c.Get(platformKey)
	p, _ := v.(*platform.Platform)
	return p
}

func abortWithError(c *gin.Context, err error) {
	status, body := errutil.ToHTTP(err)
	c.AbortWithStatusJSON(status, body)
}

func respondError(c *gin.Context, err error) {
	status, body := errutil.ToHTTP(err)
	c.JSON(status, body)
}
