package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"gigpay-core/pkg/errutil"
	"gigpay-core/services/loan"
	"gigpay-core/services/reputation"
	"gigpay-core/services/task"
	"gigpay-core/services/transaction"
)

func (h *Handler) Healthz(c *gin.Context) {
	sqlDB, err := h.store.DB().DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type registerPlatformRequest struct {
	Name       string `json:"name" binding:"required"`
	WebhookURL string `json:"webhook_url"`
}

func (h *Handler) RegisterPlatform(c *gin.Context) {
	var req registerPlatformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", err))
		return
	}

	p, apiKey, err := h.platforms.Register(c.Request.Context(), req.Name, req.WebhookURL)
	if err != nil {
		respondError(c, err)
		return
	}

	// The plaintext key appears in this response and nowhere else.
	c.JSON(http.StatusCreated, gin.H{
		"platform":       p,
		"api_key":        apiKey,
		"webhook_secret": p.WebhookSecret,
	})
}

type registerWorkerRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

func (h *Handler) RegisterWorker(c *gin.Context) {
	var req registerWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", err))
		return
	}

	w, err := h.workers.Register(c.Request.Context(), req.Wallet)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

type createTaskRequest struct {
	WorkerID          string     `json:"worker_id"`
	Type              string     `json:"type" binding:"required"`
	Title             string     `json:"title"`
	PaymentAmountUsdc int64      `json:"payment_amount_usdc" binding:"required"`
	ExpectedHours     float64    `json:"expected_hours"`
	DueAt             *time.Time `json:"due_at"`
	Streaming         bool       `json:"streaming"`
	StreamTermDays    int        `json:"stream_term_days"`
}

func (h *Handler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", err))
		return
	}

	t, err := h.tasks.Create(c.Request.Context(), task.CreateParams{
		PlatformID:        currentPlatform(c).ID,
		WorkerID:          req.WorkerID,
		Type:              task.Type(req.Type),
		Title:             req.Title,
		PaymentAmountUsdc: req.PaymentAmountUsdc,
		ExpectedHours:     req.ExpectedHours,
		DueAt:             req.DueAt,
		Streaming:         req.Streaming,
		StreamTermDays:    req.StreamTermDays,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// ownedTask loads the path task and hides it from foreign platforms.
func (h *Handler) ownedTask(c *gin.Context) (*task.Task, bool) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if t.PlatformID != currentPlatform(c).ID {
		respondError(c, errutil.NotFound("task not found", nil))
		return nil, false
	}
	return t, true
}

type assignTaskRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

func (h *Handler) AssignTask(c *gin.Context) {
	var req assignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", err))
		return
	}

	t, ok := h.ownedTask(c)
	if !ok {
		return
	}

	t, err := h.tasks.Assign(c.Request.Context(), t.ID, req.WorkerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type fileDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) FileDispute(c *gin.Context) {
	var req fileDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", err))
		return
	}

	t, ok := h.ownedTask(c)
	if !ok {
		return
	}

	t, err := h.tasks.FileDispute(c.Request.Context(), t.ID, req.Reason, currentPlatform(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type resolveDisputeRequest struct {
	InWorkerFavor bool   `json:"in_worker_favor"`
	Reason        string `json:"reason"`
}

func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", err))
		return
	}

	t, ok := h.ownedTask(c)
	if !ok {
		return
	}

	t, err := h.tasks.ResolveDispute(c.Request.Context(), t.ID, req.InWorkerFavor, req.Reason, currentPlatform(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type completeTaskRequest struct {
	WorkedHours float64  `json:"worked_hours"`
	Rating      *float64 `json:"rating"`
}

func (h *Handler) CompleteTask(c *gin.Context) {
	var req completeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", err))
		return
	}

	t, ok := h.ownedTask(c)
	if !ok {
		return
	}

	payout, err := h.tasks.OnTaskCompleted(c.Request.Context(), task.CompleteParams{
		TaskID:      t.ID,
		WorkedHours: req.WorkedHours,
		Rating:      req.Rating,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"task_id": t.ID, "status": "completed"}
	if payout != nil {
		resp["transaction"] = payout
	}
	c.JSON(http.StatusOK, resp)
}

type requestAdvanceRequest struct {
	WorkerID   string `json:"worker_id" binding:"required"`
	AmountUsdc int64  `json:"amount_usdc" binding:"required"`
}

func (h *Handler) RequestAdvance(c *gin.Context) {
	var req requestAdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errutil.BadRequest("invalid request body", err))
		return
	}

	ln, err := h.loans.RequestAdvance(c.Request.Context(), req.WorkerID, req.AmountUsdc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ln)
}

func (h *Handler) WorkerBalance(c *gin.Context) {
	ctx := c.Request.Context()
	w, err := h.workers.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var pending int64
	if err := h.store.DB().WithContext(ctx).Model(&transaction.Transaction{}).
		Where("worker_id = ? AND type = ? AND status IN ?", w.ID, transaction.TypePayout,
			[]transaction.Status{transaction.StatusPending, transaction.StatusSubmitted}).
		Select("COALESCE(SUM(amount_usdc), 0)").
		Scan(&pending).Error; err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"worker_id":         w.ID,
		"wallet":            w.Wallet,
		"total_earned_usdc": w.TotalEarnedUsdc,
		"pending_usdc":      pending,
		"completed_tasks":   w.CompletedTasks,
	})
}

func (h *Handler) WorkerReputation(c *gin.Context) {
	ctx := c.Request.Context()
	w, err := h.workers.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	events, err := h.reputation.History(ctx, w.ID, 50)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"worker_id": w.ID,
		"score":     w.ReputationScore,
		"grade":     reputation.GradeFor(w.ReputationScore),
		"events":    events,
	})
}

func (h *Handler) WorkerLoan(c *gin.Context) {
	ln, err := h.loans.ActiveLoan(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ln)
}

func (h *Handler) WorkerLoanEligibility(c *gin.Context) {
	ctx := c.Request.Context()
	w, err := h.workers.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	amount, _ := strconv.ParseInt(c.Query("amount_usdc"), 10, 64)

	var elig *loan.Eligibility
	err = h.store.WithTransaction(ctx, func(tx *gorm.DB) error {
		var inner error
		elig, inner = h.loans.CheckEligibility(ctx, tx, w, amount)
		return inner
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, elig)
}

func (h *Handler) GetStream(c *gin.Context) {
	st, err := h.streams.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if st.PlatformID != currentPlatform(c).ID {
		respondError(c, errutil.NotFound("stream not found", nil))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.txns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if txn.PlatformID != "" && txn.PlatformID != currentPlatform(c).ID {
		respondError(c, errutil.NotFound("transaction not found", nil))
		return
	}
	c.JSON(http.StatusOK, txn)
}
