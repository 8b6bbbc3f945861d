package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/stakepool/internal/auth"
	"github.com/terminal-bench/stakepool/internal/ledger"
	"github.com/terminal-bench/stakepool/internal/lock"
)

type registerRequest struct {
	Email         string `json:"email" binding:"required,email"`
	Password      string `json:"password" binding:"required,min=8"`
	WalletAddress string `json:"wallet_address"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type createTransactionRequest struct {
	Kind       string `json:"kind" binding:"required"`
	Amount     string `json:"amount"`
	ExternalID string `json:"external_id" binding:"required"`
}

type transactionResponse struct {
	*ledger.Transaction
	Countdown lock.Countdown `json:"countdown"`
}

func (g *Gateway) health(c *gin.Context) {
	status := gin.H{"status": "healthy"}
	if g.msg != nil {
		status["nats_connected"] = g.msg.IsConnected()
	}
	c.JSON(http.StatusOK, status)
}

func (g *Gateway) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	user, err := g.auth.Register(c.Request.Context(), req.Email, req.Password, req.WalletAddress)
	if err != nil {
		if errors.Is(err, auth.ErrEmailExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
			return
		}
		g.logger.Error().Err(err).Msg("registration failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	token, err := g.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user, "access_token": token})
}

func (g *Gateway) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, err := g.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) || errors.Is(err, auth.ErrInvalidPassword) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

func (g *Gateway) createTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	kind := ledger.Kind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be stake or unstake"})
		return
	}

	// Unstake submissions may omit the amount: the chain determines it when
	// the withdrawal is processed.
	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
	}
	if kind == ledger.KindStake && !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stake amount must be positive"})
		return
	}

	tx, err := g.store.Create(c.Request.Context(), ledger.CreateParams{
		OwnerRef:   c.MustGet("user_id").(string),
		Kind:       kind,
		Amount:     amount,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateExternalID):
			c.JSON(http.StatusConflict, gin.H{"error": "transaction already submitted"})
		case errors.Is(err, ledger.ErrNegativeAmount), errors.Is(err, ledger.ErrInvalidKind), errors.Is(err, ledger.ErrMissingExternalID):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			g.logger.Error().Err(err).Msg("failed to create transaction")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry later"})
		}
		return
	}

	c.JSON(http.StatusCreated, transactionResponse{
		Transaction: tx,
		Countdown:   lock.CountdownFor(tx, time.Now().UTC()),
	})
}

func (g *Gateway) listTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txs, err := g.store.ListByOwner(c.Request.Context(), c.MustGet("user_id").(string), limit)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to list transactions")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry later"})
		return
	}

	now := time.Now().UTC()
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{Transaction: tx, Countdown: lock.CountdownFor(tx, now)})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (g *Gateway) getTransaction(c *gin.Context) {
	tx, ok := g.ownedTransaction(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, transactionResponse{
		Transaction: tx,
		Countdown:   lock.CountdownFor(tx, time.Now().UTC()),
	})
}

func (g *Gateway) getCountdown(c *gin.Context) {
	tx, ok := g.ownedTransaction(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, lock.CountdownFor(tx, time.Now().UTC()))
}

// checkTransaction triggers an on-demand reconciliation of a single record,
// racing safely with the background cycle.
func (g *Gateway) checkTransaction(c *gin.Context) {
	if _, ok := g.ownedTransaction(c); !ok {
		return
	}

	tx, verdict, err := g.scheduler.CheckOne(c.Request.Context(), c.Param("external_id"))
	if err != nil {
		g.logger.Error().Err(err).Str("external_id", c.Param("external_id")).Msg("on-demand check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry later"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": transactionResponse{Transaction: tx, Countdown: lock.CountdownFor(tx, time.Now().UTC())},
		"oracle": gin.H{
			"status":        verdict.Status,
			"confirmations": verdict.Confirmations,
			"block_time":    verdict.BlockTime,
		},
	})
}

func (g *Gateway) poolStats(c *gin.Context) {
	stats, err := g.pool.Stats(c.Request.Context())
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to compute pool stats")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ownedTransaction loads the path's transaction and enforces that it belongs
// to the caller. Foreign records read as absent.
func (g *Gateway) ownedTransaction(c *gin.Context) (*ledger.Transaction, bool) {
	tx, err := g.store.GetByExternalID(c.Request.Context(), c.Param("external_id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		} else {
			g.logger.Error().Err(err).Msg("failed to load transaction")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry later"})
		}
		return nil, false
	}

	if tx.OwnerRef != c.MustGet("user_id").(string) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return nil, false
	}
	return tx, true
}
