package server

import (
	"net/http"
	"strconv"
	"time"

	"OptionLedger/internal/control"
	"OptionLedger/internal/trade"
	"OptionLedger/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type tradeResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Symbol          string     `json:"symbol"`
	Direction       string     `json:"direction"`
	Amount          int64      `json:"amount"`
	DurationSeconds int64      `json:"duration_seconds"`
	EntryPrice      int64      `json:"entry_price"`
	ExitPrice       *int64     `json:"exit_price,omitempty"`
	Status          string     `json:"status"`
	Result          *string    `json:"result,omitempty"`
	ProfitAmount    *int64     `json:"profit_amount,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DueAt           time.Time  `json:"due_at"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
}

func toTradeResponse(t *trade.Trade) tradeResponse {
	resp := tradeResponse{
		ID:              t.ID.String(),
		UserID:          t.UserID.String(),
		Symbol:          t.Symbol,
		Direction:       string(t.Direction),
		Amount:          t.Amount,
		DurationSeconds: t.DurationSeconds,
		EntryPrice:      t.EntryPrice,
		ExitPrice:       t.ExitPrice,
		Status:          string(t.Status),
		ProfitAmount:    t.ProfitAmount,
		CreatedAt:       t.CreatedAt,
		DueAt:           t.DueAt,
		SettledAt:       t.SettledAt,
	}
	if t.Result != nil {
		r := string(*t.Result)
		resp.Result = &r
	}
	return resp
}

type transferResponse struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Kind        string     `json:"kind"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

func toTransferResponse(t *workflow.Transfer) transferResponse {
	return transferResponse{
		ID:          t.ID.String(),
		UserID:      t.UserID.String(),
		Kind:        string(t.Kind),
		Amount:      t.Amount,
		Status:      string(t.Status),
		RequestedAt: t.RequestedAt,
		DecidedAt:   t.DecidedAt,
	}
}

func (s *Server) createTrade(c *gin.Context) {
	var req struct {
		Symbol          string `json:"symbol"`
		Direction       string `json:"direction"`
		Amount          int64  `json:"amount"`
		DurationSeconds int64  `json:"duration_seconds"`
	}
	if err := c.BindJSON(&req); err != nil {
		return
	}

	t, err := s.engine.CreateTrade(c.Request.Context(), currentUserID(c),
		req.Symbol, trade.Direction(req.Direction), req.Amount, req.DurationSeconds)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTradeResponse(t))
}

func (s *Server) listTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	trades, err := s.engine.TradeHistory(c.Request.Context(), currentUserID(c), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

func (s *Server) getTrade(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid trade id"})
		return
	}

	t, err := s.engine.GetTrade(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if t.UserID != currentUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "trade not found"})
		return
	}
	c.JSON(http.StatusOK, toTradeResponse(t))
}

func (s *Server) getBalance(c *gin.Context) {
	userID := currentUserID(c)
	balance, err := s.engine.Balance(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance": balance})
}

func (s *Server) requestTransfer(c *gin.Context) {
	var req struct {
		Kind   string `json:"kind"`
		Amount int64  `json:"amount"`
	}
	if err := c.BindJSON(&req); err != nil {
		return
	}

	t, err := s.engine.RequestTransfer(c.Request.Context(), currentUserID(c),
		workflow.TransferKind(req.Kind), req.Amount)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTransferResponse(t))
}

func (s *Server) listTransfers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	transfers, err := s.engine.TransferHistory(c.Request.Context(), currentUserID(c), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	out := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, toTransferResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"transfers": out})
}

func (s *Server) redeemCode(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.BindJSON(&req); err != nil {
		return
	}

	bonus, balance, err := s.engine.RedeemCode(c.Request.Context(), currentUserID(c), req.Code)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bonus_amount": bonus, "balance": balance})
}

func (s *Server) getControlMode(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid user id"})
		return
	}

	mode, err := s.engine.ControlMode(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "mode": string(mode)})
}

func (s *Server) setControlMode(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid user id"})
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.BindJSON(&req); err != nil {
		return
	}

	mode, err := control.ParseMode(req.Mode)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.engine.SetControlMode(c.Request.Context(), userID, mode); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "mode": string(mode)})
}

func (s *Server) decideTransfer(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid transfer id"})
		return
	}

	var req struct {
		Decision string `json:"decision"`
	}
	if err := c.BindJSON(&req); err != nil {
		return
	}
	decision, err := workflow.ParseDecision(req.Decision)
	if err != nil {
		s.respondError(c, err)
		return
	}

	t, err := s.engine.DecideTransfer(c.Request.Context(), id, decision)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTransferResponse(t))
}

func (s *Server) adminAdjust(c *gin.Context) {
	var req struct {
		UserID       string `json:"user_id"`
		AdjustmentID string `json:"adjustment_id"`
		Delta        int64  `json:"delta"`
		Note         string `json:"note"`
	}
	if err := c.BindJSON(&req); err != nil {
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid user id"})
		return
	}
	adjustmentID, err := uuid.Parse(req.AdjustmentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid adjustment id"})
		return
	}

	balance, err := s.engine.AdminAdjust(c.Request.Context(), userID, adjustmentID, req.Delta, req.Note)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balance": balance})
}

func (s *Server) createCode(c *gin.Context) {
	var req struct {
		Code      string     `json:"code"`
		Amount    int64      `json:"amount"`
		UsageCap  int        `json:"usage_cap"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := c.BindJSON(&req); err != nil {
		return
	}

	code, err := s.engine.CreateBonusCode(c.Request.Context(), req.Code, req.Amount, req.UsageCap, req.ExpiresAt)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":     code.ID.String(),
		"code":   code.Code,
		"amount": code.Amount,
	})
}

func (s *Server) deactivateCode(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid code id"})
		return
	}

	if err := s.engine.DeactivateBonusCode(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
