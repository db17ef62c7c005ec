package devauthority

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
	"github.com/mbd888/alancoin-agent/pkg/events"
)

// --- Session keys -----------------------------------------------------

func (s *Server) handleRegisterKey(c *gin.Context) {
	var req api.RegisterKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	key, err := s.store.registerKey(agentAddr(c), req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, key.Info)
}

func (s *Server) handleGetKey(c *gin.Context) {
	s.store.mu.Lock()
	key, ok := s.store.keys[c.Param("id")]
	s.store.mu.Unlock()
	if !ok {
		s.writeErr(c, rejectf(404, "not_found", "session key not found"))
		return
	}
	c.JSON(http.StatusOK, key.Info)
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	s.store.mu.Lock()
	key, ok := s.store.keys[c.Param("id")]
	if ok && key.Info.RevokedAt == nil {
		now := time.Now()
		key.Info.RevokedAt = &now
	}
	s.store.mu.Unlock()
	if !ok {
		s.writeErr(c, rejectf(404, "not_found", "session key not found"))
		return
	}
	c.JSON(http.StatusOK, key.Info)
}

func (s *Server) handleTransact(c *gin.Context) {
	var req api.SignedTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	receipt, err := s.store.executeTransfer(c.Param("id"), req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	s.hub.publish(events.TypeTransaction, receipt)
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleDelegate(c *gin.Context) {
	var req api.DelegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	parent, ok := s.store.keys[c.Param("id")]
	if !ok {
		s.store.mu.Unlock()
		s.writeErr(c, rejectf(404, "not_found", "session key not found"))
		return
	}
	child, err := s.store.delegate(parent, req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	s.hub.publish(events.TypeDelegation, gin.H{
		"parentKeyId": parent.Info.ID,
		"childKeyId":  child.Info.ID,
		"maxTotal":    child.Info.MaxTotal,
	})
	c.JSON(http.StatusCreated, child.Info)
}

// --- Escrow -----------------------------------------------------------

func (s *Server) handleCreateEscrow(c *gin.Context) {
	var req escrow.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	esc, err := s.store.createEscrow(agentAddr(c), req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	s.publishEscrow(esc)
	c.JSON(http.StatusCreated, esc)
}

func (s *Server) handleGetEscrow(c *gin.Context) {
	s.store.mu.Lock()
	esc, err := s.store.getEscrow(c.Param("id"))
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (s *Server) handleDeliverEscrow(c *gin.Context) {
	s.store.mu.Lock()
	esc, err := s.store.deliverEscrow(c.Param("id"))
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	s.publishEscrow(esc)
	c.JSON(http.StatusOK, esc)
}

func (s *Server) handleConfirmEscrow(c *gin.Context) {
	s.store.mu.Lock()
	esc, err := s.store.confirmEscrow(c.Param("id"))
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	s.publishEscrow(esc)
	c.JSON(http.StatusOK, esc)
}

func (s *Server) handleDisputeEscrow(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	esc, err := s.store.disputeEscrow(c.Param("id"), body.Reason)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	s.publishEscrow(esc)
	c.JSON(http.StatusOK, esc)
}

func (s *Server) publishEscrow(esc *escrow.Escrow) {
	s.hub.publish(events.TypeEscrow, gin.H{
		"id":     esc.ID,
		"from":   esc.BuyerAddr,
		"to":     esc.SellerAddr,
		"amount": esc.Amount,
		"status": esc.Status,
	})
}

// --- Multistep escrow -------------------------------------------------

func (s *Server) handleLockSteps(c *gin.Context) {
	var req escrow.LockStepsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	ms, err := s.store.lockSteps(agentAddr(c), req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, ms)
}

func (s *Server) handleGetMultiStep(c *gin.Context) {
	s.store.mu.Lock()
	ms, err := s.store.getMultiStep(c.Param("id"))
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ms)
}

func (s *Server) handleConfirmStep(c *gin.Context) {
	var body struct {
		StepIndex  int    `json:"stepIndex"`
		SellerAddr string `json:"sellerAddr"`
		Amount     string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	ms, err := s.store.confirmStep(c.Param("id"), body.StepIndex, body.SellerAddr, body.Amount)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ms)
}

func (s *Server) handleRefundRemaining(c *gin.Context) {
	s.store.mu.Lock()
	ms, err := s.store.refundRemaining(c.Param("id"))
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ms)
}

// --- Discovery and reputation ----------------------------------------

func (s *Server) handleListServices(c *gin.Context) {
	s.store.mu.Lock()
	listings := s.store.matchListings(c.Query("type"), c.Query("maxPrice"))
	s.store.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"services": listings, "count": len(listings)})
}

func (s *Server) handleReportDispute(c *gin.Context) {
	var body struct {
		EscrowID string `json:"escrowId"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	s.store.disputes[c.Param("addr")]++
	count := s.store.disputes[c.Param("addr")]
	s.store.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"sellerAddr": c.Param("addr"), "disputeCount": count})
}

// --- Gateway sessions -------------------------------------------------

func (s *Server) handleOpenGateway(c *gin.Context) {
	var req api.OpenGatewayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	gw, err := s.store.openGateway(agentAddr(c), req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gw.Info)
}

func (s *Server) handleGatewayProxy(c *gin.Context) {
	var req api.ProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	listing, err := s.store.selectProxy(c.Param("id"), req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}

	var response map[string]any
	if s.invoke != nil {
		raw, err := s.invoke(listing.Endpoint, req.Params)
		if err != nil {
			s.writeErr(c, rejectf(502, "upstream_failed", "service call failed: %v", err))
			return
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &response)
		}
	}

	s.store.mu.Lock()
	result, err := s.store.settleProxy(c.Param("id"), listing, response)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCloseGateway(c *gin.Context) {
	s.store.mu.Lock()
	gw, err := s.store.closeGateway(c.Param("id"))
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gw.Info)
}

// --- Streams ----------------------------------------------------------

func (s *Server) handleOpenStream(c *gin.Context) {
	var req api.OpenStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	st, err := s.store.openStream(agentAddr(c), req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, st.Info)
}

func (s *Server) handleStreamTick(c *gin.Context) {
	var req api.TickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	s.store.mu.Lock()
	receipt, err := s.store.streamTick(c.Param("id"), req)
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	s.hub.publish(events.TypeStream, receipt)
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleCloseStream(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	s.store.mu.Lock()
	st, err := s.store.closeStream(c.Param("id"))
	s.store.mu.Unlock()
	if err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st.Info)
}
