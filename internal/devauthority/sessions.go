package devauthority

import (
	"time"

	"github.com/mbd888/alancoin-agent/internal/idgen"
	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
)

// openGateway opens a server-managed budget for proxy calls. The whole
// budget is held up front and the unspent remainder returns on close.
func (s *store) openGateway(agent string, req api.OpenGatewayRequest) (*gatewaySession, error) {
	if !validation.IsValidAmount(req.MaxTotal) {
		return nil, rejectf(400, "invalid_request", "invalid maxTotal %q", req.MaxTotal)
	}
	if !validation.IsValidAmount(req.MaxPerRequest) {
		return nil, rejectf(400, "invalid_request", "invalid maxPerRequest %q", req.MaxPerRequest)
	}
	if usdc.Cmp(req.MaxPerRequest, req.MaxTotal) > 0 {
		return nil, rejectf(400, "invalid_request", "maxPerRequest exceeds maxTotal")
	}
	strategy := discovery.Strategy(req.Strategy)
	if req.Strategy == "" {
		strategy = discovery.StrategyCheapest
	}
	if !strategy.Valid() {
		return nil, rejectf(400, "invalid_request", "unknown strategy %q", req.Strategy)
	}
	if err := s.hold(agent, req.MaxTotal); err != nil {
		return nil, rejectf(402, "insufficient_funds", "balance too low to hold %s", req.MaxTotal)
	}

	expiresIn := time.Hour
	if req.ExpiresInSec > 0 {
		expiresIn = time.Duration(req.ExpiresInSec) * time.Second
	}
	gw := &gatewaySession{
		Info: api.GatewaySessionInfo{
			ID:            idgen.WithPrefix("gw_"),
			AgentAddr:     agent,
			MaxTotal:      req.MaxTotal,
			MaxPerRequest: req.MaxPerRequest,
			TotalSpent:    "0.00",
			Strategy:      string(strategy),
			Status:        "active",
			ExpiresAt:     time.Now().Add(expiresIn),
			CreatedAt:     time.Now(),
		},
		MaxPerRequest: req.MaxPerRequest,
		AllowedTypes:  req.AllowedTypes,
	}
	s.gateways[gw.Info.ID] = gw
	return gw, nil
}

// selectProxy validates a proxy request and picks the listing to call.
// No funds move here; settleProxy completes the request after the
// upstream call so the lock is never held across network I/O.
func (s *store) selectProxy(id string, req api.ProxyRequest) (discovery.Listing, error) {
	gw, ok := s.gateways[id]
	if !ok {
		return discovery.Listing{}, rejectf(404, "not_found", "gateway session %s not found", id)
	}
	if gw.Info.Status != "active" {
		return discovery.Listing{}, rejectf(409, "session_closed", "gateway session is %s", gw.Info.Status)
	}
	if time.Now().After(gw.Info.ExpiresAt) {
		return discovery.Listing{}, rejectf(409, "session_expired", "gateway session has expired")
	}
	if len(gw.AllowedTypes) > 0 && !contains(gw.AllowedTypes, req.ServiceType) {
		return discovery.Listing{}, rejectf(403, "service_type_not_allowed", "service type %q is not allowed", req.ServiceType)
	}

	maxPrice := gw.MaxPerRequest
	if req.MaxPrice != "" && usdc.Cmp(req.MaxPrice, maxPrice) < 0 {
		maxPrice = req.MaxPrice
	}
	remaining := usdc.Sub(gw.Info.MaxTotal, gw.Info.TotalSpent)
	if usdc.Cmp(maxPrice, remaining) > 0 {
		maxPrice = remaining
	}

	listing, err := discovery.Select(s.matchListings(req.ServiceType, maxPrice), discovery.Strategy(gw.Info.Strategy))
	if err != nil {
		return discovery.Listing{}, rejectf(404, "no_service", "no service of type %q within %s", req.ServiceType, maxPrice)
	}
	return listing, nil
}

// settleProxy moves the listing price out of the session's hold once
// the upstream call has succeeded. The budget is re-checked: another
// request may have spent it between select and settle.
func (s *store) settleProxy(id string, listing discovery.Listing, response map[string]any) (*api.ProxyResult, error) {
	gw, ok := s.gateways[id]
	if !ok {
		return nil, rejectf(404, "not_found", "gateway session %s not found", id)
	}
	if gw.Info.Status != "active" {
		return nil, rejectf(409, "session_closed", "gateway session is %s", gw.Info.Status)
	}
	if usdc.Cmp(usdc.Add(gw.Info.TotalSpent, listing.Price), gw.Info.MaxTotal) > 0 {
		return nil, rejectf(403, "budget_exhausted", "session budget exhausted")
	}

	s.settleHold(gw.Info.AgentAddr, listing.AgentAddr, listing.Price)
	gw.Info.TotalSpent = usdc.Add(gw.Info.TotalSpent, listing.Price)
	gw.Info.RequestCount++

	return &api.ProxyResult{
		Response:    response,
		ServiceUsed: listing.ServiceID,
		ServiceName: listing.ServiceName,
		AmountPaid:  listing.Price,
		TotalSpent:  gw.Info.TotalSpent,
		Remaining:   usdc.Sub(gw.Info.MaxTotal, gw.Info.TotalSpent),
	}, nil
}

func (s *store) closeGateway(id string) (*gatewaySession, error) {
	gw, ok := s.gateways[id]
	if !ok {
		return nil, rejectf(404, "not_found", "gateway session %s not found", id)
	}
	if gw.Info.Status != "active" {
		return nil, rejectf(409, "session_closed", "gateway session is already %s", gw.Info.Status)
	}
	unspent := usdc.Sub(gw.Info.MaxTotal, gw.Info.TotalSpent)
	if usdc.IsPositive(unspent) {
		s.releaseHold(gw.Info.AgentAddr, unspent)
	}
	gw.Info.Status = "closed"
	return gw, nil
}

func (s *store) matchListings(serviceType, maxPrice string) []discovery.Listing {
	var out []discovery.Listing
	for _, l := range s.listings {
		if serviceType != "" && l.ServiceType != serviceType {
			continue
		}
		if maxPrice != "" && usdc.Cmp(l.Price, maxPrice) > 0 {
			continue
		}
		out = append(out, l)
	}
	return out
}

// --- Streams ----------------------------------------------------------

func (s *store) openStream(buyer string, req api.OpenStreamRequest) (*stream, error) {
	if !validation.IsValidEthAddress(req.SellerAddr) {
		return nil, rejectf(400, "invalid_request", "invalid seller address")
	}
	if !validation.IsValidAmount(req.HoldAmount) {
		return nil, rejectf(400, "invalid_request", "invalid holdAmount %q", req.HoldAmount)
	}
	if !validation.IsValidAmount(req.PricePerTick) {
		return nil, rejectf(400, "invalid_request", "invalid pricePerTick %q", req.PricePerTick)
	}
	if usdc.Cmp(req.PricePerTick, req.HoldAmount) > 0 {
		return nil, rejectf(400, "invalid_request", "pricePerTick exceeds holdAmount")
	}
	if err := s.hold(buyer, req.HoldAmount); err != nil {
		return nil, rejectf(402, "insufficient_funds", "balance too low to hold %s", req.HoldAmount)
	}

	st := &stream{
		Info: api.StreamInfo{
			ID:           idgen.WithPrefix("str_"),
			BuyerAddr:    buyer,
			SellerAddr:   validation.NormalizeAddress(req.SellerAddr),
			HoldAmount:   req.HoldAmount,
			SpentAmount:  "0.00",
			PricePerTick: req.PricePerTick,
			Status:       "active",
			CreatedAt:    time.Now(),
		},
		SellerAddr:   validation.NormalizeAddress(req.SellerAddr),
		PricePerTick: req.PricePerTick,
	}
	s.streams[st.Info.ID] = st
	return st, nil
}

// streamTick records one metered unit. Duplicate sequence numbers are
// acknowledged without double-charging.
func (s *store) streamTick(id string, req api.TickRequest) (*api.TickReceipt, error) {
	st, ok := s.streams[id]
	if !ok {
		return nil, rejectf(404, "not_found", "stream %s not found", id)
	}
	if st.Info.Status != "active" {
		return nil, rejectf(409, "stream_closed", "stream is %s", st.Info.Status)
	}

	amount := req.Amount
	if amount == "" {
		amount = st.PricePerTick
	}
	if !validation.IsValidAmount(amount) {
		return nil, rejectf(400, "invalid_request", "invalid amount %q", amount)
	}

	seq := req.Seq
	if seq == 0 {
		seq = st.LastSeq + 1
	}
	if seq <= st.LastSeq {
		return &api.TickReceipt{StreamID: id, Seq: seq, Amount: "0.00", Cumulative: st.Info.SpentAmount}, nil
	}

	if usdc.Cmp(usdc.Add(st.Info.SpentAmount, amount), st.Info.HoldAmount) > 0 {
		return nil, rejectf(402, "hold_exhausted", "tick would exceed held amount %s", st.Info.HoldAmount)
	}

	st.LastSeq = seq
	st.Info.SpentAmount = usdc.Add(st.Info.SpentAmount, amount)
	st.Info.TickCount++
	return &api.TickReceipt{StreamID: id, Seq: seq, Amount: amount, Cumulative: st.Info.SpentAmount}, nil
}

// closeStream settles the stream: spent goes to the seller, the rest of
// the hold returns to the buyer.
func (s *store) closeStream(id string) (*stream, error) {
	st, ok := s.streams[id]
	if !ok {
		return nil, rejectf(404, "not_found", "stream %s not found", id)
	}
	if st.Info.Status != "active" {
		return nil, rejectf(409, "stream_closed", "stream is already %s", st.Info.Status)
	}
	if usdc.IsPositive(st.Info.SpentAmount) {
		s.settleHold(st.Info.BuyerAddr, st.SellerAddr, st.Info.SpentAmount)
	}
	unspent := usdc.Sub(st.Info.HoldAmount, st.Info.SpentAmount)
	if usdc.IsPositive(unspent) {
		s.releaseHold(st.Info.BuyerAddr, unspent)
	}
	now := time.Now()
	st.Info.Status = "closed"
	st.Info.ClosedAt = &now
	return st, nil
}
