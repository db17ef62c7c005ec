package devauthority_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alancoin-agent/internal/devauthority"
	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/events"
	"github.com/mbd888/alancoin-agent/pkg/gateway"
	"github.com/mbd888/alancoin-agent/pkg/paywall"
	"github.com/mbd888/alancoin-agent/pkg/session"
	"github.com/mbd888/alancoin-agent/pkg/stream"
)

const (
	agentAddr   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sellerAAddr = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	sellerBAddr = "0xcccccccccccccccccccccccccccccccccccccccc"
	testAPIKey  = "sk_local_test"
)

type env struct {
	server *devauthority.Server
	client *api.Client
	wsBase string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := devauthority.New(devauthority.Config{
		APIKeys: map[string]string{testAPIKey: agentAddr},
		Logger:  slog.New(slog.DiscardHandler),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	client := api.New(api.Config{
		APIURL:       ts.URL,
		APIKey:       testAPIKey,
		AgentAddress: agentAddr,
		Timeout:      5 * time.Second,
	})
	return &env{
		server: srv,
		client: client,
		wsBase: "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

// fakeSeller is an agent-facing service endpoint that checks the escrow
// proof headers before answering.
func fakeSeller(t *testing.T, output any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Escrow-ID") == "" && r.Header.Get("X-Payment-Proof") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(output)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func openSession(t *testing.T, e *env, budget session.Budget) *session.Session {
	t.Helper()
	sess, err := session.New(e.client, agentAddr, budget)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func TestPayEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	sess := openSession(t, e, session.Budget{MaxTotal: "5.00", MaxPerTx: "1.00"})

	receipt, err := sess.Pay(context.Background(), sellerAAddr, "0.75")
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if receipt.Amount != "0.75" {
		t.Errorf("receipt amount = %s", receipt.Amount)
	}
	if got := e.server.Balance(sellerAAddr); got != "0.750000" {
		t.Errorf("seller balance = %s, want 0.750000", got)
	}
	if got := sess.Remaining(); got != "4.250000" {
		t.Errorf("remaining = %s, want 4.250000", got)
	}

	// Server and client agree after reconciliation.
	info, err := sess.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if info.Usage.TotalSpent != "0.750000" || info.Usage.TransactionCount != 1 {
		t.Errorf("server usage = %+v", info.Usage)
	}
}

func TestPayRejectedByServerRollsBack(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "0.50")

	sess := openSession(t, e, session.Budget{MaxTotal: "5.00", MaxPerTx: "1.00"})

	_, err := sess.Pay(context.Background(), sellerAAddr, "1.00")
	serr, ok := session.AsError(err)
	if !ok || serr.Kind != session.KindServerRejected {
		t.Fatalf("err = %v, want ServerRejected", err)
	}
	if serr.FundsStatus != session.FundsNoChange {
		t.Errorf("funds = %s, want no_change", serr.FundsStatus)
	}
	if got := sess.Remaining(); got != "5.000000" {
		t.Errorf("remaining = %s, want 5.000000 after rollback", got)
	}
}

func TestCallServiceEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	seller := fakeSeller(t, map[string]string{"summary": "four score and seven years ago"})
	e.server.AddListing(discovery.Listing{
		ServiceID:   "svc_sum",
		ServiceName: "Summarizer",
		ServiceType: "summarize",
		AgentAddr:   sellerAAddr,
		Endpoint:    seller.URL,
		Price:       "0.50",
	})

	sess := openSession(t, e, session.Budget{MaxTotal: "5.00", MaxPerTx: "1.00"})

	result, err := sess.CallService(context.Background(), session.ServiceRequest{
		ServiceType: "summarize",
		Params:      map[string]any{"text": "..."},
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if !result.Confirmed {
		t.Fatal("expected confirmed result")
	}
	if !strings.Contains(string(result.Output), "four score") {
		t.Errorf("output = %s", result.Output)
	}
	if got := e.server.Balance(sellerAAddr); got != "0.500000" {
		t.Errorf("seller balance = %s, want 0.500000", got)
	}
	if got := e.server.Held(agentAddr); got != "0.000000" {
		t.Errorf("held = %s, want 0.000000", got)
	}
}

func TestCallServiceThroughPaywalledSeller(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	// A real seller runs the paywall middleware instead of a hand-rolled
	// header check, verifying the escrow hold against the platform.
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/translate", paywall.Middleware(paywall.Config{
		Verifier:  e.client,
		Recipient: sellerAAddr,
		Price:     "0.30",
	}), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"translated": "hola"})
	})
	seller := httptest.NewServer(router)
	t.Cleanup(seller.Close)

	e.server.AddListing(discovery.Listing{
		ServiceID:   "svc_paywalled",
		ServiceName: "Paywalled Translator",
		ServiceType: "translation",
		AgentAddr:   sellerAAddr,
		Endpoint:    seller.URL + "/translate",
		Price:       "0.30",
	})

	sess := openSession(t, e, session.Budget{MaxTotal: "5.00", MaxPerTx: "1.00"})

	result, err := sess.CallService(context.Background(), session.ServiceRequest{
		ServiceType: "translation",
		Params:      map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if !result.Confirmed {
		t.Fatal("expected confirmed result")
	}
	if !strings.Contains(string(result.Output), "hola") {
		t.Errorf("output = %s", result.Output)
	}
	if got := e.server.Balance(sellerAAddr); got != "0.300000" {
		t.Errorf("seller balance = %s, want 0.300000", got)
	}
}

func TestCallServiceEmptyOutputWithheldAndDisputed(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	seller := fakeSeller(t, map[string]any{})
	e.server.AddListing(discovery.Listing{
		ServiceID:   "svc_junk",
		ServiceType: "summarize",
		AgentAddr:   sellerAAddr,
		Endpoint:    seller.URL,
		Price:       "0.50",
	})

	sess := openSession(t, e, session.Budget{MaxTotal: "5.00", MaxPerTx: "1.00"})

	result, err := sess.CallService(context.Background(), session.ServiceRequest{ServiceType: "summarize"})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if result.Confirmed {
		t.Fatal("empty output must not be paid for")
	}
	if got := e.server.Balance(sellerAAddr); got != "0.00" {
		t.Errorf("seller balance = %s, want 0.00 before resolution", got)
	}

	disputed, err := sess.DisputeService(context.Background(), result.Escrow, "empty output")
	if err != nil {
		t.Fatalf("DisputeService: %v", err)
	}
	if disputed.Status != "disputed" {
		t.Errorf("status = %s", disputed.Status)
	}
	if got := e.server.Balance(agentAddr); got != "10.000000" {
		t.Errorf("buyer balance = %s, want full refund", got)
	}
	if e.server.DisputeCount(sellerAAddr) == 0 {
		t.Error("dispute was not recorded against the seller")
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	extract := fakeSeller(t, map[string]string{"text": "raw text"})
	summarize := fakeSeller(t, map[string]string{"summary": "short"})
	e.server.AddListing(discovery.Listing{
		ServiceID: "svc_ex", ServiceType: "extract",
		AgentAddr: sellerAAddr, Endpoint: extract.URL, Price: "0.40",
	})
	e.server.AddListing(discovery.Listing{
		ServiceID: "svc_sum", ServiceType: "summarize",
		AgentAddr: sellerBAddr, Endpoint: summarize.URL, Price: "0.60",
	})

	sess := openSession(t, e, session.Budget{MaxTotal: "5.00", MaxPerTx: "1.00"})

	result, err := sess.Pipeline(context.Background(), []session.PipelineStep{
		{ServiceType: "extract", Params: map[string]any{"url": "https://example.com"}},
		{ServiceType: "summarize", Params: map[string]any{"text": session.Prev("text")}},
	})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if result.TotalPaid != "1.000000" {
		t.Errorf("total paid = %s, want 1.000000", result.TotalPaid)
	}
	if got := e.server.Balance(sellerAAddr); got != "0.400000" {
		t.Errorf("extract seller = %s, want 0.400000", got)
	}
	if got := e.server.Balance(sellerBAddr); got != "0.600000" {
		t.Errorf("summarize seller = %s, want 0.600000", got)
	}
	if got := e.server.Held(agentAddr); got != "0.000000" {
		t.Errorf("held = %s, want 0.000000", got)
	}
}

func TestDelegationEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	parent := openSession(t, e, session.Budget{MaxTotal: "2.00", MaxPerTx: "1.00"})

	child, err := parent.Delegate(context.Background(), session.DelegateSpec{MaxTotal: "1.00"})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	t.Cleanup(func() { _ = child.Close(context.Background()) })

	if _, err := child.Pay(context.Background(), sellerAAddr, "0.40"); err != nil {
		t.Fatalf("child Pay: %v", err)
	}

	// Child spending cascades into the parent's server-side usage.
	if _, err := parent.Refresh(context.Background()); err != nil {
		t.Fatalf("parent Refresh: %v", err)
	}
	if got := parent.Remaining(); got != "1.600000" {
		t.Errorf("parent remaining = %s, want 1.600000", got)
	}
}

func TestGatewayEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	e.server.AddListing(discovery.Listing{
		ServiceID: "svc_tr", ServiceType: "translate",
		AgentAddr: sellerAAddr, Endpoint: "http://unused.invalid", Price: "0.30",
	})

	gw, err := gateway.Open(context.Background(), e.client, gateway.Config{
		MaxTotal:      "1.00",
		MaxPerRequest: "0.50",
	})
	if err != nil {
		t.Fatalf("gateway.Open: %v", err)
	}

	result, err := gw.Call(context.Background(), "translate", map[string]any{"text": "hola"})
	if err != nil {
		t.Fatalf("gateway Call: %v", err)
	}
	if result.AmountPaid != "0.30" {
		t.Errorf("amount paid = %s", result.AmountPaid)
	}

	if _, err := gw.Close(context.Background()); err != nil {
		t.Fatalf("gateway Close: %v", err)
	}
	// Unspent hold returned: 10.00 - 0.30.
	if got := e.server.Balance(agentAddr); got != "9.700000" {
		t.Errorf("agent balance = %s, want 9.700000", got)
	}
	if got := e.server.Balance(sellerAAddr); got != "0.300000" {
		t.Errorf("seller balance = %s, want 0.300000", got)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	st, err := stream.Open(context.Background(), e.client, stream.Config{
		SellerAddr:   sellerAAddr,
		HoldAmount:   "1.00",
		PricePerTick: "0.05",
	})
	if err != nil {
		t.Fatalf("stream.Open: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := st.Tick(context.Background(), "", ""); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	info, err := st.Close(context.Background(), "done")
	if err != nil {
		t.Fatalf("stream Close: %v", err)
	}
	if info.SpentAmount != "0.200000" {
		t.Errorf("spent = %s, want 0.200000", info.SpentAmount)
	}
	if got := e.server.Balance(sellerAAddr); got != "0.200000" {
		t.Errorf("seller balance = %s, want 0.200000", got)
	}
	if got := e.server.Balance(agentAddr); got != "9.800000" {
		t.Errorf("agent balance = %s, want 9.800000", got)
	}
}

func TestEventFeedDeliversTransactions(t *testing.T) {
	e := newEnv(t)
	e.server.Credit(agentAddr, "10.00")

	feed, err := events.Dial(context.Background(), e.wsBase+"/v1/events", events.Subscription{
		EventTypes: []events.Type{events.TypeTransaction},
	})
	if err != nil {
		t.Fatalf("events.Dial: %v", err)
	}
	defer feed.Close()

	sess := openSession(t, e, session.Budget{MaxTotal: "5.00", MaxPerTx: "1.00"})
	if _, err := sess.Pay(context.Background(), sellerAAddr, "0.25"); err != nil {
		t.Fatalf("Pay: %v", err)
	}

	select {
	case ev := <-feed.Events():
		if ev.Type != events.TypeTransaction {
			t.Errorf("event type = %s", ev.Type)
		}
		var data struct {
			To     string `json:"to"`
			Amount string `json:"amount"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if data.To != sellerAAddr || data.Amount != "0.25" {
			t.Errorf("event data = %+v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no transaction event within 3s")
	}
}

func TestUnauthorizedRequestRejected(t *testing.T) {
	e := newEnv(t)
	client := api.New(api.Config{
		APIURL:       "http" + strings.TrimPrefix(e.wsBase, "ws"),
		APIKey:       "wrong-key",
		AgentAddress: agentAddr,
		Timeout:      5 * time.Second,
	})
	_, err := client.ListServices(context.Background(), "", "")
	apiErr, ok := api.AsError(err)
	if !ok || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
}
