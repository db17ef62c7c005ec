package devauthority

import (
	"sync"
	"time"

	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
)

// sessionKey is the server-side record: the client-facing info plus the
// permissions the client never needs back.
type sessionKey struct {
	Info                api.SessionKeyInfo
	MaxPerTx            string
	MaxPerDay           string
	AllowedRecipients   []string
	AllowedServiceTypes []string
	AllowAny            bool
}

// gatewaySession is a server-held budget for proxy calls.
type gatewaySession struct {
	Info          api.GatewaySessionInfo
	MaxPerRequest string
	AllowedTypes  []string
}

// stream is a server-held micropayment stream.
type stream struct {
	Info         api.StreamInfo
	SellerAddr   string
	PricePerTick string
	LastSeq      int
}

// store holds all simulator state under one mutex. The simulator
// trades granularity for the atomicity the real platform gets from its
// database: every state transition is a single critical section.
type store struct {
	mu sync.Mutex

	balances map[string]string // available funds per address
	held     map[string]string // funds locked in escrows/holds per address

	keys       map[string]*sessionKey
	escrows    map[string]*escrow.Escrow
	multisteps map[string]*escrow.MultiStep
	msKeys     map[string]string // multistep ID -> session key ID
	gateways   map[string]*gatewaySession
	streams    map[string]*stream

	listings []discovery.Listing
	disputes map[string]int // dispute count per seller
}

func newStore() *store {
	return &store{
		balances:   make(map[string]string),
		held:       make(map[string]string),
		keys:       make(map[string]*sessionKey),
		escrows:    make(map[string]*escrow.Escrow),
		multisteps: make(map[string]*escrow.MultiStep),
		msKeys:     make(map[string]string),
		gateways:   make(map[string]*gatewaySession),
		streams:    make(map[string]*stream),
		disputes:   make(map[string]int),
	}
}

func (s *store) balance(addr string) string {
	if b, ok := s.balances[addr]; ok {
		return b
	}
	return "0.00"
}

func (s *store) heldAmount(addr string) string {
	if h, ok := s.held[addr]; ok {
		return h
	}
	return "0.00"
}

// hold moves amount from addr's available balance into held. Caller
// holds s.mu.
func (s *store) hold(addr, amount string) error {
	if usdc.Cmp(amount, s.balance(addr)) > 0 {
		return errInsufficientFunds
	}
	s.balances[addr] = usdc.Sub(s.balance(addr), amount)
	s.held[addr] = usdc.Add(s.heldAmount(addr), amount)
	return nil
}

// releaseHold returns held funds to addr's available balance.
func (s *store) releaseHold(addr, amount string) {
	s.held[addr] = usdc.Sub(s.heldAmount(addr), amount)
	s.balances[addr] = usdc.Add(s.balance(addr), amount)
}

// settleHold moves held buyer funds to the seller's balance.
func (s *store) settleHold(buyer, seller, amount string) {
	s.held[buyer] = usdc.Sub(s.heldAmount(buyer), amount)
	s.balances[seller] = usdc.Add(s.balance(seller), amount)
}

// transfer moves available funds directly between addresses.
func (s *store) transfer(from, to, amount string) error {
	if usdc.Cmp(amount, s.balance(from)) > 0 {
		return errInsufficientFunds
	}
	s.balances[from] = usdc.Sub(s.balance(from), amount)
	s.balances[to] = usdc.Add(s.balance(to), amount)
	return nil
}

// creditSpend records a spend on a key and cascades it up the
// delegation chain, so every ancestor's remaining budget shrinks with
// descendant spending. Caller holds s.mu.
func (s *store) creditSpend(key *sessionKey, amount string, nonce uint64) {
	key.Info.Usage.LastNonce = nonce
	key.Info.Usage.LastUsed = time.Now()
	for k := key; k != nil; k = s.keys[k.Info.ParentKeyID] {
		k.Info.Usage.TotalSpent = usdc.Add(k.Info.Usage.TotalSpent, amount)
		k.Info.Usage.SpentToday = usdc.Add(k.Info.Usage.SpentToday, amount)
		k.Info.Usage.TransactionCount++
	}
}
