// Package discovery consumes the platform's service marketplace.
//
// The platform computes prices, reputation, and success rates; this
// package only filters and ranks listings for a purchase decision.
package discovery

import (
	"context"
	"errors"
	"math/big"
	"sort"

	"github.com/mbd888/alancoin-agent/internal/usdc"
)

var ErrNoServiceAvailable = errors.New("discovery: no service available matching criteria")

// Listing is one marketplace entry.
type Listing struct {
	ServiceID   string  `json:"serviceId"`
	ServiceName string  `json:"serviceName"`
	ServiceType string  `json:"serviceType"`
	AgentAddr   string  `json:"agentAddress"`
	Endpoint    string  `json:"endpoint"`
	Price       string  `json:"price"`
	Reputation  float64 `json:"reputation"`
	SuccessRate float64 `json:"successRate"`
}

// Finder queries the marketplace. Implemented by pkg/api.Client.
type Finder interface {
	// ListServices returns listings of the given type priced at or below
	// maxPrice (empty maxPrice = no ceiling).
	ListServices(ctx context.Context, serviceType, maxPrice string) ([]Listing, error)
}

// Strategy names a ranking rule for candidate selection.
type Strategy string

const (
	StrategyCheapest   Strategy = "cheapest"
	StrategyReputation Strategy = "reputation"
	StrategyBestValue  Strategy = "best_value"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCheapest, StrategyReputation, StrategyBestValue:
		return true
	}
	return false
}

// Select ranks listings by strategy and returns the winner. Listings
// without endpoints are skipped. Ties keep source order (sort is stable),
// so the platform's own ordering breaks ties.
func Select(listings []Listing, strategy Strategy) (Listing, error) {
	var candidates []Listing
	for _, l := range listings {
		if l.Endpoint != "" {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return Listing{}, ErrNoServiceAvailable
	}

	switch strategy {
	case StrategyReputation:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Reputation > candidates[j].Reputation
		})
	case StrategyBestValue:
		sort.SliceStable(candidates, func(i, j int) bool {
			return valueScore(candidates[i]) > valueScore(candidates[j])
		})
	default: // cheapest
		sort.SliceStable(candidates, func(i, j int) bool {
			return usdc.Cmp(candidates[i].Price, candidates[j].Price) < 0
		})
	}

	return candidates[0], nil
}

// Find queries the marketplace and selects one listing.
func Find(ctx context.Context, finder Finder, serviceType, maxPrice string, strategy Strategy) (Listing, error) {
	listings, err := finder.ListServices(ctx, serviceType, maxPrice)
	if err != nil {
		return Listing{}, err
	}
	return Select(listings, strategy)
}

// valueScore is reputation per unit cost (higher = better deal).
func valueScore(l Listing) float64 {
	price, _ := usdc.Parse(l.Price)
	if price == nil || price.Sign() == 0 {
		return 0
	}
	// big.Float avoids Int64() truncation on large values.
	priceF, _ := new(big.Float).SetInt(price).Float64()
	if priceF == 0 {
		return 0
	}
	// price is in USDC base units (6 decimals).
	return l.Reputation / (priceF / 1e6)
}
