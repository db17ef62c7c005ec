package devauthority

import (
	"encoding/hex"
	"time"

	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/signer"
)

// executeTransfer validates and settles a signed transfer under a
// session key. Caller holds s.mu.
func (s *store) executeTransfer(keyID string, req api.SignedTransferRequest) (*api.TransferReceipt, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, rejectf(404, "not_found", "session key %s not found", keyID)
	}
	if err := s.validateSigned(key, req); err != nil {
		return nil, err
	}
	to := validation.NormalizeAddress(req.To)
	if err := s.transfer(key.Info.OwnerAddr, to, req.Amount); err != nil {
		return nil, rejectf(402, "insufficient_funds", "balance too low for %s", req.Amount)
	}
	s.creditSpend(key, req.Amount, req.Nonce)

	message, _ := signer.TransferMessage(req.To, req.Amount, req.Nonce, req.Timestamp)
	return &api.TransferReceipt{
		TxHash:       "0x" + hex.EncodeToString(signer.HashMessage(message)),
		From:         key.Info.OwnerAddr,
		To:           to,
		Amount:       req.Amount,
		SessionKeyID: keyID,
		Timestamp:    time.Now(),
	}, nil
}
