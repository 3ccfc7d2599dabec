package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scratchwin/scratch-engine/internal/model"
)

var ErrUnknownStatus = errors.New("ingest: unknown provider status")

// Provider specific status vocabularies. Keys are compared case-insensitively.
var providerStatuses = map[string]map[string]model.DepositStatus{
	"lirapay": {
		"authorized": model.DepositCompleted,
		"pending":    model.DepositPending,
		"failed":     model.DepositFailed,
		"chargeback": model.DepositCancelled,
		"in_dispute": model.DepositCancelled,
	},
	"orinpay": {
		"pix_gerado":      model.DepositPending,
		"compra_aprovada": model.DepositCompleted,
		"compra_recusada": model.DepositFailed,
		"reembolso":       model.DepositCancelled,
		"estorno":         model.DepositCancelled,
	},
}

// genericStatuses applies to every provider after its own vocabulary.
var genericStatuses = map[string]model.DepositStatus{
	"pending":   model.DepositPending,
	"waiting":   model.DepositPending,
	"completed": model.DepositCompleted,
	"paid":      model.DepositCompleted,
	"approved":  model.DepositCompleted,
	"cancelled": model.DepositCancelled,
	"canceled":  model.DepositCancelled,
	"expired":   model.DepositCancelled,
	"refunded":  model.DepositCancelled,
	"failed":    model.DepositFailed,
	"rejected":  model.DepositFailed,
}

// NormalizeStatus maps a provider status onto a DepositStatus.
func NormalizeStatus(provider, status string) (model.DepositStatus, error) {
	s := strings.ToLower(strings.TrimSpace(status))
	if vocab, ok := providerStatuses[strings.ToLower(provider)]; ok {
		if st, ok := vocab[s]; ok {
			return st, nil
		}
	}
	if st, ok := genericStatuses[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnknownStatus, provider, status)
}
