package commission

import (
	"context"
	"errors"
	"log/slog"

	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

// Chain is the referral chain of a depositing account. Either side may be
// nil; both nil means the deposit has no referrer.
type Chain struct {
	Affiliate *model.Affiliate
	Partner   *model.Partner
}

// Empty reports whether nobody is owed commission.
func (c *Chain) Empty() bool { return c.Affiliate == nil && c.Partner == nil }

// ResolveChain looks up the referrers of an account. A referring partner
// wins over a referring affiliate and brings its own affiliate along.
// Unknown or inactive referrers are skipped.
func (e *Engine) ResolveChain(ctx context.Context, acct *model.Account) (*Chain, error) {
	chain := &Chain{}

	if acct.ReferringPartnerID != "" {
		p, err := e.activePartner(ctx, acct.ReferringPartnerID)
		if err != nil {
			return nil, err
		}
		chain.Partner = p
		if p != nil && p.AffiliateID != "" {
			if chain.Affiliate, err = e.activeAffiliate(ctx, p.AffiliateID); err != nil {
				return nil, err
			}
		}
	}

	if chain.Partner == nil && acct.ReferringAffiliateID != "" {
		a, err := e.activeAffiliate(ctx, acct.ReferringAffiliateID)
		if err != nil {
			return nil, err
		}
		chain.Affiliate = a
	}
	return chain, nil
}

func (e *Engine) activePartner(ctx context.Context, id string) (*model.Partner, error) {
	p, err := e.store.GetPartner(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("referring partner not found", "partner", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		slog.Info("referring partner inactive", "partner", id)
		return nil, nil
	}
	return p, nil
}

func (e *Engine) activeAffiliate(ctx context.Context, id string) (*model.Affiliate, error) {
	a, err := e.store.GetAffiliate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("referring affiliate not found", "affiliate", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !a.Active {
		slog.Info("referring affiliate inactive", "affiliate", id)
		return nil, nil
	}
	return a, nil
}
