package gateway

import (
	"context"
	"math/rand"
	"net/http"

	"filbeam-backend/internal/models"
)

// authorizeRetrieval turns the rows of the piece→data_set→provider→wallet→
// quota join into a candidate list. Filters apply in priority order and the
// response status is decided by the earliest filter that empties the set, so
// a client always learns the most actionable failure.
func (s *Server) authorizeRetrieval(rows []models.RetrievalCandidate, payer string) ([]models.RetrievalCandidate, *statusError) {
	if len(rows) == 0 {
		return nil, httpError(http.StatusNotFound, "Piece not found.")
	}

	// Provider row must exist at all before payment questions make sense.
	rows, empty := filter(rows, func(c models.RetrievalCandidate) bool {
		return c.ServiceURL != nil
	})
	if empty {
		return nil, httpError(http.StatusNotFound, "No service provider found for this piece.")
	}

	rows, empty = filter(rows, func(c models.RetrievalCandidate) bool {
		return c.PayerAddress == payer
	})
	if empty {
		return nil, httpError(http.StatusPaymentRequired, "No data set for payer %s contains this piece.", payer)
	}

	rows, empty = filter(rows, func(c models.RetrievalCandidate) bool {
		return c.WithCDN
	})
	if empty {
		return nil, httpError(http.StatusPaymentRequired, "Payer %s has not enabled CDN service for this piece.", payer)
	}

	for _, c := range rows {
		if c.Sanctioned != nil && *c.Sanctioned {
			return nil, httpError(http.StatusForbidden, "Wallet %s is sanctioned.", payer)
		}
	}

	rows, empty = filter(rows, func(c models.RetrievalCandidate) bool {
		return c.Approved()
	})
	if empty {
		return nil, httpError(http.StatusNotFound, "No approved service provider found for this piece.")
	}

	if s.cfg.EnforceQuotas {
		rows, empty = filter(rows, func(c models.RetrievalCandidate) bool {
			return c.CDNQuota != nil && c.CDNQuota.Sign() > 0
		})
		if empty {
			return nil, httpError(http.StatusPaymentRequired, "CDN egress quota exhausted for payer %s.", payer)
		}
		rows, empty = filter(rows, func(c models.RetrievalCandidate) bool {
			return c.CacheMissQuota != nil && c.CacheMissQuota.Sign() > 0
		})
		if empty {
			return nil, httpError(http.StatusPaymentRequired, "Cache-miss egress quota exhausted for payer %s.", payer)
		}
	}

	return rows, nil
}

// filter keeps candidates matching keep and reports whether the set emptied.
func filter(rows []models.RetrievalCandidate, keep func(models.RetrievalCandidate) bool) ([]models.RetrievalCandidate, bool) {
	out := rows[:0]
	for _, c := range rows {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out, len(out) == 0
}

// pickCandidate removes and returns a uniformly random candidate.
func pickCandidate(rows []models.RetrievalCandidate) (models.RetrievalCandidate, []models.RetrievalCandidate) {
	i := rand.Intn(len(rows))
	c := rows[i]
	rows[i] = rows[len(rows)-1]
	return c, rows[:len(rows)-1]
}

// checkDenylist resolves the parallel bad-bits lookup started alongside the
// candidate query.
func (s *Server) checkDenylist(ctx context.Context, cid string) <-chan denylistResult {
	ch := make(chan denylistResult, 1)
	go func() {
		hit, err := s.denylist.IsDenylisted(ctx, cid)
		ch <- denylistResult{hit: hit, err: err}
	}()
	return ch
}

type denylistResult struct {
	hit bool
	err error
}
