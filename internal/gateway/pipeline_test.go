package gateway

import (
	"math/big"
	"net/http"
	"testing"

	"filbeam-backend/internal/models"
)

func TestAuthorizeRetrieval(t *testing.T) {
	mutate := func(fns ...func(*models.RetrievalCandidate)) models.RetrievalCandidate {
		c := goodCandidate("https://sp.example.com")
		for _, fn := range fns {
			fn(&c)
		}
		return c
	}
	noProvider := func(c *models.RetrievalCandidate) {
		c.ServiceURL = nil
		c.ProviderDeleted = nil
	}
	otherPayer := func(c *models.RetrievalCandidate) {
		c.PayerAddress = "0xffffffffffffffffffffffffffffffffffffffff"
	}
	noCDN := func(c *models.RetrievalCandidate) { c.WithCDN = false }
	sanctioned := func(c *models.RetrievalCandidate) {
		yes := true
		c.Sanctioned = &yes
	}
	deletedProvider := func(c *models.RetrievalCandidate) {
		yes := true
		c.ProviderDeleted = &yes
	}
	emptyURL := func(c *models.RetrievalCandidate) {
		empty := ""
		c.ServiceURL = &empty
	}
	cdnQuota := func(n int64) func(*models.RetrievalCandidate) {
		return func(c *models.RetrievalCandidate) { c.CDNQuota = big.NewInt(n) }
	}
	cacheMissQuota := func(n int64) func(*models.RetrievalCandidate) {
		return func(c *models.RetrievalCandidate) { c.CacheMissQuota = big.NewInt(n) }
	}

	tests := []struct {
		name     string
		enforce  bool
		rows     []models.RetrievalCandidate
		wantCode int
		wantLeft int
	}{
		{
			name:     "unknown piece",
			enforce:  true,
			rows:     nil,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "no provider row",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(noProvider)},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "payer mismatch",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(otherPayer)},
			wantCode: http.StatusPaymentRequired,
		},
		{
			name:     "cdn disabled",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(noCDN)},
			wantCode: http.StatusPaymentRequired,
		},
		{
			name:     "sanctioned payer",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(sanctioned)},
			wantCode: http.StatusForbidden,
		},
		{
			name:     "provider deleted",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(deletedProvider)},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "provider url empty",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(emptyURL)},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "cdn quota exhausted",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(cdnQuota(0))},
			wantCode: http.StatusPaymentRequired,
		},
		{
			name:     "cache-miss quota negative",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(cacheMissQuota(-5))},
			wantCode: http.StatusPaymentRequired,
		},
		{
			name:     "quotas ignored when enforcement off",
			enforce:  false,
			rows:     []models.RetrievalCandidate{mutate(cdnQuota(0), cacheMissQuota(-5))},
			wantLeft: 1,
		},
		{
			name:    "missing quota row fails under enforcement",
			enforce: true,
			rows: []models.RetrievalCandidate{mutate(func(c *models.RetrievalCandidate) {
				c.CDNQuota = nil
				c.CacheMissQuota = nil
			})},
			wantCode: http.StatusPaymentRequired,
		},
		{
			// The earliest applicable status wins: a missing provider
			// answers before payment questions.
			name:     "provider missing beats payer mismatch",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(noProvider, otherPayer)},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "one good row among bad ones survives",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(deletedProvider), mutate(), mutate(noCDN)},
			wantLeft: 1,
		},
		{
			name:     "all good rows survive",
			enforce:  true,
			rows:     []models.RetrievalCandidate{mutate(), mutate()},
			wantLeft: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.EnforceQuotas = tt.enforce
			s := &Server{cfg: cfg}

			got, serr := s.authorizeRetrieval(tt.rows, testPayer)
			if tt.wantCode != 0 {
				if serr == nil {
					t.Fatalf("expected %d, got %d candidates", tt.wantCode, len(got))
				}
				if serr.code != tt.wantCode {
					t.Fatalf("code = %d (%s), want %d", serr.code, serr.msg, tt.wantCode)
				}
				return
			}
			if serr != nil {
				t.Fatalf("unexpected error: %v", serr)
			}
			if len(got) != tt.wantLeft {
				t.Errorf("candidates left = %d, want %d", len(got), tt.wantLeft)
			}
		})
	}
}

func TestPickCandidateRemoves(t *testing.T) {
	rows := []models.RetrievalCandidate{
		goodCandidate("https://a.example.com"),
		goodCandidate("https://b.example.com"),
		goodCandidate("https://c.example.com"),
	}
	seen := map[string]bool{}
	for i := 3; i > 0; i-- {
		var c models.RetrievalCandidate
		c, rows = pickCandidate(rows)
		if len(rows) != i-1 {
			t.Fatalf("remaining = %d, want %d", len(rows), i-1)
		}
		if seen[*c.ServiceURL] {
			t.Fatalf("candidate %s picked twice", *c.ServiceURL)
		}
		seen[*c.ServiceURL] = true
	}
}
