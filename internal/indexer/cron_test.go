package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"filbeam-backend/internal/models"
)

type fakeProber struct {
	meta *SubgraphMeta
	err  error
}

func (f *fakeProber) Meta(context.Context) (*SubgraphMeta, error) {
	return f.meta, f.err
}

func findPoint(points []analyticsPoint, kind string) *analyticsPoint {
	for i := range points {
		if points[i].kind == kind {
			return &points[i]
		}
	}
	return nil
}

func TestCronRun(t *testing.T) {
	st := newFakeStore()
	st.staleWallets = []string{"0xaaa", "0xbbb"}
	st.oldest = &models.DataSet{
		ID:                 "ds1",
		UsageReportedUntil: time.Now().Add(-3 * time.Hour),
	}
	scr := newFakeScreener()
	scr.sanctioned["0xaaa"] = true
	prober := &fakeProber{meta: &SubgraphMeta{HasIndexingErrors: true, BlockNumber: 100}}

	c := NewCron(st, scr, prober, testConfig())
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got, ok := st.wallets["0xaaa"]; !ok || !got {
		t.Error("0xaaa should be re-screened as sanctioned")
	}
	if got, ok := st.wallets["0xbbb"]; !ok || got {
		t.Error("0xbbb should be re-screened as clean")
	}

	health := findPoint(st.points, "subgraph_health")
	if health == nil {
		t.Fatal("missing subgraph_health point")
	}
	if health.fields["errors"] != 1 {
		t.Errorf("errors flag = %v, want 1", health.fields["errors"])
	}
	if health.fields["block_number"] != uint64(100) {
		t.Errorf("block_number = %v, want 100", health.fields["block_number"])
	}

	lag := findPoint(st.points, "settlement_lag")
	if lag == nil {
		t.Fatal("missing settlement_lag point")
	}
	if lag.fields["data_set_id"] != "ds1" {
		t.Errorf("data_set_id = %v", lag.fields["data_set_id"])
	}
	if ms, ok := lag.fields["lag_ms"].(int64); !ok || ms < int64(2*time.Hour/time.Millisecond) {
		t.Errorf("lag_ms = %v, want roughly three hours", lag.fields["lag_ms"])
	}
}

func TestCronRun_ScreeningAPIFailureSkipsWallet(t *testing.T) {
	st := newFakeStore()
	st.staleWallets = []string{"0xbad", "0xgood"}
	scr := newFakeScreener()
	scr.errFor["0xbad"] = errors.New("rate limited")

	c := NewCron(st, scr, nil, testConfig())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("a flaky screening API must not fail the tick: %v", err)
	}

	if _, ok := st.wallets["0xbad"]; ok {
		t.Error("failed screening must not update the wallet row")
	}
	if _, ok := st.wallets["0xgood"]; !ok {
		t.Error("remaining wallets should still be screened")
	}
}

func TestCronRun_StoreErrorsPropagate(t *testing.T) {
	st := newFakeStore()
	st.staleWalletsErr = errors.New("db down")

	c := NewCron(st, newFakeScreener(), nil, testConfig())
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("store errors must fail the tick")
	}
}

func TestCronRun_WalletUpsertErrorsJoined(t *testing.T) {
	st := newFakeStore()
	st.staleWallets = []string{"0xaaa"}
	st.walletsErr = errors.New("constraint violation")

	c := NewCron(st, newFakeScreener(), nil, testConfig())
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("wallet upsert errors must surface")
	}
}

func TestCronRun_SubgraphDownSuppressed(t *testing.T) {
	st := newFakeStore()
	prober := &fakeProber{err: errors.New("connection refused")}

	c := NewCron(st, nil, prober, testConfig())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("unreachable subgraph must not fail the tick: %v", err)
	}
	if findPoint(st.points, "subgraph_health") != nil {
		t.Error("no health point should be written when the probe fails")
	}
}

func TestCronRun_NothingConfigured(t *testing.T) {
	st := newFakeStore()
	c := NewCron(st, nil, nil, testConfig())
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(st.points) != 0 {
		t.Errorf("no analytics expected, got %+v", st.points)
	}
}
