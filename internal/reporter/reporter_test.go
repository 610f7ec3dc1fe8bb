package reporter

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"filbeam-backend/internal/chain"
	"filbeam-backend/internal/config"
	"filbeam-backend/internal/models"
)

const genesisMS = int64(1598306400000)

func testConfig() *config.Config {
	return &config.Config{
		GenesisUnixMS:          genesisMS,
		ReporterCronInterval:   time.Hour,
		MonitorStalenessWindow: 10 * time.Minute,
	}
}

type pendingCall struct {
	ids    []string
	txHash string
}

type monitorCall struct {
	txHash    string
	onSuccess string
	upTo      time.Time
	deadline  time.Time
}

type finalizeCall struct {
	txHash string
	upTo   time.Time
}

type fakeStore struct {
	rollups    []models.UsageRollup
	rollupsErr error
	pendingErr error

	pending   []pendingCall
	monitors  []monitorCall
	finalized []finalizeCall
	points    []string
}

func (f *fakeStore) AggregateUnreportedUsage(_ context.Context, _ time.Time) ([]models.UsageRollup, error) {
	return f.rollups, f.rollupsErr
}

func (f *fakeStore) SetPendingUsageReportTxHash(_ context.Context, dataSetIDs []string, txHash string) error {
	if f.pendingErr != nil {
		return f.pendingErr
	}
	f.pending = append(f.pending, pendingCall{ids: dataSetIDs, txHash: txHash})
	return nil
}

func (f *fakeStore) FinalizeUsageReport(_ context.Context, txHash string, upTo time.Time) (int64, error) {
	f.finalized = append(f.finalized, finalizeCall{txHash: txHash, upTo: upTo})
	return int64(len(f.pending)), nil
}

func (f *fakeStore) CreateTxMonitor(_ context.Context, txHash, onSuccess string, upToTimestamp, deadline time.Time) (string, error) {
	f.monitors = append(f.monitors, monitorCall{txHash: txHash, onSuccess: onSuccess, upTo: upToTimestamp, deadline: deadline})
	return "mon-1", nil
}

func (f *fakeStore) WriteAnalyticsPoint(_ context.Context, kind string, _ map[string]interface{}) error {
	f.points = append(f.points, kind)
	return nil
}

type fakeHead struct {
	head uint64
	err  error
}

func (f *fakeHead) BlockNumber(context.Context) (uint64, error) {
	return f.head, f.err
}

type submitCall struct {
	upToEpoch      uint64
	ids            []*big.Int
	cdnBytes       []*big.Int
	cacheMissBytes []*big.Int
}

type fakeSubmitter struct {
	calls  []submitCall
	txHash string
	err    error
}

func (f *fakeSubmitter) RecordUsageRollups(_ context.Context, upToEpoch uint64, ids, cdnBytes, cacheMissBytes []*big.Int) (string, error) {
	f.calls = append(f.calls, submitCall{upToEpoch: upToEpoch, ids: ids, cdnBytes: cdnBytes, cacheMissBytes: cacheMissBytes})
	if f.err != nil {
		return "", f.err
	}
	return f.txHash, nil
}

func TestRun(t *testing.T) {
	st := &fakeStore{rollups: []models.UsageRollup{
		{DataSetID: "1", CDNBytes: 2500, CacheMissBytes: 500},
		{DataSetID: "2", CDNBytes: 4000, CacheMissBytes: 1000},
	}}
	sub := &fakeSubmitter{txHash: "0xreport"}
	r := New(st, &fakeHead{head: 101}, sub, testConfig())

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sub.calls) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(sub.calls))
	}
	call := sub.calls[0]
	if call.upToEpoch != 100 {
		t.Errorf("upToEpoch = %d, want head-1 = 100", call.upToEpoch)
	}
	if len(call.ids) != 2 || call.ids[0].Int64() != 1 || call.ids[1].Int64() != 2 {
		t.Errorf("ids = %v", call.ids)
	}
	if call.cdnBytes[0].Int64() != 2500 || call.cdnBytes[1].Int64() != 4000 {
		t.Errorf("cdn bytes = %v", call.cdnBytes)
	}
	if call.cacheMissBytes[0].Int64() != 500 || call.cacheMissBytes[1].Int64() != 1000 {
		t.Errorf("cache-miss bytes = %v", call.cacheMissBytes)
	}

	if len(st.pending) != 1 {
		t.Fatalf("expected 1 pending stamp, got %d", len(st.pending))
	}
	if st.pending[0].txHash != "0xreport" || len(st.pending[0].ids) != 2 {
		t.Errorf("pending stamp = %+v", st.pending[0])
	}

	if len(st.monitors) != 1 {
		t.Fatalf("expected 1 monitor, got %d", len(st.monitors))
	}
	mon := st.monitors[0]
	if mon.txHash != "0xreport" || mon.onSuccess != models.MsgTransactionConfirmed {
		t.Errorf("monitor = %+v", mon)
	}
	wantUpTo := chain.EpochToTime(genesisMS, 100)
	if !mon.upTo.Equal(wantUpTo) {
		t.Errorf("monitor upTo = %v, want %v", mon.upTo, wantUpTo)
	}
	if mon.deadline.Before(time.Now().Add(9 * time.Minute)) {
		t.Errorf("monitor deadline = %v, want roughly now + staleness window", mon.deadline)
	}

	if len(st.points) != 1 || st.points[0] != "usage_report" {
		t.Errorf("analytics points = %v", st.points)
	}
}

func TestRun_NoUsage(t *testing.T) {
	st := &fakeStore{}
	sub := &fakeSubmitter{txHash: "0xreport"}
	r := New(st, &fakeHead{head: 101}, sub, testConfig())

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sub.calls) != 0 {
		t.Error("nothing to report, nothing should be submitted")
	}
	if len(st.monitors) != 0 {
		t.Error("no monitor expected without a submission")
	}
}

func TestRun_SubmitFailure(t *testing.T) {
	st := &fakeStore{rollups: []models.UsageRollup{{DataSetID: "1", CDNBytes: 100}}}
	sub := &fakeSubmitter{err: errors.New("simulation reverted")}
	r := New(st, &fakeHead{head: 101}, sub, testConfig())

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected submit failure to surface")
	}
	if len(st.pending) != 0 {
		t.Error("a failed submission must not stamp a pending hash")
	}
	if len(st.monitors) != 0 {
		t.Error("a failed submission must not create a monitor")
	}
}

func TestRun_BadDataSetID(t *testing.T) {
	st := &fakeStore{rollups: []models.UsageRollup{{DataSetID: "garbage", CDNBytes: 100}}}
	sub := &fakeSubmitter{txHash: "0xreport"}
	r := New(st, &fakeHead{head: 101}, sub, testConfig())

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected an error for a non-chain data set id")
	}
	if len(sub.calls) != 0 {
		t.Error("nothing should reach the chain with a bad id in the batch")
	}
}

func TestRun_HeadUnavailable(t *testing.T) {
	st := &fakeStore{rollups: []models.UsageRollup{{DataSetID: "1", CDNBytes: 100}}}
	r := New(st, &fakeHead{err: errors.New("rpc down")}, &fakeSubmitter{}, testConfig())
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected head read failure to surface")
	}
}

func TestHandleTransactionConfirmed(t *testing.T) {
	st := &fakeStore{}
	r := New(st, &fakeHead{}, &fakeSubmitter{}, testConfig())

	upTo := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"transaction_hash":"0xreport","up_to_timestamp":"2025-06-01T12:00:00Z"}`)
	if err := r.HandleTransactionConfirmed(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
	if len(st.finalized) != 1 {
		t.Fatalf("expected 1 finalize, got %d", len(st.finalized))
	}
	if st.finalized[0].txHash != "0xreport" || !st.finalized[0].upTo.Equal(upTo) {
		t.Errorf("finalize = %+v", st.finalized[0])
	}
}

func TestHandleTransactionConfirmed_BadPayload(t *testing.T) {
	r := New(&fakeStore{}, &fakeHead{}, &fakeSubmitter{}, testConfig())

	if err := r.HandleTransactionConfirmed(context.Background(), []byte("{not json")); err == nil {
		t.Error("malformed payload must error")
	}
	if err := r.HandleTransactionConfirmed(context.Background(), []byte(`{"up_to_timestamp":"2025-06-01T12:00:00Z"}`)); err == nil {
		t.Error("missing transaction hash must error")
	}
}
