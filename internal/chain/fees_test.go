package chain

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestBumpTip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tip  int64
		want int64
	}{
		{0, 1},        // ceil(0) + 1
		{1000, 1253},  // ceil(1252.0) + 1
		{1001, 1255},  // ceil(1253.252) + 1
		{100, 127},    // ceil(125.2) + 1
		{999, 1252},   // ceil(1250.748) + 1
		{1, 3},        // ceil(1.252) + 1
		{4, 7},        // ceil(5.008) + 1
	}
	for _, tt := range tests {
		got := BumpTip(big.NewInt(tt.tip))
		if got.Int64() != tt.want {
			t.Errorf("BumpTip(%d) = %d, want %d", tt.tip, got.Int64(), tt.want)
		}
	}

	// Nil tip behaves like zero.
	if got := BumpTip(nil); got.Int64() != 1 {
		t.Errorf("BumpTip(nil) = %d, want 1", got.Int64())
	}
}

func TestBumpTip_AlwaysExceedsOriginal(t *testing.T) {
	t.Parallel()

	// Replacement acceptance needs a strictly higher tip, including at the
	// zero boundary.
	for _, tip := range []int64{0, 1, 2, 10, 999_999_999} {
		orig := big.NewInt(tip)
		if got := BumpTip(orig); got.Cmp(orig) <= 0 {
			t.Errorf("BumpTip(%d) = %v, not strictly greater", tip, got)
		}
	}
}

func TestBumpGasLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		orig   uint64
		recent uint64
		want   uint64
	}{
		{100, 0, 110},
		{100, 200, 220},
		{200, 100, 220},
		{10, 10, 11},
		{3, 0, 4},                       // ceil(3.3)
		{1e10, 0, 1e10},                 // already at cap
		{9_999_999_999, 0, 1e10},        // bump would exceed cap
	}
	for _, tt := range tests {
		if got := BumpGasLimit(tt.orig, tt.recent); got != tt.want {
			t.Errorf("BumpGasLimit(%d, %d) = %d, want %d", tt.orig, tt.recent, got, tt.want)
		}
	}
}

func TestReplacementFeeCap(t *testing.T) {
	t.Parallel()

	tip := big.NewInt(500)

	if got := ReplacementFeeCap(tip, big.NewInt(300)); got.Int64() != 500 {
		t.Errorf("fee cap below tip: got %d, want 500", got.Int64())
	}
	if got := ReplacementFeeCap(tip, big.NewInt(800)); got.Int64() != 800 {
		t.Errorf("fee cap above tip: got %d, want 800", got.Int64())
	}
	if got := ReplacementFeeCap(tip, nil); got.Int64() != 500 {
		t.Errorf("nil fee cap: got %d, want 500", got.Int64())
	}
}

func TestPackRecordUsageRollups_ArrayMismatch(t *testing.T) {
	t.Parallel()

	parsed, err := abi.JSON(strings.NewReader(operatorABI))
	if err != nil {
		t.Fatal(err)
	}
	op := &Operator{abi: parsed}

	_, err = op.PackRecordUsageRollups(1,
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
		[]*big.Int{big.NewInt(10)},
		[]*big.Int{big.NewInt(0), big.NewInt(0)},
	)
	if err == nil {
		t.Fatal("expected error for mismatched rollup arrays")
	}
}

func TestParseDataSetID(t *testing.T) {
	t.Parallel()

	if _, err := ParseDataSetID("42"); err != nil {
		t.Errorf("numeric id rejected: %v", err)
	}
	if _, err := ParseDataSetID("115792089237316195423570985008687907853269984665640564039457584007913129639935"); err != nil {
		t.Errorf("max uint256 rejected: %v", err)
	}
	for _, bad := range []string{"", "ds1", "-1", "0x2a"} {
		if _, err := ParseDataSetID(bad); err == nil {
			t.Errorf("ParseDataSetID(%q) accepted a non-chain id", bad)
		}
	}
}
