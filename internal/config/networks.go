package config

import (
	"os"
	"strings"
	"sync"
)

// NetworkParams holds chain-specific constants for a Filecoin network.
type NetworkParams struct {
	Name          string
	ChainID       int64
	GenesisUnixMS int64
	DefaultRPCURL string
}

var (
	params     *NetworkParams
	paramsOnce sync.Once
)

var mainnetParams = NetworkParams{
	Name:          "mainnet",
	ChainID:       314,
	GenesisUnixMS: 1598306400000, // 2020-08-24T22:00:00Z
	DefaultRPCURL: "https://api.node.glif.io/rpc/v1",
}

var calibrationParams = NetworkParams{
	Name:          "calibration",
	ChainID:       314159,
	GenesisUnixMS: 1667326380000, // 2022-11-01T18:13:00Z
	DefaultRPCURL: "https://api.calibration.node.glif.io/rpc/v1",
}

// Net returns the global NetworkParams for the configured network.
// Reads FILBEAM_NETWORK env var on first call ("calibration" or "mainnet",
// default "mainnet").
func Net() *NetworkParams {
	paramsOnce.Do(func() {
		network := strings.TrimSpace(strings.ToLower(os.Getenv("FILBEAM_NETWORK")))
		switch network {
		case "calibration":
			p := calibrationParams
			params = &p
		default:
			p := mainnetParams
			params = &p
		}
	})
	return params
}
