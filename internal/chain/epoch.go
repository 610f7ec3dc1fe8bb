package chain

import "time"

// EpochDurationMS is the Filecoin epoch length: 30 seconds exactly.
const EpochDurationMS = 30_000

// EpochToTime converts a Filecoin epoch to wall time:
// timestamp_ms = genesis_ms + epoch * 30_000.
func EpochToTime(genesisUnixMS int64, epoch uint64) time.Time {
	ms := genesisUnixMS + int64(epoch)*EpochDurationMS
	return time.UnixMilli(ms).UTC()
}

// TimeToEpoch converts wall time to the epoch containing it (floor). Times
// before genesis map to epoch 0.
func TimeToEpoch(genesisUnixMS int64, t time.Time) uint64 {
	ms := t.UnixMilli() - genesisUnixMS
	if ms < 0 {
		return 0
	}
	return uint64(ms / EpochDurationMS)
}
