package scheduler

import "github.com/DIG-Network/dig-nat-tools/identity"

// PeerStat is one peer's contribution to a Progress snapshot.
type PeerStat struct {
	Peer                identity.PeerIdentity
	BytesReceived       int64
	InFlight            int
	ConsecutiveFailures int
	Dropped             bool
}

// Progress is the observable stream element spec §4.8 requires: "an
// observable stream (receivedBytes, totalBytes, perPeerStats)".
type Progress struct {
	ReceivedBytes int64
	TotalBytes    int64
	PerPeerStats  []PeerStat
}

// progressChannelCapacity bounds the progress feed so a slow consumer never
// blocks the scheduler's single owning goroutine (spec §5: "a blocked disk
// write never prevents frame reading" generalizes here to "a slow progress
// reader never blocks scheduling").
const progressChannelCapacity = 4

// newProgressChan allocates the bounded channel a Scheduler publishes
// Progress snapshots on; publishProgress drops the oldest snapshot rather
// than blocking when the reader falls behind.
func newProgressChan() chan Progress {
	return make(chan Progress, progressChannelCapacity)
}

// publishProgress sends p on ch without blocking, discarding the oldest
// buffered snapshot to make room if ch is full.
func publishProgress(ch chan Progress, p Progress) {
	for {
		select {
		case ch <- p:
			return
		default:
		}
		select {
		case <-ch:
		default:
			return
		}
	}
}
