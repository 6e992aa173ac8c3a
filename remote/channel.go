// Package remote implements RemoteNetwork (spec §4.6): bidirectional peer
// messaging with at-most-once delivery per frame over the active channel,
// and at-least-once delivery across reconnects via a bounded per-peer queue.
//
// RemoteNetwork never opens a socket itself; it talks to whatever transport
// is actually used through the Dialer/Channel boundary, the same pattern
// platform.Launcher/Worker uses for vat workers.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ocapkernel/kernel/ids"
)

// ErrGracefulDisconnect is what Channel.Read should return for a clean
// peer-initiated close (spec §4.6 "a clean SCTP user-initiated abort (code
// 12) is treated as a graceful disconnect"): RemoteNetwork treats it as an
// ordinary connection loss but without the RetryableNetwork/FatalNetwork
// classification a real I/O error would carry.
var ErrGracefulDisconnect = errors.New("remote: peer closed channel gracefully")

// Frame is one JSON-RPC-framed message exchanged with a peer (spec §6
// "Remote peer wire protocol"). ID is a per-channel monotonic sequence
// number minted by the sender; the receiver's cuckoo filter dedups on
// (peer, ID) so a frame retransmitted by a confused transport is applied at
// most once.
type Frame struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Channel is one live bidirectional byte-stream to a peer — at most one per
// peer at a time (spec §4.6 "channels: map<PeerId, Channel>"). Read blocks
// until the next frame arrives, the channel closes, or ctx is canceled.
type Channel interface {
	Write(ctx context.Context, frame Frame) error
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens a new Channel to a peer. hints are additional addressing
// multiaddrs merged into the channel's record for later retries (spec §4.6
// "dialIdempotent").
type Dialer interface {
	Dial(ctx context.Context, peer ids.RemoteId, hints []string) (Channel, error)
}
