package remote_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/remote"
)

var testPeerId = ids.NewRemoteId(1)

var testSecret = []byte("remote-test-shared-secret")

// testHelloClaims mirrors remote's unexported helloClaims shape (same JSON
// field names) so a test double can mint a token remote.verifyHello accepts
// without needing access to remote's unexported types.
type testHelloClaims struct {
	PeerId string `json:"peerId"`
	jwt.RegisteredClaims
}

func signTestHello(peer ids.RemoteId, secret []byte) string {
	now := time.Now()
	claims := testHelloClaims{
		PeerId: string(peer),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		panic(err)
	}
	return token
}

// fakeChannel is an in-memory Channel standing in for a peer connection.
// Write intercepts the initial "hello" frame and synthesizes the simulated
// peer's own signed hello reply so RemoteNetwork's handshake completes
// without a real transport.
type fakeChannel struct {
	mu       sync.Mutex
	peer     ids.RemoteId
	secret   []byte
	written  []remote.Frame
	closed   bool
	failNext bool // force the next Write to fail (simulate a write error)
	readCh   chan remote.Frame
}

func newFakeChannel(peer ids.RemoteId, secret []byte) *fakeChannel {
	return &fakeChannel{peer: peer, secret: secret, readCh: make(chan remote.Frame, 8)}
}

func (c *fakeChannel) Write(_ context.Context, f remote.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("fakeChannel: closed")
	}
	if c.failNext {
		c.failNext = false
		return fmt.Errorf("fakeChannel: injected write failure")
	}
	c.written = append(c.written, f)
	if f.Method == "hello" {
		params, _ := json.Marshal(struct {
			Token string `json:"token"`
		}{Token: signTestHello(c.peer, c.secret)})
		c.readCh <- remote.Frame{ID: 0, Method: "hello", Params: params}
	}
	return nil
}

func (c *fakeChannel) Read(ctx context.Context) (remote.Frame, error) {
	select {
	case f, ok := <-c.readCh:
		if !ok {
			return remote.Frame{}, remote.ErrGracefulDisconnect
		}
		return f, nil
	case <-ctx.Done():
		return remote.Frame{}, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.readCh)
	}
	return nil
}

func (c *fakeChannel) Written() []remote.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]remote.Frame, len(c.written))
	copy(out, c.written)
	return out
}

// scriptedDialer fails its first `failures` dial attempts, then succeeds,
// handing back a fresh fakeChannel each time (as a real reconnect would).
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	secret   []byte
	channels []*fakeChannel
	dialCount int
}

func (d *scriptedDialer) Dial(_ context.Context, peer ids.RemoteId, _ []string) (remote.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCount++
	if d.failures > 0 {
		d.failures--
		return nil, fmt.Errorf("scriptedDialer: injected dial failure")
	}
	ch := newFakeChannel(peer, d.secret)
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *scriptedDialer) lastChannel() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}
