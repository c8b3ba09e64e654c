// Copyright (c) 2023 Manifold Finance, Inc.
// The Universal Permissive License (UPL), Version 1.0
// Subject to the condition set forth below, permission is hereby granted to any person obtaining a copy of this software, associated documentation and/or data (collectively the “Software”), free of charge and under any and all copyright rights in the Software, and any and all patent rights owned or freely licensable by each licensor hereunder covering either (i) the unmodified Software as contributed to or provided by such licensor, or (ii) the Larger Works (as defined below), to deal in both
// (a) the Software, and
// (b) any piece of software and/or hardware listed in the lrgrwrks.txt file if one is included with the Software (each a “Larger Work” to which the Software is contributed by such licensors),
// without restriction, including without limitation the rights to copy, create derivative works of, display, perform, and distribute the Software and make, use, sell, offer for sale, import, export, have made, and have sold the Software and the Larger Work(s), and to sublicense the foregoing rights on either these or other terms.
// This license is subject to the following condition:
// The above copyright notice and either this complete permission notice or at a minimum a reference to the UPL must be included in all copies or substantial portions of the Software.
// THE SOFTWARE IS PROVIDED “AS IS”, WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
// This script ensures source code files have copyright license headers. See license.sh for more information.
package auctioneer

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"github.com/r3labs/sse/v2"
)

const (
	topBidsStream = "top_bids"

	wsWriteWait   = 5 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = wsPongWait * 9 / 10
	wsSendBacklog = 64
)

// TopBidStream pushes every new best bid to its subscribers. WebSocket
// clients get one JSON text frame per update, any other GET is served as
// Server-Sent Events.
type TopBidStream struct {
	server   *sse.Server
	upgrader websocket.Upgrader

	mux     sync.Mutex
	sockets map[chan []byte]struct{}
	quit    chan struct{}
	closed  bool

	log logger.Logger
}

func NewTopBidStream() *TopBidStream {
	s := sse.New()
	s.AutoReplay = false
	s.CreateStream(topBidsStream)
	return &TopBidStream{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sockets: make(map[chan []byte]struct{}),
		quit:    make(chan struct{}),
		log:     logger.WithValues("module", "topBidStream"),
	}
}

func (t *TopBidStream) Publish(update TopBidUpdate) {
	b, err := json.Marshal(update)
	if err != nil {
		t.log.Error(err, "failed to marshal top bid update", "slot", update.Slot)
		return
	}
	t.server.Publish(topBidsStream, &sse.Event{Data: b})

	t.mux.Lock()
	defer t.mux.Unlock()
	for send := range t.sockets {
		select {
		case send <- b:
		default:
			// a slow reader misses updates, it never holds up bidding
			t.log.Debug("dropping top bid update for slow subscriber", "slot", update.Slot)
		}
	}
}

func (t *TopBidStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		t.serveWebSocket(w, r)
		return
	}

	query := r.URL.Query()
	query.Set("stream", topBidsStream)
	r.URL.RawQuery = query.Encode()
	t.server.ServeHTTP(w, r)
}

func (t *TopBidStream) subscribe() (chan []byte, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.closed {
		return nil, false
	}
	send := make(chan []byte, wsSendBacklog)
	t.sockets[send] = struct{}{}
	return send, true
}

func (t *TopBidStream) unsubscribe(send chan []byte) {
	t.mux.Lock()
	defer t.mux.Unlock()
	delete(t.sockets, send)
}

func (t *TopBidStream) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Info("failed to upgrade top bids connection", "remote_addr", userIP(r), "error", err)
		return
	}
	defer conn.Close() // nolint:errcheck

	send, ok := t.subscribe()
	if !ok {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait)) // nolint:errcheck
		return
	}
	defer t.unsubscribe(send)

	log := t.log.WithValues("remote_addr", userIP(r))
	log.Info("top bids subscriber connected")
	defer log.Info("top bids subscriber disconnected")

	// the server deadlines no longer apply once the connection is hijacked
	conn.SetReadDeadline(time.Now().Add(wsPongWait)) // nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// clients never send data, reading only surfaces close frames and errors
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-t.quit:
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait)) // nolint:errcheck
			return
		case b := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) // nolint:errcheck
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debug("failed to write top bid update", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (t *TopBidStream) Close() {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.quit)
	t.server.Close()
}

func newTopBidUpdate(sub *Submission) TopBidUpdate {
	return TopBidUpdate{
		Timestamp:     uint64(sub.Bid.ReceivedAt.UnixMilli()),
		Slot:          sub.Key.Slot,
		BlockNumber:   sub.Bid.BlockNumber,
		BlockHash:     sub.Bid.BlockHash,
		ParentHash:    sub.Key.ParentHash,
		BuilderPubkey: sub.Bid.BuilderPubkey,
		FeeRecipient:  sub.Bid.FeeRecipient,
		Value:         weiString(sub.Bid.Value),
	}
}
