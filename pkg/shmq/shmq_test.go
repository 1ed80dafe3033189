// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package shmq

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSendRecv(t *testing.T) {
	broker, clients := startSession(t, 2, 0)
	defer broker.Close()
	a, b := clients[0], clients[1]

	assert.NoError(t, a.SendBuf(100, []byte("from a")))
	assert.NoError(t, b.SendBufWithFlags(200, FlagCompressed, []byte("from b")))

	// Each client sees both messages (its own included) with the correct
	// origin ids and flags. There is no ordering across senders.
	for _, client := range clients {
		byOrigin := make(map[ClientID]recvMsg)
		for _, msg := range recvN(t, client, 2) {
			byOrigin[msg.from] = msg
		}
		msgA, msgB := byOrigin[a.ID()], byOrigin[b.ID()]
		assert.EqualValues(t, 100, msgA.tag)
		assert.EqualValues(t, FlagInitialized, msgA.flags)
		assert.Equal(t, []byte("from a"), msgA.buf)
		assert.EqualValues(t, 200, msgB.tag)
		assert.EqualValues(t, FlagInitialized|FlagCompressed, msgB.flags)
		assert.Equal(t, []byte("from b"), msgB.buf)
	}
}

func TestPerSenderOrder(t *testing.T) {
	broker, clients := startSession(t, 1, 0)
	defer broker.Close()
	client := clients[0]

	const n = 100
	for i := 0; i < n; i++ {
		assert.NoError(t, client.SendBuf(1, []byte(fmt.Sprintf("msg %03d", i))))
	}
	msgs := recvN(t, client, n)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("msg %03d", i), string(msg.buf))
	}
}

func TestPageGrowth(t *testing.T) {
	// A tiny page forces the chain to grow many times; messages larger
	// than the page must still go through.
	broker, clients := startSession(t, 1, 4096)
	defer broker.Close()
	client := clients[0]

	var want []string
	for i := 0; i < 50; i++ {
		payload := fmt.Sprintf("payload %v: %s", i, make([]byte, 100*i))
		want = append(want, payload)
		assert.NoError(t, client.SendBuf(1, []byte(payload)))
	}
	msgs := recvN(t, client, len(want))
	for i, msg := range msgs {
		assert.Equal(t, want[i], string(msg.buf))
	}
}

func TestAwaitSafeToUnmap(t *testing.T) {
	broker, clients := startSession(t, 1, 0)
	defer broker.Close()
	client := clients[0]
	for i := 0; i < 10; i++ {
		assert.NoError(t, client.SendBuf(1, []byte("data")))
	}
	// The broker keeps consuming, so this must return.
	done := make(chan struct{})
	go func() {
		client.AwaitSafeToUnmap()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("AwaitSafeToUnmap did not return")
	}
}

func TestDescribeReattach(t *testing.T) {
	broker, clients := startSession(t, 1, 0)
	defer broker.Close()
	client := clients[0]

	assert.NoError(t, client.SendBuf(1, []byte("before reattach")))
	recvN(t, client, 1)

	desc, err := client.Describe()
	assert.NoError(t, err)
	data, err := desc.Serialize()
	assert.NoError(t, err)
	parsed, err := ParseDescription(data)
	assert.NoError(t, err)

	// The "respawned" client continues with the same id and does not see
	// already-consumed messages again.
	reattached, err := FromDescription(parsed)
	assert.NoError(t, err)
	assert.Equal(t, client.ID(), reattached.ID())
	assert.NoError(t, reattached.SendBuf(1, []byte("after reattach")))
	msgs := recvN(t, reattached, 1)
	assert.Equal(t, []byte("after reattach"), msgs[0].buf)
}

func TestExiting(t *testing.T) {
	broker, clients := startSession(t, 1, 0)
	defer broker.Close()
	client := clients[0]
	assert.NoError(t, client.SendBuf(1, []byte("last words")))
	assert.NoError(t, client.SendExiting())
	client.AwaitSafeToUnmap()
	// The broker must eventually drop the client.
	deadline := time.Now().Add(10 * time.Second)
	for {
		broker.mu.Lock()
		gone := len(broker.clients) == 0
		broker.mu.Unlock()
		if gone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("the broker did not release the exited client")
		}
		time.Sleep(time.Millisecond)
	}
}

type recvMsg struct {
	from  ClientID
	tag   uint32
	flags uint32
	buf   []byte
}

func recvN(t *testing.T, client *Client, n int) []recvMsg {
	var msgs []recvMsg
	deadline := time.Now().Add(10 * time.Second)
	for len(msgs) < n {
		from, tag, flags, buf, ok, err := client.RecvBufWithFlags()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			if time.Now().After(deadline) {
				t.Fatalf("got %v messages, want %v", len(msgs), n)
			}
			time.Sleep(100 * time.Microsecond)
			continue
		}
		msgs = append(msgs, recvMsg{from, tag, flags, buf})
	}
	return msgs
}

func startSession(t *testing.T, clients, pageSize int) (*Broker, []*Client) {
	dir := t.TempDir()
	broker, err := newBroker("127.0.0.1:0", dir, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	var ret []*Client
	for i := 0; i < clients; i++ {
		client, err := dial(broker.Addr(), dir, pageSize)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(client.Close)
		ret = append(ret, client)
	}
	return broker, ret
}
