// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package shmq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/centfuzz/centfuzz/pkg/log"
)

const (
	// Where the page files live. The path must be on a tmpfs shared
	// between all processes of the session.
	DefaultDir = "/dev/shm"

	unmapPollPeriod = 100 * time.Microsecond
)

// Client is one endpoint of the queue. All methods must be called from the
// single goroutine that owns the fuzzing loop.
type Client struct {
	brokerAddr string
	id         ClientID
	out        *writer
	bcast      *reader
}

type helloRequest struct {
	OutPath string `json:"out_path"`
}

type helloReply struct {
	ID        ClientID `json:"id"`
	BcastPath string   `json:"bcast_path"`
	Error     string   `json:"error,omitempty"`
}

// Dial attaches to the broker listening on addr.
func Dial(addr string) (*Client, error) {
	return dial(addr, DefaultDir, 0)
}

func dial(addr, dir string, pageSize int) (*Client, error) {
	out, err := newWriter(dir, pageSize)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		out.close()
		return nil, fmt.Errorf("failed to connect to broker at %v: %w", addr, err)
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(&helloRequest{OutPath: out.cur.path}); err != nil {
		out.close()
		return nil, fmt.Errorf("failed to send hello to broker: %w", err)
	}
	var reply helloReply
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&reply); err != nil {
		out.close()
		return nil, fmt.Errorf("failed to read broker reply: %w", err)
	}
	if reply.Error != "" {
		out.close()
		return nil, fmt.Errorf("broker rejected the client: %v", reply.Error)
	}
	bcast, err := newReader(reply.BcastPath, 0, false)
	if err != nil {
		out.close()
		return nil, err
	}
	log.Logf(1, "shmq: attached to broker %v as client %v", addr, reply.ID)
	return &Client{
		brokerAddr: addr,
		id:         reply.ID,
		out:        out,
		bcast:      bcast,
	}, nil
}

// FromDescription reattaches to an endpoint previously exported with Describe.
func FromDescription(desc *Description) (*Client, error) {
	out, err := reattachWriter(desc.OutPath, 0)
	if err != nil {
		return nil, err
	}
	bcast, err := newReader(desc.BcastPath, desc.BcastPos, false)
	if err != nil {
		out.close()
		return nil, err
	}
	return &Client{
		brokerAddr: desc.BrokerAddr,
		id:         desc.ID,
		out:        out,
		bcast:      bcast,
	}, nil
}

// FromEnv reattaches to an endpoint whose description was stored in an
// environment variable by ToEnv, e.g. after the process was respawned.
func FromEnv(name string) (*Client, error) {
	desc, err := descriptionFromEnv(name)
	if err != nil {
		return nil, err
	}
	return FromDescription(desc)
}

// ID returns the id the broker assigned to this client.
func (c *Client) ID() ClientID {
	return c.id
}

// SenderID is the id stamped on this client's outgoing messages.
func (c *Client) SenderID() ClientID {
	return c.id
}

// SendBuf enqueues one message. Ordered relative to other sends of this
// client; the broker delivers it at least once.
func (c *Client) SendBuf(tag uint32, buf []byte) error {
	return c.SendBufWithFlags(tag, 0, buf)
}

// SendBufWithFlags enqueues one message with extra flag bits.
// FlagInitialized is always set on the wire.
func (c *Client) SendBufWithFlags(tag, flags uint32, buf []byte) error {
	return c.out.send(tag, flags|FlagInitialized, c.id, buf)
}

// RecvBufWithFlags returns the next message from the broadcast chain, or
// ok=false if none is pending. Non-blocking. The client's own messages come
// back too; it is up to the caller to skip them.
func (c *Client) RecvBufWithFlags() (origin ClientID, tag, flags uint32, buf []byte, ok bool, err error) {
	return c.bcast.recv()
}

// AwaitSafeToUnmap blocks until the broker has consumed everything this
// client has written, at which point the outgoing pages may be unmapped.
func (c *Client) AwaitSafeToUnmap() {
	for !c.out.drained() {
		time.Sleep(unmapPollPeriod)
	}
}

// SendExiting announces that this client will not write again. The broker
// drains the remaining records and releases the client's resources.
func (c *Client) SendExiting() error {
	c.out.setExiting()
	return nil
}

// Describe exports the endpoint in a restorable fashion.
func (c *Client) Describe() (*Description, error) {
	return &Description{
		BrokerAddr: c.brokerAddr,
		ID:         c.id,
		OutPath:    c.out.cur.path,
		BcastPath:  c.bcast.cur.path,
		BcastPos:   c.bcast.pos,
	}, nil
}

// ToEnv stores the endpoint description in the given environment variable.
func (c *Client) ToEnv(name string) error {
	desc, err := c.Describe()
	if err != nil {
		return err
	}
	return desc.ToEnv(name)
}

// Close unmaps the client's pages. It does not wait for the broker;
// call AwaitSafeToUnmap first if the records must survive.
func (c *Client) Close() {
	c.out.close()
	c.bcast.close()
}
