// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package shmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/centfuzz/centfuzz/pkg/log"
)

const (
	// A client that stays completely silent for this long is considered
	// dead and is disconnected. Heartbeat events exist to prevent this.
	livenessTimeout = time.Minute

	brokerPollPeriod = 200 * time.Microsecond
)

// Broker multiplexes all clients of one session: it tails every client's
// outgoing page chain and republishes the records onto the broadcast chain,
// stamped with the originating client id.
type Broker struct {
	ln   net.Listener
	dir  string
	stop chan struct{}
	eg   errgroup.Group

	mu      sync.Mutex
	bcast   *writer
	nextID  ClientID
	clients map[ClientID]*brokerClient
}

type brokerClient struct {
	id       ClientID
	rd       *reader
	lastSeen time.Time
}

// NewBroker starts a broker listening on addr.
func NewBroker(addr string) (*Broker, error) {
	return newBroker(addr, DefaultDir, 0)
}

func newBroker(addr, dir string, pageSize int) (*Broker, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	bcast, err := newWriter(dir, pageSize)
	if err != nil {
		ln.Close()
		return nil, err
	}
	broker := &Broker{
		ln:      ln,
		dir:     dir,
		stop:    make(chan struct{}),
		bcast:   bcast,
		nextID:  1,
		clients: make(map[ClientID]*brokerClient),
	}
	broker.eg.Go(broker.acceptLoop)
	log.Logf(0, "shmq: broker listening on %v", ln.Addr())
	return broker, nil
}

// Addr returns the address clients should dial.
func (broker *Broker) Addr() string {
	return broker.ln.Addr().String()
}

func (broker *Broker) acceptLoop() error {
	for {
		conn, err := broker.ln.Accept()
		if err != nil {
			select {
			case <-broker.stop:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("shmq: accept failed: %w", err)
		}
		broker.eg.Go(func() error {
			broker.handshake(conn)
			return nil
		})
	}
}

func (broker *Broker) handshake(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	var req helloRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.Logf(0, "shmq: bad hello: %v", err)
		return
	}
	reply := broker.register(req.OutPath)
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		log.Logf(0, "shmq: failed to reply to client %v: %v", reply.ID, err)
	}
}

func (broker *Broker) register(outPath string) *helloReply {
	select {
	case <-broker.stop:
		return &helloReply{Error: "the broker is shutting down"}
	default:
	}
	rd, err := newReader(outPath, 0, true)
	if err != nil {
		return &helloReply{Error: err.Error()}
	}
	broker.mu.Lock()
	id := broker.nextID
	broker.nextID++
	client := &brokerClient{id: id, rd: rd, lastSeen: time.Now()}
	broker.clients[id] = client
	bcastPath := broker.bcast.pages[0].path
	broker.mu.Unlock()
	log.Logf(1, "shmq: client %v attached via %v", id, outPath)
	broker.eg.Go(func() error {
		broker.serveClient(client)
		return nil
	})
	return &helloReply{ID: id, BcastPath: bcastPath}
}

func (broker *Broker) serveClient(client *brokerClient) {
	defer func() {
		broker.mu.Lock()
		delete(broker.clients, client.id)
		broker.mu.Unlock()
		client.rd.close()
	}()
	for {
		select {
		case <-broker.stop:
			return
		default:
		}
		forwarded, err := broker.forward(client)
		if err != nil {
			log.Errorf("shmq: dropping client %v: %v", client.id, err)
			return
		}
		if forwarded {
			client.lastSeen = time.Now()
			continue
		}
		if client.rd.exhausted() {
			log.Logf(1, "shmq: client %v exited", client.id)
			return
		}
		if time.Since(client.lastSeen) > livenessTimeout {
			log.Errorf("shmq: client %v is silent for %v, disconnecting", client.id, livenessTimeout)
			return
		}
		time.Sleep(brokerPollPeriod)
	}
}

// forward republishes one pending record of the client, if any.
func (broker *Broker) forward(client *brokerClient) (bool, error) {
	_, tag, flags, buf, ok, err := client.rd.recv()
	if err != nil || !ok {
		return false, err
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if err := broker.bcast.send(tag, flags, client.id, buf); err != nil {
		return false, fmt.Errorf("broadcast failed: %w", err)
	}
	return true, nil
}

// Close shuts the broker down and unlinks the broadcast pages. Clients that
// are still attached will see no new messages.
func (broker *Broker) Close() error {
	close(broker.stop)
	broker.ln.Close()
	err := broker.eg.Wait()
	broker.mu.Lock()
	defer broker.mu.Unlock()
	for _, p := range broker.bcast.pages {
		p.unlink()
	}
	broker.bcast.close()
	return err
}

// NewOnPort either starts a broker on the port (plus a client attached to
// it), or attaches to the broker that already owns the port. This lets all
// processes of a session be launched with the same command line.
func NewOnPort(port int) (*Client, *Broker, error) {
	addr := fmt.Sprintf("127.0.0.1:%v", port)
	broker, err := NewBroker(addr)
	if err != nil {
		// The port is taken: somebody else is the broker.
		client, err := Dial(addr)
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil
	}
	client, err := Dial(addr)
	if err != nil {
		broker.Close()
		return nil, nil, err
	}
	return client, broker, nil
}
