// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package shmq implements a shared-memory message queue between the processes
// of one fuzzing session. One process acts as the broker; every other process
// attaches to it as a client over a localhost TCP handshake. A client appends
// messages to its own outgoing page chain, the broker republishes every
// message onto a single broadcast page chain stamped with the id of the
// originating client, and all clients read the broadcast chain from their own
// cursor. Delivery is at-least-once and FIFO per sender; there is no ordering
// across senders.
package shmq

import (
	"encoding/json"
	"fmt"
	"os"
)

// ClientID identifies a client within one broker. The broker itself is
// client 0, attached clients get ids starting from 1.
type ClientID uint32

// Message flag bits, stored in the flags word of every record.
const (
	FlagInitialized uint32 = 1 << 0
	FlagCompressed  uint32 = 1 << 1
)

// Description contains everything needed to reattach to an existing client
// endpoint after the process was respawned.
type Description struct {
	BrokerAddr string   `json:"broker_addr"`
	ID         ClientID `json:"id"`
	OutPath    string   `json:"out_path"`
	BcastPath  string   `json:"bcast_path"`
	BcastPos   uint64   `json:"bcast_pos"`
}

func (desc *Description) Serialize() ([]byte, error) {
	return json.Marshal(desc)
}

func ParseDescription(data []byte) (*Description, error) {
	desc := new(Description)
	if err := json.Unmarshal(data, desc); err != nil {
		return nil, fmt.Errorf("failed to parse client description: %w", err)
	}
	return desc, nil
}

// ToEnv stores the description in an environment variable, to be picked up
// by FromEnv in the respawned process.
func (desc *Description) ToEnv(name string) error {
	data, err := desc.Serialize()
	if err != nil {
		return err
	}
	return os.Setenv(name, string(data))
}

func descriptionFromEnv(name string) (*Description, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, fmt.Errorf("environment variable %v is not set", name)
	}
	return ParseDescription([]byte(val))
}
