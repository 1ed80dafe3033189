// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stats provides a simple registry of named counters.
// Every counter is also exported as a Prometheus metric under the
// centfuzz namespace.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type Val struct {
	Name string
	Desc string
	v    atomic.Int64
}

func (val *Val) Add(n int) {
	val.v.Add(int64(n))
}

func (val *Val) Val() int {
	return int(val.v.Load())
}

var (
	mu   sync.Mutex
	vals = make(map[string]*Val)
)

// New registers a new counter, or returns the existing one with that name.
// The name must consist of [a-z0-9_] so that it is usable as a Prometheus
// metric name.
func New(name, desc string) *Val {
	mu.Lock()
	defer mu.Unlock()
	if val := vals[name]; val != nil {
		return val
	}
	val := &Val{Name: name, Desc: desc}
	vals[name] = val
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "centfuzz",
		Name:      name,
		Help:      desc,
	}, func() float64 {
		return float64(val.Val())
	}))
	return val
}

// Collect returns a point-in-time snapshot of all counters,
// sorted by name.
func Collect() []*Val {
	mu.Lock()
	defer mu.Unlock()
	ret := make([]*Val, 0, len(vals))
	for _, val := range vals {
		ret = append(ret, val)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Name < ret[j].Name
	})
	return ret
}
