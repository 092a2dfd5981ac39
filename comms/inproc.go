// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

package comms

import (
	"sync"
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/meshtrain/meshtrain/faults"
	"github.com/meshtrain/meshtrain/mesh"
	"github.com/meshtrain/meshtrain/types/xsync"
	"k8s.io/klog/v2"
)

// World is an in-process collective transport: worldSize ranks, each
// expected to run on its own goroutine, rendezvous on shared channel-backed
// meeting points. It implements the same blocking semantics as the
// production one-process-per-rank model.
type World struct {
	size    int
	timeout time.Duration

	mu       sync.Mutex
	meetings map[string]*meeting
	links    map[[2]int]chan []float32

	deadMu  sync.Mutex
	dead    map[int]*xsync.Latch
	killLog []int
}

// NewWorld creates an in-process world of the given size. timeout bounds
// every collective and point-to-point call; 0 selects DefaultTimeout.
func NewWorld(size int, timeout time.Duration) *World {
	if size < 1 {
		Panicf("comms.NewWorld: world size must be positive, got %d", size)
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &World{
		size:     size,
		timeout:  timeout,
		meetings: make(map[string]*meeting),
		links:    make(map[[2]int]chan []float32),
		dead:     make(map[int]*xsync.Latch),
	}
}

// Context returns the communication context for the given rank.
func (w *World) Context(rank int) Context {
	if rank < 0 || rank >= w.size {
		Panicf("comms.World.Context: rank %d out of range for world size %d", rank, w.size)
	}
	return &inprocContext{world: w, rank: rank}
}

// Kill marks a rank as failed: every collective that includes it, current
// or future, fails with PeerFailure, and its pending point-to-point
// partners are woken. Used for failure injection in tests and by the demo
// launcher when a rank goroutine panics.
func (w *World) Kill(rank int) {
	w.deadLatch(rank).Trigger()

	w.deadMu.Lock()
	w.killLog = append(w.killLog, rank)
	w.deadMu.Unlock()

	// Abort every open round that includes the dead rank.
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.meetings {
		m.abortIfMember(rank)
	}
	klog.V(1).Infof("comms: rank %d marked dead", rank)
}

func (w *World) deadLatch(rank int) *xsync.Latch {
	w.deadMu.Lock()
	defer w.deadMu.Unlock()
	l, found := w.dead[rank]
	if !found {
		l = xsync.NewLatch()
		w.dead[rank] = l
	}
	return l
}

func (w *World) isDead(rank int) bool {
	return w.deadLatch(rank).Test()
}

func (w *World) anyDead(group mesh.Group) (int, bool) {
	for _, r := range group.Ranks {
		if w.isDead(r) {
			return r, true
		}
	}
	return -1, false
}

func (w *World) meeting(label string) *meeting {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, found := w.meetings[label]
	if !found {
		m = &meeting{label: label}
		w.meetings[label] = m
	}
	return m
}

func (w *World) link(from, to int) chan []float32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := [2]int{from, to}
	ch, found := w.links[key]
	if !found {
		// Buffered so pipeline sends overlap with downstream compute.
		ch = make(chan []float32, 16)
		w.links[key] = ch
	}
	return ch
}

// meeting is the rendezvous point of one group label. At most one round is
// open at a time per label; lock-step execution guarantees all members run
// the same sequence of collectives on a group.
type meeting struct {
	label string

	mu      sync.Mutex
	current *round
}

// round is one collective call in flight.
type round struct {
	op      string
	root    int // Only for broadcast: group index of the source.
	group   mesh.Group
	contrib map[int][]float32
	done    chan struct{}
	result  []float32 // Combined value (nil for barrier).
	err     error
}

// join adds this rank's contribution, completing the round when the last
// member arrives. It returns the round to wait on.
func (m *meeting) join(group mesh.Group, rank int, op string, root int, data []float32) *round {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		m.current = &round{
			op:      op,
			root:    root,
			group:   group,
			contrib: make(map[int][]float32, group.Size()),
			done:    make(chan struct{}),
		}
	}
	r := m.current
	if r.op != op || r.root != root {
		Panicf("comms: group %q ranks diverged: rank %d issued %s(root=%d) while round is %s(root=%d) -- "+
			"all ranks of a group must reach the same collectives in the same order",
			m.label, rank, op, root, r.op, r.root)
	}
	if _, dup := r.contrib[rank]; dup {
		Panicf("comms: rank %d joined %s on group %q twice in one round", rank, op, m.label)
	}
	r.contrib[rank] = data
	if len(r.contrib) == group.Size() {
		r.combine()
		m.current = nil
		close(r.done)
	}
	return r
}

func (m *meeting) abortIfMember(rank int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.current
	if r == nil || r.group.Index(rank) < 0 {
		return
	}
	r.err = faults.PeerFailuref(rank, r.op, "rank %d died during %s on group %q", rank, r.op, m.label)
	m.current = nil
	close(r.done)
}

// combine computes the round result once all contributions arrived.
func (r *round) combine() {
	switch r.op {
	case OpAllReduce, OpReduceScatter:
		var sum []float32
		for _, member := range r.group.Ranks {
			data := r.contrib[member]
			if sum == nil {
				sum = append([]float32{}, data...)
				continue
			}
			if len(data) != len(sum) {
				r.err = faults.Configurationf(
					"group %q: mismatched %s lengths (%d vs %d)", r.group.Label, r.op, len(data), len(sum))
				return
			}
			for ii, v := range data {
				sum[ii] += v
			}
		}
		r.result = sum
	case OpAllGather:
		for _, member := range r.group.Ranks {
			r.result = append(r.result, r.contrib[member]...)
		}
	case OpBroadcast:
		src := r.contrib[r.group.Ranks[r.root]]
		r.result = append([]float32{}, src...)
	case OpBarrier:
		// Nothing to combine.
	default:
		Panicf("comms: unknown collective %q", r.op)
	}
}

// inprocContext is the per-rank view into a World.
type inprocContext struct {
	world *World
	rank  int
}

func (c *inprocContext) Rank() int      { return c.rank }
func (c *inprocContext) WorldSize() int { return c.world.size }

// collective runs one op on a group and returns the combined result.
func (c *inprocContext) collective(group mesh.Group, op string, root int, data []float32) ([]float32, error) {
	if group.Index(c.rank) < 0 {
		Panicf("comms: rank %d issued %s on group %q it does not belong to", c.rank, op, group.Label)
	}
	if dead, found := c.world.anyDead(group); found {
		return nil, faults.PeerFailuref(c.rank, op, "rank %d is dead, group %q cannot complete", dead, group.Label)
	}
	r := c.world.meeting(group.Label).join(group, c.rank, op, root, data)
	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.result, nil
	case <-time.After(c.world.timeout):
		return nil, faults.CollectiveTimeoutf(c.rank, op,
			"group %q did not assemble within %s", group.Label, c.world.timeout)
	}
}

func (c *inprocContext) AllReduce(group mesh.Group, data []float32) error {
	result, err := c.collective(group, OpAllReduce, 0, data)
	if err != nil {
		return err
	}
	copy(data, result)
	return nil
}

func (c *inprocContext) ReduceScatter(group mesh.Group, data []float32, splits []int) ([]float32, error) {
	checkSplits(group, splits, len(data))
	result, err := c.collective(group, OpReduceScatter, 0, data)
	if err != nil {
		return nil, err
	}
	offset := 0
	idx := group.Index(c.rank)
	for ii := 0; ii < idx; ii++ {
		offset += splits[ii]
	}
	piece := make([]float32, splits[idx])
	copy(piece, result[offset:offset+splits[idx]])
	return piece, nil
}

func (c *inprocContext) AllGather(group mesh.Group, shard []float32, splits []int) ([]float32, error) {
	idx := group.Index(c.rank)
	if idx >= 0 && len(splits) == group.Size() && splits[idx] != len(shard) {
		Panicf("comms: rank %d contributes %d values to all-gather on %q, split table says %d",
			c.rank, len(shard), group.Label, splits[idx])
	}
	total := 0
	for _, s := range splits {
		total += s
	}
	result, err := c.collective(group, OpAllGather, 0, shard)
	if err != nil {
		return nil, err
	}
	if len(result) != total {
		return nil, faults.Configurationf("all-gather on %q produced %d values, split table sums to %d",
			group.Label, len(result), total)
	}
	// Each rank gets its own copy: the gathered values become rank-local
	// state (a materialized parameter), so ranks must not share a backing
	// array.
	full := make([]float32, len(result))
	copy(full, result)
	return full, nil
}

func (c *inprocContext) Broadcast(group mesh.Group, root int, data []float32) error {
	if root < 0 || root >= group.Size() {
		Panicf("comms: broadcast root %d out of range for group %q of size %d", root, group.Label, group.Size())
	}
	result, err := c.collective(group, OpBroadcast, root, data)
	if err != nil {
		return err
	}
	copy(data, result)
	return nil
}

func (c *inprocContext) Barrier(group mesh.Group) error {
	_, err := c.collective(group, OpBarrier, 0, nil)
	return err
}

func (c *inprocContext) Send(peer int, data []float32) error {
	if c.world.isDead(peer) {
		return faults.PeerFailuref(c.rank, OpSend, "peer %d is dead", peer)
	}
	// Copy: the sender may reuse its buffer while the receiver still reads.
	payload := append([]float32{}, data...)
	select {
	case c.world.link(c.rank, peer) <- payload:
		return nil
	case <-c.world.deadLatch(peer).WaitChan():
		return faults.PeerFailuref(c.rank, OpSend, "peer %d died", peer)
	case <-time.After(c.world.timeout):
		return faults.CollectiveTimeoutf(c.rank, OpSend, "peer %d did not accept within %s", peer, c.world.timeout)
	}
}

func (c *inprocContext) Recv(peer int) ([]float32, error) {
	ch := c.world.link(peer, c.rank)
	select {
	case data := <-ch:
		return data, nil
	case <-c.world.deadLatch(peer).WaitChan():
		// Drain anything sent before the peer died.
		select {
		case data := <-ch:
			return data, nil
		default:
		}
		return nil, faults.PeerFailuref(c.rank, OpRecv, "peer %d died", peer)
	case <-time.After(c.world.timeout):
		return nil, faults.CollectiveTimeoutf(c.rank, OpRecv, "no transfer from peer %d within %s", peer, c.world.timeout)
	}
}

func checkSplits(group mesh.Group, splits []int, total int) {
	if len(splits) != group.Size() {
		Panicf("comms: split table has %d entries for group %q of size %d", len(splits), group.Label, group.Size())
	}
	sum := 0
	for _, s := range splits {
		sum += s
	}
	if sum != total {
		Panicf("comms: split table sums to %d, data has %d values", sum, total)
	}
}
