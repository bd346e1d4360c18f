// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/warden-foundation/warden/lib/clock"
)

// maxSyncWait is the hard ceiling on a synchronous reply wait. A
// connection that cannot answer within this window is declared dead.
const maxSyncWait = 10 * time.Second

// connectAttempts bounds the initial-connect retry loop.
const connectAttempts = 30

// Compile-time interface check.
var _ Connection = (*Remote)(nil)

// Remote drives an executor on another node over the mutual-PSK
// stream transport. See the package comment for the protocol shape.
//
// Remote is internally synchronized: the reader goroutine and the
// calling loop share the correlation state under a mutex. At most one
// synchronous request is outstanding at a time, which is all the
// loop-confined caller can produce.
type Remote struct {
	logger *slog.Logger
	clock  clock.Clock

	node       string
	clientName string
	keys       *KeyLoader

	// dial opens the underlying stream. Tests substitute a pipe.
	dial func() (net.Conn, error)

	mu        sync.Mutex
	sc        *secureConn
	connected bool
	token     string

	// nextID is the monotonic request id, wrapping to 1 on overflow.
	// It spans reconnects so late replies from a previous connection
	// instance cannot collide with new requests.
	nextID uint64

	// dropTokens holds the ids of fire-and-forget requests whose
	// replies must be absorbed silently. The underlying framing
	// always delivers a reply even when the caller did not want to
	// block; this set is where those replies go to die. It survives
	// reconnects deliberately.
	dropTokens map[uint64]bool

	// waiter is the single outstanding synchronous request, if any.
	waiter *syncWaiter

	// notifyBacklog queues result events that arrive while a
	// synchronous wait is in progress; they dispatch after the
	// awaited reply completes.
	notifyBacklog []Event

	handler func(Event)

	// registered mirrors the server-side resource table so
	// ResourceInfo works without a round trip.
	registered map[string]ResourceDefinition
}

type syncWaiter struct {
	id uint64
	ch chan *frame
}

// NewRemote returns an unconnected Remote for the executor at addr.
func NewRemote(logger *slog.Logger, clk clock.Clock, node, clientName, addr string, keys *KeyLoader) *Remote {
	return &Remote{
		logger:     logger.With("component", "executor-remote", "node", node),
		clock:      clk,
		node:       node,
		clientName: clientName,
		keys:       keys,
		dial: func() (net.Conn, error) {
			return net.DialTimeout("tcp", addr, maxSyncWait)
		},
		nextID:     1,
		dropTokens: make(map[uint64]bool),
		registered: make(map[string]ResourceDefinition),
	}
}

// SetDialer substitutes the stream factory (tests).
func (r *Remote) SetDialer(dial func() (net.Conn, error)) { r.dial = dial }

// SetEventHandler installs the completion sink. May be called before
// or after Connect.
func (r *Remote) SetEventHandler(handler func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Connected reports the transport state.
func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Connect dials, runs the PSK handshake, and performs the hello
// exchange. A protocol version mismatch is a hard error and the
// connection is closed.
func (r *Remote) Connect() error {
	psk, err := r.keys.Load()
	if err != nil {
		return fmt.Errorf("loading pre-shared key: %w", err)
	}
	conn, err := r.dial()
	if err != nil {
		return fmt.Errorf("dialing executor: %w", err)
	}
	sc, err := clientSecure(conn, psk)
	if err != nil {
		conn.Close()
		return fmt.Errorf("securing executor connection: %w", err)
	}

	r.mu.Lock()
	r.sc = sc
	r.connected = true
	r.mu.Unlock()
	go r.readLoop(sc)

	reply, err := r.sendRecv(&wireCommand{
		Op:      "hello",
		Client:  r.clientName,
		Version: ProtocolVersion,
	}, maxSyncWait)
	if err != nil {
		r.Disconnect()
		// A refused hello that names another version is a protocol
		// mismatch, not a transport failure.
		if reply != nil && reply.Version != 0 && reply.Version != ProtocolVersion {
			return fmt.Errorf("%w: ours %d, peer %d", ErrProtocolMismatch, ProtocolVersion, reply.Version)
		}
		return fmt.Errorf("hello exchange: %w", err)
	}
	if reply.Version != ProtocolVersion {
		r.Disconnect()
		return fmt.Errorf("%w: ours %d, peer %d", ErrProtocolMismatch, ProtocolVersion, reply.Version)
	}
	if reply.Token == "" {
		r.Disconnect()
		return fmt.Errorf("hello reply carried no registration token")
	}
	r.mu.Lock()
	r.token = reply.Token
	r.mu.Unlock()
	r.logger.Info("executor connected", "peer_version", reply.Version)
	return nil
}

// ConnectRetry calls Connect with backoff until it succeeds or the
// attempt budget is exhausted.
func (r *Remote) ConnectRetry() error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = r.Connect(); err == nil {
			return nil
		}
		r.logger.Warn("executor connect failed", "attempt", attempt, "error", err)
		backoff := time.Duration(attempt) * 100 * time.Millisecond
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
		r.clock.Sleep(backoff)
	}
	return fmt.Errorf("connecting to executor after %d attempts: %w", connectAttempts, err)
}

// Disconnect tears the transport down. The reader exits on the closed
// stream; any in-flight synchronous call fails with ErrNotConnected.
func (r *Remote) Disconnect() error {
	r.mu.Lock()
	sc := r.sc
	r.sc = nil
	r.connected = false
	r.token = ""
	waiter := r.waiter
	r.waiter = nil
	r.mu.Unlock()

	if waiter != nil {
		close(waiter.ch)
	}
	if sc != nil {
		return sc.Close()
	}
	return nil
}

// readLoop runs per connection instance, routing frames into the
// correlation state.
func (r *Remote) readLoop(sc *secureConn) {
	for {
		raw, err := sc.readRecord()
		if err != nil {
			r.mu.Lock()
			stale := r.sc != sc
			r.mu.Unlock()
			if !stale {
				r.logger.Warn("executor stream closed", "error", err)
				r.Disconnect()
			}
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			r.logger.Warn("undecodable frame from executor", "error", err)
			r.Disconnect()
			return
		}
		r.routeFrame(f)
	}
}

func (r *Remote) routeFrame(f *frame) {
	switch f.Type {
	case frameReply:
		r.mu.Lock()
		switch {
		case r.waiter != nil && r.waiter.id == f.ID:
			waiter := r.waiter
			r.waiter = nil
			r.mu.Unlock()
			waiter.ch <- f
		case r.dropTokens[f.ID]:
			delete(r.dropTokens, f.ID)
			remaining := len(r.dropTokens)
			r.mu.Unlock()
			r.logger.Debug("absorbed fire-and-forget reply", "id", f.ID, "outstanding", remaining)
		default:
			r.mu.Unlock()
			r.logger.Info("discarding outdated or unsolicited reply", "id", f.ID)
		}

	case frameNotify:
		if f.Result == nil {
			r.logger.Warn("notify frame without result", "id", f.ID)
			return
		}
		event := eventFromWire(f.Result)
		r.mu.Lock()
		if r.waiter != nil {
			r.notifyBacklog = append(r.notifyBacklog, event)
			r.mu.Unlock()
			return
		}
		handler := r.handler
		r.mu.Unlock()
		if handler != nil {
			handler(event)
		}

	default:
		r.logger.Warn("unexpected frame type from executor", "type", f.Type, "id", f.ID)
		r.Disconnect()
	}
}

// assignID hands out the next request id, wrapping to 1 on overflow.
func (r *Remote) assignID() uint64 {
	id := r.nextID
	r.nextID++
	if r.nextID == 0 {
		r.nextID = 1
	}
	return id
}

// send writes one request frame. Caller holds no locks.
func (r *Remote) send(id uint64, cmd *wireCommand) error {
	r.mu.Lock()
	sc := r.sc
	token := r.token
	connected := r.connected
	r.mu.Unlock()
	if !connected || sc == nil {
		return ErrNotConnected
	}
	if cmd.Op != "hello" {
		cmd.Token = token
	}
	data, err := encodeFrame(&frame{ID: id, Type: frameRequest, Command: cmd})
	if err != nil {
		return err
	}
	if err := sc.writeRecord(data); err != nil {
		r.Disconnect()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// sendRecv issues one synchronous request. The wait is bounded by
// timeout, clamped to maxSyncWait; expiry declares the connection
// dead.
func (r *Remote) sendRecv(cmd *wireCommand, timeout time.Duration) (*wireReply, error) {
	if timeout <= 0 || timeout > maxSyncWait {
		timeout = maxSyncWait
	}

	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil, ErrNotConnected
	}
	if r.waiter != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("synchronous request already in flight")
	}
	id := r.assignID()
	waiter := &syncWaiter{id: id, ch: make(chan *frame, 1)}
	r.waiter = waiter
	r.mu.Unlock()

	if err := r.send(id, cmd); err != nil {
		r.mu.Lock()
		if r.waiter == waiter {
			r.waiter = nil
		}
		r.mu.Unlock()
		return nil, err
	}

	select {
	case f, ok := <-waiter.ch:
		if !ok {
			return nil, ErrNotConnected
		}
		reply, err := r.checkReply(f)
		r.dispatchBacklog()
		return reply, err
	case <-r.clock.After(timeout):
		r.mu.Lock()
		if r.waiter == waiter {
			r.waiter = nil
		}
		r.mu.Unlock()
		r.logger.Error("synchronous executor call timed out, declaring connection dead",
			"op", cmd.Op, "timeout", timeout)
		r.Disconnect()
		return nil, fmt.Errorf("%w: reply wait for %s expired", ErrNotConnected, cmd.Op)
	}
}

// checkReply validates the registration token and unwraps protocol
// errors.
func (r *Remote) checkReply(f *frame) (*wireReply, error) {
	if f.Reply == nil {
		r.Disconnect()
		return nil, fmt.Errorf("reply frame %d without payload", f.ID)
	}
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()
	if token != "" && f.Reply.Token != token {
		r.logger.Error("reply token mismatch, terminating connection", "id", f.ID)
		r.Disconnect()
		return nil, ErrBadToken
	}
	if f.Reply.Error != "" {
		return f.Reply, fmt.Errorf("executor refused %s: %s", f.Reply.Op, f.Reply.Error)
	}
	return f.Reply, nil
}

// dispatchBacklog delivers notifications queued during a synchronous
// wait.
func (r *Remote) dispatchBacklog() {
	for {
		r.mu.Lock()
		if len(r.notifyBacklog) == 0 || r.waiter != nil {
			r.mu.Unlock()
			return
		}
		event := r.notifyBacklog[0]
		r.notifyBacklog = r.notifyBacklog[1:]
		handler := r.handler
		r.mu.Unlock()
		if handler != nil {
			handler(event)
		}
	}
}

// sendAsync issues a fire-and-forget request. The eventual reply is
// absorbed via the drop-token set.
func (r *Remote) sendAsync(cmd *wireCommand) error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return ErrNotConnected
	}
	id := r.assignID()
	r.dropTokens[id] = true
	r.mu.Unlock()

	if err := r.send(id, cmd); err != nil {
		r.mu.Lock()
		delete(r.dropTokens, id)
		r.mu.Unlock()
		return err
	}
	return nil
}

// RegisterResource registers the definition with the remote executor.
func (r *Remote) RegisterResource(def ResourceDefinition) error {
	_, err := r.sendRecv(&wireCommand{
		Op:       "register",
		Resource: def.ID,
		Class:    def.Class,
		Provider: def.Provider,
		AgentTyp: def.Type,
	}, 0)
	if err == nil {
		r.mu.Lock()
		r.registered[def.ID] = def
		r.mu.Unlock()
	}
	return err
}

// UnregisterResource removes the definition.
func (r *Remote) UnregisterResource(id string) error {
	_, err := r.sendRecv(&wireCommand{Op: "unregister", Resource: id}, 0)
	if err == nil {
		r.mu.Lock()
		delete(r.registered, id)
		r.mu.Unlock()
	}
	return err
}

// ResourceInfo returns the locally mirrored definition.
func (r *Remote) ResourceInfo(id string) (ResourceDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.registered[id]
	if !ok {
		return ResourceDefinition{}, ErrNotFound
	}
	return def, nil
}

// Exec dispatches an operation; the reply carries the call id, the
// result arrives later as a notification.
func (r *Remote) Exec(op OpRequest) (int, error) {
	reply, err := r.sendRecv(&wireCommand{
		Op:            "exec",
		Resource:      op.Resource,
		Task:          op.Task,
		IntervalMS:    op.IntervalMS,
		TimeoutMS:     op.Timeout.Milliseconds(),
		TargetRC:      op.TargetRC,
		TransitionKey: op.TransitionKey,
		Params:        paramsToWire(op.Params),
	}, 0)
	if err != nil {
		return 0, err
	}
	return reply.CallID, nil
}

// Cancel stops a recurring operation.
func (r *Remote) Cancel(resource, task string, intervalMS uint32) error {
	_, err := r.sendRecv(&wireCommand{
		Op:         "cancel",
		Resource:   resource,
		Task:       task,
		IntervalMS: intervalMS,
	}, 0)
	return err
}

// ListRecurring returns the executor's active recurring operation
// keys for the resource ("" = all).
func (r *Remote) ListRecurring(resource string) ([]string, error) {
	reply, err := r.sendRecv(&wireCommand{Op: "list-recurring", Resource: resource}, 0)
	if err != nil {
		return nil, err
	}
	return itemNames(reply.Items), nil
}

// ListStandards lists the resource classes the executor supports.
func (r *Remote) ListStandards() ([]string, error) {
	reply, err := r.sendRecv(&wireCommand{Op: "list-standards"}, 0)
	if err != nil {
		return nil, err
	}
	return itemNames(reply.Items), nil
}

// ListProviders lists providers for a class.
func (r *Remote) ListProviders(class string) ([]string, error) {
	reply, err := r.sendRecv(&wireCommand{Op: "list-providers", Class: class}, 0)
	if err != nil {
		return nil, err
	}
	return itemNames(reply.Items), nil
}

// ListAgents lists agents for a class/provider.
func (r *Remote) ListAgents(class, provider string) ([]string, error) {
	reply, err := r.sendRecv(&wireCommand{Op: "list-agents", Class: class, Provider: provider}, 0)
	if err != nil {
		return nil, err
	}
	return itemNames(reply.Items), nil
}

// AgentMetadata fetches an agent's metadata document.
func (r *Remote) AgentMetadata(class, provider, agentType string) (string, error) {
	reply, err := r.sendRecv(&wireCommand{
		Op:       "metadata",
		Class:    class,
		Provider: provider,
		AgentTyp: agentType,
	}, 0)
	if err != nil {
		return "", err
	}
	return reply.Metadata, nil
}

// Poke is the liveness probe. Fire-and-forget: the executor's reply
// is absorbed by the drop-token set rather than waited on.
func (r *Remote) Poke() error {
	return r.sendAsync(&wireCommand{Op: "poke"})
}

func itemNames(items []wireParam) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Name)
	}
	return out
}
