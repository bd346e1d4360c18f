// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-foundation/warden/lib/clock"
)

// Server exposes a Local executor to remote controllers over the
// mutual-PSK transport. One session (the current controller) is
// active at a time; a newer session displaces the previous event
// subscription, matching the one-leader model.
type Server struct {
	logger *slog.Logger
	clock  clock.Clock
	local  *Local
	keys   *KeyLoader
}

// NewServer wraps local for serving.
func NewServer(logger *slog.Logger, clk clock.Clock, local *Local, keys *KeyLoader) *Server {
	return &Server{
		logger: logger.With("component", "executor-server"),
		clock:  clk,
		local:  local,
		keys:   keys,
	}
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accepting executor connection: %w", err)
		}
		go s.serveConn(conn)
	}
}

// serverSession is one authenticated controller connection.
type serverSession struct {
	server *Server
	sc     *secureConn
	token  string

	// writeMu serializes frame writes: replies come from the session
	// loop, notifications from agent completion goroutines.
	writeMu sync.Mutex

	helloDone bool
}

func (s *Server) serveConn(conn net.Conn) {
	psk, err := s.keys.Load()
	if err != nil {
		s.logger.Error("cannot load pre-shared key", "error", err)
		conn.Close()
		return
	}
	sc, err := serverSecure(conn, psk)
	if err != nil {
		s.logger.Warn("rejecting connection: secure handshake failed", "error", err)
		conn.Close()
		return
	}

	session := &serverSession{server: s, sc: sc, token: uuid.NewString()}
	s.logger.Info("controller connected", "remote", conn.RemoteAddr().String())
	defer sc.Close()

	for {
		raw, err := sc.readRecord()
		if err != nil {
			s.logger.Info("controller disconnected", "error", err)
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			s.logger.Warn("undecodable frame from controller", "error", err)
			return
		}
		if f.Type != frameRequest || f.Command == nil {
			s.logger.Warn("unexpected frame from controller", "type", f.Type)
			return
		}
		if !session.handle(f.ID, f.Command) {
			return
		}
	}
}

// handle processes one request; returns false when the connection
// must close.
func (session *serverSession) handle(id uint64, cmd *wireCommand) bool {
	server := session.server

	if cmd.Op == "hello" {
		if cmd.Version != ProtocolVersion {
			server.logger.Error("protocol version mismatch",
				"client", cmd.Client, "client_version", cmd.Version, "ours", ProtocolVersion)
			session.reply(id, &wireReply{
				Op:      "hello",
				Version: ProtocolVersion,
				Error:   fmt.Sprintf("protocol version mismatch: server speaks %d", ProtocolVersion),
			})
			return false
		}
		session.helloDone = true
		// Route completions from the local executor to this session.
		server.local.SetEventHandler(session.notify)
		session.reply(id, &wireReply{Op: "hello", Version: ProtocolVersion, Token: session.token})
		return true
	}

	if !session.helloDone || cmd.Token != session.token {
		server.logger.Error("request with missing or wrong token, closing", "op", cmd.Op)
		session.reply(id, &wireReply{Op: cmd.Op, Error: "bad registration token"})
		return false
	}

	reply := session.dispatch(cmd)
	reply.Op = cmd.Op
	session.reply(id, reply)
	return true
}

// dispatch runs one authenticated command against the local executor.
func (session *serverSession) dispatch(cmd *wireCommand) *wireReply {
	local := session.server.local
	switch cmd.Op {
	case "register":
		err := local.RegisterResource(ResourceDefinition{
			ID:       cmd.Resource,
			Class:    cmd.Class,
			Provider: cmd.Provider,
			Type:     cmd.AgentTyp,
		})
		return replyForError(err)

	case "unregister":
		return replyForError(local.UnregisterResource(cmd.Resource))

	case "exec":
		callID, err := local.Exec(OpRequest{
			Resource:      cmd.Resource,
			Task:          cmd.Task,
			IntervalMS:    cmd.IntervalMS,
			Timeout:       time.Duration(cmd.TimeoutMS) * time.Millisecond,
			TargetRC:      cmd.TargetRC,
			TransitionKey: cmd.TransitionKey,
			Params:        paramsFromWire(cmd.Params),
		})
		reply := replyForError(err)
		reply.CallID = callID
		return reply

	case "cancel":
		return replyForError(local.Cancel(cmd.Resource, cmd.Task, cmd.IntervalMS))

	case "list-recurring":
		keys, err := local.ListRecurring(cmd.Resource)
		return listReply(keys, err)

	case "list-standards":
		names, err := local.ListStandards()
		return listReply(names, err)

	case "list-providers":
		names, err := local.ListProviders(cmd.Class)
		return listReply(names, err)

	case "list-agents":
		names, err := local.ListAgents(cmd.Class, cmd.Provider)
		return listReply(names, err)

	case "metadata":
		metadata, err := local.AgentMetadata(cmd.Class, cmd.Provider, cmd.AgentTyp)
		reply := replyForError(err)
		reply.Metadata = metadata
		return reply

	case "poke":
		return replyForError(local.Poke())

	default:
		return &wireReply{Error: fmt.Sprintf("unknown operation %q", cmd.Op)}
	}
}

func replyForError(err error) *wireReply {
	if err != nil {
		return &wireReply{Error: err.Error()}
	}
	return &wireReply{}
}

func listReply(names []string, err error) *wireReply {
	reply := replyForError(err)
	for _, name := range names {
		reply.Items = append(reply.Items, wireParam{Name: name})
	}
	return reply
}

// reply writes one reply frame, echoing the session token.
func (session *serverSession) reply(id uint64, reply *wireReply) {
	if session.helloDone {
		reply.Token = session.token
	}
	session.write(&frame{ID: id, Type: frameReply, Reply: reply})
}

// notify forwards one local executor completion as a notify frame.
// Notification frames reuse the id sequence space of the executor's
// call ids; correlation happens by transition key, not frame id.
func (session *serverSession) notify(event Event) {
	session.write(&frame{
		ID:     uint64(event.CallID),
		Type:   frameNotify,
		Result: eventToWire(&event),
	})
}

func (session *serverSession) write(f *frame) {
	data, err := encodeFrame(f)
	if err != nil {
		session.server.logger.Error("encoding frame", "error", err)
		return
	}
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	if err := session.sc.writeRecord(data); err != nil {
		session.server.logger.Warn("writing frame to controller", "error", err)
	}
}
