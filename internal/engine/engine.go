// Package engine implements the per-connection protocol state machine. An
// Engine interprets decoded frames, enforces login rules through the shared
// session registry, drives stop-and-wait transfers against the file store and
// fans BCAST notifications out to every logged-in connection.
package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/energizer-project/tftpd/internal/events"
	"github.com/energizer-project/tftpd/internal/metrics"
	"github.com/energizer-project/tftpd/internal/protocol"
	"github.com/energizer-project/tftpd/internal/session"
)

const tracerName = "github.com/energizer-project/tftpd/internal/engine"

// FileStore is the storage an Engine reads from and writes to.
type FileStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Create(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// Sender delivers a packet to a connection. It must be safe to call from any
// goroutine and reports whether the connection was known.
type Sender interface {
	Send(connID int, data []byte) bool
}

// Deps are the collaborators shared by all engines of a server.
type Deps struct {
	Store    FileStore
	Registry *session.Registry
	Conns    Sender

	// Optional
	Bus     *events.EventBus
	Metrics *metrics.Metrics
}

// state is the login state of a session.
type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticated
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// transferKind tells what the outbound queue is carrying.
type transferKind int

const (
	transferNone transferKind = iota
	transferFile
	transferListing
)

// Engine is the session of one connection. It is owned by the connection's
// goroutine and is not safe for concurrent use.
type Engine struct {
	connID int
	remote string
	deps   Deps
	logger zerolog.Logger
	tracer trace.Tracer

	state    state
	username string

	// Outbound transfer (RRQ, DIRQ): DATA packets not yet sent.
	outbound       [][]byte
	outboundKind   transferKind
	outboundName   string
	outboundBytes  int
	outboundBlocks int

	// Inbound transfer (WRQ)
	uploading   bool
	uploadName  string
	upload      bytes.Buffer
	uploadBlock uint16
}

// New creates the engine for a freshly accepted connection.
func New(connID int, remote string, deps Deps) *Engine {
	return &Engine{
		connID: connID,
		remote: remote,
		deps:   deps,
		logger: log.With().
			Str("component", "engine").
			Int("conn_id", connID).
			Str("remote", remote).
			Logger(),
		tracer: otel.Tracer(tracerName),
		state:  stateUnauthenticated,
	}
}

// ConnID returns the connection identifier.
func (e *Engine) ConnID() int {
	return e.connID
}

// Username returns the logged-in username, or "" before login.
func (e *Engine) Username() string {
	return e.username
}

// LoggedIn reports whether the session is authenticated.
func (e *Engine) LoggedIn() bool {
	return e.state == stateAuthenticated
}

// ShouldTerminate reports whether the peer disconnected with DISC and the
// transport should close the connection.
func (e *Engine) ShouldTerminate() bool {
	return e.state == stateTerminated
}

// Process handles one complete frame.
func (e *Engine) Process(ctx context.Context, frame []byte) {
	if e.state == stateTerminated {
		return
	}

	var op protocol.Opcode
	if len(frame) >= protocol.OpcodeSize {
		op = protocol.Opcode(binary.BigEndian.Uint16(frame))
	}
	e.deps.Metrics.PacketReceived(op.String())

	ctx, span := e.tracer.Start(ctx, "tftp."+op.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int("tftp.conn_id", e.connID),
			attribute.String("tftp.state", e.state.String()),
		))
	defer span.End()

	if e.state != stateAuthenticated && op != protocol.OpLOGRQ {
		e.sendError(ctx, op, protocol.ErrNotLoggedIn, "")
		return
	}

	msg, err := protocol.Parse(frame)
	if err != nil {
		e.logger.Warn().Err(err).Str("opcode", op.String()).Msg("malformed frame")
		e.sendError(ctx, op, protocol.ErrIllegalOperation, "")
		return
	}

	e.logger.Trace().Str("opcode", op.String()).Int("len", len(frame)).Msg("frame received")

	switch msg.Opcode {
	case protocol.OpLOGRQ:
		e.handleLogin(ctx, msg)
	case protocol.OpRRQ:
		e.handleRead(ctx, msg)
	case protocol.OpWRQ:
		e.handleWrite(ctx, msg)
	case protocol.OpDATA:
		e.handleData(ctx, msg)
	case protocol.OpACK:
		e.handleAck(ctx, msg)
	case protocol.OpERROR:
		e.handlePeerError(msg)
	case protocol.OpDIRQ:
		e.handleList(ctx)
	case protocol.OpDELRQ:
		e.handleDelete(ctx, msg)
	case protocol.OpBCAST:
		// Broadcasts only ever flow from server to clients.
		e.sendError(ctx, msg.Opcode, protocol.ErrIllegalOperation, "")
	case protocol.OpDISC:
		e.handleDisconnect(ctx)
	}
}

// Close releases the login of a connection that went away without DISC.
// It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) {
	if e.state == stateAuthenticated {
		e.logout(ctx)
	}
	e.state = stateTerminated
	e.resetUpload()
	e.resetOutbound()
}

func (e *Engine) logout(ctx context.Context) {
	e.deps.Registry.Logout(e.username, e.connID)
	e.deps.Metrics.SetLoggedIn(e.deps.Registry.Count())
	e.emit(ctx, events.EventUserLoggedOut, events.SessionPayload{
		ConnID:   e.connID,
		Username: e.username,
		Remote:   e.remote,
	})
	e.logger.Info().Msg("user logged out")
}

// send delivers a packet to this connection.
func (e *Engine) send(packet []byte) {
	if !e.deps.Conns.Send(e.connID, packet) {
		e.logger.Debug().Msg("send to closed connection dropped")
		return
	}
	e.deps.Metrics.PacketSent(opcodeOf(packet))
}

// sendError reports a failure of the current request to this connection.
func (e *Engine) sendError(ctx context.Context, op protocol.Opcode, code protocol.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}

	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Error, message)
	span.SetAttributes(attribute.Int("tftp.error_code", int(code)))

	e.logger.Debug().
		Str("opcode", op.String()).
		Str("code", code.String()).
		Str("message", message).
		Msg("sending error")

	e.send(protocol.BuildError(code, message))
	e.deps.Metrics.ErrorSent(code.String())
	e.emit(ctx, events.EventErrorSent, events.ErrorPayload{
		ConnID:   e.connID,
		Username: e.username,
		Opcode:   op.String(),
		Code:     uint16(code),
		Message:  message,
	})
}

// broadcast sends packet to every logged-in connection, this one included.
func (e *Engine) broadcast(packet []byte) {
	targets := e.deps.Registry.BroadcastTargets()
	for _, id := range targets {
		if e.deps.Conns.Send(id, packet) {
			e.deps.Metrics.PacketSent(protocol.OpBCAST.String())
		}
	}
	e.logger.Debug().Int("targets", len(targets)).Msg("broadcast sent")
}

func (e *Engine) emit(ctx context.Context, typ events.EventType, payload interface{}) {
	e.deps.Bus.Emit(ctx, events.Event{
		Type:    typ,
		Source:  fmt.Sprintf("conn:%d", e.connID),
		Payload: payload,
	})
}

func opcodeOf(packet []byte) string {
	if len(packet) < protocol.OpcodeSize {
		return "UNKNOWN"
	}
	return protocol.Opcode(binary.BigEndian.Uint16(packet)).String()
}
