package engine

import (
	"context"
	"errors"

	"github.com/energizer-project/tftpd/internal/events"
	"github.com/energizer-project/tftpd/internal/protocol"
	"github.com/energizer-project/tftpd/internal/store"
)

// handleLogin handles LOGRQ.
func (e *Engine) handleLogin(ctx context.Context, msg *protocol.Message) {
	if e.state == stateAuthenticated {
		e.sendError(ctx, msg.Opcode, protocol.ErrAlreadyLoggedIn, "")
		return
	}
	if err := protocol.ValidateName(msg.Name); err != nil {
		e.sendError(ctx, msg.Opcode, protocol.ErrNotDefined, "Illegal user name")
		return
	}

	if !e.deps.Registry.TryLogin(msg.Name, e.connID) {
		e.logger.Info().Str("user", msg.Name).Msg("login rejected, user already logged in")
		e.sendError(ctx, msg.Opcode, protocol.ErrAlreadyLoggedIn, "")
		return
	}

	e.state = stateAuthenticated
	e.username = msg.Name
	e.logger = e.logger.With().Str("user", msg.Name).Logger()
	e.deps.Metrics.SetLoggedIn(e.deps.Registry.Count())

	e.send(protocol.BuildACK(0))
	e.emit(ctx, events.EventUserLoggedIn, events.SessionPayload{
		ConnID:   e.connID,
		Username: msg.Name,
		Remote:   e.remote,
	})
	e.logger.Info().Msg("user logged in")
}

// handleRead handles RRQ: the whole file is split into DATA packets and the
// first one is sent; the rest follow one per ACK.
func (e *Engine) handleRead(ctx context.Context, msg *protocol.Message) {
	if err := protocol.ValidateName(msg.Name); err != nil {
		e.sendError(ctx, msg.Opcode, protocol.ErrNotDefined, "Illegal file name")
		return
	}

	data, err := e.deps.Store.Read(ctx, msg.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.sendError(ctx, msg.Opcode, protocol.ErrFileNotFound, "")
			return
		}
		e.logger.Error().Err(err).Str("file", msg.Name).Msg("read failed")
		e.sendError(ctx, msg.Opcode, protocol.ErrNotDefined, "")
		return
	}

	e.startOutbound(transferFile, msg.Name, data)
	e.emit(ctx, events.EventDownloadStarted, e.outboundPayload())
	e.logger.Info().
		Str("file", msg.Name).
		Int("bytes", len(data)).
		Int("blocks", e.outboundBlocks).
		Msg("download started")

	e.sendNextChunk()
}

// handleList handles DIRQ: the NUL-terminated names of all files are sent
// exactly like the content of a file.
func (e *Engine) handleList(ctx context.Context) {
	names, err := e.deps.Store.List(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("listing failed")
		e.sendError(ctx, protocol.OpDIRQ, protocol.ErrNotDefined, "")
		return
	}

	e.startOutbound(transferListing, "", protocol.JoinNames(names))
	e.logger.Debug().Int("files", len(names)).Msg("listing started")
	e.sendNextChunk()
}

// handleWrite handles WRQ.
func (e *Engine) handleWrite(ctx context.Context, msg *protocol.Message) {
	if err := protocol.ValidateName(msg.Name); err != nil {
		e.sendError(ctx, msg.Opcode, protocol.ErrNotDefined, "Illegal file name")
		return
	}

	exists, err := e.deps.Store.Exists(ctx, msg.Name)
	if err != nil {
		e.logger.Error().Err(err).Str("file", msg.Name).Msg("existence check failed")
		e.sendError(ctx, msg.Opcode, protocol.ErrNotDefined, "")
		return
	}
	if exists {
		e.sendError(ctx, msg.Opcode, protocol.ErrFileExists, "")
		return
	}

	e.resetUpload()
	e.uploading = true
	e.uploadName = msg.Name
	e.uploadBlock = 1

	e.logger.Info().Str("file", msg.Name).Msg("upload started")
	e.send(protocol.BuildACK(0))
}

// handleData handles DATA of an upload. A payload shorter than a full block
// completes the upload.
func (e *Engine) handleData(ctx context.Context, msg *protocol.Message) {
	if !e.uploading {
		e.sendError(ctx, msg.Opcode, protocol.ErrIllegalOperation, "No upload in progress")
		return
	}

	if msg.Block != e.uploadBlock {
		e.logger.Warn().
			Uint16("expected", e.uploadBlock).
			Uint16("received", msg.Block).
			Msg("unexpected block number")
	}
	e.uploadBlock = msg.Block + 1
	e.upload.Write(msg.Data)

	if len(msg.Data) == protocol.BlockSize {
		e.send(protocol.BuildACK(msg.Block))
		return
	}

	name := e.uploadName
	size := e.upload.Len()
	blocks := int(msg.Block)
	err := e.deps.Store.Create(ctx, name, e.upload.Bytes())
	e.resetUpload()

	if err != nil {
		if errors.Is(err, store.ErrExists) {
			e.sendError(ctx, msg.Opcode, protocol.ErrFileExists, "")
			return
		}
		e.logger.Error().Err(err).Str("file", name).Msg("failed to persist upload")
		e.sendError(ctx, msg.Opcode, protocol.ErrNotDefined, "")
		return
	}

	e.send(protocol.BuildACK(msg.Block))
	e.broadcast(protocol.BuildBcast(true, name))

	e.deps.Metrics.Uploaded(size)
	e.emit(ctx, events.EventUploadCompleted, events.FilePayload{
		ConnID:   e.connID,
		Username: e.username,
		Filename: name,
		Bytes:    size,
		Blocks:   blocks,
	})
	e.logger.Info().Str("file", name).Int("bytes", size).Msg("upload completed")
}

// handleAck handles ACK of an outbound transfer. An ACK with nothing left
// to send completes the transfer.
func (e *Engine) handleAck(ctx context.Context, msg *protocol.Message) {
	if len(e.outbound) > 0 {
		e.sendNextChunk()
		return
	}
	if e.outboundKind == transferNone {
		e.logger.Debug().Uint16("block", msg.Block).Msg("ack without transfer ignored")
		return
	}

	typ := events.EventDownloadCompleted
	if e.outboundKind == transferListing {
		typ = events.EventListingSent
	}
	e.emit(ctx, typ, e.outboundPayload())
	e.logger.Debug().
		Str("file", e.outboundName).
		Int("blocks", e.outboundBlocks).
		Msg("outbound transfer completed")
	e.resetOutbound()
}

// handlePeerError logs an ERROR sent by the peer. No reply is sent.
func (e *Engine) handlePeerError(msg *protocol.Message) {
	e.logger.Warn().
		Uint16("code", uint16(msg.ErrorCode)).
		Str("message", msg.ErrorMsg).
		Msg("peer reported error")
}

// handleDelete handles DELRQ.
func (e *Engine) handleDelete(ctx context.Context, msg *protocol.Message) {
	if err := protocol.ValidateName(msg.Name); err != nil {
		e.sendError(ctx, msg.Opcode, protocol.ErrNotDefined, "Illegal file name")
		return
	}

	if err := e.deps.Store.Delete(ctx, msg.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.sendError(ctx, msg.Opcode, protocol.ErrFileNotFound, "")
			return
		}
		e.logger.Error().Err(err).Str("file", msg.Name).Msg("delete failed")
		e.sendError(ctx, msg.Opcode, protocol.ErrNotDefined, "")
		return
	}

	e.send(protocol.BuildACK(0))
	e.broadcast(protocol.BuildBcast(false, msg.Name))

	e.emit(ctx, events.EventFileDeleted, events.FilePayload{
		ConnID:   e.connID,
		Username: e.username,
		Filename: msg.Name,
	})
	e.logger.Info().Str("file", msg.Name).Msg("file deleted")
}

// handleDisconnect handles DISC. The login is released before the ACK goes
// out so the peer may reuse the name as soon as it sees the reply.
func (e *Engine) handleDisconnect(ctx context.Context) {
	e.logout(ctx)
	e.send(protocol.BuildACK(0))
	e.state = stateTerminated
	e.resetUpload()
	e.resetOutbound()
}

func (e *Engine) startOutbound(kind transferKind, name string, data []byte) {
	e.outbound = protocol.SplitData(data)
	e.outboundKind = kind
	e.outboundName = name
	e.outboundBytes = len(data)
	e.outboundBlocks = len(e.outbound)
	e.deps.Metrics.Downloaded(len(data))
}

func (e *Engine) sendNextChunk() {
	next := e.outbound[0]
	e.outbound[0] = nil
	e.outbound = e.outbound[1:]
	e.send(next)
}

func (e *Engine) outboundPayload() events.FilePayload {
	return events.FilePayload{
		ConnID:   e.connID,
		Username: e.username,
		Filename: e.outboundName,
		Bytes:    e.outboundBytes,
		Blocks:   e.outboundBlocks,
	}
}

func (e *Engine) resetOutbound() {
	e.outbound = nil
	e.outboundKind = transferNone
	e.outboundName = ""
	e.outboundBytes = 0
	e.outboundBlocks = 0
}

func (e *Engine) resetUpload() {
	e.uploading = false
	e.uploadName = ""
	e.upload.Reset()
	e.uploadBlock = 0
}
