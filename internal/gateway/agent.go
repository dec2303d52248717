package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/basket/fleetrelay/internal/protocol"
	"github.com/basket/fleetrelay/internal/registry"
)

var errHandshakeRejected = errors.New("agent handshake rejected")

// handleAgentMessage routes one agent message. It returns errHandshakeRejected
// when the connection must be closed.
func (s *Server) handleAgentMessage(ctx context.Context, c *registry.Connection, raw []byte) error {
	msg, err := protocol.DecodeAgent(raw)
	if err != nil {
		var verr *protocol.ValidationError
		switch {
		case errors.As(err, &verr):
			s.logger.Warn("agent: invalid message", "conn_id", c.ID, "tenant_id", c.TenantID, "error", err)
			s.cfg.Registry.Send(c.ID, verr.Reply())
		case errors.Is(err, protocol.ErrUnknownKind):
			s.logger.Debug("agent: message ignored", "conn_id", c.ID, "error", err)
		default:
			s.logger.Error("agent: decode failed", "conn_id", c.ID, "error", err)
		}
		return nil
	}

	if h, ok := msg.(protocol.Hello); ok {
		return s.handleHello(c, h)
	}
	if !c.Ready() {
		s.replyError(c.ID, protocol.CodeUnauthorized, "hello required", "")
		return nil
	}

	coord := s.cfg.Coordinators.For(c.TenantID)
	switch m := msg.(type) {
	case protocol.Pull:
		items, err := coord.Pull(ctx, m.Limit)
		if err != nil {
			s.logger.Error("agent: pull failed", "conn_id", c.ID, "tenant_id", c.TenantID, "error", err)
			s.replyError(c.ID, protocol.CodeInternal, "pull failed", "")
			return nil
		}
		s.cfg.Registry.Send(c.ID, protocol.NewTaskBatch(items))

	case protocol.Ack:
		if _, err := coord.Ack(ctx, m.IDs); err != nil {
			s.logger.Error("agent: ack failed", "conn_id", c.ID, "tenant_id", c.TenantID, "error", err)
		}

	case protocol.TaskResponse:
		s.handleTaskResponse(ctx, c, m)

	case protocol.StatusUpdate:
		s.publishStatus(ctx, c, m.InstanceID, m.Status)

	case protocol.Heartbeat:
		if m.HasStatus() {
			s.publishStatus(ctx, c, m.InstanceID, m.Status)
		}

	case protocol.LogChunk:
		n := s.cfg.Streams.OnChunk(c.TenantID, m)
		if n > 0 && s.cfg.Metrics != nil {
			s.cfg.Metrics.LogChunksDelivered.Add(ctx, int64(n))
		}

	case protocol.TerminalBind:
		if !s.cfg.Terminals.Bind(c.TenantID, m.SessionID, c.ID) {
			s.replyError(c.ID, protocol.CodeNotFound, "no terminal session expected", "")
		}

	case protocol.TerminalData:
		if err := s.cfg.Terminals.RelayFromAgent(c.TenantID, m.SessionID, c.ID, m.Data); err != nil {
			s.replyError(c.ID, protocol.CodeNotFound, err.Error(), "")
		}

	case protocol.TerminalClose:
		sess, ok := s.cfg.Terminals.Get(c.TenantID, m.SessionID)
		if !ok || sess.AgentConnID != c.ID {
			s.replyError(c.ID, protocol.CodeNotFound, "terminal session not found", "")
			return nil
		}
		s.cfg.Terminals.Close(c.TenantID, m.SessionID, m.Reason)

	default:
		s.logger.Debug("agent: unhandled kind", "conn_id", c.ID, "kind", msg.MessageKind())
	}
	return nil
}

// publishStatus caches the snapshot for late subscribers and broadcasts it to the
// tenant's clients.
func (s *Server) publishStatus(ctx context.Context, c *registry.Connection, instanceID string, status json.RawMessage) {
	snap := protocol.StatusBroadcast{
		Kind:       protocol.KindStatusUpdate,
		InstanceID: instanceID,
		Status:     status,
		ReceivedAt: s.now().UnixMilli(),
	}
	if err := s.cfg.Coordinators.For(c.TenantID).SetStatus(ctx, snap); err != nil {
		s.logger.Warn("agent: status not cached", "tenant_id", c.TenantID, "error", err)
	}
	s.cfg.Registry.Broadcast(c.TenantID, registry.RoleClient, snap)
}

func (s *Server) handleHello(c *registry.Connection, h protocol.Hello) error {
	res := s.cfg.Coordinators.Handshake(h)
	if res.Status != protocol.HelloAccepted {
		s.cfg.Registry.Send(c.ID, res)
		s.logger.Warn("agent: handshake rejected",
			"conn_id", c.ID,
			"tenant_id", c.TenantID,
			"reason", res.Reason,
			"protocol", h.Protocol,
			"version", h.Version,
		)
		return errHandshakeRejected
	}
	// Ready before the reply so the agent is routable once it reads "accepted".
	if err := s.cfg.Registry.MarkReady(c.ID); err != nil {
		return err
	}
	s.cfg.Registry.Send(c.ID, res)
	s.logger.Info("agent: ready",
		"conn_id", c.ID,
		"tenant_id", c.TenantID,
		"instance", h.InstanceName,
		"version", h.Version,
		"upgrade", res.Upgrade != nil,
	)
	return nil
}

// handleTaskResponse answers the originating client and acknowledges the task.
// Responses for unknown or already answered tasks are dropped by the pending table.
func (s *Server) handleTaskResponse(ctx context.Context, c *registry.Connection, m protocol.TaskResponse) {
	if m.Success {
		payload := make(map[string]any, len(m.Data)+2)
		for k, v := range m.Data {
			payload[k] = v
		}
		payload["kind"] = protocol.KindTaskResponse
		payload["success"] = true
		s.cfg.Pending.Resolve(c.TenantID, m.TaskID, payload)
	} else {
		message := "agent reported a failure"
		if m.Error != nil && m.Error.Message != "" {
			message = m.Error.Message
		}
		s.cfg.Pending.Fail(c.TenantID, m.TaskID, protocol.CodeAgentError, message)
	}
	if _, err := s.cfg.Coordinators.For(c.TenantID).Ack(ctx, []string{m.TaskID}); err != nil {
		s.logger.Error("agent: ack after response failed", "tenant_id", c.TenantID, "task_id", m.TaskID, "error", err)
	}
}
