package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/basket/fleetrelay/internal/audit"
	"github.com/basket/fleetrelay/internal/coordinator"
	"github.com/basket/fleetrelay/internal/directory"
	"github.com/basket/fleetrelay/internal/logstream"
	"github.com/basket/fleetrelay/internal/otel"
	"github.com/basket/fleetrelay/internal/pending"
	"github.com/basket/fleetrelay/internal/persistence"
	"github.com/basket/fleetrelay/internal/protocol"
	"github.com/basket/fleetrelay/internal/registry"
)

// Request outcomes recorded on spans and metrics.
const (
	outcomeDispatched   = "dispatched"
	outcomeJoined       = "joined"
	outcomeRateLimited  = "rate_limited"
	outcomeDenied       = "denied"
	outcomeNotFound     = "not_found"
	outcomeDisconnected = "disconnected"
	outcomeError        = "error"
)

func (s *Server) handleClientMessage(ctx context.Context, c *registry.Connection, raw []byte) {
	msg, err := protocol.DecodeClient(raw)
	if err != nil {
		var verr *protocol.ValidationError
		switch {
		case errors.As(err, &verr):
			s.cfg.Registry.Send(c.ID, verr.Reply())
		case errors.Is(err, protocol.ErrUnknownKind):
			s.logger.Debug("client: message ignored", "conn_id", c.ID, "error", err)
		default:
			s.logger.Error("client: decode failed", "conn_id", c.ID, "error", err)
			s.replyError(c.ID, protocol.CodeInternal, "internal error", "")
		}
		return
	}

	switch m := msg.(type) {
	case protocol.ClientSubscribe:
		s.replayStatus(ctx, c)
	case protocol.ClientAck:
		// Liveness only; the read loop already touched the connection.
	case protocol.LogUnsubscribeRequest:
		if s.cfg.Streams.Unsubscribe(c.TenantID, m.StreamID, c.ID) {
			s.stopUpstream(ctx, c.TenantID, m.StreamID)
		}
	case protocol.TerminalData:
		if err := s.cfg.Terminals.RelayFromClient(c.TenantID, m.SessionID, c.ID, m.Data); err != nil {
			s.replyError(c.ID, protocol.CodeNotFound, err.Error(), "")
		}
	case protocol.TerminalClose:
		sess, ok := s.cfg.Terminals.Get(c.TenantID, m.SessionID)
		if !ok || sess.ClientConnID != c.ID {
			s.replyError(c.ID, protocol.CodeNotFound, "terminal session not found", "")
			return
		}
		s.cfg.Terminals.Close(c.TenantID, m.SessionID, m.Reason)
	case protocol.ActionRequest:
		s.handleAction(ctx, c, m)
	default:
		s.logger.Debug("client: unhandled kind", "conn_id", c.ID, "kind", msg.MessageKind())
	}
}

func (s *Server) handleAction(ctx context.Context, c *registry.Connection, req protocol.ActionRequest) {
	start := s.now()
	kind := req.MessageKind()
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "relay.client."+kind,
		otel.AttrTenantID.String(c.TenantID),
		otel.AttrConnID.String(c.ID),
		otel.AttrKind.String(kind),
	)
	defer span.End()

	outcome := s.routeAction(ctx, c, req)
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	s.cfg.Metrics.RecordRequest(ctx, kind, outcome, s.now().Sub(start))
}

// routeAction applies, in order: rate limit, permission and instance checks,
// pending registration, then dispatch. Every rejection happens before any task
// exists.
func (s *Server) routeAction(ctx context.Context, c *registry.Connection, req protocol.ActionRequest) string {
	kind := req.MessageKind()
	requestID := req.Correlation()

	lim := s.currentLimits()
	if lim.RequestsPerWindow > 0 && !s.cfg.Limiter.Allow(requestLimitKey(c.ID), lim.RequestsPerWindow, lim.Window) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RateLimitRejects.Add(ctx, 1, otel.TenantAttr(c.TenantID))
		}
		s.replyError(c.ID, protocol.CodeRateLimited, "too many requests", requestID)
		return outcomeRateLimited
	}

	inst, outcome := s.authorizeAction(ctx, c, req)
	if outcome != "" {
		return outcome
	}

	taskID := uuid.NewString()
	entry := pending.Entry{
		TaskID:      taskID,
		RequestID:   requestID,
		OwnerConnID: c.ID,
		TenantID:    c.TenantID,
		Kind:        kind,
	}
	if s.cfg.PendingTimeout != nil {
		entry.Timeout = s.cfg.PendingTimeout(kind)
	}
	payload := req.TaskPayload()

	switch m := req.(type) {
	case protocol.LogSubscribeRequest:
		return s.routeLogSubscribe(ctx, c, m, entry, payload, inst)
	case protocol.TerminalOpenRequest:
		sessionID := uuid.NewString()
		entry.Extra = map[string]any{"sessionId": sessionID}
		if !s.cfg.Pending.Register(entry) {
			s.replyError(c.ID, protocol.CodeRateLimited, "too many pending requests", requestID)
			return outcomeRateLimited
		}
		s.cfg.Terminals.Expect(sessionID, c.ID, c.TenantID)
		s.cfg.Registry.Send(c.ID, protocol.TerminalPending{Kind: protocol.KindTerminalPending, RequestID: requestID, SessionID: sessionID})
		payload["sessionId"] = sessionID
		return s.dispatch(ctx, c.TenantID, taskID, kind, payload, inst)
	}

	if !s.cfg.Pending.Register(entry) {
		s.replyError(c.ID, protocol.CodeRateLimited, "too many pending requests", requestID)
		return outcomeRateLimited
	}
	return s.dispatch(ctx, c.TenantID, taskID, kind, payload, inst)
}

// authorizeAction checks tenant access and resolves the target instance. It
// returns a non-empty outcome when the request was rejected.
func (s *Server) authorizeAction(ctx context.Context, c *registry.Connection, req protocol.ActionRequest) (directory.Instance, string) {
	kind := req.MessageKind()
	requestID := req.Correlation()
	decision := audit.Decision{
		TenantID: c.TenantID,
		Subject:  c.Identity,
		Action:   kind,
		Target:   req.Instance(),
		Decision: audit.Allow,
	}

	if s.cfg.Permissions != nil {
		check := s.cfg.Permissions.CanWrite
		if req.Access() == protocol.AccessRead {
			check = s.cfg.Permissions.CanRead
		}
		ok, err := check(ctx, c.Identity, c.TenantID)
		if err != nil {
			s.logger.Error("permission check failed", "tenant_id", c.TenantID, "conn_id", c.ID, "error", err)
			s.replyError(c.ID, protocol.CodeInternal, "permission check failed", requestID)
			return directory.Instance{}, outcomeError
		}
		if !ok {
			decision.Decision = audit.Deny
			decision.Reason = "no " + req.Access().String() + " access"
			s.cfg.Audit.Record(ctx, decision)
			s.replyError(c.ID, protocol.CodePermissionDenied, "permission denied", requestID)
			return directory.Instance{}, outcomeDenied
		}
	}

	var inst directory.Instance
	if ref := req.Instance(); ref != "" && s.cfg.Instances != nil {
		var err error
		inst, err = s.cfg.Instances.Lookup(ctx, c.TenantID, ref)
		if errors.Is(err, directory.ErrNotFound) {
			decision.Decision = audit.Deny
			decision.Reason = "unknown instance"
			s.cfg.Audit.Record(ctx, decision)
			s.replyError(c.ID, protocol.CodeNotFound, "instance not found", requestID)
			return directory.Instance{}, outcomeNotFound
		}
		if err != nil {
			s.logger.Error("instance lookup failed", "tenant_id", c.TenantID, "instance", ref, "error", err)
			s.replyError(c.ID, protocol.CodeInternal, "instance lookup failed", requestID)
			return directory.Instance{}, outcomeError
		}
	}
	s.cfg.Audit.Record(ctx, decision)
	return inst, ""
}

// routeLogSubscribe joins an existing stream or, for the first subscriber,
// registers the request and starts the upstream task.
func (s *Server) routeLogSubscribe(ctx context.Context, c *registry.Connection, m protocol.LogSubscribeRequest,
	entry pending.Entry, payload map[string]any, inst directory.Instance) string {

	key := m.StreamID
	if key == "" {
		key = logstream.StreamKey(m.Path, m.Offset, int64(m.Limit), int64(m.Duration))
	}
	if !s.cfg.Streams.Subscribe(c.TenantID, key, c.ID, m.RequestID, m.Offset) {
		offset, _ := s.cfg.Streams.LastOffset(c.TenantID, key, c.ID)
		s.cfg.Registry.Send(c.ID, protocol.LogSubscribed{
			Kind:        protocol.KindLogSubscribed,
			RequestID:   m.RequestID,
			StreamID:    key,
			Joined:      true,
			Offset:      offset,
			Subscribers: s.cfg.Streams.Subscribers(c.TenantID, key),
		})
		return outcomeJoined
	}
	// Claimed before dispatch so a failure tears down exactly this stream,
	// including subscribers that joined in the meantime.
	s.cfg.Streams.SetUpstream(c.TenantID, key, entry.TaskID)

	entry.Extra = map[string]any{"streamId": key}
	if !s.cfg.Pending.Register(entry) {
		s.abandonStream(c.TenantID, key, entry.TaskID, c.ID, protocol.CodeRateLimited, "too many pending requests")
		s.replyError(c.ID, protocol.CodeRateLimited, "too many pending requests", m.RequestID)
		return outcomeRateLimited
	}
	payload["streamId"] = key
	return s.dispatch(ctx, c.TenantID, entry.TaskID, entry.Kind, payload, inst)
}

// abandonStream drops a stream whose upstream task failed and reports the failure
// to every subscriber but skip, which already got it. It reports whether the
// stream was dropped.
func (s *Server) abandonStream(tenantID, key, taskID, skip string, code protocol.Code, message string) bool {
	subs := s.cfg.Streams.Drop(tenantID, key, taskID)
	for _, sub := range subs {
		if sub.ConnID == skip {
			continue
		}
		msg := protocol.NewError(code, message, sub.RequestID).
			WithTask(taskID).
			WithDetails(map[string]any{"streamId": key})
		s.cfg.Registry.Send(sub.ConnID, msg)
	}
	return len(subs) > 0
}

// pendingFailed releases what a failed or timed out request had reserved: the log
// stream it was feeding or the terminal session it was opening.
func (s *Server) pendingFailed(e pending.Entry, code protocol.Code, message string) {
	if key, ok := e.Extra["streamId"].(string); ok {
		dropped := s.abandonStream(e.TenantID, key, e.TaskID, e.OwnerConnID, code, message)
		if dropped && code == protocol.CodeAgentTimeout {
			// The agent may still be streaming.
			s.stopUpstream(context.Background(), e.TenantID, key)
		}
	}
	if id, ok := e.Extra["sessionId"].(string); ok {
		if code == protocol.CodeAgentTimeout {
			// A session the agent already bound is live even without a reply.
			s.cfg.Terminals.Abandon(e.TenantID, id, "terminal open timed out")
		} else {
			s.cfg.Terminals.Close(e.TenantID, id, "terminal open failed")
		}
	}
}

// dispatch persists the task leased and pushes it to every ready agent of the
// tenant. When no agent takes it the pending entry fails with AGENT_DISCONNECTED
// and the task is withdrawn.
func (s *Server) dispatch(ctx context.Context, tenantID, taskID, kind string, payload map[string]any, inst directory.Instance) string {
	if inst.ID != "" {
		payload["instanceId"] = inst.ID
		payload["instanceName"] = inst.Name
	}
	if s.cfg.Tokens != nil {
		token, err := s.cfg.Tokens.Issue(tenantID, inst.Name)
		if err != nil {
			s.logger.Error("issue capability token", "tenant_id", tenantID, "task_id", taskID, "error", err)
			s.cfg.Pending.Fail(tenantID, taskID, protocol.CodeInternal, "could not issue capability token")
			return outcomeError
		}
		payload["token"] = token
	}

	if len(s.cfg.Registry.List(tenantID, registry.RoleAgent)) == 0 {
		s.cfg.Pending.Fail(tenantID, taskID, protocol.CodeAgentDisconnected, "no agent connected")
		return outcomeDisconnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		s.cfg.Pending.Fail(tenantID, taskID, protocol.CodeInternal, "could not encode task")
		return outcomeError
	}
	ctx, span := otel.StartProducerSpan(ctx, s.tracer, "relay.dispatch", otel.AttrTaskID.String(taskID))
	defer span.End()

	coord := s.cfg.Coordinators.For(tenantID)
	task, err := coord.Dispatch(ctx, persistence.Task{ID: taskID, Type: kind, Payload: string(raw)})
	if err != nil {
		s.logger.Error("persist task", "tenant_id", tenantID, "task_id", taskID, "error", err)
		s.cfg.Pending.Fail(tenantID, taskID, protocol.CodeInternal, "could not queue task")
		return outcomeError
	}

	batch := protocol.NewTaskBatch(coordinator.Items([]persistence.Task{task}))
	if s.cfg.Registry.Broadcast(tenantID, registry.RoleAgent, batch) == 0 {
		if err := coord.Withdraw(ctx, taskID); err != nil {
			s.logger.Error("withdraw undelivered task", "tenant_id", tenantID, "task_id", taskID, "error", err)
		}
		s.cfg.Pending.Fail(tenantID, taskID, protocol.CodeAgentDisconnected, "no agent accepted the task")
		return outcomeDisconnected
	}
	return outcomeDispatched
}

// stopUpstream tells the tenant's agents a log stream lost its last subscriber.
// With no agent connected the stop is queued for the next agent to pull, since an
// agent may keep tailing across a reconnect.
func (s *Server) stopUpstream(ctx context.Context, tenantID, key string) {
	task, err := coordinator.NewTask(protocol.KindLogUnsubscribe, map[string]any{"streamId": key})
	if err != nil {
		return
	}
	coord := s.cfg.Coordinators.For(tenantID)
	if len(s.cfg.Registry.List(tenantID, registry.RoleAgent)) == 0 {
		if _, err := coord.Enqueue(ctx, task); err != nil {
			s.logger.Error("queue log unsubscribe", "tenant_id", tenantID, "stream_id", key, "error", err)
		}
		return
	}
	task, err = coord.Dispatch(ctx, task)
	if err != nil {
		s.logger.Error("queue log unsubscribe", "tenant_id", tenantID, "stream_id", key, "error", err)
		return
	}
	if s.cfg.Registry.Broadcast(tenantID, registry.RoleAgent, protocol.NewTaskBatch(coordinator.Items([]persistence.Task{task}))) == 0 {
		_ = coord.Withdraw(ctx, task.ID)
	}
}

func (s *Server) replayStatus(ctx context.Context, c *registry.Connection) {
	snap, err := s.cfg.Coordinators.For(c.TenantID).Status(ctx)
	if err != nil {
		if !errors.Is(err, coordinator.ErrNoStatus) {
			s.logger.Warn("status replay failed", "tenant_id", c.TenantID, "error", err)
		}
		return
	}
	snap.Replay = true
	s.cfg.Registry.Send(c.ID, snap)
}
