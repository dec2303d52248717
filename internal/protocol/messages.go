// Package protocol defines the tagged JSON messages exchanged with clients and agents,
// their schemas and the wire error taxonomy.
package protocol

import "encoding/json"

// Client to server kinds.
const (
	KindDeploy          = "deploy"
	KindFileRead        = "file_read"
	KindFileWrite       = "file_write"
	KindFileCreate      = "file_create"
	KindFileDelete      = "file_delete"
	KindFileTree        = "file_tree"
	KindLogSubscribe    = "log_subscribe"
	KindLogUnsubscribe  = "log_unsubscribe"
	KindInstanceReboot  = "instance_system_reboot"
	KindInstanceRestart = "instance_system_restart"
	KindInstanceInstall = "instance_system_install"
	KindProxyStart      = "proxy_start"
	KindProxyStop       = "proxy_stop"
	KindProxyReload     = "proxy_reload"
	KindProxyConfig     = "proxy_config"
	KindServiceRemove   = "service_remove"
	KindTerminalOpen    = "terminal_open"
	KindClientSubscribe = "client_subscribe"
	KindAck             = "ack"
	KindTerminalData    = "terminal_data"
	KindTerminalClose   = "terminal_close"
	KindTerminalBind    = "terminal_bind"
	KindHello           = "hello"
	KindPull            = "pull"
	KindTaskResponse    = "task_response"
	KindStatusUpdate    = "status_update"
	KindHeartbeat       = "heartbeat"
	KindLogChunk        = "log_chunk"
	KindTask            = "task"
	KindError           = "error"
	KindLogSubscribed   = "log_subscribed"
	KindTerminalClosed  = "terminal_closed"
	KindTerminalPending = "terminal_pending"
)

// Access is the permission an action needs on its tenant.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

func (a Access) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

// Message is implemented by every decoded inbound message.
type Message interface {
	MessageKind() string
}

// ActionRequest is a client message that becomes a task for an agent. Every action
// request carries a caller supplied correlation id.
type ActionRequest interface {
	Message
	Correlation() string
	// Instance returns the targeted instance reference (id or name), "" for tenant wide.
	Instance() string
	Access() Access
	// TaskPayload returns the fields forwarded to the agent.
	TaskPayload() map[string]any
}

// Target is the instance reference shared by action requests.
type Target struct {
	InstanceID   string `json:"instanceId,omitempty"`
	InstanceName string `json:"instanceName,omitempty"`
}

// Instance returns the id when present, otherwise the name.
func (t Target) Instance() string {
	if t.InstanceID != "" {
		return t.InstanceID
	}
	return t.InstanceName
}

type DeployRequest struct {
	RequestID string `json:"requestId"`
	Target
	Service string            `json:"service"`
	Image   string            `json:"image,omitempty"`
	Ref     string            `json:"ref,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (DeployRequest) MessageKind() string   { return KindDeploy }
func (m DeployRequest) Correlation() string { return m.RequestID }
func (DeployRequest) Access() Access        { return AccessWrite }
func (m DeployRequest) TaskPayload() map[string]any {
	p := map[string]any{"service": m.Service}
	putString(p, "image", m.Image)
	putString(p, "ref", m.Ref)
	if len(m.Env) > 0 {
		p["env"] = m.Env
	}
	return p
}

// FileRequest covers file_read, file_write, file_create, file_delete and file_tree.
type FileRequest struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
	Target
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
	Depth     int    `json:"depth,omitempty"`
}

func (m FileRequest) MessageKind() string { return m.Kind }
func (m FileRequest) Correlation() string { return m.RequestID }
func (m FileRequest) Access() Access {
	if m.Kind == KindFileRead || m.Kind == KindFileTree {
		return AccessRead
	}
	return AccessWrite
}
func (m FileRequest) TaskPayload() map[string]any {
	p := map[string]any{"path": m.Path}
	switch m.Kind {
	case KindFileWrite, KindFileCreate:
		p["content"] = m.Content
		putString(p, "encoding", m.Encoding)
	case KindFileDelete:
		p["recursive"] = m.Recursive
	case KindFileTree:
		if m.Depth > 0 {
			p["depth"] = m.Depth
		}
	}
	return p
}

// InstanceRequest covers instance_system_reboot, _restart and _install.
type InstanceRequest struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
	Target
	Packages []string `json:"packages,omitempty"`
}

func (m InstanceRequest) MessageKind() string { return m.Kind }
func (m InstanceRequest) Correlation() string { return m.RequestID }
func (InstanceRequest) Access() Access        { return AccessWrite }
func (m InstanceRequest) TaskPayload() map[string]any {
	p := map[string]any{}
	if len(m.Packages) > 0 {
		p["packages"] = m.Packages
	}
	return p
}

// ProxyRequest covers the proxy_* control kinds.
type ProxyRequest struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
	Target
	Config json.RawMessage `json:"config,omitempty"`
}

func (m ProxyRequest) MessageKind() string { return m.Kind }
func (m ProxyRequest) Correlation() string { return m.RequestID }
func (ProxyRequest) Access() Access        { return AccessWrite }
func (m ProxyRequest) TaskPayload() map[string]any {
	p := map[string]any{}
	if len(m.Config) > 0 {
		p["config"] = m.Config
	}
	return p
}

type ServiceRemoveRequest struct {
	RequestID string `json:"requestId"`
	Target
	Service string `json:"service"`
	Purge   bool   `json:"purge,omitempty"`
}

func (ServiceRemoveRequest) MessageKind() string   { return KindServiceRemove }
func (m ServiceRemoveRequest) Correlation() string { return m.RequestID }
func (ServiceRemoveRequest) Access() Access        { return AccessWrite }
func (m ServiceRemoveRequest) TaskPayload() map[string]any {
	return map[string]any{"service": m.Service, "purge": m.Purge}
}

// LogSubscribeRequest asks for a shared log stream. Identical (path, offset, limit,
// duration) tuples coalesce unless the caller names the stream.
type LogSubscribeRequest struct {
	RequestID string `json:"requestId"`
	Target
	Path     string `json:"path"`
	LogType  string `json:"logType,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Duration int    `json:"duration,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

func (LogSubscribeRequest) MessageKind() string   { return KindLogSubscribe }
func (m LogSubscribeRequest) Correlation() string { return m.RequestID }
func (LogSubscribeRequest) Access() Access        { return AccessRead }
func (m LogSubscribeRequest) TaskPayload() map[string]any {
	p := map[string]any{"path": m.Path, "offset": m.Offset}
	putString(p, "logType", m.LogType)
	if m.Limit > 0 {
		p["limit"] = m.Limit
	}
	if m.Duration > 0 {
		p["duration"] = m.Duration
	}
	return p
}

type TerminalOpenRequest struct {
	RequestID string `json:"requestId"`
	Target
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
	Shell string `json:"shell,omitempty"`
}

func (TerminalOpenRequest) MessageKind() string   { return KindTerminalOpen }
func (m TerminalOpenRequest) Correlation() string { return m.RequestID }
func (TerminalOpenRequest) Access() Access        { return AccessWrite }
func (m TerminalOpenRequest) TaskPayload() map[string]any {
	p := map[string]any{}
	if m.Cols > 0 && m.Rows > 0 {
		p["cols"], p["rows"] = m.Cols, m.Rows
	}
	putString(p, "shell", m.Shell)
	return p
}

type LogUnsubscribeRequest struct {
	StreamID string `json:"streamId"`
}

func (LogUnsubscribeRequest) MessageKind() string { return KindLogUnsubscribe }

type ClientSubscribe struct{}

func (ClientSubscribe) MessageKind() string { return KindClientSubscribe }

// ClientAck acknowledges pushed messages; it only refreshes liveness.
type ClientAck struct {
	TaskID   string `json:"taskId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

func (ClientAck) MessageKind() string { return KindAck }

// TerminalData carries base64 encoded terminal bytes in either direction.
type TerminalData struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

func (TerminalData) MessageKind() string { return KindTerminalData }

type TerminalClose struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (TerminalClose) MessageKind() string { return KindTerminalClose }

type TerminalBind struct {
	SessionID string `json:"sessionId"`
}

func (TerminalBind) MessageKind() string { return KindTerminalBind }

// Hello is the first message of every agent connection.
type Hello struct {
	Protocol     string   `json:"protocol"`
	Version      string   `json:"version"`
	InstanceName string   `json:"instanceName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (Hello) MessageKind() string { return KindHello }

type Pull struct {
	Limit int `json:"limit,omitempty"`
}

func (Pull) MessageKind() string { return KindPull }

type Ack struct {
	IDs []string `json:"ids"`
}

func (Ack) MessageKind() string { return KindAck }

// AgentError is the failure detail an agent attaches to an unsuccessful response.
type AgentError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type TaskResponse struct {
	TaskID  string         `json:"taskId"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   *AgentError    `json:"error,omitempty"`
}

func (TaskResponse) MessageKind() string { return KindTaskResponse }

type StatusUpdate struct {
	InstanceID string          `json:"instanceId,omitempty"`
	Status     json.RawMessage `json:"status"`
}

func (StatusUpdate) MessageKind() string { return KindStatusUpdate }

// Heartbeat is a liveness ping. One that carries a status is handled like a
// status update.
type Heartbeat struct {
	InstanceID string          `json:"instanceId,omitempty"`
	Status     json.RawMessage `json:"status,omitempty"`
}

// HasStatus reports whether the heartbeat carries a status snapshot.
func (h Heartbeat) HasStatus() bool {
	return len(h.Status) > 0 && string(h.Status) != "null"
}

func (Heartbeat) MessageKind() string { return KindHeartbeat }

type LogChunk struct {
	StreamID string            `json:"streamId"`
	LogType  string            `json:"logType,omitempty"`
	Offset   int64             `json:"offset"`
	Entries  []json.RawMessage `json:"entries"`
	EOF      bool              `json:"eof,omitempty"`
}

func (LogChunk) MessageKind() string { return KindLogChunk }

// TaskItem is one task pushed or pulled by an agent.
type TaskItem struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TaskBatch is the server->agent task delivery message.
type TaskBatch struct {
	Kind  string     `json:"kind"`
	Items []TaskItem `json:"items"`
}

// NewTaskBatch wraps items into a "task" message. Items is never nil on the wire.
func NewTaskBatch(items []TaskItem) TaskBatch {
	if items == nil {
		items = []TaskItem{}
	}
	return TaskBatch{Kind: KindTask, Items: items}
}

// Hello outcomes.
const (
	HelloAccepted = "accepted"
	HelloRejected = "rejected"
)

// Upgrade advises an accepted agent that a newer version exists.
type Upgrade struct {
	Latest string `json:"latest"`
}

// HelloResult is the reply to an agent hello.
type HelloResult struct {
	Kind     string   `json:"kind"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	Required string   `json:"required,omitempty"`
	Received string   `json:"received,omitempty"`
	Upgrade  *Upgrade `json:"upgrade,omitempty"`
}

// StatusBroadcast is the server->client status_update.
type StatusBroadcast struct {
	Kind       string          `json:"kind"`
	InstanceID string          `json:"instanceId,omitempty"`
	Status     json.RawMessage `json:"status"`
	ReceivedAt int64           `json:"receivedAt"`
	Replay     bool            `json:"replay,omitempty"`
}

// LogChunkOut is the per-subscriber copy of a chunk.
type LogChunkOut struct {
	Kind     string            `json:"kind"`
	StreamID string            `json:"streamId"`
	LogType  string            `json:"logType,omitempty"`
	Offset   int64             `json:"offset"`
	Entries  []json.RawMessage `json:"entries"`
	EOF      bool              `json:"eof"`
}

// LogSubscribed tells a joining subscriber it shares an existing stream.
type LogSubscribed struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
	StreamID  string `json:"streamId"`
	Joined    bool   `json:"joined"`
	// Offset is where this subscriber resumes; a repeated subscribe keeps its place.
	Offset      int64 `json:"offset"`
	Subscribers int   `json:"subscribers"`
}

// TerminalPending tells the client which session id its terminal will use.
type TerminalPending struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

type TerminalDataOut struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type TerminalClosed struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func putString(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}
