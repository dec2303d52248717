package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnknownKind is returned for kinds the receiving side does not handle. Callers
// ignore such messages.
var ErrUnknownKind = errors.New("unknown message kind")

// kindSpec describes one inbound kind: the fields that must be present, the JSON
// schema the full message must satisfy and how to build the typed value.
type kindSpec struct {
	needsRequestID bool
	required       []string
	schema         string
	decode         func(kind string, raw []byte) (Message, error)
}

const targetProps = `"instanceId": {"type": "string"}, "instanceName": {"type": "string"}`

var clientKinds = map[string]kindSpec{
	KindDeploy: {
		needsRequestID: true,
		required:       []string{"service"},
		schema: `{"type": "object", "properties": {` + targetProps + `,
			"service": {"type": "string", "minLength": 1},
			"image": {"type": "string"}, "ref": {"type": "string"},
			"env": {"type": "object", "additionalProperties": {"type": "string"}}}}`,
		decode: decodeAs[DeployRequest],
	},
	KindFileRead:   fileSpec(nil),
	KindFileTree:   fileSpec(nil),
	KindFileDelete: fileSpec(nil),
	KindFileWrite:  fileSpec([]string{"content"}),
	KindFileCreate: fileSpec(nil),
	KindLogSubscribe: {
		needsRequestID: true,
		required:       []string{"path"},
		schema: `{"type": "object", "properties": {` + targetProps + `,
			"path": {"type": "string", "minLength": 1}, "logType": {"type": "string"},
			"offset": {"type": "integer", "minimum": 0}, "limit": {"type": "integer", "minimum": 0},
			"duration": {"type": "integer", "minimum": 0}, "streamId": {"type": "string"}}}`,
		decode: decodeAs[LogSubscribeRequest],
	},
	KindInstanceReboot:  instanceSpec(),
	KindInstanceRestart: instanceSpec(),
	KindInstanceInstall: instanceSpec(),
	KindProxyStart:      proxySpec(),
	KindProxyStop:       proxySpec(),
	KindProxyReload:     proxySpec(),
	KindProxyConfig:     proxySpec(),
	KindServiceRemove: {
		needsRequestID: true,
		required:       []string{"service"},
		schema: `{"type": "object", "properties": {` + targetProps + `,
			"service": {"type": "string", "minLength": 1}, "purge": {"type": "boolean"}}}`,
		decode: decodeAs[ServiceRemoveRequest],
	},
	KindTerminalOpen: {
		needsRequestID: true,
		schema: `{"type": "object", "properties": {` + targetProps + `,
			"cols": {"type": "integer", "minimum": 0}, "rows": {"type": "integer", "minimum": 0},
			"shell": {"type": "string"}}}`,
		decode: decodeAs[TerminalOpenRequest],
	},
	KindLogUnsubscribe: {
		required: []string{"streamId"},
		schema:   `{"type": "object", "properties": {"streamId": {"type": "string", "minLength": 1}}}`,
		decode:   decodeAs[LogUnsubscribeRequest],
	},
	KindClientSubscribe: {
		schema: `{"type": "object"}`,
		decode: decodeAs[ClientSubscribe],
	},
	KindAck: {
		schema: `{"type": "object", "properties": {"taskId": {"type": "string"}, "streamId": {"type": "string"}}}`,
		decode: decodeAs[ClientAck],
	},
	KindTerminalData:  terminalDataSpec(),
	KindTerminalClose: terminalCloseSpec(),
}

var agentKinds = map[string]kindSpec{
	KindHello: {
		required: []string{"protocol", "version"},
		schema: `{"type": "object", "properties": {
			"protocol": {"type": "string"}, "version": {"type": "string"},
			"instanceName": {"type": "string"},
			"capabilities": {"type": "array", "items": {"type": "string"}}}}`,
		decode: decodeAs[Hello],
	},
	KindPull: {
		schema: `{"type": "object", "properties": {"limit": {"type": "integer", "minimum": 0}}}`,
		decode: decodeAs[Pull],
	},
	KindAck: {
		required: []string{"ids"},
		schema:   `{"type": "object", "properties": {"ids": {"type": "array", "items": {"type": "string"}}}}`,
		decode:   decodeAs[Ack],
	},
	KindTaskResponse: {
		required: []string{"taskId", "success"},
		schema: `{"type": "object", "properties": {
			"taskId": {"type": "string", "minLength": 1}, "success": {"type": "boolean"},
			"data": {"type": ["object", "null"]},
			"error": {"type": ["object", "null"], "properties": {"code": {"type": "string"}, "message": {"type": "string"}}}}}`,
		decode: decodeAs[TaskResponse],
	},
	KindStatusUpdate: {
		required: []string{"status"},
		schema:   `{"type": "object", "properties": {"instanceId": {"type": "string"}}}`,
		decode:   decodeAs[StatusUpdate],
	},
	KindHeartbeat: {
		schema: `{"type": "object", "properties": {"instanceId": {"type": "string"}}}`,
		decode: decodeAs[Heartbeat],
	},
	KindLogChunk: {
		required: []string{"streamId", "offset", "entries"},
		schema: `{"type": "object", "properties": {
			"streamId": {"type": "string", "minLength": 1}, "logType": {"type": "string"},
			"offset": {"type": "integer", "minimum": 0}, "entries": {"type": "array"},
			"eof": {"type": "boolean"}}}`,
		decode: decodeAs[LogChunk],
	},
	KindTerminalBind: {
		required: []string{"sessionId"},
		schema:   `{"type": "object", "properties": {"sessionId": {"type": "string", "minLength": 1}}}`,
		decode:   decodeAs[TerminalBind],
	},
	KindTerminalData:  terminalDataSpec(),
	KindTerminalClose: terminalCloseSpec(),
}

func fileSpec(extra []string) kindSpec {
	return kindSpec{
		needsRequestID: true,
		required:       append([]string{"path"}, extra...),
		schema: `{"type": "object", "properties": {` + targetProps + `,
			"path": {"type": "string", "minLength": 1}, "content": {"type": "string"},
			"encoding": {"enum": ["", "utf8", "base64"]}, "recursive": {"type": "boolean"},
			"depth": {"type": "integer", "minimum": 0}}}`,
		decode: decodeAs[FileRequest],
	}
}

func instanceSpec() kindSpec {
	return kindSpec{
		needsRequestID: true,
		schema: `{"type": "object", "properties": {` + targetProps + `,
			"packages": {"type": "array", "items": {"type": "string"}}}}`,
		decode: decodeAs[InstanceRequest],
	}
}

func proxySpec() kindSpec {
	return kindSpec{
		needsRequestID: true,
		schema:         `{"type": "object", "properties": {` + targetProps + `, "config": {"type": "object"}}}`,
		decode:         decodeAs[ProxyRequest],
	}
}

func terminalDataSpec() kindSpec {
	return kindSpec{
		required: []string{"sessionId", "data"},
		schema: `{"type": "object", "properties": {
			"sessionId": {"type": "string", "minLength": 1}, "data": {"type": "string"}}}`,
		decode: decodeAs[TerminalData],
	}
}

func terminalCloseSpec() kindSpec {
	return kindSpec{
		required: []string{"sessionId"},
		schema: `{"type": "object", "properties": {
			"sessionId": {"type": "string", "minLength": 1}, "reason": {"type": "string"}}}`,
		decode: decodeAs[TerminalClose],
	}
}

func decodeAs[T Message](_ string, raw []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RequiresRequestID reports whether a client kind must carry a correlation id.
func RequiresRequestID(kind string) bool {
	return clientKinds[kind].needsRequestID
}

type compiledSchemas struct {
	once    sync.Once
	err     error
	schemas map[string]*jsonschema.Schema
}

var (
	clientSchemas compiledSchemas
	agentSchemas  compiledSchemas
)

func (c *compiledSchemas) get(side string, specs map[string]kindSpec) (map[string]*jsonschema.Schema, error) {
	c.once.Do(func() {
		c.schemas, c.err = compileAll(side, specs)
	})
	return c.schemas, c.err
}

func compileAll(side string, specs map[string]kindSpec) (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	urls := make(map[string]string, len(specs))
	for kind, spec := range specs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.schema))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema %q: %w", side, kind, err)
		}
		url := fmt.Sprintf("mem://%s/%s.json", side, kind)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema %q: %w", side, kind, err)
		}
		urls[kind] = url
	}
	out := make(map[string]*jsonschema.Schema, len(specs))
	for kind, url := range urls {
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema %q: %w", side, kind, err)
		}
		out[kind] = schema
	}
	return out, nil
}

// DecodeClient validates and decodes a client message.
func DecodeClient(raw []byte) (Message, error) {
	return decode(raw, "client", clientKinds, &clientSchemas)
}

// DecodeAgent validates and decodes an agent message.
func DecodeAgent(raw []byte) (Message, error) {
	return decode(raw, "agent", agentKinds, &agentSchemas)
}

type envelope struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
}

func decode(raw []byte, side string, specs map[string]kindSpec, cache *compiledSchemas) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Code: CodeInvalidMessage, Reason: "message is not a JSON object"}
	}
	if env.Kind == "" {
		return nil, &ValidationError{Code: CodeMissingField, Field: "kind", RequestID: env.RequestID, Reason: "kind is required"}
	}
	spec, ok := specs[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind)
	}
	if spec.needsRequestID && strings.TrimSpace(env.RequestID) == "" {
		return nil, &ValidationError{Code: CodeMissingField, Kind: env.Kind, Field: "requestId", Reason: "requestId is required"}
	}

	// Numbers must come back as json.Number for the validator.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidMessage, Kind: env.Kind, RequestID: env.RequestID, Reason: "invalid JSON"}
	}
	fields, _ := doc.(map[string]any)
	for _, name := range spec.required {
		if v, present := fields[name]; !present || v == nil {
			return nil, &ValidationError{
				Code:      CodeMissingField,
				Kind:      env.Kind,
				Field:     name,
				RequestID: env.RequestID,
				Reason:    name + " is required",
			}
		}
	}

	schemas, err := cache.get(side, specs)
	if err != nil {
		return nil, err
	}
	if err := schemas[env.Kind].Validate(doc); err != nil {
		return nil, &ValidationError{Code: CodeInvalidMessage, Kind: env.Kind, RequestID: env.RequestID, Reason: err.Error()}
	}

	msg, err := spec.decode(env.Kind, raw)
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidMessage, Kind: env.Kind, RequestID: env.RequestID, Reason: err.Error()}
	}
	return msg, nil
}
