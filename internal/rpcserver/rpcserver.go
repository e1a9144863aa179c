// Package rpcserver is the thin external-collaborator transport named in
// spec.md §6: line-delimited JSON-RPC 2.0 request/response/notification
// over stdio (or, via Serve, any net.Conn obtained from an HTTP upgrade).
// It owns no graph state; every request is dispatched to an
// internal/toolfacade.Facade and the facade's Envelope is carried back as
// the JSON-RPC result, even on tool-level failure (per spec.md §7, a
// ValidationError/NotFound/Conflict is "returned in the envelope", not a
// transport-level error).
//
// Grounded on internal/rpc/protocol.go's Request/Response envelope shape
// and internal/rpc/server_lifecycle_conn.go's handleConnection
// bufio.NewReader-line-loop / handleRequest-switch pattern, scoped down
// to the 16 tools internal/toolfacade exposes and adapted to the JSON-RPC
// 2.0 envelope (jsonrpc/id/method/params/result/error) instead of the
// teacher's bespoke Operation/Args/Success/Data/Error shape.
package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/kgraph/kgserver/internal/broadcast"
	"github.com/kgraph/kgserver/internal/graph"
	"github.com/kgraph/kgserver/internal/klog"
	"github.com/kgraph/kgserver/internal/query"
	"github.com/kgraph/kgserver/internal/toolfacade"
)

// JSON-RPC 2.0 standard error codes, per the spec this package grounds
// the transport in (framing/dispatch/error-encoding follow JSON-RPC
// conventions, spec.md §6).
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Request is one line of a JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Response is one line of a JSON-RPC 2.0 reply. Notifications (broadcast
// frames pushed without a matching request) omit ID entirely and carry
// their payload in Result.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// handshakeSchema is published as the first line on every new connection.
// It names the protocol, its version and the tool names; it does not
// describe any tool's argument object or result envelope.
type handshakeSchema struct {
	Protocol string   `json:"protocol"`
	Version  string   `json:"version"`
	Tools    []string `json:"tools"`
}

var toolNames = []string{
	toolfacade.ToolCreateEntities,
	toolfacade.ToolCreateRelations,
	toolfacade.ToolAddObservations,
	toolfacade.ToolDeleteEntities,
	toolfacade.ToolDeleteObservations,
	toolfacade.ToolDeleteRelations,
	toolfacade.ToolReadGraph,
	toolfacade.ToolSearchNodes,
	toolfacade.ToolOpenNodes,
	toolfacade.ToolGetRelated,
	toolfacade.ToolTraverse,
	toolfacade.ToolSummarize,
	toolfacade.ToolGetRelationsAtTime,
	toolfacade.ToolGetRelationHistory,
	toolfacade.ToolInfer,
	toolfacade.ToolGetCurrentTime,
}

// Server dispatches line-delimited JSON-RPC requests to a Facade and,
// when a Broadcaster is attached, pushes event-stream notifications
// interleaved on the same connection. Holds no graph state of its own.
type Server struct {
	Facade      *toolfacade.Facade
	Broadcaster *broadcast.Broadcaster
}

// New constructs a Server. Broadcaster may be nil (stdio mode per
// spec.md §4.G, no event stream).
func New(f *toolfacade.Facade, bus *broadcast.Broadcaster) *Server {
	return &Server{Facade: f, Broadcaster: bus}
}

// Serve runs the connection loop over rw until ctx is cancelled or the
// peer closes its end. Each connection gets its own handshake and, if a
// Broadcaster is attached, its own subscription whose frames are
// interleaved with request/response traffic under a single write mutex.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	reader := bufio.NewReader(rw)
	var writeMu sync.Mutex

	writeLine := func(v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := rw.Write(append(data, '\n')); err != nil {
			return err
		}
		return nil
	}

	if err := writeLine(handshakeSchema{Protocol: "kgraph-jsonrpc", Version: "2.0", Tools: toolNames}); err != nil {
		return err
	}

	var unsubscribe func()
	if s.Broadcaster != nil {
		ch, unsub := s.Broadcaster.Subscribe()
		unsubscribe = unsub
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case frame, ok := <-ch:
					if !ok {
						return
					}
					if err := writeLine(Response{JSONRPC: "2.0", Method: "event", Result: frame}); err != nil {
						return
					}
				}
			}
		}()
	}
	if unsubscribe != nil {
		defer unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			resp := s.handleLine(line)
			if resp != nil {
				if werr := writeLine(resp); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// handleLine parses and dispatches a single request line, always
// returning a Response (never a transport-level error) except when the
// line is pure whitespace.
func (s *Server) handleLine(line []byte) *Response {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		klog.Logf("rpcserver: parse error on line %q: %v", string(line), err)
		return &Response{JSONRPC: "2.0", Error: &RPCError{Code: codeParseError, Message: fmt.Sprintf("parse error: %v", err)}}
	}
	if req.Method == "" {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInvalidRequest, Message: "missing method"}}
	}
	result, err := s.dispatch(req.Method, req.Params)
	if err != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeMethodNotFound, Message: err.Error()}}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// dispatch routes one tool call to the Facade. Tool-level failure
// (validation, not-found, conflict) is carried inside the returned
// Envelope, not as a Go error — dispatch only errors on malformed
// params or an unrecognized method name.
func (s *Server) dispatch(method string, params json.RawMessage) (toolfacade.Envelope, error) {
	actor := actorFromParams(params)

	switch method {
	case toolfacade.ToolCreateEntities:
		var p struct {
			Entities []toolfacade.CreateEntityInput `json:"entities"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.CreateEntities(p.Entities, actor), nil

	case toolfacade.ToolCreateRelations:
		var p struct {
			Relations []toolfacade.CreateRelationInput `json:"relations"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.CreateRelations(p.Relations, actor), nil

	case toolfacade.ToolAddObservations:
		var p struct {
			Name         string   `json:"name"`
			Observations []string `json:"observations"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.AddObservations(p.Name, p.Observations, actor), nil

	case toolfacade.ToolDeleteEntities:
		var p struct {
			Names []string `json:"names"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.DeleteEntities(p.Names, actor), nil

	case toolfacade.ToolDeleteObservations:
		var p struct {
			Name         string   `json:"name"`
			Observations []string `json:"observations"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.DeleteObservations(p.Name, p.Observations, actor), nil

	case toolfacade.ToolDeleteRelations:
		var p struct {
			Identities []graph.IdentityKey `json:"identities"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.DeleteRelations(p.Identities, actor), nil

	case toolfacade.ToolReadGraph:
		var p struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.ReadGraph(p.Limit, p.Offset), nil

	case toolfacade.ToolSearchNodes:
		var p struct {
			Query            string `json:"query"`
			Limit            int    `json:"limit"`
			IncludeRelations bool   `json:"includeRelations"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.SearchNodes(p.Query, p.Limit, p.IncludeRelations), nil

	case toolfacade.ToolOpenNodes:
		var p struct {
			Names []string `json:"names"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.OpenNodes(p.Names), nil

	case toolfacade.ToolGetRelated:
		var p struct {
			EntityName   string `json:"entityName"`
			Direction    string `json:"direction"`
			RelationType string `json:"relationType"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.GetRelated(p.EntityName, directionFromString(p.Direction), p.RelationType), nil

	case toolfacade.ToolTraverse:
		var p struct {
			StartNode  string               `json:"startNode"`
			Path       []query.TraverseStep `json:"path"`
			MaxResults int                  `json:"maxResults"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.Traverse(p.StartNode, p.Path, p.MaxResults), nil

	case toolfacade.ToolSummarize:
		var p struct {
			Names []string `json:"names"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.Summarize(p.Names), nil

	case toolfacade.ToolGetRelationsAtTime:
		var p struct {
			Timestamp  int64  `json:"timestamp"`
			EntityName string `json:"entityName"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.GetRelationsAtTime(p.Timestamp, p.EntityName), nil

	case toolfacade.ToolGetRelationHistory:
		var p struct {
			EntityName string `json:"entityName"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.GetRelationHistory(p.EntityName), nil

	case toolfacade.ToolInfer:
		var p struct {
			EntityName    string  `json:"entityName"`
			MaxDepth      int     `json:"maxDepth"`
			MinConfidence float64 `json:"minConfidence"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return toolfacade.Envelope{}, err
		}
		return s.Facade.Infer(p.EntityName, p.MaxDepth, p.MinConfidence), nil

	case toolfacade.ToolGetCurrentTime:
		return s.Facade.GetCurrentTime(), nil

	default:
		return toolfacade.Envelope{}, fmt.Errorf("unknown method: %s", method)
	}
}

func unmarshalParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// actorFromParams extracts an optional "actor" field present on any
// request without requiring every per-method struct to declare it.
func actorFromParams(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		Actor string `json:"actor"`
	}
	_ = json.Unmarshal(params, &p)
	return p.Actor
}

func directionFromString(s string) query.Direction {
	switch s {
	case "in":
		return query.DirIn
	case "out":
		return query.DirOut
	default:
		return query.DirBoth
	}
}

// ListenAndServeStdio runs Serve over os.Stdin/os.Stdout until ctx is
// cancelled. Exposed separately from Serve so cmd/kgserver can wire a
// net.Conn (HTTP upgrade) or stdio (spec.md §6 "transport is abstracted")
// through the same dispatch path.
func ListenAndServeStdio(ctx context.Context, s *Server, in io.Reader, out io.Writer) error {
	return s.Serve(ctx, stdioReadWriter{in, out})
}

// stdioReadWriter composes separate stdin/stdout streams into the single
// io.ReadWriter Serve expects. Serve's parameter is equally satisfied by
// any net.Conn (including one obtained from an HTTP upgrade), so this
// package needs no net/http dependency of its own.
type stdioReadWriter struct {
	io.Reader
	io.Writer
}
