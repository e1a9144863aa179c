package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/kgraph/kgserver/internal/eventlog"
	"github.com/kgraph/kgserver/internal/store"
	"github.com/kgraph/kgserver/internal/synonym"
	"github.com/kgraph/kgserver/internal/toolfacade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn joins a write-only input pipe to a read-only output buffer so
// Serve's io.ReadWriter can be driven one line at a time from a test.
type pipeConn struct {
	io.Reader
	io.Writer
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	l, g, err := eventlog.Open(eventlog.Options{Path: dir, EventSourcingEnabled: true})
	require.NoError(t, err)
	s := store.New(g, l, nil, nil)
	exp, err := synonym.New()
	require.NoError(t, err)
	f := toolfacade.New(s, exp, toolfacade.Config{ReadGraphPageSize: 50, TraverseMaxResults: 50, InferMaxDepth: 3, InferMinConfidence: 0.5})
	return New(f, nil)
}

// runLines feeds each line through a Server's Serve loop and returns the
// decoded response lines (skipping the leading handshake line).
func runLines(t *testing.T, srv *Server, lines ...string) []Response {
	t.Helper()
	in := bytes.NewBufferString("")
	for _, l := range lines {
		in.WriteString(l)
		in.WriteByte('\n')
	}
	out := &bytes.Buffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, pipeConn{Reader: in, Writer: out}) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after EOF")
	}

	scanner := bufio.NewScanner(out)
	var resps []Response
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // handshake line
		}
		var r Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		resps = append(resps, r)
	}
	return resps
}

func TestHandshakeLineListsTools(t *testing.T) {
	srv := newTestServer(t)
	in := bytes.NewBufferString("")
	out := &bytes.Buffer{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Serve(ctx, pipeConn{Reader: in, Writer: out})

	scanner := bufio.NewScanner(out)
	require.True(t, scanner.Scan())
	var hs handshakeSchema
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &hs))
	assert.Equal(t, "kgraph-jsonrpc", hs.Protocol)
	assert.Contains(t, hs.Tools, toolfacade.ToolCreateEntities)
	assert.Contains(t, hs.Tools, toolfacade.ToolGetCurrentTime)
}

func TestCreateEntitiesThenSearchNodesOverTheWire(t *testing.T) {
	srv := newTestServer(t)
	resps := runLines(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"create_entities","params":{"entities":[{"Name":"Alice","EntityType":"Person","Observations":["Software Engineer"]}]}}`,
		`{"jsonrpc":"2.0","id":2,"method":"search_nodes","params":{"query":"coder","limit":10}}`,
	)
	require.Len(t, resps, 2)

	var createEnv toolfacade.Envelope
	remarshal(t, resps[0].Result, &createEnv)
	assert.True(t, createEnv.OK)

	var searchEnv toolfacade.Envelope
	remarshal(t, resps[1].Result, &searchEnv)
	assert.True(t, searchEnv.OK)
}

func TestUnknownMethodReturnsJSONRPCError(t *testing.T) {
	srv := newTestServer(t)
	resps := runLines(t, srv, `{"jsonrpc":"2.0","id":1,"method":"not_a_tool","params":{}}`)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeMethodNotFound, resps[0].Error.Code)
}

func TestMalformedLineReturnsParseError(t *testing.T) {
	srv := newTestServer(t)
	resps := runLines(t, srv, `not json at all`)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeParseError, resps[0].Error.Code)
}

func TestGetCurrentTimeRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	resps := runLines(t, srv, `{"jsonrpc":"2.0","id":7,"method":"get_current_time"}`)
	require.Len(t, resps, 1)
	var env toolfacade.Envelope
	remarshal(t, resps[0].Result, &env)
	assert.True(t, env.OK)
	assert.NotNil(t, env.Data)
}

func remarshal(t *testing.T, v interface{}, out interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}
