package dapsession

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	dap "github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/sidkshatriya/batchdbg/internal/debugctx"
)

// harness wires a Session to an in-memory client: writes go to the session's
// in-pipe, the session's responses/events arrive on a reader built over the
// out-pipe.
type harness struct {
	t      *testing.T
	sess   *Session
	toSess io.WriteCloser
	reader *bufio.Reader
	done   chan error
	seq    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	sess := New(inR, outW, "", false)
	h := &harness{t: t, sess: sess, toSess: inW, reader: bufio.NewReader(outR), done: make(chan error, 1)}

	go func() {
		h.done <- sess.Run(context.Background())
	}()
	return h
}

func (h *harness) send(msg dap.Message) {
	h.t.Helper()
	require.NoError(h.t, dap.WriteProtocolMessage(h.toSess, msg))
}

func (h *harness) nextSeq() int {
	h.seq++
	return h.seq
}

func (h *harness) recv() dap.Message {
	h.t.Helper()
	type result struct {
		msg dap.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := dap.ReadProtocolMessage(h.reader)
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		require.NoError(h.t, r.err)
		return r.msg
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a DAP message")
		return nil
	}
}

func TestInitializeReturnsFixedCapabilities(t *testing.T) {
	h := newHarness(t)

	h.send(&dap.InitializeRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "initialize",
		},
		Arguments: dap.InitializeRequestArguments{AdapterID: "batchdbg"},
	})

	msg := h.recv()
	resp, ok := msg.(*dap.InitializeResponse)
	require.True(t, ok, "expected *dap.InitializeResponse, got %T", msg)
	require.True(t, resp.Success)
	require.True(t, resp.Body.SupportsConfigurationDoneRequest)
	require.True(t, resp.Body.SupportsConditionalBreakpoints)
	require.True(t, resp.Body.SupportsDataBreakpoints)
	require.False(t, resp.Body.SupportsFunctionBreakpoints)
	require.False(t, resp.Body.SupportsStepBack)
	require.False(t, resp.Body.SupportsTerminateRequest)

	initialized := h.recv()
	_, ok = initialized.(*dap.InitializedEvent)
	require.True(t, ok, "expected *dap.InitializedEvent right after the initialize response, got %T", initialized)

	h.send(&dap.DisconnectRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "disconnect",
		},
	})
	msg = h.recv()
	_, ok = msg.(*dap.DisconnectResponse)
	require.True(t, ok, "expected *dap.DisconnectResponse, got %T", msg)

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit after disconnect")
	}
}

func TestSetBreakpointsBeforeLaunchReturnsEmptySet(t *testing.T) {
	h := newHarness(t)

	h.send(&dap.SetBreakpointsRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "setBreakpoints",
		},
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: "script.bat"},
			Breakpoints: []dap.SourceBreakpoint{{Line: 3}},
		},
	})

	msg := h.recv()
	resp, ok := msg.(*dap.SetBreakpointsResponse)
	require.True(t, ok, "expected *dap.SetBreakpointsResponse, got %T", msg)
	require.Empty(t, resp.Body.Breakpoints)
}

func TestThreadsReportsSingleMainThread(t *testing.T) {
	h := newHarness(t)

	h.send(&dap.ThreadsRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "threads",
		},
	})

	msg := h.recv()
	resp, ok := msg.(*dap.ThreadsResponse)
	require.True(t, ok, "expected *dap.ThreadsResponse, got %T", msg)
	require.Len(t, resp.Body.Threads, 1)
	require.Equal(t, "Batch Script", resp.Body.Threads[0].Name)
}

func TestLaunchWithUnreadableProgramReturnsErrorResponse(t *testing.T) {
	h := newHarness(t)

	h.send(&dap.LaunchRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "launch",
		},
		Arguments: []byte(`{"program":"/nonexistent/path/does-not-exist.bat"}`),
	})

	msg := h.recv()
	resp, ok := msg.(*dap.ErrorResponse)
	require.True(t, ok, "expected *dap.ErrorResponse, got %T", msg)
	require.False(t, resp.Success)
}

func TestScopesReturnsThreeFixedScopes(t *testing.T) {
	h := newHarness(t)

	h.send(&dap.ScopesRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "scopes",
		},
		Arguments: dap.ScopesArguments{FrameId: 0},
	})

	msg := h.recv()
	resp, ok := msg.(*dap.ScopesResponse)
	require.True(t, ok, "expected *dap.ScopesResponse, got %T", msg)
	require.Len(t, resp.Body.Scopes, 3)
	require.Equal(t, "Local", resp.Body.Scopes[0].Name)
	require.Equal(t, 1, resp.Body.Scopes[0].VariablesReference)
	require.Equal(t, "Global", resp.Body.Scopes[1].Name)
	require.Equal(t, 2, resp.Body.Scopes[1].VariablesReference)
	require.Equal(t, "Watch", resp.Body.Scopes[2].Name)
	require.Equal(t, 3, resp.Body.Scopes[2].VariablesReference)
}

// wireContext sets up a debug context directly (bypassing launch and its
// real shell process) since these tests target variable-rendering behavior,
// not the shell round trip.
func wireContext(h *harness) *debugctx.Context {
	h.sess.ctxMu.Lock()
	defer h.sess.ctxMu.Unlock()
	h.sess.ctx = debugctx.New(nil)
	return h.sess.ctx
}

func TestVariablesInjectsErrorLevelForLocalAndGlobalScopes(t *testing.T) {
	h := newHarness(t)

	ctx := wireContext(h)
	h.sess.ctxMu.Lock()
	ctx.Variables["NAME"] = "Alice"
	ctx.LastExitCode = 0
	h.sess.ctxMu.Unlock()

	for _, ref := range []int{1, 2} {
		h.send(&dap.VariablesRequest{
			Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
				Command:         "variables",
			},
			Arguments: dap.VariablesArguments{VariablesReference: ref},
		})

		msg := h.recv()
		resp, ok := msg.(*dap.VariablesResponse)
		require.True(t, ok, "expected *dap.VariablesResponse, got %T", msg)
		require.NotEmpty(t, resp.Body.Variables)
		require.Equal(t, "ERRORLEVEL", resp.Body.Variables[0].Name)
		require.Equal(t, "0", resp.Body.Variables[0].Value)

		var sawName bool
		for _, v := range resp.Body.Variables {
			if v.Name == "NAME" {
				sawName = true
				require.Equal(t, "Alice", v.Value)
			}
		}
		require.True(t, sawName, "expected scope %d to include NAME", ref)
	}
}

func TestEvaluateWithWatchContextPopulatesScope3(t *testing.T) {
	h := newHarness(t)

	ctx := wireContext(h)
	h.sess.ctxMu.Lock()
	ctx.Variables["NAME"] = "Alice"
	h.sess.ctxMu.Unlock()

	h.send(&dap.EvaluateRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "evaluate",
		},
		Arguments: dap.EvaluateArguments{Expression: "%NAME%", Context: "watch"},
	})

	msg := h.recv()
	evalResp, ok := msg.(*dap.EvaluateResponse)
	require.True(t, ok, "expected *dap.EvaluateResponse, got %T", msg)
	require.Equal(t, "Alice", evalResp.Body.Result)

	h.send(&dap.VariablesRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "variables",
		},
		Arguments: dap.VariablesArguments{VariablesReference: 3},
	})

	msg = h.recv()
	varsResp, ok := msg.(*dap.VariablesResponse)
	require.True(t, ok, "expected *dap.VariablesResponse, got %T", msg)
	require.Len(t, varsResp.Body.Variables, 1)
	require.Equal(t, "%NAME%", varsResp.Body.Variables[0].Name)
	require.Equal(t, "Alice", varsResp.Body.Variables[0].Value)
}

func TestEvaluateWithoutWatchContextDoesNotPopulateScope3(t *testing.T) {
	h := newHarness(t)

	ctx := wireContext(h)
	h.sess.ctxMu.Lock()
	ctx.Variables["NAME"] = "Alice"
	h.sess.ctxMu.Unlock()

	h.send(&dap.EvaluateRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "evaluate",
		},
		Arguments: dap.EvaluateArguments{Expression: "%NAME%"},
	})
	msg := h.recv()
	_, ok := msg.(*dap.EvaluateResponse)
	require.True(t, ok, "expected *dap.EvaluateResponse, got %T", msg)

	h.send(&dap.VariablesRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: h.nextSeq(), Type: "request"},
			Command:         "variables",
		},
		Arguments: dap.VariablesArguments{VariablesReference: 3},
	})
	msg = h.recv()
	resp, ok := msg.(*dap.VariablesResponse)
	require.True(t, ok, "expected *dap.VariablesResponse, got %T", msg)
	require.Empty(t, resp.Body.Variables)
}
