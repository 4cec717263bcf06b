// Package executor runs the preprocessed/parsed program counter over the
// debug context, one logical line at a time, the way original_source's
// executor/dap_runner.rs does: an explicit loop that checks whether to stop
// before a line, waits for a resume signal when it does, and otherwise
// dispatches the line to one of a fixed set of control-flow handlers before
// falling through to the plain shell-delegation path.
//
// Grounded on original_source/src/executor/dap_runner.rs for the loop
// skeleton and per-keyword dispatch order (SETLOCAL, ENDLOCAL, CALL,
// EXIT /B, GOTO, PUSHD, POPD, SHIFT, FOR, IF, then plain), and on
// internal/debugctx for every piece of state the loop touches. The source's
// busy-poll wait for a resume signal (a sleep loop re-checking a boolean) is
// replaced here with a buffered channel plus a watchdog timeout, the
// idiomatic Go equivalent. Lock critical sections are kept short: plain
// commands and FOR iteration bodies run through the shell with Mu released.
// The debug-context calls that run shell commands themselves (HandlePushd,
// HandlePopd, ExpandForLoop, EvaluateIfCondition, and TrackSetCommand for
// SET /A and SET /P) are made with Mu held, so a stackTrace/scopes/variables
// request on the session goroutine can wait behind those shell round-trips.
package executor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sidkshatriya/batchdbg/internal/debugctx"
	"github.com/sidkshatriya/batchdbg/internal/logging"
	"github.com/sidkshatriya/batchdbg/internal/parser"
	"github.com/sidkshatriya/batchdbg/internal/preprocessor"
)

// ErrUnknownLabel is returned when CALL or GOTO target a label that was
// never seen during preprocessing. It terminates the run.
var ErrUnknownLabel = errors.New("executor: CALL/GOTO target an unknown label")

// watchdogTimeout bounds how long the execution goroutine will wait for a
// resume signal before giving up and terminating the run.
const watchdogTimeout = 5 * time.Minute

// StopEvent describes why and where the engine stopped. Reason is one of
// "entry", "breakpoint", "step", "data breakpoint", "pause", or
// "terminated"; PC is meaningless for "terminated".
type StopEvent struct {
	Reason string
	PC     int
}

// Engine drives a single debuggee program to completion. It shares Ctx and
// Mu with the DAP session (internal/dapsession): the session reads Ctx under
// Mu to answer stackTrace/scopes/variables requests and writes run-mode
// transitions under Mu in response to continue/next/stepIn/stepOut/pause;
// the engine's own goroutine takes Mu only for the short critical sections
// documented on each method below.
type Engine struct {
	Preprocessed *preprocessor.Result
	Labels       map[string]int // lowercased label name -> physical line index
	Ctx          *debugctx.Context
	Mu           *sync.Mutex

	// Resume is a single-slot edge signal: RequestResume coalesces repeated
	// requests arriving before the engine goroutine has consumed the
	// previous one, which is correct since only the latest requested mode
	// matters.
	Resume chan struct{}
	Events chan StopEvent
	Output chan string

	stepDepth    *int
	pausePending bool
}

// New constructs an Engine ready to Run. mu must be the same mutex the
// caller uses to guard every other access to ctx.
func New(pre *preprocessor.Result, labels map[string]int, ctx *debugctx.Context, mu *sync.Mutex) *Engine {
	return &Engine{
		Preprocessed: pre,
		Labels:       labels,
		Ctx:          ctx,
		Mu:           mu,
		Resume:       make(chan struct{}, 1),
		Events:       make(chan StopEvent, 16),
		Output:       make(chan string, 256),
	}
}

// RequestResume records the requested run mode and wakes the execution
// goroutine if it is currently waiting at a stop.
func (e *Engine) RequestResume(mode debugctx.RunMode) {
	e.Mu.Lock()
	e.Ctx.SetMode(mode)
	e.Ctx.ContinueRequested = true
	e.Mu.Unlock()

	select {
	case e.Resume <- struct{}{}:
	default:
	}
}

// RequestPause asks the engine to stop at the next line boundary regardless
// of breakpoints or step mode.
func (e *Engine) RequestPause() {
	e.Mu.Lock()
	e.pausePending = true
	e.Mu.Unlock()
}

// Run executes the program to completion (or to a ShellError/LabelError),
// sending a final StopEvent{Reason: "terminated"} on Events before
// returning. With stopOnEntry it stops at the first line that is not blank,
// a label or a comment, before executing anything, mirroring the launch
// option of the same name.
func (e *Engine) Run(stopOnEntry bool) {
	pc := 0
	atFirstLine := true

	for {
		for pc >= len(e.Preprocessed.Logical) {
			e.Mu.Lock()
			next, ok := debugctx.LeaveContext(&e.Ctx.CallStack)
			e.Mu.Unlock()
			if !ok {
				e.terminate()
				return
			}
			pc = next
		}

		line := strings.TrimSpace(e.Preprocessed.Logical[pc].Text)
		if line == "" || strings.HasPrefix(line, ":") || parser.IsComment(line) {
			pc++
			continue
		}
		lineUpper := strings.ToUpper(line)

		shouldStop, reason := false, ""
		if atFirstLine && stopOnEntry {
			shouldStop, reason = true, "entry"
		} else if e.computeShouldStop(pc) {
			shouldStop, reason = true, e.stopReason()
		}
		atFirstLine = false

		if shouldStop {
			if !e.emitStopAndWait(reason, pc) {
				e.terminate()
				return
			}
		}

		result, err := e.executeLine(pc, line, lineUpper)
		if err != nil {
			logging.Verbosef("executor: line %d: %v", pc, err)
			e.terminate()
			return
		}
		if result.terminate {
			e.terminate()
			return
		}
		if result.jump {
			pc = result.nextPC
			continue
		}
		pc++
	}
}

func (e *Engine) computeShouldStop(pc int) bool {
	e.Mu.Lock()
	defer e.Mu.Unlock()

	if e.pausePending {
		return true
	}

	switch e.Ctx.Mode() {
	case debugctx.Continue:
		return e.Ctx.ShouldStopAt(pc)
	case debugctx.StepInto:
		return true
	case debugctx.StepOver:
		if e.stepDepth != nil {
			return len(e.Ctx.CallStack) <= *e.stepDepth
		}
		return true
	case debugctx.StepOut:
		return e.Ctx.ShouldStopAt(pc)
	default:
		return false
	}
}

func (e *Engine) stopReason() string {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if e.pausePending {
		e.pausePending = false
		return "pause"
	}
	if e.Ctx.Mode() == debugctx.Continue {
		return "breakpoint"
	}
	return "step"
}

// emitStopAndWait records the current line, sends a stop event, and blocks
// until RequestResume wakes it or the watchdog fires. It returns false on
// watchdog timeout, which terminates the run.
func (e *Engine) emitStopAndWait(reason string, pc int) bool {
	e.Mu.Lock()
	e.Ctx.ContinueRequested = false
	cur := pc
	e.Ctx.CurrentLine = &cur
	e.Mu.Unlock()

	e.Events <- StopEvent{Reason: reason, PC: pc}
	return e.waitForResume()
}

func (e *Engine) waitForResume() bool {
	select {
	case <-e.Resume:
		e.Mu.Lock()
		defer e.Mu.Unlock()
		if e.Ctx.Mode() == debugctx.StepOver {
			d := len(e.Ctx.CallStack)
			e.stepDepth = &d
		} else {
			e.stepDepth = nil
		}
		return true
	case <-time.After(watchdogTimeout):
		return false
	}
}

func (e *Engine) terminate() {
	e.Events <- StopEvent{Reason: "terminated"}
}

func (e *Engine) resolveLabel(name string) (int, bool) {
	key := strings.ToLower(strings.TrimPrefix(name, ":"))
	physIdx, ok := e.Labels[key]
	if !ok {
		return 0, false
	}
	return e.Preprocessed.PhysToLogical[physIdx], true
}

type lineResult struct {
	jump      bool
	nextPC    int
	terminate bool
}

// executeLine dispatches one logical line in a fixed keyword precedence
// order (SETLOCAL, ENDLOCAL, CALL, EXIT /B, GOTO, PUSHD, POPD, SHIFT, FOR,
// IF, then plain). No lock is held across the call as a whole: each handler
// below takes Mu around the debug-context call it makes, and for PUSHD, POPD,
// FOR expansion, IF pre-evaluation and SET tracking that call includes its
// own shell round-trips.
func (e *Engine) executeLine(pc int, line, lineUpper string) (lineResult, error) {
	switch {
	case strings.HasPrefix(lineUpper, "SETLOCAL"):
		e.Mu.Lock()
		e.Ctx.HandleSetlocal()
		e.Mu.Unlock()
		return e.runCommand(line, false)

	case strings.HasPrefix(lineUpper, "ENDLOCAL"):
		e.Mu.Lock()
		e.Ctx.HandleEndlocal()
		e.Mu.Unlock()
		return e.runCommand(line, false)

	case strings.HasPrefix(lineUpper, "CALL "):
		return e.execCall(pc, line)

	case strings.HasPrefix(lineUpper, "EXIT /B") || lineUpper == "EXIT/B":
		return e.execExitB(line)

	case strings.HasPrefix(lineUpper, "GOTO "):
		return e.execGoto(line)

	case strings.HasPrefix(lineUpper, "PUSHD"):
		return e.execPushd(line)

	case strings.HasPrefix(lineUpper, "POPD"):
		e.Mu.Lock()
		err := e.Ctx.HandlePopd()
		e.Mu.Unlock()
		if err != nil {
			logging.Verbosef("executor: %v", err)
		}
		return lineResult{}, nil

	case strings.HasPrefix(lineUpper, "SHIFT"):
		rest := strings.TrimSpace(line[len("SHIFT"):])
		n := 1
		if rest != "" {
			if v, err := strconv.Atoi(rest); err == nil {
				n = v
			}
		}
		e.Mu.Lock()
		e.Ctx.HandleShift(n)
		e.Mu.Unlock()
		return lineResult{}, nil

	case strings.HasPrefix(lineUpper, "FOR "):
		return e.execFor(pc, line)

	case strings.HasPrefix(lineUpper, "IF "):
		return e.execIf(line)

	default:
		return e.runCommand(line, true)
	}
}

// runCommand is the plain-command path: optionally mirror a SET/SET-/A/
// SET-/P line into the variable tables, run it through the shell (unlocked),
// forward any output, and scan data breakpoints.
func (e *Engine) runCommand(line string, track bool) (lineResult, error) {
	if track {
		e.Mu.Lock()
		err := e.Ctx.TrackSetCommand(line)
		e.Mu.Unlock()
		if err != nil {
			logging.Verbosef("executor: track_set_command: %v", err)
		}
	}

	out, code, err := e.Ctx.Shell.Run(line)
	if err != nil {
		return lineResult{}, fmt.Errorf("shell: %w", err)
	}
	if out != "" {
		e.Output <- out
	}

	e.Mu.Lock()
	e.Ctx.LastExitCode = code
	e.Ctx.UpdateDataBreakpoints()
	e.Mu.Unlock()
	return lineResult{}, nil
}

func (e *Engine) execCall(pc int, line string) (lineResult, error) {
	rest := strings.TrimSpace(line[len("CALL "):])
	fields := parser.TokenizeArgs(rest)
	if len(fields) == 0 {
		return lineResult{}, fmt.Errorf("CALL with no target")
	}

	target := fields[0]
	if !strings.HasPrefix(target, ":") {
		// CALL of an external command or batch file, not a local label: run
		// it like any other command rather than treating it as a jump.
		return e.runCommand(line, false)
	}

	label := strings.ToLower(strings.TrimPrefix(target, ":"))
	logicalTarget, ok := e.resolveLabel(label)
	if !ok {
		return lineResult{}, fmt.Errorf("%w: %s", ErrUnknownLabel, label)
	}

	e.Mu.Lock()
	e.Ctx.CallStack = append(e.Ctx.CallStack, debugctx.NewFrame(pc+1, fields[1:]))
	e.Mu.Unlock()
	return lineResult{jump: true, nextPC: logicalTarget}, nil
}

func (e *Engine) execExitB(line string) (lineResult, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.ToUpper(line), "EXIT"))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "/B"))
	code := 0
	if rest != "" {
		if n, err := strconv.Atoi(rest); err == nil {
			code = n
		}
	}

	e.Mu.Lock()
	e.Ctx.LastExitCode = code
	next, ok := debugctx.LeaveContext(&e.Ctx.CallStack)
	e.Mu.Unlock()
	if !ok {
		return lineResult{terminate: true}, nil
	}
	return lineResult{jump: true, nextPC: next}, nil
}

func (e *Engine) execGoto(line string) (lineResult, error) {
	rest := strings.TrimSpace(line[len("GOTO "):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return lineResult{}, fmt.Errorf("GOTO with no target")
	}
	label := strings.ToLower(strings.TrimPrefix(fields[0], ":"))

	if label == "eof" {
		e.Mu.Lock()
		next, ok := debugctx.LeaveContext(&e.Ctx.CallStack)
		e.Mu.Unlock()
		if !ok {
			return lineResult{terminate: true}, nil
		}
		return lineResult{jump: true, nextPC: next}, nil
	}

	target, ok := e.resolveLabel(label)
	if !ok {
		return lineResult{}, fmt.Errorf("%w: %s", ErrUnknownLabel, label)
	}
	return lineResult{jump: true, nextPC: target}, nil
}

func (e *Engine) execPushd(line string) (lineResult, error) {
	rest := strings.TrimSpace(line[len("PUSHD"):])
	e.Mu.Lock()
	err := e.Ctx.HandlePushd(rest)
	e.Mu.Unlock()
	if err != nil {
		return lineResult{}, fmt.Errorf("shell: %w", err)
	}
	return lineResult{}, nil
}

// execFor expands a FOR statement's iterations up front, then runs each
// iteration's command through the shell, checking data breakpoints (and
// stopping on the first change) after every iteration.
func (e *Engine) execFor(pc int, line string) (lineResult, error) {
	stmt, ok := parser.ParseForStatement(line)
	if !ok {
		return e.runCommand(line, true)
	}

	e.Mu.Lock()
	iterations, err := e.Ctx.ExpandForLoop(stmt)
	e.Mu.Unlock()
	if err != nil {
		return lineResult{}, fmt.Errorf("for: %w", err)
	}

	for _, it := range iterations {
		e.Mu.Lock()
		e.Ctx.SetVariable(it.VarName, it.VarValue)
		e.Mu.Unlock()

		out, code, err := e.Ctx.Shell.Run(it.CommandText)
		if err != nil {
			return lineResult{}, fmt.Errorf("shell: %w", err)
		}
		if out != "" {
			e.Output <- out
		}

		e.Mu.Lock()
		e.Ctx.LastExitCode = code
		fired, _, _, _ := e.Ctx.CheckDataBreakpoints()
		if fired {
			e.Ctx.UpdateDataBreakpoints()
		}
		e.Mu.Unlock()

		if fired {
			if !e.emitStopAndWait("data breakpoint", pc) {
				return lineResult{terminate: true}, nil
			}
		}
	}
	return lineResult{}, nil
}

// execIf pre-evaluates the condition only for diagnostic logging; the
// then-branch (and any literal ELSE text) is never executed here; it is
// part of the original line and is passed to the shell verbatim, exactly as
// written, on the runCommand fallthrough below.
func (e *Engine) execIf(line string) (lineResult, error) {
	if stmt, ok := parser.ParseIfStatement(line); ok {
		e.Mu.Lock()
		result, evalErr := e.Ctx.EvaluateIfCondition(stmt.Condition)
		e.Mu.Unlock()
		if evalErr != nil {
			logging.Verbosef("executor: if condition: %v", evalErr)
		} else {
			logging.Verboseln("if condition evaluated to", result)
		}
	}
	return e.runCommand(line, true)
}
