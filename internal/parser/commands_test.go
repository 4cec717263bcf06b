package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitCompositeCommandAndOrOr(t *testing.T) {
	parts := SplitCompositeCommand(`echo a && echo b || echo c`)
	require.Len(t, parts, 3)
	require.Equal(t, "echo a", parts[0].Text)
	require.Equal(t, OpAndAnd, parts[0].Op)
	require.Equal(t, "echo b", parts[1].Text)
	require.Equal(t, OpOrOr, parts[1].Op)
	require.Equal(t, "echo c", parts[2].Text)
	require.Equal(t, OpNone, parts[2].Op)
}

func TestSplitCompositeCommandHonoursQuotes(t *testing.T) {
	parts := SplitCompositeCommand(`echo "a & b"`)
	require.Len(t, parts, 1)
	require.Equal(t, `echo "a & b"`, parts[0].Text)
}

func TestSplitCompositeCommandSingleAmpersand(t *testing.T) {
	parts := SplitCompositeCommand(`echo a & echo b`)
	require.Len(t, parts, 2)
	require.Equal(t, OpAnd, parts[0].Op)
}

func TestIsComment(t *testing.T) {
	require.True(t, IsComment("REM this is a comment"))
	require.True(t, IsComment("rem"))
	require.True(t, IsComment(":: also a comment"))
	require.False(t, IsComment("echo REM is not a comment here"))
}

func TestParseRedirectionsAppendAndStderrMerge(t *testing.T) {
	r := ParseRedirections(`dir >> out.txt 2>&1`)
	require.Equal(t, "dir", r.Base)
	require.Len(t, r.Redirections, 2)
	require.Equal(t, Redirection{Op: ">>", Target: "out.txt"}, r.Redirections[0])
	require.Equal(t, Redirection{Op: "2>&1"}, r.Redirections[1])
}

func TestParseRedirectionsPipeTakesRestOfLine(t *testing.T) {
	r := ParseRedirections(`dir | findstr foo`)
	require.Equal(t, "dir", r.Base)
	require.Equal(t, []Redirection{{Op: "|", Target: "findstr foo"}}, r.Redirections)
}

func TestParseRedirectionsSkipsDoublePipe(t *testing.T) {
	r := ParseRedirections(`dir || echo failed`)
	require.Equal(t, `dir || echo failed`, r.Base)
	require.Empty(t, r.Redirections)
}

func TestParseIfStatementErrorLevel(t *testing.T) {
	stmt, ok := ParseIfStatement("IF ERRORLEVEL 1 echo failed")
	require.True(t, ok)
	require.Equal(t, IfErrorLevel, stmt.Condition.Kind)
	require.Equal(t, 1, stmt.Condition.N)
	require.Equal(t, "echo failed", stmt.Then)
}

func TestParseIfStatementNotExist(t *testing.T) {
	stmt, ok := ParseIfStatement(`IF NOT EXIST "C:\temp" mkdir "C:\temp"`)
	require.True(t, ok)
	require.True(t, stmt.Condition.Not)
	require.Equal(t, IfExist, stmt.Condition.Kind)
	require.Equal(t, `C:\temp`, stmt.Condition.Path)
}

func TestParseIfStatementCompareOperator(t *testing.T) {
	stmt, ok := ParseIfStatement(`IF %COUNT% GEQ 5 goto :done`)
	require.True(t, ok)
	require.Equal(t, IfCompare, stmt.Condition.Kind)
	require.Equal(t, "%COUNT%", stmt.Condition.Lhs)
	require.Equal(t, IfGEQ, stmt.Condition.Op)
	require.Equal(t, "5", stmt.Condition.Rhs)
	require.Equal(t, "goto :done", stmt.Then)
}

func TestParseIfStatementStringEqual(t *testing.T) {
	stmt, ok := ParseIfStatement(`IF "%NAME%"=="Alice" echo hi`)
	require.True(t, ok)
	require.Equal(t, IfStringEqual, stmt.Condition.Kind)
	require.Equal(t, `"%NAME%"`, stmt.Condition.Lhs)
	require.Equal(t, "Alice", stmt.Condition.Rhs)
}

func TestParseIfStatementDefined(t *testing.T) {
	stmt, ok := ParseIfStatement("IF DEFINED FOO echo set")
	require.True(t, ok)
	require.Equal(t, IfDefined, stmt.Condition.Kind)
	require.Equal(t, "FOO", stmt.Condition.Name)
}

func TestParseIfStatementRejectsNonIf(t *testing.T) {
	_, ok := ParseIfStatement("echo not an if")
	require.False(t, ok)
}

func TestTokenizeArgsHonoursQuotes(t *testing.T) {
	toks := TokenizeArgs(`alpha "beta gamma" delta`)
	require.Equal(t, []string{"alpha", "beta gamma", "delta"}, toks)
}
