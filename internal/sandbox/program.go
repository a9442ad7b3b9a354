package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// TestCase is one test the synthesized program runs inside the sandbox.
type TestCase struct {
	Args     []json.RawMessage
	Expected json.RawMessage
	Hidden   bool
}

// newMarkerToken returns a per-run random token for result framing. The
// token never appears in anything the submitted expression can read, so
// fabricated "passing" output cannot land between genuine markers.
func newMarkerToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate marker token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func beginMarker(token string) string {
	return fmt.Sprintf("__ARENA_%s_BEGIN__", token)
}

func endMarker(token string) string {
	return fmt.Sprintf("__ARENA_%s_END__", token)
}

// buildProgram synthesizes one Python program that wraps the user expression
// in a function, runs every test case in a single sandbox invocation, and
// prints one JSON payload framed by the marker lines. Batching avoids
// per-test sandbox overhead. Modules a task grants are imported at module
// level so the expression can reference them by name; the expression itself
// still cannot spell an import.
func buildProgram(code string, params []string, cases []TestCase, allowedImports []string, token string) (string, error) {
	type caseDoc struct {
		Args     []json.RawMessage `json:"args"`
		Expected json.RawMessage   `json:"expected"`
	}
	docs := make([]caseDoc, len(cases))
	for i, tc := range cases {
		docs[i] = caseDoc{Args: tc.Args, Expected: tc.Expected}
	}
	casesJSON, err := json.Marshal(docs)
	if err != nil {
		return "", fmt.Errorf("failed to encode test cases: %w", err)
	}

	var b strings.Builder
	b.WriteString("import json as _json\n")
	for _, mod := range allowedImports {
		if !validModuleName(mod) {
			return "", fmt.Errorf("invalid allowed import %q", mod)
		}
		fmt.Fprintf(&b, "import %s\n", mod)
	}
	fmt.Fprintf(&b, "_cases = _json.loads(%s)\n", pythonStringLiteral(string(casesJSON)))
	fmt.Fprintf(&b, "def _expr(%s):\n", strings.Join(params, ", "))
	fmt.Fprintf(&b, "    return (%s)\n", code)
	b.WriteString(`_out = []
for _c in _cases:
    _r = {"pass": False, "error": None, "actual": None}
    try:
        _got = _expr(*_c["args"])
        if isinstance(_got, tuple):
            _got = list(_got)
        _r["actual"] = _got
        _r["pass"] = _got == _c["expected"]
    except Exception as _e:
        _r["error"] = repr(_e)
    _out.append(_r)
print()
`)
	fmt.Fprintf(&b, "print(%s)\n", pythonStringLiteral(beginMarker(token)))
	b.WriteString("print(_json.dumps(_out, default=repr))\n")
	fmt.Fprintf(&b, "print(%s)\n", pythonStringLiteral(endMarker(token)))

	return b.String(), nil
}

// validModuleName accepts a plain importable module name: an ASCII letter
// followed by ASCII letters, digits or underscores. Underscore-prefixed
// names are rejected so a granted module can never shadow the harness
// internals.
func validModuleName(name string) bool {
	if name == "" || !isASCIILetter(rune(name[0])) {
		return false
	}
	for _, r := range name {
		if !isIdentRune(r) {
			return false
		}
	}
	return true
}

// pythonStringLiteral renders s as a quoted Python string literal.
func pythonStringLiteral(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
