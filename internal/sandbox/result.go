package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome classifies a completed batch run.
type Outcome string

const (
	// OutcomePass means every test case matched.
	OutcomePass Outcome = "pass"
	// OutcomeFail means the run completed but at least one test missed.
	OutcomeFail Outcome = "fail"
	// OutcomeError means no trustworthy verdict was obtained.
	OutcomeError Outcome = "error"
)

// TestReport is the per-test verdict crossing the adapter boundary. For
// hidden tests only the pass/fail boolean and a generic error flag cross;
// expected values, actual values and exception text never leave the
// adapter (the repr of a user exception embeds the hidden inputs).
type TestReport struct {
	Index    int             `json:"index"`
	Pass     bool            `json:"pass"`
	Hidden   bool            `json:"hidden"`
	Expected json.RawMessage `json:"expected,omitempty"`
	Actual   json.RawMessage `json:"actual,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// BatchResult is the trusted verdict for one batch execution.
type BatchResult struct {
	Outcome     Outcome      `json:"outcome"`
	Tests       []TestReport `json:"tests"`
	TestsPassed int          `json:"tests_passed"`
	TestsTotal  int          `json:"tests_total"`
	RuntimeMs   int64        `json:"runtime_ms"`
}

// sandboxRow mirrors one entry of the JSON payload the synthesized program
// prints between the markers.
type sandboxRow struct {
	Pass   bool            `json:"pass"`
	Error  *string         `json:"error"`
	Actual json.RawMessage `json:"actual"`
}

// parseBatchOutput extracts the framed result payload from raw sandbox
// stdout and builds per-test reports. Only content strictly between the two
// marker lines is trusted. A missing or malformed frame is an
// infrastructure error, never a fail verdict.
func parseBatchOutput(stdout, token string, cases []TestCase) (*BatchResult, error) {
	begin := beginMarker(token)
	end := endMarker(token)

	lines := strings.Split(stdout, "\n")
	beginIdx, endIdx := -1, -1
	for i, line := range lines {
		switch strings.TrimRight(line, "\r") {
		case begin:
			if beginIdx == -1 {
				beginIdx = i
			}
		case end:
			if beginIdx != -1 && endIdx == -1 {
				endIdx = i
			}
		}
	}
	if beginIdx == -1 || endIdx == -1 {
		return nil, fmt.Errorf("%w: result markers missing from sandbox output", ErrInfrastructure)
	}

	payload := strings.Join(lines[beginIdx+1:endIdx], "\n")

	var rows []sandboxRow
	if err := json.Unmarshal([]byte(payload), &rows); err != nil {
		return nil, fmt.Errorf("%w: unparsable result payload: %v", ErrInfrastructure, err)
	}
	if len(rows) != len(cases) {
		return nil, fmt.Errorf("%w: result payload has %d entries for %d test cases", ErrInfrastructure, len(rows), len(cases))
	}

	result := &BatchResult{
		Tests:      make([]TestReport, len(rows)),
		TestsTotal: len(rows),
	}

	for i, row := range rows {
		report := TestReport{
			Index:  i,
			Pass:   row.Pass,
			Hidden: cases[i].Hidden,
		}
		if !cases[i].Hidden {
			if row.Error != nil {
				report.Error = *row.Error
			}
			report.Expected = cases[i].Expected
			report.Actual = row.Actual
		} else if row.Error != nil {
			report.Error = "error"
		}
		if row.Pass {
			result.TestsPassed++
		}
		result.Tests[i] = report
	}

	if result.TestsPassed == result.TestsTotal {
		result.Outcome = OutcomePass
	} else {
		result.Outcome = OutcomeFail
	}

	return result, nil
}
