package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBlockhashExpired means the chain moved past the transaction's
	// validity window without including it. Always worth retrying with a
	// fresh blockhash.
	ErrBlockhashExpired = errors.New("blockhash expired before confirmation")

	// ErrConfirmationTimeout means the confirmation wait elapsed while the
	// blockhash was still valid.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

	// ErrMaxRetriesExceeded wraps the last attempt's error once the retry
	// budget is spent.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// terminalError marks an attempt error that no retry can change, such as a
// local assembly or signing failure.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// ProgramError is a custom error returned by an on-chain program. Name and
// Msg are filled in when an Anchor error log or an IDL error table is
// available.
type ProgramError struct {
	InstructionIndex int
	Code             uint64
	Name             string
	Msg              string
}

func (e *ProgramError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("program error %d (%s) at instruction %d: %s",
			e.Code, e.Name, e.InstructionIndex, e.Msg)
	}
	return fmt.Sprintf("program error %d at instruction %d", e.Code, e.InstructionIndex)
}

// ParseTransactionError interprets the Err field of a signature status or
// simulation result. Custom program errors come back as *ProgramError,
// enriched from Anchor log lines when logs are provided. Anything else is
// returned as an opaque error.
func ParseTransactionError(txErr interface{}, logs []string) error {
	if txErr == nil {
		return nil
	}

	if programErr, ok := parseInstructionError(txErr); ok {
		if anchor, found := findAnchorError(logs); found {
			programErr.Name = anchor.Name
			programErr.Msg = anchor.Msg
			if programErr.Code == 0 {
				programErr.Code = anchor.Code
			}
		}
		return programErr
	}
	return fmt.Errorf("transaction failed: %v", txErr)
}

// parseInstructionError handles the {"InstructionError": [index, detail]}
// shape, where detail is either {"Custom": code} or a named error string.
func parseInstructionError(txErr interface{}) (*ProgramError, bool) {
	errMap, ok := txErr.(map[string]interface{})
	if !ok {
		return nil, false
	}
	parts, ok := errMap["InstructionError"].([]interface{})
	if !ok || len(parts) != 2 {
		return nil, false
	}

	programErr := &ProgramError{InstructionIndex: asInt(parts[0])}

	switch detail := parts[1].(type) {
	case map[string]interface{}:
		custom, ok := detail["Custom"]
		if !ok {
			return nil, false
		}
		programErr.Code = uint64(asInt(custom))
		return programErr, true
	case string:
		programErr.Name = detail
		return programErr, true
	default:
		return nil, false
	}
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case uint64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

type anchorError struct {
	Code uint64
	Name string
	Msg  string
}

// findAnchorError scans program logs for an Anchor error report.
// Example line: "Program log: AnchorError occurred. Error Code: StaleOracle.
// Error Number: 6003. Error Message: Oracle price is stale."
func findAnchorError(logs []string) (anchorError, bool) {
	for _, line := range logs {
		if !strings.Contains(line, "AnchorError") {
			continue
		}
		var result anchorError
		if name, ok := extractField(line, "Error Code:"); ok {
			result.Name = name
		}
		if number, ok := extractField(line, "Error Number:"); ok {
			fmt.Sscanf(number, "%d", &result.Code)
		}
		if msg, ok := extractField(line, "Error Message:"); ok {
			result.Msg = msg
		}
		return result, true
	}
	return anchorError{}, false
}

func extractField(line, marker string) (string, bool) {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", false
	}
	rest := line[idx+len(marker):]
	if end := strings.Index(rest, "."); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

// RetryablePredicate decides whether a program error is transient. The
// default (nil) treats every program error as terminal.
type RetryablePredicate func(*ProgramError) bool

// AllowCodes builds a predicate from an explicit allowlist of custom error
// codes known to be transient (stale oracle, slippage windows).
func AllowCodes(codes ...uint64) RetryablePredicate {
	allowed := make(map[uint64]struct{}, len(codes))
	for _, code := range codes {
		allowed[code] = struct{}{}
	}
	return func(e *ProgramError) bool {
		_, ok := allowed[e.Code]
		return ok
	}
}

// AllowNames builds a predicate from an allowlist of program error names, as
// resolved from the owning program's error table.
func AllowNames(names ...string) RetryablePredicate {
	allowed := make(map[string]struct{}, len(names))
	for _, name := range names {
		allowed[name] = struct{}{}
	}
	return func(e *ProgramError) bool {
		_, ok := allowed[e.Name]
		return ok
	}
}

// isRetryable classifies an attempt error. Local build failures are
// deterministic and terminal. Blockhash expiry and the confirmation timeout
// always warrant a rebuild; program errors consult the caller's predicate;
// anything else (transport failures, RPC errors) is assumed transient.
func isRetryable(err error, predicate RetryablePredicate) bool {
	var terminal *terminalError
	if errors.As(err, &terminal) {
		return false
	}
	if errors.Is(err, ErrBlockhashExpired) || errors.Is(err, ErrConfirmationTimeout) {
		return true
	}
	var programErr *ProgramError
	if errors.As(err, &programErr) {
		return predicate != nil && predicate(programErr)
	}
	return true
}
