package executor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCustomInstructionError(t *testing.T) {
	err := ParseTransactionError(map[string]interface{}{
		"InstructionError": []interface{}{
			float64(3),
			map[string]interface{}{"Custom": float64(6003)},
		},
	}, nil)

	var programErr *ProgramError
	require.ErrorAs(t, err, &programErr)
	assert.Equal(t, 3, programErr.InstructionIndex)
	assert.Equal(t, uint64(6003), programErr.Code)
	assert.Empty(t, programErr.Name)
}

func TestParseNamedInstructionError(t *testing.T) {
	err := ParseTransactionError(map[string]interface{}{
		"InstructionError": []interface{}{float64(0), "PrivilegeEscalation"},
	}, nil)

	var programErr *ProgramError
	require.ErrorAs(t, err, &programErr)
	assert.Equal(t, "PrivilegeEscalation", programErr.Name)
}

func TestAnchorLogEnrichesProgramError(t *testing.T) {
	logs := []string{
		"Program WhirLbMgr invoke [1]",
		"Program log: AnchorError occurred. Error Code: StaleOracle. Error Number: 6003. Error Message: Oracle price is stale.",
		"Program WhirLbMgr failed: custom program error: 0x1773",
	}
	err := ParseTransactionError(map[string]interface{}{
		"InstructionError": []interface{}{
			float64(1),
			map[string]interface{}{"Custom": float64(6003)},
		},
	}, logs)

	var programErr *ProgramError
	require.ErrorAs(t, err, &programErr)
	assert.Equal(t, "StaleOracle", programErr.Name)
	assert.Equal(t, "Oracle price is stale", programErr.Msg)
	assert.Contains(t, programErr.Error(), "StaleOracle")
}

func TestParseOpaqueError(t *testing.T) {
	err := ParseTransactionError("AccountInUse", nil)
	require.Error(t, err)

	var programErr *ProgramError
	assert.False(t, errors.As(err, &programErr))
}

func TestParseNilError(t *testing.T) {
	assert.NoError(t, ParseTransactionError(nil, nil))
}

func TestAllowCodes(t *testing.T) {
	predicate := AllowCodes(6003, 6017)

	assert.True(t, predicate(&ProgramError{Code: 6003}))
	assert.True(t, predicate(&ProgramError{Code: 6017}))
	assert.False(t, predicate(&ProgramError{Code: 6010}))
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, isRetryable(ErrBlockhashExpired, nil), "expiry always retries")
	assert.True(t, isRetryable(ErrConfirmationTimeout, nil))
	assert.True(t, isRetryable(errors.New("i/o timeout"), nil), "transport errors retry")
	assert.False(t, isRetryable(&terminalError{errors.New("bad signer")}, nil), "local failures never retry")

	programErr := &ProgramError{Code: 6003}
	assert.False(t, isRetryable(programErr, nil), "program errors terminal by default")
	assert.True(t, isRetryable(programErr, AllowCodes(6003)))
}

func TestAllowNames(t *testing.T) {
	predicate := AllowNames("StaleOracle", "SlippageToleranceExceeded")

	assert.True(t, predicate(&ProgramError{Code: 6003, Name: "StaleOracle"}))
	assert.False(t, predicate(&ProgramError{Code: 6010, Name: "InsufficientCollateral"}))
	assert.False(t, predicate(&ProgramError{Code: 6003}), "unresolved errors have no name to match")
}
