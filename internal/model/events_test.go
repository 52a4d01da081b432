package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	for raw, want := range map[string]EventType{
		"authentication_failure": EventAuthenticationFailure,
		"sql_injection_attempt":  EventSQLInjectionAttempt,
		"data_access":            EventDataAccess,
		"configuration_change":   EventConfigurationChange,
	} {
		got, err := ParseEventType(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseEventType("coffee_break")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coffee_break")

	_, err = ParseEventType("")
	assert.Error(t, err)
}

func TestEventTypeIsInjection(t *testing.T) {
	assert.True(t, EventSQLInjectionAttempt.IsInjection())
	assert.True(t, EventXSSAttempt.IsInjection())
	assert.True(t, EventCSRFAttempt.IsInjection())
	assert.True(t, EventPrivilegeEscalation.IsInjection())

	assert.False(t, EventAuthenticationFailure.IsInjection())
	assert.False(t, EventSuspiciousActivity.IsInjection())
	assert.False(t, EventDataAccess.IsInjection())
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.True(t, SeverityMedium.AtLeast(SeverityLow))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.False(t, SeverityHigh.AtLeast(SeverityCritical))

	// Unknown severities rank lowest.
	assert.True(t, SeverityLow.AtLeast(Severity("whatever")))
}

func TestParseSeverity(t *testing.T) {
	got, err := ParseSeverity("high")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, got)

	_, err = ParseSeverity("catastrophic")
	assert.Error(t, err)
}

func TestParseOutcome(t *testing.T) {
	for _, raw := range []string{"success", "failure", "blocked"} {
		got, err := ParseOutcome(raw)
		require.NoError(t, err)
		assert.Equal(t, Outcome(raw), got)
	}

	_, err := ParseOutcome("maybe")
	assert.Error(t, err)
}

func TestOperationDestructive(t *testing.T) {
	assert.True(t, OperationDelete.Destructive())
	assert.True(t, OperationExport.Destructive())
	assert.False(t, OperationRead.Destructive())
	assert.False(t, OperationWrite.Destructive())
}

func TestParseOperation(t *testing.T) {
	got, err := ParseOperation("export")
	require.NoError(t, err)
	assert.Equal(t, OperationExport, got)

	_, err = ParseOperation("truncate")
	assert.Error(t, err)
}
