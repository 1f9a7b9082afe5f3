package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDisplayName(t *testing.T) {
	assert.NoError(t, ValidateDisplayName("bo"))
	assert.ErrorIs(t, ValidateDisplayName(""), ErrDisplayNameEmpty)
	assert.ErrorIs(t, ValidateDisplayName(strings.Repeat("x", MaxDisplayNameLen+1)), ErrDisplayNameTooLong)
	assert.NoError(t, ValidateDisplayName(strings.Repeat("x", MaxDisplayNameLen)))
}

func TestNewParticipantRejectsBadName(t *testing.T) {
	_, err := NewParticipant("p1", "", RoleParticipant)
	assert.ErrorIs(t, err, ErrDisplayNameEmpty)

	p, err := NewParticipant("p1", "ann", RoleHost)
	require.NoError(t, err)
	assert.Equal(t, RoleHost, p.Role)
}

func TestClampGain(t *testing.T) {
	assert.Equal(t, MinGain, ClampGain(-0.5))
	assert.Equal(t, MaxGain, ClampGain(3.7))
	assert.Equal(t, 1.3, ClampGain(1.3))
}

func TestChatMessageIDsUnique(t *testing.T) {
	a := NewChatMessage("p1", "bo", "x")
	b := NewChatMessage("p1", "bo", "x")
	assert.NotEqual(t, a.ID, b.ID)
}
