package peril

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseClientCommand(t *testing.T) {
	tests := []struct {
		line string
		kind CommandKind
		args []string
	}{
		{"spawn europe infantry", CommandSpawn, []string{"europe", "infantry"}},
		{"  MOVE asia 1 2 ", CommandMove, []string{"asia", "1", "2"}},
		{"status", CommandStatus, []string{}},
		{"spam 3", CommandSpam, []string{"3"}},
		{"help", CommandHelp, []string{}},
		{"quit", CommandQuit, []string{}},
		{"pause alice", CommandUnknown, []string{"alice"}},
		{"dance", CommandUnknown, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd := ParseClientCommand(tt.line)
			assert.Equal(t, tt.kind, cmd.Kind)
			assert.Equal(t, tt.args, cmd.Args)
		})
	}

	t.Run("blank line", func(t *testing.T) {
		assert.Equal(t, CommandEmpty, ParseClientCommand("   ").Kind)
	})
}

func TestParseServerCommand(t *testing.T) {
	assert.Equal(t, CommandPause, ParseServerCommand("pause alice bob").Kind)
	assert.Equal(t, []string{"alice", "bob"}, ParseServerCommand("pause alice bob").Args)
	assert.Equal(t, CommandResume, ParseServerCommand("resume alice").Kind)
	assert.Equal(t, CommandStatus, ParseServerCommand("status").Kind)
	assert.Equal(t, CommandUnknown, ParseServerCommand("spawn europe infantry").Kind)

	unknown := ParseServerCommand("Launch now")
	assert.Equal(t, "launch", unknown.Name)
	assert.Equal(t, "unknown", unknown.Kind.String())
}
