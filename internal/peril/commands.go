package peril

import (
	"errors"
	"strings"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("invalid usage")
)

// CommandKind is the closed set of console commands
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandEmpty
	CommandSpawn
	CommandMove
	CommandStatus
	CommandSpam
	CommandHelp
	CommandQuit
	CommandPause
	CommandResume
)

func (k CommandKind) String() string {
	switch k {
	case CommandEmpty:
		return "empty"
	case CommandSpawn:
		return "spawn"
	case CommandMove:
		return "move"
	case CommandStatus:
		return "status"
	case CommandSpam:
		return "spam"
	case CommandHelp:
		return "help"
	case CommandQuit:
		return "quit"
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Command is one parsed console line
type Command struct {
	Kind CommandKind
	Name string
	Args []string
}

var clientCommands = map[string]CommandKind{
	"spawn":  CommandSpawn,
	"move":   CommandMove,
	"status": CommandStatus,
	"spam":   CommandSpam,
	"help":   CommandHelp,
	"quit":   CommandQuit,
}

var serverCommands = map[string]CommandKind{
	"pause":  CommandPause,
	"resume": CommandResume,
	"status": CommandStatus,
	"help":   CommandHelp,
	"quit":   CommandQuit,
}

// ParseClientCommand parses a line typed into the client console
func ParseClientCommand(line string) Command {
	return parseCommand(line, clientCommands)
}

// ParseServerCommand parses a line typed into the server console
func ParseServerCommand(line string) Command {
	return parseCommand(line, serverCommands)
}

func parseCommand(line string, known map[string]CommandKind) Command {
	words := strings.Fields(line)
	if len(words) == 0 {
		return Command{Kind: CommandEmpty}
	}

	name := strings.ToLower(words[0])
	kind, ok := known[name]
	if !ok {
		kind = CommandUnknown
	}
	return Command{Kind: kind, Name: name, Args: words[1:]}
}

// HelpEntry is one line of console help
type HelpEntry struct {
	Usage       string
	Description string
}

var clientHelp = []HelpEntry{
	{"spawn <location> <rank>", "spawn a new unit; ranks are infantry, cavalry and artillery"},
	{"move <location> <unitID> <unitID>...", "move units to a location"},
	{"status", "show your units"},
	{"spam <n>", "publish n malicious game logs"},
	{"help", "show this help"},
	{"quit", "leave the game"},
}

var serverHelp = []HelpEntry{
	{"pause <username>...", "pause the listed players"},
	{"resume <username>...", "resume the listed players"},
	{"status", "show broker health and dead letter counts"},
	{"help", "show this help"},
	{"quit", "stop the server"},
}
