package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"

	"doclock/pkg/config"
)

type ReplCommand func(string, *REPLConfig) (output string, err error)

const (
	// Trigger for the help meta-command that prints out all help strings
	TriggerHelpMetacommand = ".help"

	// String that should be prepended to any error before being sent to the output writer
	ErrorPrependStr = "ERROR: "
)

var (
	// Returned when combining REPLs that share a trigger
	ErrOverlappingCommands = errors.New("found overlapping commands")

	// Error for when a sent trigger is not associated with any known commands
	ErrCommandNotFound = errors.New("command not found")

	// Returned when a command tries to take a meta-command trigger
	ErrReservedTrigger = errors.New("trigger is reserved")
)

// REPL struct.
type REPL struct {
	commands map[string]ReplCommand
	help     map[string]string
}

// REPL Config struct, handed to every command.
type REPLConfig struct {
	ctx      context.Context
	clientId uuid.UUID
	output   io.Writer
}

// Get the id of the client the REPL runs for.
func (replConfig *REPLConfig) GetAddr() uuid.UUID {
	return replConfig.clientId
}

// Context of the session; it is done once the client goes away.
func (replConfig *REPLConfig) Context() context.Context {
	return replConfig.ctx
}

// Notify writes a line to the client while a command is still running, e.g.
// to say that it is blocked.
func (replConfig *REPLConfig) Notify(format string, args ...any) {
	fmt.Fprintf(replConfig.output, format+"\n", args...)
}

// Construct an empty REPL.
func NewRepl() *REPL {
	return &REPL{
		commands: make(map[string]ReplCommand),
		help:     make(map[string]string),
	}
}

// Combines a slice of REPLs. Error if any two of them share a trigger.
func CombineRepls(repls []*REPL) (*REPL, error) {
	combined := NewRepl()
	for _, r := range repls {
		for trigger, action := range r.commands {
			if _, exists := combined.commands[trigger]; exists {
				return nil, fmt.Errorf("%w: %s", ErrOverlappingCommands, trigger)
			}
			combined.commands[trigger] = action
			combined.help[trigger] = r.help[trigger]
		}
	}
	return combined, nil
}

// Get commands.
func (r *REPL) GetCommands() map[string]ReplCommand {
	return r.commands
}

// Get help.
func (r *REPL) GetHelp() map[string]string {
	return r.help
}

// Add a command, along with its help string, to the set of commands. A
// command added under an existing trigger replaces it.
func (r *REPL) AddCommand(trigger string, action ReplCommand, help string) error {
	if trigger == TriggerHelpMetacommand {
		return fmt.Errorf("%w: %s", ErrReservedTrigger, trigger)
	}
	r.commands[trigger] = action
	r.help[trigger] = help
	return nil
}

// Return all REPL commands' help strings as one string, sorted by trigger.
func (r *REPL) HelpString() string {
	triggers := make([]string, 0, len(r.help))
	for trigger := range r.help {
		triggers = append(triggers, trigger)
	}
	slices.Sort(triggers)
	var sb strings.Builder
	for _, trigger := range triggers {
		fmt.Fprintf(&sb, "%s: %s\n", trigger, r.help[trigger])
	}
	return sb.String()
}

// Run writes the welcome string and then runs the REPL loop until input is
// exhausted or ctx is done. Input and output default to stdin and stdout.
func (r *REPL) Run(ctx context.Context, clientId uuid.UUID, prompt string, input io.Reader, output io.Writer) {
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stdout
	}

	scanner := bufio.NewScanner(input)
	replConfig := &REPLConfig{ctx: ctx, clientId: clientId, output: output}
	fmt.Fprintf(output, "Welcome to the %s REPL! Please type '%s' to see the list of available commands.\n",
		config.DBName, TriggerHelpMetacommand)
	io.WriteString(output, prompt)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		result, err := r.eval(scanner.Text(), replConfig)
		switch {
		case err != nil:
			fmt.Fprintf(output, "%s%s\n", ErrorPrependStr, err)
		case len(result) != 0 && !strings.HasSuffix(result, "\n"):
			io.WriteString(output, result+"\n")
		default:
			io.WriteString(output, result)
		}
		io.WriteString(output, prompt)
	}
	// Print an additional line if we encountered an EOF character.
	io.WriteString(output, "\n")
}

// eval runs one input line. Blank lines produce no output.
func (r *REPL) eval(payload string, replConfig *REPLConfig) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return "", nil
	}
	trigger := fields[0]
	if trigger == TriggerHelpMetacommand {
		return r.HelpString(), nil
	}
	command, exists := r.commands[trigger]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, trigger)
	}
	return command(payload, replConfig)
}
