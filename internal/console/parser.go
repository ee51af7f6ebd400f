// Package console is a line-oriented overlay: it reads betting commands from
// a terminal, forwards them to the sync engine, and renders the replica.
package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// ErrUnknownCommand is returned by Resolve for an unrecognized command word.
var ErrUnknownCommand = errors.New("unknown command")

// ParseResult holds the parsed command name and arguments from a text line.
type ParseResult struct {
	// Command is the first word of the input, lowercased.
	Command string
	// Args are the remaining words after the command.
	Args []string
}

// Parse splits a text line into a command and arguments.
//
// Postcondition: Returns a ParseResult. If line is blank, Command is empty.
func Parse(line string) ParseResult {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ParseResult{}
	}
	r := ParseResult{Command: strings.ToLower(fields[0])}
	if len(fields) > 1 {
		r.Args = fields[1:]
	}
	return r
}

// Kind identifies what a console command does.
type Kind int

const (
	KindAction Kind = iota
	KindState
	KindRetry
	KindToken
	KindHealth
	KindHelp
	KindQuit
)

// Command is a resolved console command.
type Command struct {
	Kind   Kind
	Action protocol.ActionType
	Amount int64
	// Token is the replacement bearer token for KindToken.
	Token string
}

var aliases = map[string]string{
	"f":      "fold",
	"k":      "check",
	"c":      "call",
	"b":      "bet",
	"r":      "raise",
	"allin":  "all-in",
	"a":      "all-in",
	"s":      "state",
	"status": "state",
	"?":      "help",
	"exit":   "quit",
	"q":      "quit",
}

// Resolve maps a parsed line onto a Command.
//
// Precondition: r.Command must be non-empty.
// Postcondition: Returns a Command, or an error wrapping ErrUnknownCommand or describing a bad amount.
func Resolve(r ParseResult) (Command, error) {
	name := r.Command
	if full, ok := aliases[name]; ok {
		name = full
	}
	switch name {
	case "state":
		return Command{Kind: KindState}, nil
	case "retry":
		return Command{Kind: KindRetry}, nil
	case "token":
		if len(r.Args) != 1 {
			return Command{}, fmt.Errorf("usage: token <value>")
		}
		return Command{Kind: KindToken, Token: r.Args[0]}, nil
	case "health":
		return Command{Kind: KindHealth}, nil
	case "help":
		return Command{Kind: KindHelp}, nil
	case "quit":
		return Command{Kind: KindQuit}, nil
	}

	action := protocol.ActionType(name)
	if !action.Valid() {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, r.Command)
	}
	cmd := Command{Kind: KindAction, Action: action}
	switch action {
	case protocol.ActionBet, protocol.ActionRaise:
		if len(r.Args) != 1 {
			return Command{}, fmt.Errorf("usage: %s <amount>", name)
		}
		amount, err := strconv.ParseInt(r.Args[0], 10, 64)
		if err != nil || amount <= 0 {
			return Command{}, fmt.Errorf("%s amount must be a positive integer, got %q", name, r.Args[0])
		}
		cmd.Amount = amount
	case protocol.ActionCall:
		if len(r.Args) == 1 {
			amount, err := strconv.ParseInt(r.Args[0], 10, 64)
			if err != nil || amount < 0 {
				return Command{}, fmt.Errorf("call amount must be a non-negative integer, got %q", r.Args[0])
			}
			cmd.Amount = amount
		}
	}
	return cmd, nil
}
