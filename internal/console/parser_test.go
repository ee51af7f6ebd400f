package console

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/tablesync/internal/protocol"
)

func TestParse_Empty(t *testing.T) {
	result := Parse("   ")
	assert.Equal(t, "", result.Command)
	assert.Nil(t, result.Args)
}

func TestParse_LowercasesAndSplits(t *testing.T) {
	result := Parse("  RAISE   40  ")
	assert.Equal(t, "raise", result.Command)
	assert.Equal(t, []string{"40"}, result.Args)
}

func TestResolve(t *testing.T) {
	cases := []struct {
		line string
		want Command
	}{
		{"fold", Command{Kind: KindAction, Action: protocol.ActionFold}},
		{"k", Command{Kind: KindAction, Action: protocol.ActionCheck}},
		{"call", Command{Kind: KindAction, Action: protocol.ActionCall}},
		{"call 15", Command{Kind: KindAction, Action: protocol.ActionCall, Amount: 15}},
		{"bet 20", Command{Kind: KindAction, Action: protocol.ActionBet, Amount: 20}},
		{"r 60", Command{Kind: KindAction, Action: protocol.ActionRaise, Amount: 60}},
		{"allin", Command{Kind: KindAction, Action: protocol.ActionAllIn}},
		{"all-in", Command{Kind: KindAction, Action: protocol.ActionAllIn}},
		{"state", Command{Kind: KindState}},
		{"retry", Command{Kind: KindRetry}},
		{"health", Command{Kind: KindHealth}},
		{"token AbC", Command{Kind: KindToken, Token: "AbC"}},
		{"?", Command{Kind: KindHelp}},
		{"exit", Command{Kind: KindQuit}},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got, err := Resolve(Parse(tc.line))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	_, err := Resolve(Parse("dance"))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	for _, line := range []string{"bet", "bet x", "bet 0", "raise -5", "bet 1 2", "call -1", "token", "token a b"} {
		_, err := Resolve(Parse(line))
		assert.Error(t, err, line)
		assert.NotErrorIs(t, err, ErrUnknownCommand, line)
	}
}

func TestPropertyParseAlwaysLowercasesCommand(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		word := rapid.StringMatching(`[A-Za-z]{1,20}`).Draw(t, "word")
		result := Parse(word + " 10")
		if result.Command != strings.ToLower(word) {
			t.Fatalf("Parse(%q).Command = %q", word, result.Command)
		}
	})
}

func TestPropertyPositiveBetsResolve(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		amount := rapid.Int64Range(1, 1<<40).Draw(t, "amount")
		verb := rapid.SampledFrom([]string{"bet", "b", "raise", "r"}).Draw(t, "verb")
		cmd, err := Resolve(Parse(verb + " " + strconv.FormatInt(amount, 10)))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if cmd.Amount != amount {
			t.Fatalf("amount %d, want %d", cmd.Amount, amount)
		}
	})
}
