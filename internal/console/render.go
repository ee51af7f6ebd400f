package console

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cory-johannsen/tablesync/internal/protocol"
	"github.com/cory-johannsen/tablesync/internal/resilience"
	"github.com/cory-johannsen/tablesync/internal/statesync"
)

// RenderReplica formats the table as colored text. self marks the local player.
func RenderReplica(r statesync.Replica, self string) string {
	var b strings.Builder

	b.WriteString(Colorf(BrightYellow, "Phase: %s", r.Phase))
	b.WriteString(Colorf(Yellow, "  Pot: %d", r.Pot))
	b.WriteString(Colorf(Dim, "  (update %d)", r.LastUpdateID))
	b.WriteString("\n")

	if len(r.CommunityCards) > 0 {
		b.WriteString(Colorize(Cyan, "Board: "+strings.Join(r.CommunityCards, " ")))
		b.WriteString("\n")
	}

	players := make([]protocol.Player, 0, len(r.Players))
	for _, p := range r.Players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Seat != players[j].Seat {
			return players[i].Seat < players[j].Seat
		}
		return players[i].ID < players[j].ID
	})
	for _, p := range players {
		marker := "  "
		if p.ID == self {
			marker = Colorize(Bold, "> ")
		}
		name := p.Name
		if name == "" {
			name = p.ID
		}
		status := string(p.Status)
		if status == "" {
			status = string(protocol.StatusActive)
		}
		b.WriteString(fmt.Sprintf("%s[%d] %-12s chips %-6d bet %-5d %s\n",
			marker, p.Seat, name, p.Chips, p.Bet, Colorize(Dim, status)))
	}

	if n := len(r.Actions); n > 0 {
		b.WriteString(Colorize(White, "Last: "+RenderAction(r.Actions[n-1])))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderAction formats one action log entry.
func RenderAction(a protocol.Action) string {
	s := fmt.Sprintf("%s %s", a.PlayerID, a.Type)
	if a.Amount > 0 {
		s += fmt.Sprintf(" %d", a.Amount)
	}
	if a.Pending {
		s += " (pending)"
	}
	return s
}

// RenderSession formats the connection status line.
func RenderSession(s resilience.SessionState) string {
	color := Green
	switch s.Phase {
	case resilience.PhaseConnecting, resilience.PhaseDisconnected:
		color = Yellow
	case resilience.PhaseErrored, resilience.PhaseRetryExhausted:
		color = Red
	}
	line := Colorf(color, "connection: %s", s.Phase)
	if s.ReconnectAttempts > 0 {
		line += fmt.Sprintf(" (attempt %d)", s.ReconnectAttempts)
	}
	if s.LastError != nil {
		line += Colorf(Dim, " last error: %s", s.LastError.Message)
	}
	return line
}

// RenderNotification formats a replica notification as one line, or returns
// "" for notifications not worth printing.
func RenderNotification(n statesync.Notification) string {
	switch n.Topic {
	case statesync.TopicAction:
		a, ok := n.Payload.(protocol.Action)
		if !ok {
			if u, isUpdate := n.Payload.(*protocol.ActionUpdate); isUpdate {
				return "action: " + RenderAction(u.Action)
			}
			return ""
		}
		if n.Rejected {
			return Colorf(Red, "rejected: %s (%s)", RenderAction(a), n.Reason)
		}
		return "action: " + RenderAction(a)
	case statesync.TopicConflict:
		if req, ok := n.Payload.(protocol.ConflictRequest); ok {
			return Colorf(Yellow, "conflict on %s %s: local v%d, remote v%d", req.Entity, req.EntityID, req.Local.Version, req.Remote.Version)
		}
		return Colorize(Yellow, "conflict resolved")
	case statesync.TopicConnection:
		if s, ok := n.Payload.(resilience.SessionState); ok {
			return RenderSession(s)
		}
	case statesync.TopicPhase:
		return Colorf(BrightYellow, "phase: %s", n.Snapshot.Phase)
	case statesync.TopicCards:
		return Colorize(Cyan, "board: "+strings.Join(n.Snapshot.CommunityCards, " "))
	}
	return ""
}
