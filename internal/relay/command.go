package relay

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned by ParseCommand for lines that are plain chat.
var ErrUnknownCommand = errors.New("relay: unknown command")

const pongReply = "PONG"

// Command is one parsed protocol command.
type Command interface {
	// Execute runs the command against the session that received it.
	Execute(s *Session) error
	// Relayed reports whether the raw line is also broadcast to other peers.
	Relayed() bool
}

// Ping asks the server to answer with PONG on the same connection.
type Ping struct{}

// Publish is reserved for topic delivery. Message and Topic are not extracted
// yet; publishing relays the raw line to every peer.
type Publish struct {
	Message string
	Topic   string
}

// Subscribe is reserved for topic subscriptions. Topics is not extracted yet.
type Subscribe struct {
	Topics []string
}

// ParseCommand classifies a single line. Matching is case-insensitive: the
// whole line for PING, a prefix for PUB and SUB.
func ParseCommand(line string) (Command, error) {
	switch {
	case strings.EqualFold(line, "ping"):
		return Ping{}, nil
	case hasPrefixFold(line, "pub"):
		return Publish{}, nil
	case hasPrefixFold(line, "sub"):
		return Subscribe{}, nil
	default:
		return nil, fmt.Errorf("%w: %.32q", ErrUnknownCommand, line)
	}
}

func (Ping) Execute(s *Session) error {
	return s.writeLine(pongReply)
}

func (Ping) Relayed() bool { return false }

func (p Publish) Execute(s *Session) error {
	s.logger.Debug("publish", "topic", p.Topic)
	return nil
}

func (Publish) Relayed() bool { return true }

func (c Subscribe) Execute(s *Session) error {
	s.logger.Debug("subscribe", "topics", c.Topics)
	return nil
}

func (Subscribe) Relayed() bool { return false }

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
