// Package chat interprets supervisor chat commands. Slash commands are
// parsed into typed requests; everything else is free-form text for the
// router. Renderers produce the reply messages the control chat shows.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// FeedLimit is how many activity entries a /feed reply shows.
const FeedLimit = 20

// DispatchRequest carries the parsed arguments of a /dispatch command.
// Route fields are filled in later by the router, never by the parser.
type DispatchRequest struct {
	WorkspaceIDs  []string
	Prompt        string
	ThreadID      string
	DedupeKey     string
	Model         string
	Effort        string
	AccessMode    string
	RouteKind     string
	RouteReason   string
	RouteFallback string
}

// Kind identifies which slash command was parsed.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindAck      Kind = "ack"
	KindStatus   Kind = "status"
	KindFeed     Kind = "feed"
	KindHelp     Kind = "help"
)

// Command is a parsed slash command. Only the fields for its Kind are set.
type Command struct {
	Kind           Kind
	Dispatch       *DispatchRequest
	SignalID       string
	WorkspaceID    string
	NeedsInputOnly bool
}

// ParseCommand parses a chat message that is expected to be a slash command.
func ParseCommand(input string) (Command, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Command{}, errors.New("command is required")
	}
	if !strings.HasPrefix(raw, "/") {
		return Command{}, errors.New("commands must start with `/` (run `/help` for usage)")
	}

	tokens, err := splitWords(raw)
	if err != nil {
		return Command{}, fmt.Errorf("invalid command syntax: %v", err)
	}
	if len(tokens) == 0 {
		return Command{}, errors.New("command is required")
	}

	switch tokens[0] {
	case "/dispatch":
		req, err := parseDispatch(tokens[1:])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindDispatch, Dispatch: req}, nil
	case "/ack":
		signalID, err := parseAck(tokens[1:])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindAck, SignalID: signalID}, nil
	case "/status":
		workspaceID, err := parseStatus(tokens[1:])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindStatus, WorkspaceID: workspaceID}, nil
	case "/feed":
		needsInputOnly, err := parseFeed(tokens[1:])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindFeed, NeedsInputOnly: needsInputOnly}, nil
	case "/help":
		if len(tokens) > 1 {
			return Command{}, errors.New("usage: /help")
		}
		return Command{Kind: KindHelp}, nil
	default:
		return Command{}, fmt.Errorf("unknown command `%s` (run `/help` for usage)", tokens[0])
	}
}

func parseDispatch(tokens []string) (*DispatchRequest, error) {
	var (
		workspaceIDs []string
		prompt       string
		threadID     string
		dedupeKey    string
		model        string
		effort       string
		accessMode   string
	)

	for index := 0; index < len(tokens); index += 2 {
		flag := tokens[index]
		if index+1 >= len(tokens) {
			return nil, fmt.Errorf("missing value for `%s`", flag)
		}
		value := tokens[index+1]

		switch flag {
		case "--ws":
			var parsed []string
			for _, entry := range strings.Split(value, ",") {
				entry = strings.TrimSpace(entry)
				if entry != "" {
					parsed = append(parsed, entry)
				}
			}
			if len(parsed) == 0 {
				return nil, errors.New("`--ws` requires at least one workspace id")
			}
			workspaceIDs = parsed
		case "--prompt":
			next := strings.TrimSpace(value)
			if next == "" {
				return nil, errors.New("`--prompt` cannot be empty")
			}
			prompt = next
		case "--thread":
			next := strings.TrimSpace(value)
			if next == "" {
				return nil, errors.New("`--thread` cannot be empty")
			}
			threadID = next
		case "--dedupe":
			next := strings.TrimSpace(value)
			if next == "" {
				return nil, errors.New("`--dedupe` cannot be empty")
			}
			dedupeKey = next
		case "--model":
			next := strings.TrimSpace(value)
			if next == "" {
				return nil, errors.New("`--model` cannot be empty")
			}
			model = next
		case "--effort":
			next := strings.TrimSpace(value)
			if next == "" {
				return nil, errors.New("`--effort` cannot be empty")
			}
			effort = next
		case "--access-mode", "--access":
			next := strings.TrimSpace(value)
			if next == "" {
				return nil, errors.New("`--access-mode` cannot be empty")
			}
			switch next {
			case "read-only", "current", "full-access":
			default:
				return nil, errors.New("`--access-mode` must be one of `read-only`, `current`, or `full-access`")
			}
			accessMode = next
		default:
			return nil, fmt.Errorf("unknown `/dispatch` flag `%s` (supported: --ws --prompt --thread --dedupe --model --effort --access-mode)", flag)
		}
	}

	if len(workspaceIDs) == 0 {
		return nil, errors.New("`--ws` is required")
	}
	if prompt == "" {
		return nil, errors.New("`--prompt` is required")
	}
	return &DispatchRequest{
		WorkspaceIDs: workspaceIDs,
		Prompt:       prompt,
		ThreadID:     threadID,
		DedupeKey:    dedupeKey,
		Model:        model,
		Effort:       effort,
		AccessMode:   accessMode,
	}, nil
}

func parseAck(tokens []string) (string, error) {
	if len(tokens) != 1 {
		return "", errors.New("usage: /ack <signal_id>")
	}
	signalID := strings.TrimSpace(tokens[0])
	if signalID == "" {
		return "", errors.New("usage: /ack <signal_id>")
	}
	return signalID, nil
}

func parseStatus(tokens []string) (string, error) {
	if len(tokens) == 0 {
		return "", nil
	}
	if len(tokens) > 1 {
		return "", errors.New("usage: /status [workspace_id]")
	}
	return strings.TrimSpace(tokens[0]), nil
}

func parseFeed(tokens []string) (bool, error) {
	if len(tokens) == 0 {
		return false, nil
	}
	if len(tokens) > 1 {
		return false, errors.New("usage: /feed [needs_input]")
	}
	switch strings.TrimSpace(tokens[0]) {
	case "needs_input":
		return true, nil
	case "":
		return false, nil
	default:
		return false, errors.New("usage: /feed [needs_input]")
	}
}

// splitWords splits a command line into tokens with shell-style quoting.
// Single quotes are literal, double quotes and bare text honor backslash
// escapes.
func splitWords(input string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		escaped bool
		started bool
	)
	for _, r := range input {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			started = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			started = true
		case unicode.IsSpace(r):
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if escaped || quote != 0 {
		return nil, errors.New("missing closing quote")
	}
	if started {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
