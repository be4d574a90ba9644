package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Tool identifies the component of the host that originated a message.
type Tool string

// Known tools. The numeric flags accepted by ParseTool follow the values used
// by the common intercepting-proxy extension APIs.
const (
	ToolSuite     Tool = "suite"
	ToolTarget    Tool = "target"
	ToolProxy     Tool = "proxy"
	ToolSpider    Tool = "spider"
	ToolScanner   Tool = "scanner"
	ToolIntruder  Tool = "intruder"
	ToolRepeater  Tool = "repeater"
	ToolSequencer Tool = "sequencer"
	ToolExtender  Tool = "extender"
)

var toolFlags = map[int]Tool{
	1:    ToolSuite,
	2:    ToolTarget,
	4:    ToolProxy,
	8:    ToolSpider,
	16:   ToolScanner,
	32:   ToolIntruder,
	64:   ToolRepeater,
	128:  ToolSequencer,
	1024: ToolExtender,
}

// ParseTool accepts a tool name (case-insensitive) or a numeric tool flag.
func ParseTool(raw string) (Tool, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return "", fmt.Errorf("%w: empty", ErrUnknownTool)
	}

	if flag, err := strconv.Atoi(value); err == nil {
		if tool, ok := toolFlags[flag]; ok {
			return tool, nil
		}
		return "", fmt.Errorf("%w: flag %d", ErrUnknownTool, flag)
	}

	for _, tool := range toolFlags {
		if string(tool) == value {
			return tool, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, raw)
}

// Message is one message observed on the host's dispatch path. Raw is never
// modified; mutations are returned as a new buffer in Result.
type Message struct {
	ID        string
	Tool      Tool
	IsRequest bool
	Raw       []byte
}

// Outcome classifies what the mutation cycle did with a message.
type Outcome string

const (
	// OutcomeOutOfScope: response, or a request from a tool that is not in scope.
	OutcomeOutOfScope Outcome = "out_of_scope"
	// OutcomeNoMatch: the insertion pattern did not match the request.
	OutcomeNoMatch Outcome = "no_match"
	// OutcomeFetchFailed: no fresh token could be obtained.
	OutcomeFetchFailed Outcome = "fetch_failed"
	// OutcomeRewritten: the token was substituted into the request.
	OutcomeRewritten Outcome = "rewritten"
)

// Result is the buffer the host should install for the message.
type Result struct {
	Request []byte
	Outcome Outcome
}

// Modified reports whether Request differs from the observed message.
func (r Result) Modified() bool {
	return r.Outcome == OutcomeRewritten
}
