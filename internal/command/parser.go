// Package command turns free-form operator text into a typed command payload.
//
// This is a closed dispatch table keyed by keyword prefixes, not general
// language understanding: anything the table does not recognize falls through
// to the shell type, which downstream safety classification scrutinizes most
// heavily. False negatives therefore degrade safely instead of dropping the
// request.
package command

import (
	"strings"
	"time"
)

type Type string

const (
	TypeShell       Type = "shell"
	TypeFileRead    Type = "file_read"
	TypeFileList    Type = "file_list"
	TypeBrowserOpen Type = "browser_open"
	TypeClipboard   Type = "clipboard"
	TypeScreenshot  Type = "screenshot"
)

// DefaultShellTimeout bounds execution of fallthrough shell commands.
const DefaultShellTimeout = 60 * time.Second

type Payload struct {
	Type    Type          `json:"type"`
	Command string        `json:"command"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// intent is one row of the dispatch table. Prefixes are matched
// case-insensitively against the trimmed input; the remainder becomes the
// command argument. Keywords cover English and Russian, mirroring the chat
// front-end.
type intent struct {
	typ      Type
	prefixes []string
	build    func(arg string) (Payload, bool)
}

// hasShellMeta reports whether the argument carries shell metacharacters.
// Such input must not ride along inside a lightly-scrutinized file or
// browser command; it falls through to the shell type instead.
func hasShellMeta(arg string) bool {
	return strings.ContainsAny(arg, "|;&<>`$")
}

var intents = []intent{
	{
		typ:      TypeFileRead,
		prefixes: []string{"read file", "read", "cat", "прочитай файл", "прочитай", "покажи файл"},
		build: func(arg string) (Payload, bool) {
			if arg == "" || hasShellMeta(arg) {
				return Payload{}, false
			}
			return Payload{Type: TypeFileRead, Command: arg}, true
		},
	},
	{
		typ:      TypeFileList,
		prefixes: []string{"list files", "list", "ls", "список файлов", "список"},
		build: func(arg string) (Payload, bool) {
			if hasShellMeta(arg) {
				return Payload{}, false
			}
			if arg == "" {
				arg = "."
			}
			return Payload{Type: TypeFileList, Command: arg}, true
		},
	},
	{
		typ:      TypeBrowserOpen,
		prefixes: []string{"open url", "open", "browse", "открой"},
		build: func(arg string) (Payload, bool) {
			// browser_open requires a bare http(s) URL; anything else falls
			// through to shell.
			if !strings.HasPrefix(arg, "http://") && !strings.HasPrefix(arg, "https://") {
				return Payload{}, false
			}
			if hasShellMeta(arg) || strings.ContainsAny(arg, " \t") {
				return Payload{}, false
			}
			return Payload{Type: TypeBrowserOpen, Command: arg}, true
		},
	},
	{
		typ:      TypeClipboard,
		prefixes: []string{"clipboard", "paste clipboard", "буфер обмена", "буфер"},
		build: func(string) (Payload, bool) {
			return Payload{Type: TypeClipboard, Command: "clipboard"}, true
		},
	},
	{
		typ:      TypeScreenshot,
		prefixes: []string{"screenshot", "screen shot", "скриншот", "снимок экрана"},
		build: func(string) (Payload, bool) {
			return Payload{Type: TypeScreenshot, Command: "screenshot"}, true
		},
	},
}

// Parse matches intents in table order and falls back to a shell command
// with the default timeout.
func Parse(text string) Payload {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	for _, in := range intents {
		for _, prefix := range in.prefixes {
			if !matchesPrefix(lower, prefix) {
				continue
			}
			arg := strings.TrimSpace(trimmed[len(prefix):])
			if p, ok := in.build(arg); ok {
				return p
			}
		}
	}

	return Payload{Type: TypeShell, Command: trimmed, Timeout: DefaultShellTimeout}
}

// matchesPrefix accepts the keyword either as the whole input or followed by
// whitespace, so "listen to this" does not match the "list" keyword.
func matchesPrefix(lower, prefix string) bool {
	if lower == prefix {
		return true
	}
	if !strings.HasPrefix(lower, prefix) {
		return false
	}
	rest := lower[len(prefix):]
	return rest[0] == ' ' || rest[0] == '\t'
}
