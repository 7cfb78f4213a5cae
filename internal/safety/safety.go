// Package safety grades command payloads before they may enter the queue.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	"command_relay/core-go/internal/command"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Classification struct {
	Blocked              bool
	RequiresConfirmation bool
	RiskLevel            RiskLevel
	Warnings             []string
}

// destructivePattern pairs a regexp against the shell command text with the
// warning shown to the operator when it matches.
type destructivePattern struct {
	re      *regexp.Regexp
	warning string
}

var destructivePatterns = []destructivePattern{
	{regexp.MustCompile(`(?i)\brm\s+(-[a-z]*[rf][a-z]*\s+)+`), "recursive or forced delete"},
	{regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`), "filesystem format"},
	{regexp.MustCompile(`(?i)\bdd\s+.*\bof=/dev/`), "raw write to a block device"},
	{regexp.MustCompile(`:\(\)\s*\{.*\|.*&.*\}`), "fork bomb"},
	{regexp.MustCompile(`(?i)>\s*/dev/(sd|nvme|vd|hd)[a-z0-9]*`), "overwrite of a block device"},
	{regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*777\s+/\s*$`), "world-writable root filesystem"},
	{regexp.MustCompile(`(?i)(\.ssh/id_[a-z0-9]+|/etc/shadow|\.aws/credentials).*(\||;|&&).*\b(curl|wget|nc|ncat)\b`), "credential exfiltration"},
	{regexp.MustCompile(`(?i)\b(curl|wget|nc|ncat)\b.*(\.ssh/id_[a-z0-9]+|/etc/shadow|\.aws/credentials)`), "credential exfiltration"},
	{regexp.MustCompile(`(?i)\bhistory\b.*\|\s*(curl|wget|nc)\b`), "shell history exfiltration"},
}

// Classifier applies the blocking and confirmation policy. allowedRoots are
// the path prefixes file commands may touch without confirmation; "~" and
// relative paths count as inside the home root.
type Classifier struct {
	allowedRoots []string
}

func New(allowedRoots []string) *Classifier {
	roots := make([]string, 0, len(allowedRoots))
	for _, r := range allowedRoots {
		r = strings.TrimSpace(r)
		if r != "" {
			roots = append(roots, r)
		}
	}
	return &Classifier{allowedRoots: roots}
}

func (c *Classifier) Classify(p command.Payload) Classification {
	switch p.Type {
	case command.TypeShell:
		return c.classifyShell(p.Command)
	case command.TypeFileRead, command.TypeFileList:
		return c.classifyFilePath(p.Command)
	default:
		// browser_open, clipboard, screenshot: auto-run.
		return Classification{RiskLevel: RiskLow}
	}
}

// classifyShell never returns less than high risk. Destructive matches are
// blocked outright; everything else needs operator confirmation.
func (c *Classifier) classifyShell(cmd string) Classification {
	for _, p := range destructivePatterns {
		if p.re.MatchString(cmd) {
			return Classification{
				Blocked:   true,
				RiskLevel: RiskHigh,
				Warnings:  []string{fmt.Sprintf("blocked: %s", p.warning)},
			}
		}
	}
	return Classification{
		RequiresConfirmation: true,
		RiskLevel:            RiskHigh,
		Warnings:             []string{"shell command requires confirmation before execution"},
	}
}

func (c *Classifier) classifyFilePath(path string) Classification {
	if c.pathInsideRoots(path) {
		return Classification{RiskLevel: RiskLow}
	}
	return Classification{
		RequiresConfirmation: true,
		RiskLevel:            RiskMedium,
		Warnings:             []string{fmt.Sprintf("path %q is outside the allowed workspace", path)},
	}
}

func (c *Classifier) pathInsideRoots(path string) bool {
	path = strings.TrimSpace(path)
	if path == "" {
		return true
	}

	// Home-relative and cwd-relative paths stay inside the device's own
	// workspace by construction. Parent traversal disqualifies.
	if strings.Contains(path, "..") {
		return false
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		return true
	}
	if !strings.HasPrefix(path, "/") {
		return true
	}

	for _, root := range c.allowedRoots {
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}
