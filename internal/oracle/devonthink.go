package oracle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/relink/internal/breaker"
	"github.com/scrypster/relink/pkg/types"
)

const searchScript = `tell application "%s"
	set searchResults to search "%s"
	if (count of searchResults) > 0 then
		return uuid of (item 1 of searchResults)
	else
		return ""
	end if
end tell`

const resolveScript = `tell application "%s"
	set theRecord to get record with uuid "%s"
	if theRecord is missing value then
		return ""
	end if
	return name of theRecord
end tell`

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args, folding stderr into the error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// BridgeConfig configures a ScriptBridge.
type BridgeConfig struct {
	// Application is the scripted application (default: DEVONthink 3)
	Application string

	// Osascript is the script runner binary (default: osascript)
	Osascript string

	// Timeout bounds one script run (default: 30s)
	Timeout time.Duration

	Runner  CommandRunner
	Breaker *breaker.Breaker
}

// ScriptBridge searches and resolves DEVONthink records through AppleScript.
// It implements Searcher and Resolver.
type ScriptBridge struct {
	cfg     BridgeConfig
	runner  CommandRunner
	breaker *breaker.Breaker
}

// NewScriptBridge creates a bridge, filling unset fields with defaults.
func NewScriptBridge(cfg BridgeConfig) *ScriptBridge {
	if cfg.Application == "" {
		cfg.Application = "DEVONthink 3"
	}
	if cfg.Osascript == "" {
		cfg.Osascript = "osascript"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	br := cfg.Breaker
	if br == nil {
		br = breaker.New(breaker.Config{Name: "devonthink"})
	}
	return &ScriptBridge{cfg: cfg, runner: runner, breaker: br}
}

// Search returns the UUID of the first record matching term, or "".
func (b *ScriptBridge) Search(ctx context.Context, term string) (string, error) {
	out, err := b.run(ctx, fmt.Sprintf(searchScript, escape(b.cfg.Application), escape(term)))
	if err != nil {
		return "", fmt.Errorf("search %q: %w", term, err)
	}
	if out == "" {
		return "", nil
	}
	if _, err := uuid.Parse(out); err != nil {
		return "", fmt.Errorf("search %q: %w: unexpected output %q", term, types.ErrInvalidInput, out)
	}
	return out, nil
}

// Resolve reports whether a record with the given UUID exists.
func (b *ScriptBridge) Resolve(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	out, err := b.run(ctx, fmt.Sprintf(resolveScript, escape(b.cfg.Application), escape(id)))
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", id, err)
	}
	return out != "", nil
}

func (b *ScriptBridge) run(ctx context.Context, script string) (string, error) {
	var out []byte
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()

		var err error
		out, err = b.runner.Run(ctx, b.cfg.Osascript, "-e", script)
		return err
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// escape makes s safe inside an AppleScript string literal.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
