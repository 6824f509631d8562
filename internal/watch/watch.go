// Package watch renders a live stream of hub envelopes for the CLI.
package watch

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lodgepole/lodge/pkg/wire"
)

// Format selects how envelopes are rendered.
type Format string

const (
	// FormatDefault is the human-readable one-line-per-envelope view.
	FormatDefault Format = "default"
	// FormatJSON emits each envelope as one line of wire JSON.
	FormatJSON Format = "json"
)

// Validate checks if the Format is a known enum value.
func (f Format) Validate() error {
	switch f {
	case FormatDefault, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown watch format: %q (expected: default, json)", string(f))
	}
}

// Run tails envelopes from ch, writing one line per envelope to out, until
// the context is cancelled or the channel closes.
func Run(ctx context.Context, ch <-chan *wire.Envelope, format Format, out io.Writer) error {
	if err := format.Validate(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			line, err := renderLine(env, format)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out, line); err != nil {
				return fmt.Errorf("failed to write watch output: %w", err)
			}
		}
	}
}

func renderLine(env *wire.Envelope, format Format) (string, error) {
	if format == FormatJSON {
		data, err := env.Encode()
		if err != nil {
			return "", fmt.Errorf("failed to encode envelope: %w", err)
		}
		return string(data), nil
	}
	return Describe(env), nil
}

// Describe renders an envelope as a single human-readable line.
func Describe(env *wire.Envelope) string {
	var b strings.Builder
	if !env.Timestamp.IsZero() {
		fmt.Fprintf(&b, "%s  ", env.Timestamp.Format("15:04:05"))
	}
	fmt.Fprintf(&b, "%-15s ", env.Type)
	if env.RoomID != "" {
		fmt.Fprintf(&b, "%-20s ", env.RoomID)
	}
	b.WriteString(describePayload(env))
	return strings.TrimRight(b.String(), " ")
}

func describePayload(env *wire.Envelope) string {
	switch p := env.Data.(type) {
	case wire.MessagePayload:
		if p.Action != "" {
			line := fmt.Sprintf("%s %s %q", p.Actor, p.Action, p.Entity)
			if from, to := p.Detail["from"], p.Detail["to"]; from != "" && to != "" {
				line += fmt.Sprintf(" (%s to %s)", from, to)
			}
			return line
		}
		return p.Content
	case wire.UserJoinedPayload:
		name := p.UserName
		if name == "" {
			name = p.UserID
		}
		return fmt.Sprintf("%s joined", name)
	case wire.UserLeftPayload:
		return fmt.Sprintf("%s left", p.UserID)
	case wire.UserTypingPayload:
		name := p.UserName
		if name == "" {
			name = p.UserID
		}
		if p.IsTyping {
			return fmt.Sprintf("%s is typing", name)
		}
		return fmt.Sprintf("%s stopped typing", name)
	case wire.NotificationPayload:
		return fmt.Sprintf("[%s] %s: %s", p.Priority, p.Kind, p.Title)
	case wire.PresenceUpdatePayload:
		line := fmt.Sprintf("%s is %s", p.UserID, p.Status)
		if p.ProjectID != "" {
			line += fmt.Sprintf(" in project %s", p.ProjectID)
		}
		return line
	case wire.ErrorPayload:
		return fmt.Sprintf("error %s: %s", p.Code, p.Message)
	default:
		return ""
	}
}
