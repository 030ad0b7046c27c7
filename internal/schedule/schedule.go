// Package schedule parses checkpoint cadence definitions. A cadence is a
// small JSON document selecting one of three kinds: a cron expression, a
// fixed interval, or a single future instant.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Cadence struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // if kind=cron
	IntervalMs int64  `json:"interval_ms"` // if kind=interval
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp, if kind=once
}

func Parse(raw string) (*Cadence, error) {
	var c Cadence
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("parse cadence: %w", err)
	}
	return &c, nil
}

// NextRun computes the first run strictly after the reference time, or nil
// when the cadence will never fire again.
func (c *Cadence) NextRun(after time.Time) *time.Time {
	var next time.Time

	switch c.Kind {
	case "cron":
		t, err := gronx.NextTickAfter(c.CronExpr, after, false)
		if err != nil {
			return nil
		}
		next = t
	case "interval":
		if c.IntervalMs <= 0 {
			return nil
		}
		next = after.Add(time.Duration(c.IntervalMs) * time.Millisecond)
	case "once":
		t := time.UnixMilli(c.AtMs)
		if !t.After(after) {
			return nil
		}
		next = t
	default:
		return nil
	}

	return &next
}

// Interval returns the cadence as a polling interval. Cron cadences report
// the gap to their next tick; spent one-shot cadences report zero.
func (c *Cadence) Interval(now time.Time) time.Duration {
	next := c.NextRun(now)
	if next == nil {
		return 0
	}
	return next.Sub(now)
}

// Describe renders a cadence for session listings.
func (c *Cadence) Describe() string {
	switch c.Kind {
	case "cron":
		return "cron " + c.CronExpr
	case "interval":
		d := time.Duration(c.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "every hour"
			}
			return fmt.Sprintf("every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "every minute"
			}
			return fmt.Sprintf("every %d minutes", m)
		default:
			return fmt.Sprintf("every %d seconds", int(d.Seconds()))
		}
	case "once":
		return "once at " + time.UnixMilli(c.AtMs).Format("Jan 2 15:04")
	default:
		return "unknown cadence"
	}
}

// Normalize accepts either a cadence JSON document or a bare cron
// expression, validates it, and returns canonical JSON.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var c Cadence
	if err := json.Unmarshal([]byte(raw), &c); err == nil && c.Kind != "" {
		switch c.Kind {
		case "cron":
			if !gronx.New().IsValid(c.CronExpr) {
				return "", fmt.Errorf("invalid cron expression: %s", c.CronExpr)
			}
		case "interval":
			if c.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case "once":
			if c.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown cadence kind: %s", c.Kind)
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid cadence: not valid JSON or cron expression: %s", raw)
	}

	data, err := json.Marshal(Cadence{Kind: "cron", CronExpr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
