// Package streamsse decodes text/event-stream bodies returned by streaming
// vendor APIs.
package streamsse

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"time"
)

const maxLineBytes = 512 * 1024

// Event is one dispatched server-sent event.
type Event struct {
	Event string
	Data  string
	// ID is the last event id seen on the stream, which persists across events.
	ID string
	// Retry is the reconnection delay the server asked for, zero if unset.
	Retry time.Duration
}

type decoder struct {
	lastID  string
	name    string
	data    strings.Builder
	hasData bool
	retry   time.Duration
}

func (d *decoder) field(line string) {
	name, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch name {
	case "event":
		d.name = strings.TrimSpace(value)
	case "data":
		if d.hasData {
			d.data.WriteByte('\n')
		}
		d.data.WriteString(strings.TrimSpace(value))
		d.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			d.lastID = value
		}
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			d.retry = time.Duration(ms) * time.Millisecond
		}
	}
}

// take returns the pending event and resets per-event state. Blocks with no
// data lines produce nothing.
func (d *decoder) take() (Event, bool) {
	defer func() {
		d.name = ""
		d.data.Reset()
		d.hasData = false
		d.retry = 0
	}()
	if !d.hasData {
		return Event{}, false
	}
	return Event{Event: d.name, Data: d.data.String(), ID: d.lastID, Retry: d.retry}, true
}

// Parse reads events from r and calls fn for each one in order. It returns
// the first error from fn, the reader, or ctx. A trailing event without a
// blank line is still delivered at EOF. Callers close r on cancellation so
// a blocked read returns.
func Parse(ctx context.Context, r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	var d decoder
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if ev, ok := d.take(); ok {
				if err := fn(ev); err != nil {
					return err
				}
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		default:
			d.field(line)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if ev, ok := d.take(); ok {
		return fn(ev)
	}
	return nil
}
