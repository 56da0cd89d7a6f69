// Package eventpipe drives the simulated card reader from a named pipe,
// for bench testing without hardware.
package eventpipe

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"labtrack/card"
)

// Config holds configuration for the event pipe.
type Config struct {
	Path string `yaml:"path"` // Path to named pipe (e.g., "/tmp/labtrack-events")
}

// Kind is the kind of a bench event.
type Kind int

// Bench events.
const (
	Tap    Kind = iota // place a card on the reader
	Lift               // remove the card from the reader
	Load               // provision a card with text
	Blank              // provision a blank card
	Button             // press the wipe button
)

// Event is one parsed pipe command.
type Event struct {
	Kind   Kind
	CardID string // lower-case hex hardware id
	Text   string // Load only
}

// EventHandler is called when an event is received from the pipe.
type EventHandler func(Event)

// EventPipe listens for events on a named pipe.
type EventPipe struct {
	path    string
	handler EventHandler
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new EventPipe. Returns nil if path is empty.
func New(cfg Config, handler EventHandler) (*EventPipe, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	os.Remove(cfg.Path)

	if err := syscall.Mkfifo(cfg.Path, 0666); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPipe{
		path:    cfg.Path,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	return ep, nil
}

// Start serves one writer after another until Close. It should be called
// as a goroutine.
func (ep *EventPipe) Start() {
	log.WithField("path", ep.path).Info("Event pipe listening")

	for ep.ctx.Err() == nil {
		// Blocks until a writer connects.
		file, err := os.OpenFile(ep.path, os.O_RDONLY, 0)
		if err != nil {
			if ep.ctx.Err() == nil {
				log.Warnf("Event pipe open: %v", err)
				time.Sleep(time.Second)
			}
			continue
		}
		ep.serve(file)
		file.Close()
	}
}

// serve dispatches the commands read from r until EOF or Close.
func (ep *EventPipe) serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan() && ep.ctx.Err() == nil; n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		event, err := parseLine(line)
		if err != nil {
			log.WithField("line", n).Warnf("Event pipe: %v", err)
			continue
		}
		log.WithField("command", line).Debug("Event pipe")
		if ep.handler != nil {
			ep.handler(event)
		}
	}
}

// Close stops the listener and removes the pipe. A listener waiting for
// a writer is released by a dummy open.
func (ep *EventPipe) Close() error {
	ep.cancel()
	if f, err := os.OpenFile(ep.path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
		f.Close()
	}
	return os.Remove(ep.path)
}

// SimHandler applies events to a simulated reader. onButton may be nil.
func SimHandler(sim *card.Memory, onButton func()) EventHandler {
	return func(evt Event) {
		switch evt.Kind {
		case Tap:
			sim.Present(evt.CardID)
		case Lift:
			sim.Lift()
		case Load:
			slot, err := card.EncodeSlot(evt.Text)
			if err != nil {
				log.Warnf("Event pipe load %s: %v", evt.CardID, err)
				return
			}
			sim.Put(evt.CardID, slot)
		case Blank:
			sim.Put(evt.CardID, card.BlankSlot())
		case Button:
			if onButton != nil {
				onButton()
			}
		}
	}
}

// parseLine parses a command line into an Event.
// Command format:
//
//	tap <hwid>              - Place card on the reader (created blank if new)
//	lift                    - Remove the card from the reader
//	load <hwid> <text>      - Store text in the card slot
//	blank <hwid>            - Zero the card slot
//	button                  - Press the wipe button
func parseLine(line string) (Event, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Event{}, fmt.Errorf("empty command")
	}

	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "tap", "blank":
		if len(parts) < 2 {
			return Event{}, fmt.Errorf("%s requires card ID", cmd)
		}
		id, err := parseCardID(parts[1])
		if err != nil {
			return Event{}, err
		}
		kind := Tap
		if cmd == "blank" {
			kind = Blank
		}
		return Event{Kind: kind, CardID: id}, nil

	case "load":
		if len(parts) < 3 {
			return Event{}, fmt.Errorf("load requires <hwid> <text>")
		}
		id, err := parseCardID(parts[1])
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: Load, CardID: id, Text: strings.Join(parts[2:], " ")}, nil

	case "lift":
		return Event{Kind: Lift}, nil

	case "button":
		return Event{Kind: Button}, nil

	default:
		return Event{}, fmt.Errorf("unknown command: %s", cmd)
	}
}

// parseCardID accepts a hex hardware id, with or without colons.
func parseCardID(s string) (string, error) {
	id := strings.ToLower(strings.ReplaceAll(s, ":", ""))
	b, err := hex.DecodeString(id)
	if err != nil || len(b) < 4 || len(b) > 10 {
		return "", fmt.Errorf("invalid card ID: %s", s)
	}
	return id, nil
}
