package indicator

import "time"

// lamp is a set of outputs lit during one step of a pattern.
type lamp uint8

const (
	green lamp = 1 << iota
	red
	blue
	buzz
)

type step struct {
	lit  lamp
	hold time.Duration // zero: steady state, held until the next pattern
}

// Cue patterns of the reference station board. Blue flashes while a
// card is being handled.
var (
	patIdle       = []step{{0, 0}}
	patProcessing = []step{{blue, 100 * time.Millisecond}, {0, 0}}
	patSuccess    = []step{
		{green | buzz, 100 * time.Millisecond},
		{green, 100 * time.Millisecond},
		{green | buzz, 100 * time.Millisecond},
		{green, time.Second},
		{0, 0},
	}
	patError = []step{
		{red | buzz, time.Second},
		{red, time.Second},
		{0, 0},
	}
	patAccepted = []step{
		{green | buzz, 50 * time.Millisecond}, {green, 50 * time.Millisecond}, {0, 50 * time.Millisecond},
		{green | buzz, 50 * time.Millisecond}, {green, 50 * time.Millisecond}, {0, 50 * time.Millisecond},
		{green | buzz, 50 * time.Millisecond}, {green, 50 * time.Millisecond}, {0, 50 * time.Millisecond},
		{0, 0},
	}
	patConnectionLost = []step{{red, 0}}
	patShutdown       = []step{{0, 0}}
	patSelfTest       = []step{
		{red, 200 * time.Millisecond},
		{green, 200 * time.Millisecond},
		{blue, 200 * time.Millisecond},
		{buzz, 100 * time.Millisecond},
		{0, 0},
	}
)

// player runs patterns on its own goroutine so cues never stall the
// station loop. A new pattern preempts the one playing.
type player struct {
	apply    func(lamp)
	patterns chan []step
	quit     chan struct{}
	stopped  chan struct{}
}

func newPlayer(apply func(lamp)) *player {
	p := &player{
		apply:    apply,
		patterns: make(chan []step, 1),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go p.run()
	return p
}

// play queues pattern, replacing any pattern not yet started.
func (p *player) play(pattern []step) {
	for {
		select {
		case p.patterns <- pattern:
			return
		default:
		}
		select {
		case <-p.patterns:
		default:
		}
	}
}

// stop ends the goroutine and waits for it.
func (p *player) stop() {
	close(p.quit)
	<-p.stopped
}

func (p *player) run() {
	defer close(p.stopped)

	var pending []step
	for {
		if len(pending) == 0 {
			select {
			case pending = <-p.patterns:
			case <-p.quit:
				return
			}
			continue
		}

		s := pending[0]
		pending = pending[1:]
		p.apply(s.lit)
		if s.hold == 0 {
			continue
		}

		t := time.NewTimer(s.hold)
		select {
		case <-t.C:
		case pending = <-p.patterns:
			t.Stop()
		case <-p.quit:
			t.Stop()
			return
		}
	}
}
