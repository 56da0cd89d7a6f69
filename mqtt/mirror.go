package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"labtrack/ledger"
	"labtrack/station"
	"labtrack/tap"
)

// Publisher sends one message. Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Wiper schedules a wipe of the card on the reader.
type Wiper interface {
	ManualWipe(ctx context.Context) error
}

// Topics names the topics of one node.
type Topics struct {
	node string
}

// NewTopics returns the topics of node.
func NewTopics(node string) Topics {
	return Topics{node: node}
}

func (t Topics) status(leaf string) string {
	return fmt.Sprintf("labtrack/status/node/%s/%s", t.node, leaf)
}

// Tap is where tap results are published.
func (t Topics) Tap() string { return t.status("tap") }

// Wipe is where wipe results are published.
func (t Topics) Wipe() string { return t.status("wipe") }

// Ledger is where ledger deliveries are published.
func (t Topics) Ledger() string { return t.status("ledger") }

// Ping is the liveness topic.
func (t Topics) Ping() string { return t.status("ping") }

// Presence holds the retained online/offline state of the node.
func (t Topics) Presence() string { return t.status("presence") }

// WipeControl is the remote wipe command topic.
func (t Topics) WipeControl() string {
	return fmt.Sprintf("labtrack/control/node/%s/wipe", t.node)
}

var _ station.Observer = (*Mirror)(nil)

// Mirror publishes station events and serves the remote wipe command.
type Mirror struct {
	pub        Publisher
	topics     Topics
	node       string
	wipeSecret string
	wiper      Wiper
	now        func() time.Time
}

// NewMirror creates a Mirror for node. wiper may be nil until SetWiper.
func NewMirror(pub Publisher, node string, cfg Config) *Mirror {
	return &Mirror{
		pub:        pub,
		topics:     NewTopics(node),
		node:       node,
		wipeSecret: cfg.WipeSecret,
		now:        time.Now,
	}
}

// SetWiper sets the target of remote wipe commands.
func (m *Mirror) SetWiper(w Wiper) {
	m.wiper = w
}

// Topics returns the node topics.
func (m *Mirror) Topics() Topics {
	return m.topics
}

type tapEvent struct {
	Card    string `json:"card"`
	Outcome string `json:"outcome"`
	UID     string `json:"uid,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ledgerEvent struct {
	UID     string `json:"uid"`
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
}

// TapResult implements station.Observer.
func (m *Mirror) TapResult(res tap.Result) {
	evt := tapEvent{Card: res.CardID, Outcome: res.Outcome.String(), UID: res.TransactionID}
	if res.Err != nil {
		evt.Error = res.Err.Error()
	}
	m.publish(m.topics.Tap(), evt)
}

// WipeResult implements station.Observer.
func (m *Mirror) WipeResult(report station.WipeReport) {
	m.publish(m.topics.Wipe(), report)
}

// LedgerResult implements station.Observer.
func (m *Mirror) LedgerResult(rec ledger.Record, outcome ledger.Outcome) {
	m.publish(m.topics.Ledger(), ledgerEvent{UID: rec.UID, Type: string(rec.Type), Outcome: outcome.String()})
}

// Ping publishes a liveness message.
func (m *Mirror) Ping() {
	m.pub.Publish(m.topics.Ping(), []byte(`{"status":"ok"}`))
}

// RunPing pings every interval until ctx is done.
func (m *Mirror) RunPing(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Ping()
		}
	}
}

// Subscriptions lists the topics to subscribe on connect.
func (m *Mirror) Subscriptions() []string {
	if m.wipeSecret == "" {
		return nil
	}
	return []string{m.topics.WipeControl()}
}

// HandleMessage serves control topics. It runs on the paho goroutine and
// hands the wipe to the station loop.
func (m *Mirror) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	if topic != m.topics.WipeControl() {
		return nil
	}
	if m.wipeSecret == "" || m.wiper == nil {
		return fmt.Errorf("remote wipe disabled")
	}

	var req WipeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode wipe request: %w", err)
	}
	if err := VerifyWipeRequest(m.wipeSecret, m.node, req, m.now()); err != nil {
		return fmt.Errorf("wipe request from %q: %w", req.Staff, err)
	}

	log.WithField("staff", req.Staff).Info("Remote wipe request")
	return m.wiper.ManualWipe(ctx)
}

func (m *Mirror) publish(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Encode %s: %v", topic, err)
		return
	}
	m.pub.Publish(topic, payload)
}
