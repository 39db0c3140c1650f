package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/monitor"
	"github.com/banshee-data/bathygrid/internal/tile"
)

// Topics under the configured prefix:
//
//	<prefix>/regrid                       every regrid pass (not retained)
//	<prefix>/status                       grid summary (retained)
//	<prefix>/tiles/<name>/state           tile state after a pass (retained)
//	<prefix>/containers/<id>/modified     inbound source modification times
const (
	topicRegrid   = "regrid"
	topicStatus   = "status"
	topicTiles    = "tiles"
	topicModified = "containers/+/modified"
)

// TileState is the retained payload of a tile state topic.
type TileState struct {
	Tile  string    `json:"tile"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// ModifiedMessage is the JSON form accepted on the modified topic. A bare
// RFC 3339 timestamp is accepted too.
type ModifiedMessage struct {
	SourceModifiedAt time.Time `json:"source_modified_at"`
}

// Notifier bridges a grid and a broker.
type Notifier struct {
	client  mqtt.Client
	grid    *grid.Grid
	prefix  string
	qos     byte
	timeout time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	published int
	failed    int
}

// Config configures a Notifier.
type Config struct {
	Client mqtt.Client
	Grid   *grid.Grid
	Prefix string // topic prefix, "bathygrid" when empty
	QoS    byte
	Logger *zap.Logger
}

// New creates a Notifier. Attach and Subscribe wire it to the grid.
func New(cfg Config) *Notifier {
	n := &Notifier{
		client:  cfg.Client,
		grid:    cfg.Grid,
		prefix:  strings.TrimSuffix(cfg.Prefix, "/"),
		qos:     cfg.QoS,
		timeout: 5 * time.Second,
		log:     cfg.Logger,
	}
	if n.prefix == "" {
		n.prefix = "bathygrid"
	}
	if n.log == nil {
		n.log = zap.NewNop()
	}
	return n
}

// Attach registers the notifier as a regrid hook of its grid and publishes
// the current status.
func (n *Notifier) Attach() error {
	n.grid.OnRegrid(n.PublishRegrid)
	return n.PublishStatus()
}

func (n *Notifier) topic(parts ...string) string {
	return n.prefix + "/" + strings.Join(parts, "/")
}

func (n *Notifier) publish(topic string, retained bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	token := n.client.Publish(topic, n.qos, retained, payload)
	if !token.WaitTimeout(n.timeout) {
		err = fmt.Errorf("publish %s: timed out", topic)
	} else if token.Error() != nil {
		err = fmt.Errorf("publish %s: %w", topic, token.Error())
	}

	n.mu.Lock()
	if err != nil {
		n.failed++
	} else {
		n.published++
	}
	n.mu.Unlock()
	return err
}

// PublishRegrid publishes a pass summary, the state of every tile the pass
// touched and the grid status. Failures are logged since hooks cannot
// return errors.
func (n *Notifier) PublishRegrid(res *grid.RegridResult) {
	if err := n.publish(n.topic(topicRegrid), false, monitor.NewRegridResponse(res)); err != nil {
		n.log.Warn("failed to publish regrid", zap.String("run_id", res.RunID), zap.Error(err))
	}

	lat := n.grid.Lattice()
	at := res.Started.Add(res.Duration)
	for _, k := range res.Updated {
		name := tile.Name(lat.Origin(k))
		state := TileState{Tile: name, State: tile.StateGridded.String(), At: at}
		if err := n.publish(n.topic(topicTiles, name, "state"), true, state); err != nil {
			n.log.Warn("failed to publish tile state", zap.String("tile", name), zap.Error(err))
		}
	}
	for _, e := range res.Errors {
		state := TileState{Tile: e.Name, State: tile.StateStale.String(), At: at, Error: e.Err.Error()}
		if err := n.publish(n.topic(topicTiles, e.Name, "state"), true, state); err != nil {
			n.log.Warn("failed to publish tile state", zap.String("tile", e.Name), zap.Error(err))
		}
	}

	if err := n.PublishStatus(); err != nil {
		n.log.Warn("failed to publish status", zap.Error(err))
	}
}

// PublishStatus publishes the retained grid summary.
func (n *Notifier) PublishStatus() error {
	return n.publish(n.topic(topicStatus), true, monitor.NewInfoResponse(n.grid.Info()))
}

// Subscribe listens for source modification times. It is safe to call on
// every reconnect.
func (n *Notifier) Subscribe() error {
	topic := n.topic(topicModified)
	token := n.client.Subscribe(topic, n.qos, n.handleModified)
	if !token.WaitTimeout(n.timeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	n.log.Info("subscribed", zap.String("topic", topic))
	return nil
}

// OnConnect is an Options.OnConnect that renews the subscription.
func (n *Notifier) OnConnect(mqtt.Client) {
	if err := n.Subscribe(); err != nil {
		n.log.Error("failed to subscribe", zap.Error(err))
	}
}

func (n *Notifier) handleModified(_ mqtt.Client, msg mqtt.Message) {
	id, ok := n.containerOf(msg.Topic())
	if !ok {
		n.log.Debug("ignoring message", zap.String("topic", msg.Topic()))
		return
	}
	at, err := ParseModified(msg.Payload())
	if err != nil {
		n.log.Warn("bad source modified payload", zap.String("container", id), zap.Error(err))
		return
	}
	if err := n.grid.SetSourceModified(id, at); err != nil {
		n.log.Warn("source modified for unknown container", zap.String("container", id), zap.Error(err))
		return
	}
	n.log.Info("container source modified", zap.String("container", id), zap.Time("at", at))
}

// containerOf extracts the container id from <prefix>/containers/<id>/modified.
func (n *Notifier) containerOf(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, n.prefix+"/containers/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/modified")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// ParseModified reads a modification time from a ModifiedMessage or a bare
// RFC 3339 timestamp, optionally JSON quoted.
func ParseModified(payload []byte) (time.Time, error) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var m ModifiedMessage
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return time.Time{}, err
		}
		if m.SourceModifiedAt.IsZero() {
			return time.Time{}, fmt.Errorf("missing source_modified_at")
		}
		return m.SourceModifiedAt, nil
	}
	return time.Parse(time.RFC3339Nano, strings.Trim(s, `"`))
}

// Stats returns the number of successful and failed publishes.
func (n *Notifier) Stats() (published, failed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.published, n.failed
}
