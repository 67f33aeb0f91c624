// Package capability advertises this node's speech-to-text capability on
// the bus and tracks the peers it hears from.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat."
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Recording bool      `json:"recording"`
	Timestamp time.Time `json:"timestamp"`
}

// Local describes the node being advertised.
type Local struct {
	NodeID       string
	Role         string
	Capabilities []Capability
	// Recording is sampled on every heartbeat.
	Recording func() bool
}

// STT returns the capability record for a whisper model.
func STT(model, language string, ready bool) Capability {
	return Capability{
		Name: "stt",
		Attributes: map[string]string{
			"engine":   "whisper.cpp",
			"model":    model,
			"language": language,
			"ready":    fmt.Sprintf("%t", ready),
		},
	}
}

type Registry struct {
	local    Local
	conn     *nats.Conn
	interval time.Duration
	log      *slog.Logger
	mu       sync.RWMutex
	nodes    map[string]*NodeInfo
	subs     []*nats.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRegistry subscribes to peer announcements, announces local and
// heartbeats every interval until Close.
func NewRegistry(ctx context.Context, conn *nats.Conn, local Local, interval time.Duration, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		local:    local,
		conn:     conn,
		interval: interval,
		log:      log.With(slog.String("component", "capability-registry")),
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	r.initMetrics()

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	go r.runHeartbeat(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(SubjectHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.local.NodeID,
		Role:         r.local.Role,
		Capabilities: r.local.Capabilities,
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(SubjectAnnounce, payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.local.NodeID, Timestamp: time.Now().UTC()}
	if r.local.Recording != nil {
		msg.Recording = r.local.Recording()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(SubjectHeartbeatPrefix+r.local.NodeID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, seen time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = true
}

// evaluateHealth marks nodes silent for three heartbeat intervals unhealthy.
func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := 3 * r.interval
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Nodes returns a copy of every known node, including this one once its
// own announcement has looped back.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	return out
}

func (r *Registry) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-whisperd/capability")
	gauge, err := meter.Int64ObservableGauge("whisperd.capability.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		n := int64(len(r.nodes))
		r.mu.RUnlock()
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	if err != nil {
		r.log.Warn("failed to register metrics callback", slog.String("error", err.Error()))
	}
}
