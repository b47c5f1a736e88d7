package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce        = "narrator.node.announce"
	subjectHeartbeatPrefix = "narrator.node.heartbeat"
	listQueueGroup         = "narrator-nodes"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Load is the synthesis pressure a node reports with every heartbeat.
type Load struct {
	ActiveJobs int64 `json:"active_jobs"`
	InFlight   int64 `json:"in_flight"`
	Capacity   int64 `json:"capacity"`
}

// Free returns the number of unused global synthesis slots.
func (l Load) Free() int64 {
	if l.Capacity <= l.InFlight {
		return 0
	}
	return l.Capacity - l.InFlight
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Load         Load         `json:"load"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Load         Load         `json:"load"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Load      Load      `json:"load"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadFunc samples the local node's load.
type LoadFunc func() Load

type Registry struct {
	cfg       config.NodeConfig
	log       *slog.Logger
	bus       *bus.Client
	load      LoadFunc
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, load LoadFunc, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if load == nil {
		load = func() Load { return Load{} }
	}
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		load:   load,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-narrator/internal/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	listSub, err := conn.QueueSubscribe(protocol.SubjectNodeList, listQueueGroup, r.handleList)
	if err != nil {
		return fmt.Errorf("subscribe node list: %w", err)
	}
	r.subs = append(r.subs, listSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: convertCapabilities(r.cfg.Capabilities),
		Load:         r.load(),
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, &msg.Load, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Load:      r.load(),
		Timestamp: time.Now().UTC(),
	}
	return r.bus.PublishJSON(subjectHeartbeatPrefix+"."+r.cfg.ID, msg)
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
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, &announcement.Load, announcement.Timestamp)
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
	r.updateNode(hb.NodeID, "", nil, &hb.Load, hb.Timestamp)
}

func (r *Registry) handleList(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var req protocol.NodeListRequest
	var reply protocol.NodeListReply
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = err.Error()
			reply.ErrorCode = protocol.CodeInvalidRequest
			r.reply(msg, reply)
			return
		}
	}
	reply = r.List(req)
	r.reply(msg, reply)
}

// List answers a node listing. Without a capability the preferred node is
// chosen among nodes offering the local node's first capability.
func (r *Registry) List(req protocol.NodeListRequest) protocol.NodeListReply {
	filter := func(n NodeInfo) bool {
		if req.HealthyOnly && !n.Healthy {
			return false
		}
		return req.Capability == "" || WithCapabilityFilter(req.Capability)(n)
	}
	nodes := r.Query(filter)
	reply := protocol.NodeListReply{Nodes: make([]protocol.NodeSummary, 0, len(nodes))}
	for _, n := range nodes {
		reply.Nodes = append(reply.Nodes, summarize(n))
	}

	capability := req.Capability
	if capability == "" && len(r.cfg.Capabilities) > 0 {
		capability = r.cfg.Capabilities[0].Name
	}
	if capability != "" {
		if best, ok := r.LeastLoaded(capability); ok {
			reply.Preferred = best.ID
		}
	}
	return reply
}

func (r *Registry) reply(msg *nats.Msg, v protocol.NodeListReply) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Error("failed to encode node list", slog.String("error", err.Error()))
		return
	}
	if err := r.bus.Conn().Publish(msg.Reply, data); err != nil {
		r.log.Warn("failed to send node list", slog.String("error", err.Error()))
	}
}

func summarize(n NodeInfo) protocol.NodeSummary {
	names := make([]string, 0, len(n.Capabilities))
	for _, c := range n.Capabilities {
		names = append(names, c.Name)
	}
	return protocol.NodeSummary{
		ID:           n.ID,
		Role:         n.Role,
		Capabilities: names,
		ActiveJobs:   n.Load.ActiveJobs,
		InFlight:     n.Load.InFlight,
		Capacity:     n.Load.Capacity,
		Healthy:      n.Healthy,
		LastSeen:     n.LastSeen,
	}
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, load *Load, timestamp time.Time) {
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
	if load != nil {
		node.Load = *load
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		copy := *node
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// LeastLoaded returns the healthy node offering capability with the most
// free synthesis slots.
func (r *Registry) LeastLoaded(capability string) (NodeInfo, bool) {
	nodes := r.Query(func(n NodeInfo) bool {
		return n.Healthy && WithCapabilityFilter(capability)(n)
	})
	if len(nodes) == 0 {
		return NodeInfo{}, false
	}
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.Load.Free() > best.Load.Free() {
			best = n
		}
	}
	return best, true
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("narrator.nodes", metric.WithDescription("Number of known narrator nodes"))
	if err != nil {
		return err
	}
	capGauge, err := r.meter.Int64ObservableGauge("narrator.capabilities", metric.WithDescription("Total advertised capabilities"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, caps := r.snapshotCounts()
		obs.ObserveInt64(gauge, nodes)
		obs.ObserveInt64(capGauge, caps)
		return nil
	}, gauge, capGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes int64
	var caps int64
	for _, node := range r.nodes {
		nodes++
		caps += int64(len(node.Capabilities))
	}
	return nodes, caps
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, cap := range source {
		result = append(result, Capability{
			Name:       cap.Name,
			Tier:       cap.Tier,
			Attributes: cap.Attributes,
		})
	}
	return result
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, cap := range node.Capabilities {
			if cap.Name == name {
				return true
			}
		}
		return false
	}
}
