// Package bus implements the Broadcast Fabric (spec §4.B): named groups,
// join/leave, and at-least-once group_send across server instances.
// Local delivery is a direct fan-out over registered connections (the
// reference repo's own SafeBroadcastToRoom/SafeBroadcastToRoomExcept
// pattern in internal/game/draw.go); cross-process delivery rides Redis
// pub/sub, grounded on RoseWrightdev-Video-Conferencing's
// internal/v1/bus.Service.Publish/Subscribe.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Member is anything the fabric can deliver an envelope to: a single
// websocket connection registered under a group.
type Member interface {
	// Send attempts a non-blocking delivery of a marshaled envelope. It
	// returns an error if the member's outbound queue could not accept
	// the message.
	Send(data []byte) error
	// ID identifies the member for logging and exclude-from-fan-out calls.
	ID() string
}

// remoteEnvelope is the cross-process wire format, analogous to
// bus.PubSubPayload in the reference pattern.
type remoteEnvelope struct {
	Group    string          `json:"group"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// Fabric is the process-local registry of group memberships plus an
// optional Redis client for cross-process fan-out. A nil client degrades
// to single-instance mode: groupSend still reaches every locally
// registered member.
type Fabric struct {
	mu     sync.RWMutex
	groups map[string]map[string]Member

	subscribed map[string]context.CancelFunc // groups with a live remote relay

	client  *redis.Client
	channel string // identifies this process as a pub/sub sender, to avoid echo
}

// New builds a Fabric. client may be nil for single-instance deployments.
func New(client *redis.Client, channel string) *Fabric {
	return &Fabric{
		groups:     make(map[string]map[string]Member),
		subscribed: make(map[string]context.CancelFunc),
		client:     client,
		channel:    channel,
	}
}

// JoinGroup registers member under group, starting the group's
// cross-process relay on first local membership so remote GroupSend calls
// reach this process's members too.
func (f *Fabric) JoinGroup(group string, m Member) {
	f.mu.Lock()
	if f.groups[group] == nil {
		f.groups[group] = make(map[string]Member)
	}
	f.groups[group][m.ID()] = m
	needsSubscribe := f.client != nil && f.subscribed[group] == nil
	if needsSubscribe {
		f.subscribed[group] = func() {} // placeholder until subscribeRemoteRelay below assigns the real cancel
	}
	f.mu.Unlock()

	if needsSubscribe {
		f.subscribeRemoteRelay(group)
	}
}

// LeaveGroup removes member from group, tearing down the cross-process
// relay once the group has no local members left.
func (f *Fabric) LeaveGroup(group string, m Member) {
	f.mu.Lock()
	members := f.groups[group]
	if members == nil {
		f.mu.Unlock()
		return
	}
	delete(members, m.ID())
	empty := len(members) == 0
	if empty {
		delete(f.groups, group)
	}
	var cancel context.CancelFunc
	if empty {
		cancel = f.subscribed[group]
		delete(f.subscribed, group)
	}
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// GroupSend delivers envelope to every current local member of group, and
// publishes it to the cross-process channel so other instances deliver to
// their own members. exclude, if non-empty, skips that member id (used for
// "fan-out except sender").
func (f *Fabric) GroupSend(group string, envelope any, exclude string) {
	f.localSend(group, envelope, exclude)
	f.remotePublish(group, envelope)
}

func (f *Fabric) localSend(group string, envelope any, exclude string) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("[bus] GroupSend(%s): marshal failed: %v", group, err)
		return
	}

	f.mu.RLock()
	members := make([]Member, 0, len(f.groups[group]))
	for id, m := range f.groups[group] {
		if id == exclude {
			continue
		}
		members = append(members, m)
	}
	f.mu.RUnlock()

	sent := 0
	for _, m := range members {
		if err := m.Send(payload); err != nil {
			log.Printf("[bus] GroupSend(%s): member %s send failed: %v", group, m.ID(), err)
			continue
		}
		sent++
	}
	log.Printf("[bus] GroupSend(%s): delivered to %d/%d local members", group, sent, len(members))
}

func (f *Fabric) remotePublish(group string, envelope any) {
	if f == nil || f.client == nil {
		return
	}
	inner, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	msg := remoteEnvelope{Group: group, Payload: inner, SenderID: f.channel}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.client.Publish(ctx, remoteChannelFor(group), data).Err(); err != nil {
		log.Printf("[bus] remote publish to %s failed (degrading to local-only): %v", group, err)
	}
}

func remoteChannelFor(group string) string {
	return fmt.Sprintf("room:events:%s", group)
}

// SubscribeRemote starts a goroutine relaying cross-process messages for
// group into handler, until ctx is cancelled. It ignores messages this
// process itself published.
func (f *Fabric) SubscribeRemote(ctx context.Context, group string, handler func(payload json.RawMessage)) {
	if f == nil || f.client == nil {
		return
	}
	pubsub := f.client.Subscribe(ctx, remoteChannelFor(group))
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env remoteEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("[bus] SubscribeRemote(%s): bad payload: %v", group, err)
					continue
				}
				if env.SenderID == f.channel {
					continue // drop our own publish, already delivered locally
				}
				handler(env.Payload)
			}
		}
	}()
}

// subscribeRemoteRelay starts (and records, for later cancellation) the
// remote relay for group: every cross-process publish is forwarded
// verbatim to this process's own local members, without re-marshaling.
func (f *Fabric) subscribeRemoteRelay(group string) {
	ctx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	if _, stillWanted := f.groups[group]; !stillWanted {
		f.mu.Unlock()
		cancel()
		return
	}
	f.subscribed[group] = cancel
	f.mu.Unlock()

	f.SubscribeRemote(ctx, group, func(payload json.RawMessage) {
		f.mu.RLock()
		members := make([]Member, 0, len(f.groups[group]))
		for _, m := range f.groups[group] {
			members = append(members, m)
		}
		f.mu.RUnlock()
		for _, m := range members {
			if err := m.Send(payload); err != nil {
				log.Printf("[bus] relay(%s): member %s send failed: %v", group, m.ID(), err)
			}
		}
	})
}
