package http

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quiz-room-engine/internal/domain"
)

// Bus carries room broadcasts between engine processes.
type Bus interface {
	Publish(ctx context.Context, env domain.Envelope) error
	Subscribe(ctx context.Context, handle func(domain.Envelope)) error
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// Hub tracks room membership of live connections and delivers events to them.
// Broadcasts go through the bus when one is set, so every process sees them; unicasts
// are always delivered locally. Bus publishes happen in order on Run's goroutine, so
// Broadcast never waits on the network.
type Hub struct {
	bus    Bus
	outbox chan domain.Envelope

	mu    sync.RWMutex
	conns map[string]*client
	rooms map[string]map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	// membership, guarded by Hub.mu
	room   string
	userID string
	name   string
	team   string
	token  string
}

const outboxSize = 1024

func NewHub(bus Bus) *Hub {
	h := &Hub{
		bus:   bus,
		conns: make(map[string]*client),
		rooms: make(map[string]map[*client]struct{}),
	}
	if bus != nil {
		h.outbox = make(chan domain.Envelope, outboxSize)
	}
	return h
}

// Run starts publishing queued broadcasts and subscribes to the bus, delivering its envelopes
// locally. Without a bus it returns at once.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	go h.drain(ctx)
	return h.bus.Subscribe(ctx, h.Deliver)
}

func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.outbox:
			if err := h.bus.Publish(ctx, env); err != nil {
				log.Warn().Err(err).Str("room", env.Room).Str("event", env.Event).Msg("bus publish failed, delivering locally")
				h.Deliver(env)
			}
		}
	}
}

func (h *Hub) Broadcast(roomCode, event string, payload any) {
	h.publish(domain.Envelope{Room: roomCode, Event: event}, payload)
}

// BroadcastExcept reaches every connection of the room but one.
func (h *Hub) BroadcastExcept(roomCode, exceptConnID, event string, payload any) {
	h.publish(domain.Envelope{Room: roomCode, Event: event, Except: exceptConnID}, payload)
}

// BroadcastTeam reaches the connections of one team in the room.
func (h *Hub) BroadcastTeam(roomCode, team, event string, payload any) {
	h.publish(domain.Envelope{Room: roomCode, Event: event, Team: team}, payload)
}

func (h *Hub) Unicast(connID, event string, payload any) {
	raw, err := json.Marshal(outboundMessage[any]{Type: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal unicast")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[connID]; ok {
		h.enqueue(c, raw)
	}
}

func (h *Hub) publish(env domain.Envelope, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("marshal broadcast")
		return
	}
	env.Payload = raw

	if h.outbox != nil {
		select {
		case h.outbox <- env:
			return
		default:
			log.Warn().Str("room", env.Room).Str("event", env.Event).Msg("bus outbox full, delivering locally")
		}
	}
	h.Deliver(env)
}

// Deliver sends an envelope to the matching local connections of its room.
func (h *Hub) Deliver(env domain.Envelope) {
	msg, err := json.Marshal(outboundMessage[json.RawMessage]{Type: env.Event, Payload: env.Payload})
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("marshal envelope")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[env.Room] {
		if c.id == env.Except || (env.Team != "" && c.team != env.Team) {
			continue
		}
		h.enqueue(c, msg)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()
	log.Debug().Str("conn", c.id).Int("connections", total).Msg("connection registered")
}

// unregister drops the connection and returns the membership it held.
func (h *Hub) unregister(c *client) membership {
	h.mu.Lock()
	m := c.membership()
	h.leaveLocked(c)
	delete(h.conns, c.id)
	close(c.send)
	total := len(h.conns)
	h.mu.Unlock()

	log.Debug().Str("conn", c.id).Int("connections", total).Msg("connection unregistered")
	return m
}

// membership is who a connection joined as. token is the player's room service token.
type membership struct {
	room   string
	userID string
	name   string
	team   string
	token  string
}

// caller holds Hub.mu
func (c *client) membership() membership {
	return membership{room: c.room, userID: c.userID, name: c.name, team: c.team, token: c.token}
}

// join moves the connection into a room, replacing any prior membership.
func (h *Hub) join(c *client, m membership) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
	c.room, c.userID, c.name, c.team, c.token = m.room, m.userID, m.name, m.team, m.token
	if h.rooms[m.room] == nil {
		h.rooms[m.room] = make(map[*client]struct{})
	}
	h.rooms[m.room][c] = struct{}{}
}

func (h *Hub) leave(c *client) membership {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := c.membership()
	h.leaveLocked(c)
	return m
}

func (h *Hub) membershipOf(c *client) membership {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.membership()
}

func (h *Hub) leaveLocked(c *client) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room, c.userID, c.name, c.team, c.token = "", "", "", "", ""
}

// enqueue never blocks; a connection whose buffer is full is closed. Caller holds mu.
func (h *Hub) enqueue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("conn", c.id).Msg("connection send buffer full, closing connection")
		_ = c.conn.Close()
	}
}

// Stats reports live connections and rooms on this process.
func (h *Hub) Stats() (connections, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns), len(h.rooms)
}
