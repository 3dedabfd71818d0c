package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loadwarden.ai/internal/protocol"
	"loadwarden.ai/internal/replication"
	"loadwarden.ai/internal/sim/encumbrance"
	"loadwarden.ai/internal/sim/engine"
	"loadwarden.ai/internal/sim/item"
	"loadwarden.ai/internal/sim/vehicle"
)

// Engine is what the transport needs from the accounting engine.
type Engine interface {
	Submit(u engine.Update) error
	RequestPickup(ctx context.Context, actorID string, s item.Stack) (engine.PickupResult, error)
	SyncImmediately(actorID string) error
	TickRateHz() int
	RulesDigest() string
}

type session struct {
	id      string
	role    string
	actorID string
	out     chan []byte
}

// Server is the websocket hub. Host sessions feed the engine and receive
// effects and notices; view sessions receive WEIGHT_SYNC for one actor.
type Server struct {
	eng Engine
	log *log.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	hosts map[string]*session
	views map[string]map[string]*session // actorID -> sessionID -> session

	dropped uint64
}

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		log:   logger,
		hosts: map[string]*session{},
		views: map[string]map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Attach sets the engine; call before serving.
func (s *Server) Attach(e Engine) { s.eng = e }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.register(sess)
		defer s.unregister(sess)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		if sess.role == protocol.RoleView {
			if err := s.eng.SyncImmediately(sess.actorID); err != nil && !errors.Is(err, engine.ErrNoAccount) {
				s.log.Printf("initial sync %s: %v", sess.actorID, err)
			}
		}

		// Reader loop. Views only keep the connection alive.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			if sess.role != protocol.RoleHost {
				continue
			}
			s.handleHost(ctx, sess, msg)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return nil
	}
	switch hello.Role {
	case protocol.RoleHost:
	case protocol.RoleView:
		if hello.ActorID == "" {
			_ = writeJSON(conn, errorMsg(protocol.ErrProtoRole, "view requires actor_id", ""))
			closeWith(conn, "view requires actor_id")
			return nil
		}
	default:
		_ = writeJSON(conn, errorMsg(protocol.ErrProtoRole, "unknown role", ""))
		closeWith(conn, "unknown role")
		return nil
	}

	sess := &session{
		id:      uuid.NewString(),
		role:    hello.Role,
		actorID: hello.ActorID,
		out:     make(chan []byte, 256),
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Role:            sess.role,
		TickRateHz:      s.eng.TickRateHz(),
		RulesDigest:     s.eng.RulesDigest(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	name := hello.HostName
	if name == "" {
		name = hello.ActorID
	}
	s.log.Printf("session %s role=%s name=%s", sess.id, sess.role, name)
	return sess
}

func (s *Server) handleHost(ctx context.Context, sess *session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.reply(sess, errorMsg(protocol.ErrProtoBadRequest, "bad json", ""))
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.reply(sess, errorMsg(protocol.ErrProtoBadRequest, "bad protocol_version", ""))
		return
	}

	var u engine.Update
	switch base.Type {
	case protocol.TypeActorState:
		var m protocol.ActorStateMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reply(sess, errorMsg(protocol.ErrBadRequest, err.Error(), ""))
			return
		}
		au, err := actorUpdate(m)
		if err != nil {
			s.reply(sess, errorMsg(protocol.ErrBadRequest, err.Error(), ""))
			return
		}
		u = au
	case protocol.TypeActorLeave:
		var m protocol.ActorLeaveMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.ActorID == "" {
			s.reply(sess, errorMsg(protocol.ErrBadRequest, "missing actor_id", ""))
			return
		}
		u = engine.ActorLeave{ActorID: m.ActorID}
	case protocol.TypeVehicleState:
		var m protocol.VehicleStateMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reply(sess, errorMsg(protocol.ErrBadRequest, err.Error(), ""))
			return
		}
		vu, err := vehicleUpdate(m)
		if err != nil {
			s.reply(sess, errorMsg(protocol.ErrBadRequest, err.Error(), ""))
			return
		}
		u = vu
	case protocol.TypeVehicleOpen:
		var m protocol.VehicleOpenMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reply(sess, errorMsg(protocol.ErrBadRequest, err.Error(), ""))
			return
		}
		if m.VehicleID == "" {
			s.reply(sess, errorMsg(protocol.ErrNoVehicleIdentity, "missing vehicle_id", ""))
			return
		}
		u = engine.VehicleOpen{VehicleID: m.VehicleID, ActorID: m.ActorID}
	case protocol.TypeContainerChanged:
		var m protocol.ContainerChangedMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.Handle == "" {
			s.reply(sess, errorMsg(protocol.ErrBadRequest, "missing handle", ""))
			return
		}
		cc := engine.ContainerChanged{ActorID: m.ActorID, Handle: m.Handle}
		if m.Stack != nil {
			st, err := ToStack(*m.Stack)
			if err != nil {
				s.reply(sess, errorMsg(protocol.ErrBadRequest, err.Error(), ""))
				return
			}
			cc.Stack = &st
		}
		u = cc
	case protocol.TypePickupCheck:
		s.handlePickup(ctx, sess, msg)
		return
	default:
		s.reply(sess, errorMsg(protocol.ErrProtoBadRequest, "unknown type "+base.Type, ""))
		return
	}

	if err := s.eng.Submit(u); err != nil {
		s.reply(sess, errorMsg(protocol.ErrBusy, err.Error(), ""))
	}
}

func (s *Server) handlePickup(ctx context.Context, sess *session, msg []byte) {
	var m protocol.PickupCheckMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		s.reply(sess, errorMsg(protocol.ErrBadRequest, err.Error(), ""))
		return
	}
	st, err := ToStack(m.Stack)
	if err != nil {
		s.reply(sess, errorMsg(protocol.ErrBadRequest, err.Error(), m.RequestID))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := s.eng.RequestPickup(ctx, m.ActorID, st)
	switch {
	case errors.Is(err, engine.ErrNoAccount):
		s.reply(sess, errorMsg(protocol.ErrNoAccount, err.Error(), m.RequestID))
		return
	case err != nil:
		s.reply(sess, errorMsg(protocol.ErrInternal, err.Error(), m.RequestID))
		return
	}
	s.reply(sess, protocol.PickupResultMsg{
		Type:            protocol.TypePickupResult,
		ProtocolVersion: protocol.Version,
		RequestID:       m.RequestID,
		ActorID:         m.ActorID,
		Allowed:         res.Allowed,
		Ratio:           res.Ratio,
		Message:         res.Message,
	})
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.role == protocol.RoleHost {
		s.hosts[sess.id] = sess
		return
	}
	m := s.views[sess.actorID]
	if m == nil {
		m = map[string]*session{}
		s.views[sess.actorID] = m
	}
	m[sess.id] = sess
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.role == protocol.RoleHost {
		delete(s.hosts, sess.id)
		return
	}
	if m := s.views[sess.actorID]; m != nil {
		delete(m, sess.id)
		if len(m) == 0 {
			delete(s.views, sess.actorID)
		}
	}
}

// Sessions reports connected hosts and views.
func (s *Server) Sessions() (hosts, views int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.views {
		views += len(m)
	}
	return len(s.hosts), views
}

// Dropped counts frames discarded because a session's queue was full.
func (s *Server) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

func (s *Server) reply(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal: %v", err)
		return
	}
	if !trySend(sess, b) {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

func trySend(sess *session, b []byte) bool {
	select {
	case sess.out <- b:
		return true
	default:
		return false
	}
}

// toHosts fans a frame out to every host session. Called from the engine
// goroutine, so it never blocks.
func (s *Server) toHosts(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal: %v", err)
		return
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.hosts))
	for id := range s.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var drops uint64
	for _, id := range ids {
		if !trySend(s.hosts[id], b) {
			drops++
		}
	}
	s.mu.RUnlock()
	if drops > 0 {
		s.mu.Lock()
		s.dropped += drops
		s.mu.Unlock()
	}
}

// ApplyEffects implements engine.Host.
func (s *Server) ApplyEffects(actorID string, l encumbrance.Level, remove []string, apply []encumbrance.Effect) {
	s.toHosts(effectsMsg(actorID, l, remove, apply))
}

// Notify implements engine.Host.
func (s *Server) Notify(recipients []string, text string, st *vehicle.Status) {
	m := protocol.NoticeMsg{
		Type:            protocol.TypeNotice,
		ProtocolVersion: protocol.Version,
		Recipients:      recipients,
		Text:            text,
	}
	if st != nil {
		b := st.Bucket
		m.VehicleID = st.VehicleID
		m.Bucket = &b
	}
	s.toHosts(m)
}

func (s *Server) Watch(actorID, handle string) {
	s.toHosts(protocol.WatchMsg{Type: protocol.TypeWatch, ProtocolVersion: protocol.Version, ActorID: actorID, Handle: handle})
}

func (s *Server) Unwatch(actorID, handle string) {
	s.toHosts(protocol.WatchMsg{Type: protocol.TypeUnwatch, ProtocolVersion: protocol.Version, ActorID: actorID, Handle: handle})
}

func (s *Server) AssignVehicleIdentity(entityRef, vehicleID string) {
	s.toHosts(protocol.VehicleIdentityMsg{
		Type:            protocol.TypeVehicleIdentity,
		ProtocolVersion: protocol.Version,
		EntityRef:       entityRef,
		VehicleID:       vehicleID,
	})
}

// SendSync implements replication.Sender. An actor nobody is viewing is
// not an error.
func (s *Server) SendSync(actorID string, p replication.Payload) error {
	b, err := json.Marshal(protocol.WeightSyncMsg{
		Type:            protocol.TypeWeightSync,
		ProtocolVersion: protocol.Version,
		ActorID:         actorID,
		Compressed:      p.Compressed,
		Data:            p.Data,
		CompressedData:  p.CompressedData,
	})
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.views[actorID] {
		if !trySend(v, b) {
			return errors.New("view queue full")
		}
	}
	return nil
}

func errorMsg(code, message, requestID string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
		RequestID:       requestID,
	}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
