package protocol

import "encoding/json"

// HELLO (client -> server), first frame on every connection.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Role            string `json:"role"`
	// HostName identifies a host session in logs.
	HostName string `json:"host_name,omitempty"`
	// ActorID selects whose syncs a view receives.
	ActorID string `json:"actor_id,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Role            string `json:"role"`
	TickRateHz      int    `json:"tick_rate_hz"`
	RulesDigest     string `json:"rules_digest"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	RequestID       string `json:"request_id,omitempty"`
}

// Stack is the wire form of one item stack.
type Stack struct {
	ID       string   `json:"id"`
	Count    int      `json:"count"`
	Tags     []string `json:"tags,omitempty"`
	Contents []Stack  `json:"contents,omitempty"`
	Handle   string   `json:"handle,omitempty"`
}

type EquippedItem struct {
	Slot string `json:"slot"`
	Item Stack  `json:"item"`
}

type ActiveEffect struct {
	Amplifier      int `json:"amplifier"`
	RemainingTicks int `json:"remaining_ticks"`
}

// ACTOR_STATE (host -> server): full holdings of one actor.
type ActorStateMsg struct {
	Type            string                  `json:"type"`
	ProtocolVersion string                  `json:"protocol_version"`
	ActorID         string                  `json:"actor_id"`
	Holdings        []Stack                 `json:"holdings"`
	Equipped        []EquippedItem          `json:"equipped,omitempty"`
	Effects         map[string]ActiveEffect `json:"effects,omitempty"`
	BaseCapacity    float64                 `json:"base_capacity,omitempty"`
	// Account carries a persisted record the host kept for this actor; it
	// is only used when the server has none.
	Account json.RawMessage `json:"account,omitempty"`
}

type ActorLeaveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActorID         string `json:"actor_id"`
}

// VEHICLE_STATE (host -> server). VehicleID may be empty for a vehicle that
// has never been assigned one; EntityRef then correlates the reply.
type VehicleStateMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	VehicleID       string   `json:"vehicle_id,omitempty"`
	EntityRef       string   `json:"entity_ref,omitempty"`
	Class           string   `json:"class"`
	VehicleType     string   `json:"vehicle_type"`
	Slots           []Stack  `json:"slots"`
	Occupants       []string `json:"occupants,omitempty"`
}

// VEHICLE_OPEN (host -> server): an actor opened a vehicle's cargo.
type VehicleOpenMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	VehicleID       string `json:"vehicle_id"`
	ActorID         string `json:"actor_id"`
}

// CONTAINER_CHANGED (host -> server): a watched sub-container's contents changed.
type ContainerChangedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActorID         string `json:"actor_id,omitempty"`
	Handle          string `json:"handle"`
	Stack           *Stack `json:"stack,omitempty"`
}

type PickupCheckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequestID       string `json:"request_id"`
	ActorID         string `json:"actor_id"`
	Stack           Stack  `json:"stack"`
}

type Effect struct {
	Kind          string `json:"kind"`
	DurationTicks int    `json:"duration_ticks"`
	Amplifier     int    `json:"amplifier"`
}

// EFFECTS (server -> host)
type EffectsMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ActorID         string   `json:"actor_id"`
	Level           string   `json:"level"`
	Remove          []string `json:"remove,omitempty"`
	Apply           []Effect `json:"apply,omitempty"`
}

// NOTICE (server -> host): text for the host to show to actors.
type NoticeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Recipients      []string `json:"recipients"`
	Text            string   `json:"text"`
	VehicleID       string   `json:"vehicle_id,omitempty"`
	Bucket          *int     `json:"bucket,omitempty"`
}

// WATCH / UNWATCH (server -> host)
type WatchMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActorID         string `json:"actor_id"`
	Handle          string `json:"handle"`
}

type PickupResultMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	RequestID       string  `json:"request_id"`
	ActorID         string  `json:"actor_id"`
	Allowed         bool    `json:"allowed"`
	Ratio           float64 `json:"ratio"`
	Message         string  `json:"message,omitempty"`
}

type VehicleIdentityMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityRef       string `json:"entity_ref"`
	VehicleID       string `json:"vehicle_id"`
}

// WEIGHT_SYNC (server -> view)
type WeightSyncMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ActorID         string          `json:"actor_id"`
	Compressed      bool            `json:"Compressed"`
	Data            json.RawMessage `json:"Data,omitempty"`
	CompressedData  []byte          `json:"CompressedData,omitempty"`
}
