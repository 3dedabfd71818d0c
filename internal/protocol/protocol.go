package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeError   = "ERROR"

	// host -> server
	TypeActorState       = "ACTOR_STATE"
	TypeActorLeave       = "ACTOR_LEAVE"
	TypeVehicleState     = "VEHICLE_STATE"
	TypeVehicleOpen      = "VEHICLE_OPEN"
	TypeContainerChanged = "CONTAINER_CHANGED"
	TypePickupCheck      = "PICKUP_CHECK"

	// server -> host
	TypeEffects         = "EFFECTS"
	TypeNotice          = "NOTICE"
	TypeWatch           = "WATCH"
	TypeUnwatch         = "UNWATCH"
	TypePickupResult    = "PICKUP_RESULT"
	TypeVehicleIdentity = "VEHICLE_IDENTITY"

	// server -> view
	TypeWeightSync = "WEIGHT_SYNC"
)

// Session roles.
const (
	RoleHost = "host"
	RoleView = "view"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
