package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoRole       = "E_PROTO_ROLE"

	// Accounting layer.
	ErrBadRequest        = "E_BAD_REQUEST"
	ErrNoAccount         = "E_NO_ACCOUNT"
	ErrNoVehicleIdentity = "E_NO_VEHICLE_IDENTITY"
	ErrRateLimit         = "E_RATE_LIMIT"
	ErrBusy              = "E_BUSY"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrProtoRole:         {},
	ErrBadRequest:        {},
	ErrNoAccount:         {},
	ErrNoVehicleIdentity: {},
	ErrRateLimit:         {},
	ErrBusy:              {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
