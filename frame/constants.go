package frame

// Nordic UART Service compatible UUIDs, shared by both sides in advance.
// RX is written by the central, TX is notified by the peripheral.
const (
	ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	RxCharUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	TxCharUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// DeviceName is the advertised name of the wearable. The central matches
// it exactly (case-sensitive) during the broad scan phase.
const DeviceName = "AI-Companion"

// Frame types understood by both sides
const (
	TypeConnected    = "connected"
	TypeHello        = "hello"
	TypeWelcome      = "welcome"
	TypeTest         = "test"
	TypeTestResponse = "test_response"
	TypeAIRequest    = "ai_request"
	TypeAIResponse   = "ai_response"
	TypeButton       = "btn"
)

const (
	// TargetMTU is the raw transport capacity requested during MTU negotiation.
	TargetMTU = 256

	// AppFrameLimit is the conservative application-level ceiling for one
	// encoded frame. It stays below the negotiated MTU so a notification
	// never has to be split by the link layer.
	AppFrameLimit = 200
)
