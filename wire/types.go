package wire

// Wire-level operations carried over the socket. These model the ATT
// operations the two sides of a BLE connection exchange.
const (
	OpWrite           = "write"             // acknowledged write (write request)
	OpWriteNoResponse = "write_no_response" // unacknowledged write (write command)
	OpWriteAck        = "write_ack"         // ack for an acknowledged write
	OpSubscribe       = "subscribe"         // enable notifications on a characteristic
	OpUnsubscribe     = "unsubscribe"       // disable notifications
	OpNotify          = "notify"            // unsolicited value push to a subscriber
	OpMTURequest      = "mtu_request"       // MTU exchange request
	OpMTUResponse     = "mtu_response"      // MTU exchange response
)

// Message is one wire-level operation carried over a connection.
// Data marshals as base64 in the socket's JSON framing, which keeps the
// payload text-safe across the serialization boundary.
type Message struct {
	Op                 string `json:"op"`
	ServiceUUID        string `json:"service_uuid,omitempty"`
	CharacteristicUUID string `json:"characteristic_uuid,omitempty"`
	Data               []byte `json:"data,omitempty"`
	MTU                int    `json:"mtu,omitempty"`
	Status             string `json:"status,omitempty"`
	SenderUUID         string `json:"sender_uuid,omitempty"`
}

// AdvertisingData is what a device broadcasts while advertising.
// Stored per-device on the filesystem; scanning reads it, which simulates
// discovering advertising packets over the air.
type AdvertisingData struct {
	DeviceName    string   `json:"device_name"`
	ServiceUUIDs  []string `json:"service_uuids"`
	IsConnectable bool     `json:"is_connectable"`
}

// GATTTable is a device's GATT database as seen by a discovering central.
type GATTTable struct {
	Services []GATTService `json:"services"`
}

// GATTService is one service in a GATT table.
type GATTService struct {
	UUID            string               `json:"uuid"`
	Type            string               `json:"type"` // "primary" or "secondary"
	Characteristics []GATTCharacteristic `json:"characteristics"`
}

// GATTCharacteristic is one characteristic in a GATT service.
type GATTCharacteristic struct {
	UUID       string   `json:"uuid"`
	Properties []string `json:"properties"` // "read", "write", "write_without_response", "notify"
}

// MTU limits. Real BLE starts at a small default and negotiates up.
const (
	DefaultMTU = 23  // BLE 4.0 default: 20 bytes data + 3 byte ATT header
	MaxMTU     = 512 // upper bound a stack will grant

	// AttHeaderSize is subtracted from the negotiated MTU to get the
	// usable payload per notification or write.
	AttHeaderSize = 3
)
