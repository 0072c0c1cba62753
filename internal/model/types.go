package model

import "time"

// Kind classifies an inbound scanning report.
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindWifiSeen  Kind = "wifi"
	KindRadioSeen Kind = "radio"
)

// Vendor type strings carried in the envelope "type" field.
const (
	TypeDevicesSeen          = "DevicesSeen"
	TypeBluetoothDevicesSeen = "BluetoothDevicesSeen"
)

// ParseKind maps the vendor type string onto a Kind. Only exact matches are recognized.
func ParseKind(vendorType string) Kind {
	switch vendorType {
	case TypeDevicesSeen:
		return KindWifiSeen
	case TypeBluetoothDevicesSeen:
		return KindRadioSeen
	default:
		return KindUnknown
	}
}

// RecordKind names the collection an observation record is written to.
type RecordKind string

const (
	RecordKindWifi  RecordKind = "wifi-observation"
	RecordKindRadio RecordKind = "radio-observation"
)

// RecordKindFor returns the record kind used to persist observations of k.
func RecordKindFor(k Kind) (RecordKind, bool) {
	switch k {
	case KindWifiSeen:
		return RecordKindWifi, true
	case KindRadioSeen:
		return RecordKindRadio, true
	default:
		return "", false
	}
}

// Observation is one client sighting as delivered by the scanning API.
type Observation struct {
	ClientID          string  `json:"clientMac"`
	SeenAt            string  `json:"seenTime"`
	SeenAtEpoch       int64   `json:"seenEpoch"`
	Network           *string `json:"ssid,omitempty"`
	IPv4              *string `json:"ipv4,omitempty"`
	IPv6              *string `json:"ipv6,omitempty"`
	SignalStrength    *int    `json:"rssi,omitempty"`
	OSGuess           *string `json:"os,omitempty"`
	ManufacturerGuess *string `json:"manufacturer,omitempty"`
}

// Envelope is one decoded scanning report.
type Envelope struct {
	Version      string
	VendorType   string
	Kind         Kind
	APIdentifier string
	Observations []Observation
}

// WireEnvelope mirrors the JSON body posted by the scanning API.
type WireEnvelope struct {
	Version string   `json:"version"`
	Secret  string   `json:"secret,omitempty"`
	Type    string   `json:"type"`
	Data    WireData `json:"data"`
}

// WireData holds the observations block of a WireEnvelope.
type WireData struct {
	APMac        string        `json:"apMac"`
	Observations []Observation `json:"observations"`
}

// Envelope converts the wire form into the canonical model.
func (w WireEnvelope) Envelope() Envelope {
	return Envelope{
		Version:      w.Version,
		VendorType:   w.Type,
		Kind:         ParseKind(w.Type),
		APIdentifier: w.Data.APMac,
		Observations: w.Data.Observations,
	}
}

// ObservationRecord is the flat, fully-populated record persisted per observation.
// Every field is a string; absent optional values hold NullValue.
type ObservationRecord struct {
	ID             string     `json:"id,omitempty"`
	Kind           RecordKind `json:"kind"`
	SeenAt         string     `json:"seenTime"`
	SeenAtEpoch    string     `json:"seenEpoch"`
	ClientID       string     `json:"MAC"`
	APIdentifier   string     `json:"apMAC"`
	Associated     string     `json:"Associated"`
	Network        string     `json:"SSID"`
	IPv4           string     `json:"IPv4"`
	IPv6           string     `json:"IPv6"`
	Manufacturer   string     `json:"Manufacturer"`
	SignalStrength string     `json:"RSSI"`
	OS             string     `json:"OS"`
	ReceivedAt     time.Time  `json:"receivedAt"`
}

// NullValue marks an absent optional field in a persisted record.
const NullValue = "null"

// CustomerRecord is a reference-table entry correlating a device with a customer.
type CustomerRecord struct {
	ID              string `json:"id"`
	ClientID        string `json:"macAddress"`
	FirstName       string `json:"firstName"`
	Surname         string `json:"surname"`
	Email           string `json:"email"`
	PhoneNumber     string `json:"mobilePhoneNumber"`
	LoyaltyMember   bool   `json:"loyaltySchemeMember"`
	ClickAndCollect bool   `json:"clickAndCollect"`
	LastSeenEpoch   int64  `json:"lastSeen"`
	ObservingAP     string `json:"observingAp"`
	Version         int64  `json:"version"`
}

// MatchEvent is published once per successful customer match.
type MatchEvent struct {
	Customer     CustomerRecord `json:"customer"`
	APIdentifier string         `json:"apMac"`
	SeenAtEpoch  int64          `json:"seenEpoch"`
}

// IngestionError captures a payload that failed decoding or validation.
type IngestionError struct {
	Source  string `json:"source"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
}
