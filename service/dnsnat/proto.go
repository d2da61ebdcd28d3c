// Package dnsnat implements the in-band protocol that synchronizes proxy-IP
// assignments for DNS resources between client and gateway, and the client's
// per-domain NAT setup state.
package dnsnat

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/gofrs/uuid"

	"github.com/firezone/firezone-sub006/service/resource"
)

// GatewayID identifies a gateway a client is connected to.
type GatewayID = uuid.UUID

// EventType is the first byte of every control message.
type EventType byte

// Control message types.
const (
	EventTypeAssignedIPs  EventType = 0
	EventTypeDomainStatus EventType = 1
	EventTypeGoodbye      EventType = 2
)

const headerSize = 8

// InvalidProxyIPCountError rejects AssignedIPs messages that do not carry
// one or two complete per-family IP sets.
type InvalidProxyIPCountError struct {
	Count int
}

func (e InvalidProxyIPCountError) Error() string {
	return fmt.Sprintf("expected 4 or 8 proxy IPs, got %d", e.Count)
}

// UnknownEventTypeError rejects control messages of a type this version
// does not know.
type UnknownEventTypeError struct {
	Type EventType
}

func (e UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown control event type %d", e.Type)
}

// Event is a decoded control message.
type Event interface {
	eventType() EventType
}

// AssignedIPs announces the proxy IPs a client has handed out for a DNS
// resource's domain. The gateway answers with a DomainStatus once it has
// resolved the domain and set up its NAT table.
type AssignedIPs struct {
	Resource resource.ID  `json:"resource"`
	Domain   string       `json:"domain"`
	ProxyIPs []netip.Addr `json:"proxy_ips"`
}

// NewAssignedIPs validates and builds an AssignedIPs event. The proxy IP
// count must be exactly one or two complete per-family sets.
func NewAssignedIPs(id resource.ID, domain string, proxyIPs []netip.Addr) (AssignedIPs, error) {
	if len(proxyIPs) != 4 && len(proxyIPs) != 8 {
		return AssignedIPs{}, InvalidProxyIPCountError{Count: len(proxyIPs)}
	}
	return AssignedIPs{Resource: id, Domain: domain, ProxyIPs: proxyIPs}, nil
}

func (AssignedIPs) eventType() EventType { return EventTypeAssignedIPs }

// Status is the gateway's verdict on routing eligibility of a domain.
type Status byte

// Domain statuses. Inactive is the zero value: anything we cannot
// positively recognize as active must be treated as inactive.
const (
	StatusInactive Status = iota
	StatusActive
)

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	if s == StatusActive {
		return []byte(`"active"`), nil
	}
	return []byte(`"inactive"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. Unknown values decode as
// Inactive so that a newer peer's vocabulary fails closed instead of
// failing the decode.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "active" {
		*s = StatusActive
	} else {
		*s = StatusInactive
	}
	return nil
}

func (s Status) String() string {
	if s == StatusActive {
		return "active"
	}
	return "inactive"
}

// DomainStatus reports whether the gateway currently routes a domain.
type DomainStatus struct {
	Resource resource.ID `json:"resource"`
	Domain   string      `json:"domain"`
	Status   Status      `json:"status"`
}

func (DomainStatus) eventType() EventType { return EventTypeDomainStatus }

// Goodbye announces connection teardown. The carrying transport has no
// native close signal at this layer.
type Goodbye struct{}

func (Goodbye) eventType() EventType { return EventTypeGoodbye }

// Encode serializes an event into its wire form: an 8-byte header with the
// event type in byte 0 followed by the JSON payload.
func Encode(event Event) ([]byte, error) {
	buf := make([]byte, headerSize)
	buf[0] = byte(event.eventType())

	if _, ok := event.(Goodbye); ok {
		return buf, nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %T: %w", event, err)
	}
	return append(buf, payload...), nil
}

// Decode parses an event from its wire form.
func Decode(buf []byte) (Event, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("control message of %d bytes is shorter than the %d byte header", len(buf), headerSize)
	}
	payload := buf[headerSize:]

	switch EventType(buf[0]) {
	case EventTypeAssignedIPs:
		var event AssignedIPs
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("failed to deserialize AssignedIPs: %w", err)
		}
		if len(event.ProxyIPs) != 4 && len(event.ProxyIPs) != 8 {
			return nil, InvalidProxyIPCountError{Count: len(event.ProxyIPs)}
		}
		return event, nil

	case EventTypeDomainStatus:
		var event DomainStatus
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("failed to deserialize DomainStatus: %w", err)
		}
		return event, nil

	case EventTypeGoodbye:
		return Goodbye{}, nil

	default:
		return nil, UnknownEventTypeError{Type: EventType(buf[0])}
	}
}
