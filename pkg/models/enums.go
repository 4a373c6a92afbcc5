package models

import "fmt"

// Service identifies a platform service that consumes compute quota.
type Service uint16

const (
	ServiceNodeGateway Service = iota
	ServiceAPI
	ServiceIndexer
	ServiceRelayer
	ServiceMetadata
	ServiceMarketplace
	ServiceBuilder
	ServiceWaaS
)

var serviceNames = []string{
	"NodeGateway",
	"API",
	"Indexer",
	"Relayer",
	"Metadata",
	"Marketplace",
	"Builder",
	"WaaS",
}

// Services returns every known service in declaration order.
func Services() []Service {
	out := make([]Service, len(serviceNames))
	for i := range serviceNames {
		out[i] = Service(i)
	}
	return out
}

func (s Service) String() string {
	if int(s) < len(serviceNames) {
		return serviceNames[s]
	}
	return fmt.Sprintf("Service(%d)", s)
}

// ParseService returns the service with the given wire name.
func ParseService(name string) (Service, error) {
	for i, n := range serviceNames {
		if n == name {
			return Service(i), nil
		}
	}
	return 0, fmt.Errorf("unknown service %q", name)
}

func (s Service) MarshalText() ([]byte, error) {
	if int(s) >= len(serviceNames) {
		return nil, fmt.Errorf("unknown service %d", s)
	}
	return []byte(serviceNames[s]), nil
}

func (s *Service) UnmarshalText(b []byte) error {
	v, err := ParseService(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// EventType is a usage threshold crossing reported through NotifyEvent.
type EventType uint8

const (
	EventFreeWarn EventType = iota
	EventFreeMax
	EventOverWarn
	EventOverMax
)

var eventTypeNames = []string{"FreeWarn", "FreeMax", "OverWarn", "OverMax"}

func (e EventType) String() string {
	if int(e) < len(eventTypeNames) {
		return eventTypeNames[e]
	}
	return fmt.Sprintf("EventType(%d)", e)
}

// ParseEventType returns the event type with the given wire name.
func ParseEventType(name string) (EventType, error) {
	for i, n := range eventTypeNames {
		if n == name {
			return EventType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", name)
}

func (e EventType) MarshalText() ([]byte, error) {
	if int(e) >= len(eventTypeNames) {
		return nil, fmt.Errorf("unknown event type %d", e)
	}
	return []byte(eventTypeNames[e]), nil
}

func (e *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// UserPermission is an ordered permission level: a higher value includes
// every lower one.
type UserPermission uint8

const (
	PermissionUnauthorized UserPermission = iota
	PermissionRead
	PermissionReadWrite
	PermissionAdmin
)

var permissionNames = []string{"UNAUTHORIZED", "READ", "READ_WRITE", "ADMIN"}

func (p UserPermission) String() string {
	if int(p) < len(permissionNames) {
		return permissionNames[p]
	}
	return fmt.Sprintf("UserPermission(%d)", p)
}

// CanAccess reports whether p satisfies the required level.
func (p UserPermission) CanAccess(required UserPermission) bool {
	return p >= required
}

// ParseUserPermission returns the permission with the given wire name.
func ParseUserPermission(name string) (UserPermission, error) {
	for i, n := range permissionNames {
		if n == name {
			return UserPermission(i), nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

func (p UserPermission) MarshalText() ([]byte, error) {
	if int(p) >= len(permissionNames) {
		return nil, fmt.Errorf("unknown permission %d", p)
	}
	return []byte(permissionNames[p]), nil
}

func (p *UserPermission) UnmarshalText(b []byte) error {
	v, err := ParseUserPermission(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
