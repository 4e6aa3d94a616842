package commsutil

import (
	"fmt"
	"strings"
)

// Subject prefixes.
const (
	OriginPrefix           = "origin"
	NotifyPrefix           = "notify"
	DefaultBroadcastPrefix = "broadcast"
)

// DomainWildcard is the subscription a domain service listens on.
func DomainWildcard(domain string) string {
	return domain + ".*"
}

// BuildOriginSubject builds the unique return subject for a connection.
func BuildOriginSubject(id string) string {
	return fmt.Sprintf("%s.%s", OriginPrefix, id)
}

// BuildConnectionID builds an external connection id routable to the owning gateway.
func BuildConnectionID(gatewayID, localID string) string {
	return gatewayID + "." + localID
}

// GatewayOfConnection returns the gateway id part of a connection id.
func GatewayOfConnection(connectionID string) string {
	if idx := strings.Index(connectionID, "."); idx >= 0 {
		return connectionID[:idx]
	}
	return ""
}

// BuildNotifySubject builds the subject a push notification for connectionID is published to.
func BuildNotifySubject(connectionID string) string {
	return fmt.Sprintf("%s.%s", NotifyPrefix, connectionID)
}

// GatewayNotifyWildcard is the subscription a gateway uses to receive notifications for its connections.
func GatewayNotifyWildcard(gatewayID string) string {
	return fmt.Sprintf("%s.%s.*", NotifyPrefix, gatewayID)
}

// BuildBroadcastSubject builds "{prefix}.{domain}.{type}".
func BuildBroadcastSubject(prefix, domain, typ string) string {
	if prefix == "" {
		prefix = DefaultBroadcastPrefix
	}
	return fmt.Sprintf("%s.%s.%s", prefix, domain, typ)
}

// BroadcastWildcard matches every broadcast under prefix.
func BroadcastWildcard(prefix string) string {
	if prefix == "" {
		prefix = DefaultBroadcastPrefix
	}
	return prefix + ".>"
}
