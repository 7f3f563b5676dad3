package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

// RouteCategory selects the URL namespace a route lives under.
type RouteCategory uint8

const (
	// RouteConnection addresses robot connections (observations and actions).
	RouteConnection RouteCategory = iota + 1
	// RouteConfig addresses task and robot configuration.
	RouteConfig
	// RouteSimulator addresses simulator state and control.
	RouteSimulator
	// RouteStatus addresses task status.
	RouteStatus
	// RouteExplicit uses the route name as-is relative to the base address.
	RouteExplicit
)

// ErrInvalidRouteCategory is returned when an address is built from an unknown category.
var ErrInvalidRouteCategory = errors.New("invalid route category")

var routePrefixes = map[RouteCategory]string{
	RouteConnection: "connections/",
	RouteConfig:     "config/",
	RouteSimulator:  "simulator/",
	RouteStatus:     "status/",
	RouteExplicit:   "",
}

var routeNames = map[RouteCategory]string{
	RouteConnection: "connection",
	RouteConfig:     "config",
	RouteSimulator:  "simulator",
	RouteStatus:     "status",
	RouteExplicit:   "explicit",
}

func (c RouteCategory) String() string {
	if name, ok := routeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RouteCategory(%d)", uint8(c))
}

// Valid reports whether c is one of the known categories.
func (c RouteCategory) Valid() bool {
	_, ok := routePrefixes[c]
	return ok
}

// BuildAddress joins base, the category prefix and route with exactly one
// separator between base and prefix.
func BuildAddress(base, route string, category RouteCategory) (string, error) {
	prefix, ok := routePrefixes[category]
	if !ok {
		return "", fmt.Errorf("build address for route %q: %w: %s", route, ErrInvalidRouteCategory, category)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + prefix + route, nil
}
