package control

import (
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
)

// sniRouteSpec builds the route spec for a Tls protocol request's
// sni_pattern. SNI routes are always exact (spec §4.3 "TCP and SNI
// keys use only exact matching") — the wildcard map is reserved for
// HTTP host lookups, so even an sni_pattern that looks like a wildcard
// is registered and matched literally.
func sniRouteSpec(pattern string, target any) session.RouteSpec {
	return session.RouteSpec{
		Exact:  true,
		Key:    routing.Key{Kind: "tls", Value: pattern},
		Target: target,
	}
}
