package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/ipfilter"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/transport"
)

// handleClientConnect drives Authenticating -> Active for a client
// session (spec §4.6). On success it replies Connected and enters the
// Active-state dispatch loop; on any failure it replies Disconnect and
// closes the transport.
func (h *Handler) handleClientConnect(ctx context.Context, conn transport.Connection, stream transport.Stream, remoteAddr net.Addr, msg protocol.Connect, log *slog.Logger) {
	log = log.With("tunnel_id", msg.TunnelID)

	result, err := h.Verifier.Validate(ctx, msg.AuthToken)
	if err != nil {
		log.Warn("auth failed")
		closeWithReason(conn, stream, "auth failed")
		return
	}
	if result.TunnelID != "" && result.TunnelID != msg.TunnelID {
		log.Warn("token tunnel id does not match Connect.TunnelID")
		closeWithReason(conn, stream, "auth failed")
		return
	}

	if _, exists := h.Sessions.Get(msg.TunnelID); exists {
		log.Warn("duplicate tunnel id")
		h.countViolation(metrics.ViolationDuplicateConnect)
		closeWithReason(conn, stream, "tunnel id already connected")
		return
	}

	sess := &session.Session{TunnelID: msg.TunnelID, Conn: conn, Auth: result}

	ipFilter, err := ipfilter.New(msg.Config.IPAllowlist)
	if err != nil {
		log.Warn("invalid ip_allowlist", "err", err)
		closeWithReason(conn, stream, err.Error())
		return
	}

	endpoints, specs, allocated, err := h.planEndpoints(msg.TunnelID, msg.Protocols, msg.Config.HTTPAuth, ipFilter)
	if err != nil {
		log.Warn("endpoint allocation failed", "err", err)
		h.rollbackAllocations(allocated)
		closeWithReason(conn, stream, err.Error())
		return
	}

	if err := h.Sessions.Add(sess); err != nil {
		log.Warn("session manager rejected Add", "err", err)
		h.rollbackAllocations(allocated)
		closeWithReason(conn, stream, "tunnel id already connected")
		return
	}

	if err := h.Sessions.RegisterRoutes(sess, specs); err != nil {
		log.Warn("route registration conflict", "err", err)
		h.Sessions.Remove(msg.TunnelID)
		h.rollbackAllocations(allocated)
		closeWithReason(conn, stream, "route conflict")
		return
	}
	h.trackAllocatedPorts(sess, allocated)

	if err := stream.SendMessage(protocol.Connected{TunnelID: msg.TunnelID, Endpoints: endpoints}); err != nil {
		log.Warn("failed to send Connected", "err", err)
		h.Sessions.Remove(msg.TunnelID)
		h.rollbackAllocations(allocated)
		conn.Close(1, "send failed")
		return
	}

	log.Info("tunnel connected", "endpoints", len(endpoints))
	h.runClientSession(ctx, sess, stream, log)
}

// allocation records a resource acquired while planning endpoints, so
// a later failure in the same Connect can release everything already
// claimed (spec §4.6 "either all succeed or none do").
type allocation struct {
	port      uint16
	hasPort   bool
	subdomain string
}

func (h *Handler) rollbackAllocations(allocated []allocation) {
	for _, a := range allocated {
		if a.hasPort {
			h.unbindPort(a.port)
			h.Ports.Release(a.port)
		}
		if a.subdomain != "" {
			h.Domain.Release(a.subdomain)
		}
	}
}

// trackAllocatedPorts records every port in allocated on sess so
// session teardown can release and unbind them later.
func (h *Handler) trackAllocatedPorts(sess *session.Session, allocated []allocation) {
	for _, a := range allocated {
		if a.hasPort {
			h.Sessions.TrackPort(sess, a.port)
		}
	}
}

// planEndpoints allocates ports/subdomains for every requested
// protocol and builds the route specs and Connected endpoints to
// match. It does not touch the routing registry — RegisterRoutes does
// that atomically once every allocation has already succeeded.
func (h *Handler) planEndpoints(tunnelID string, protocols []protocol.Protocol, httpAuth protocol.HTTPAuthPolicy, ipFilter *ipfilter.Filter) ([]protocol.Endpoint, []session.RouteSpec, []allocation, error) {
	var endpoints []protocol.Endpoint
	var specs []session.RouteSpec
	var allocated []allocation
	seenHTTPHosts := make(map[string]bool)

	for _, p := range protocols {
		switch p.Kind {
		case protocol.ProtocolTCP:
			port, err := h.allocatePort(p.Port)
			if err != nil {
				return nil, nil, allocated, err
			}
			allocated = append(allocated, allocation{port: port, hasPort: true})
			if err := h.bindPort(port); err != nil {
				return nil, nil, allocated, fmt.Errorf("bind port %d: %w", port, err)
			}
			specs = append(specs, session.RouteSpec{
				Exact:  true,
				Key:    routing.Key{Kind: "tcp", Value: strconv.Itoa(int(port))},
				Target: &session.ClientTarget{TunnelID: tunnelID, IPFilter: ipFilter},
			})
			endpoints = append(endpoints, protocol.Endpoint{
				Protocol: protocol.Protocol{Kind: protocol.ProtocolTCP, Port: port},
				PublicURL: publicURL("tcp", h.PublicHost, port),
				Port:      port,
				HasPort:   true,
			})

		case protocol.ProtocolTLS:
			if p.SNIPattern == "" {
				return nil, nil, allocated, &ErrInvalidRequest{Reason: "tls protocol requires sni_pattern"}
			}
			specs = append(specs, sniRouteSpec(p.SNIPattern, &session.ClientTarget{TunnelID: tunnelID, IPFilter: ipFilter}))
			endpoints = append(endpoints, protocol.Endpoint{
				Protocol:  protocol.Protocol{Kind: protocol.ProtocolTLS, SNIPattern: p.SNIPattern, Port: h.TLSPort},
				PublicURL: publicURL("tls", p.SNIPattern, h.TLSPort),
				Port:      h.TLSPort,
				HasPort:   true,
			})

		case protocol.ProtocolHTTP, protocol.ProtocolHTTPS:
			scheme, port := "http", h.HTTPPort
			if p.Kind == protocol.ProtocolHTTPS {
				scheme, port = "https", h.HTTPSPort
			}

			// A Subdomain of "*" requests the wildcard fallback route
			// (spec §1 "with wildcard fallback", §4.3 step 3, scenario
			// S3) instead of a single reserved label: every host under
			// the base domain resolves to this tunnel. It does not go
			// through Domain.Reserve — there is no single label to
			// validate or release, just a registry-level pattern — so
			// it is handled separately from the per-label path below.
			if p.HasSub && p.Subdomain == "*" {
				if !h.Domain.AllowManual() {
					return nil, nil, allocated, domain.ErrManualNotAllowed
				}
				pattern := "*." + h.Domain.Base()
				endpoints = append(endpoints, protocol.Endpoint{
					Protocol:  protocol.Protocol{Kind: p.Kind, Subdomain: "*", HasSub: true},
					PublicURL: publicURL(scheme, pattern, port),
					Port:      port,
					HasPort:   true,
				})
				if !seenHTTPHosts[pattern] {
					seenHTTPHosts[pattern] = true
					specs = append(specs, session.RouteSpec{
						Exact:   false,
						Pattern: pattern,
						Target:  &session.ClientTarget{TunnelID: tunnelID, HTTPAuth: httpAuth, IPFilter: ipFilter},
					})
				}
				continue
			}

			requested := ""
			if p.HasSub {
				requested = p.Subdomain
			}
			label, err := h.Domain.Reserve(tunnelID, requested)
			if err != nil {
				return nil, nil, allocated, err
			}
			allocated = append(allocated, allocation{subdomain: label})
			fqdn := h.Domain.FQDN(label)

			endpoints = append(endpoints, protocol.Endpoint{
				Protocol:  protocol.Protocol{Kind: p.Kind, Subdomain: label, HasSub: true},
				PublicURL: publicURL(scheme, fqdn, port),
				Port:      port,
				HasPort:   true,
			})

			if !seenHTTPHosts[fqdn] {
				seenHTTPHosts[fqdn] = true
				specs = append(specs, session.RouteSpec{
					Exact:  true,
					Key:    routing.Key{Kind: "http", Value: fqdn},
					Target: &session.ClientTarget{TunnelID: tunnelID, HTTPAuth: httpAuth, IPFilter: ipFilter},
				})
			}

		default:
			return nil, nil, allocated, &ErrInvalidRequest{Reason: "unknown protocol kind"}
		}
	}

	return endpoints, specs, allocated, nil
}

func (h *Handler) allocatePort(requested uint16) (uint16, error) {
	if requested != 0 {
		if err := h.Ports.AllocateSpecific(requested); err != nil {
			return 0, err
		}
		return requested, nil
	}
	return h.Ports.Allocate()
}

// ErrInvalidRequest indicates a Connect's requested protocol set is
// malformed in a way the wire codec cannot catch (e.g. a missing
// sni_pattern).
type ErrInvalidRequest struct{ Reason string }

func (e *ErrInvalidRequest) Error() string { return e.Reason }
