// Package dhcp answers DHCPv4 requests from devices and their BMCs.
package dhcp

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	dhcp4 "github.com/krolaw/dhcp4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jbweber/homelab/director/internal/allocator"
	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/lifecycle"
	"github.com/jbweber/homelab/director/internal/metrics"
	"github.com/jbweber/homelab/director/internal/registry"
	"github.com/jbweber/homelab/director/internal/repository"
)

// EventHandler applies lifecycle events. *lifecycle.Machine satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev lifecycle.Event) (lifecycle.Result, error)
}

// Config configures the handler.
type Config struct {
	ServerIP net.IP
	BootURL  string // base URL of the HTTP boot endpoints

	// Requests whose vendor class starts with one of these, or whose MAC
	// starts with one of the prefixes, come from a BMC.
	BMCVendorClasses []string
	BMCMACPrefixes   []string

	RateLimit rate.Limit // requests per second per MAC; zero disables
	RateBurst int

	RequestTimeout time.Duration
}

// Handler implements dhcp4.Handler.
type Handler struct {
	cfg      Config
	registry *registry.Registry
	machine  EventHandler
	alloc    *allocator.Allocator
	ds       *datastore.Datastore
	clock    clock.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

const maxLimiters = 4096

// NewHandler creates a handler.
func NewHandler(
	cfg Config,
	reg *registry.Registry,
	machine EventHandler,
	alloc *allocator.Allocator,
	ds *datastore.Datastore,
	clk clock.Clock,
	logger *zap.Logger,
) *Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	cfg.ServerIP = cfg.ServerIP.To4()
	return &Handler{
		cfg:      cfg,
		registry: reg,
		machine:  machine,
		alloc:    alloc,
		ds:       ds,
		clock:    clk,
		logger:   logger.Named("dhcp"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// ServeDHCP answers one request. A nil packet means no reply.
func (h *Handler) ServeDHCP(p dhcp4.Packet, msgType dhcp4.MessageType, options dhcp4.Options) dhcp4.Packet {
	mac := p.CHAddr().String()
	kind := msgName(msgType)
	if !h.allow(mac) {
		metrics.DHCPPacketsTotal.WithLabelValues(kind, "rate-limited").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()

	var (
		reply  dhcp4.Packet
		result string
	)
	switch msgType {
	case dhcp4.Discover:
		reply, result = h.discover(ctx, p, options)
	case dhcp4.Request:
		reply, result = h.request(ctx, p, options)
	case dhcp4.Release:
		result = h.release(ctx, p)
	case dhcp4.Decline:
		result = h.decline(ctx, p, options)
	case dhcp4.Inform:
		h.logger.Debug("inform", zap.String("mac", mac), zap.String("ciaddr", p.CIAddr().String()))
		result = "logged"
	default:
		result = "ignored"
	}
	metrics.DHCPPacketsTotal.WithLabelValues(kind, result).Inc()
	return reply
}

func (h *Handler) allow(mac string) bool {
	if h.cfg.RateLimit <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[mac]
	if !ok {
		if len(h.limiters) >= maxLimiters {
			h.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst)
		h.limiters[mac] = l
	}
	return l.Allow()
}

// sighting builds the registry observation carried by a request.
func (h *Handler) sighting(p dhcp4.Packet, options dhcp4.Options) registry.Sighting {
	mac := p.CHAddr().String()
	s := registry.Sighting{MAC: mac, IsBMC: h.isBMC(mac, options)}
	id, err := machineUUID(options)
	if err != nil {
		h.logger.Debug("ignoring client machine identifier", zap.String("mac", mac), zap.Error(err))
	}
	s.UUID = id
	s.RackIdentifier, s.RackPort = rackInfo(options)
	return s
}

func (h *Handler) isBMC(mac string, options dhcp4.Options) bool {
	vendor := string(options[dhcp4.OptionVendorClassIdentifier])
	for _, prefix := range h.cfg.BMCVendorClasses {
		if vendor != "" && strings.HasPrefix(vendor, prefix) {
			return true
		}
	}
	for _, prefix := range h.cfg.BMCMACPrefixes {
		if strings.HasPrefix(mac, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// contact resolves the client and applies the contact to its device.
func (h *Handler) contact(ctx context.Context, p dhcp4.Packet, options dhcp4.Options, renewal bool) (lifecycle.Result, registry.Handle, error) {
	handle, err := h.registry.ResolveOrCreate(ctx, h.sighting(p, options))
	if err != nil {
		return lifecycle.Result{}, registry.Handle{}, err
	}
	res, err := h.machine.HandleEvent(ctx, lifecycle.Contact{Handle: handle, Renewal: renewal})
	return res, handle, err
}

func (h *Handler) discover(ctx context.Context, p dhcp4.Packet, options dhcp4.Options) (dhcp4.Packet, string) {
	res, handle, err := h.contact(ctx, p, options, false)
	if err != nil {
		h.logFailure("discover", p, err)
		return nil, failure(err)
	}
	return h.reply(ctx, p, dhcp4.Offer, options, res, handle), "offer"
}

func (h *Handler) request(ctx context.Context, p dhcp4.Packet, options dhcp4.Options) (dhcp4.Packet, string) {
	if server, ok := options[dhcp4.OptionServerIdentifier]; ok && !net.IP(server).Equal(h.cfg.ServerIP) {
		return nil, "other-server"
	}

	requested := net.IP(options[dhcp4.OptionRequestedIPAddress])
	if requested == nil {
		requested = p.CIAddr()
	}
	// RENEWING and REBINDING clients fill ciaddr and omit the server id.
	_, selecting := options[dhcp4.OptionServerIdentifier]
	renewal := !selecting && !p.CIAddr().Equal(net.IPv4zero)

	res, handle, err := h.contact(ctx, p, options, renewal)
	if err != nil {
		h.logFailure("request", p, err)
		if errors.Is(err, allocator.ErrLeaseInactive) || errors.Is(err, allocator.ErrAddressExhausted) ||
			errors.Is(err, allocator.ErrNoSubnet) || errors.Is(err, registry.ErrIdentityConflict) {
			return h.nak(p), "nak"
		}
		return nil, failure(err)
	}
	if !res.HasLease() || !requested.Equal(net.ParseIP(res.Lease.IPAddress)) {
		h.logger.Info("requested address not leased to client",
			zap.String("mac", handle.Interface.MAC),
			zap.String("requested", requested.String()),
			zap.String("leased", res.Lease.IPAddress),
		)
		return h.nak(p), "nak"
	}
	return h.reply(ctx, p, dhcp4.ACK, options, res, handle), "ack"
}

func (h *Handler) release(ctx context.Context, p dhcp4.Packet) string {
	iface, err := repository.NewInterfaceRepository(h.ds.DB).FindByMAC(ctx, p.CHAddr().String())
	if err != nil {
		return "unknown"
	}
	lease, err := h.alloc.ActiveLease(ctx, iface.ID)
	if err != nil {
		return "unknown"
	}
	if lease.IPAddress != p.CIAddr().String() {
		return "mismatch"
	}
	if err := h.alloc.Release(ctx, lease.ID); err != nil {
		h.logger.Error("failed to release lease", zap.Int64("lease_id", lease.ID), zap.Error(err))
		return "error"
	}
	return "released"
}

// decline retires the lease on an address the client found in use, so
// the next DISCOVER is offered a different one.
func (h *Handler) decline(ctx context.Context, p dhcp4.Packet, options dhcp4.Options) string {
	ip := net.IP(options[dhcp4.OptionRequestedIPAddress]).To4()
	if ip == nil {
		return "malformed"
	}
	iface, err := repository.NewInterfaceRepository(h.ds.DB).FindByMAC(ctx, p.CHAddr().String())
	if err != nil {
		return "unknown"
	}
	err = h.alloc.Decline(ctx, iface.ID, ip.String())
	switch {
	case errors.Is(err, allocator.ErrLeaseInactive):
		h.logger.Warn("decline for an address not leased to the client",
			zap.String("mac", iface.MAC), zap.String("ip", ip.String()))
		return "mismatch"
	case err != nil:
		h.logger.Error("failed to decline lease", zap.String("mac", iface.MAC), zap.Error(err))
		return "error"
	}
	return "declined"
}

func (h *Handler) reply(ctx context.Context, p dhcp4.Packet, mt dhcp4.MessageType, options dhcp4.Options, res lifecycle.Result, handle registry.Handle) dhcp4.Packet {
	subnet, err := repository.NewSubnetRepository(h.ds.DB).FindByID(ctx, res.Lease.SubnetID)
	if err != nil {
		h.logger.Error("failed to load lease subnet", zap.Int64("subnet_id", res.Lease.SubnetID), zap.Error(err))
		subnet = domain.Subnet{}
	}

	opts := dhcp4.Options{}
	if subnet.SubnetMaskIPv4 != "" {
		opts[dhcp4.OptionSubnetMask] = net.ParseIP(subnet.SubnetMaskIPv4).To4()
	}
	if subnet.GatewayIPv4 != "" {
		opts[dhcp4.OptionRouter] = net.ParseIP(subnet.GatewayIPv4).To4()
	}
	if dns := parseIPs(subnet.DNSServers); len(dns) > 0 {
		opts[dhcp4.OptionDomainNameServer] = dhcp4.JoinIPs(dns)
	}

	leaseTime := res.Lease.LeaseEnd.Sub(h.clock.Now())
	if leaseTime < time.Second {
		leaseTime = time.Second
	}
	reply := dhcp4.ReplyPacket(p, mt, h.cfg.ServerIP, net.ParseIP(res.Lease.IPAddress).To4(), leaseTime,
		opts.SelectOrderOrAll(options[dhcp4.OptionParameterRequestList]))

	if !handle.Interface.IsBMC && res.Artifact.Boots() {
		var file string
		transport := "tftp"
		if isIPXE(options) {
			file = strings.TrimSuffix(h.cfg.BootURL, "/") + "/boot/ipxe"
			transport = "http"
		} else {
			file = loaderFor(options)
		}
		reply.SetSIAddr(h.cfg.ServerIP)
		reply.SetFile([]byte(file))
		metrics.BootRequestsTotal.WithLabelValues("dhcp-"+transport, string(res.Artifact.Kind)).Inc()
	}
	return reply
}

func (h *Handler) nak(p dhcp4.Packet) dhcp4.Packet {
	return dhcp4.ReplyPacket(p, dhcp4.NAK, h.cfg.ServerIP, nil, 0, nil)
}

func (h *Handler) logFailure(op string, p dhcp4.Packet, err error) {
	fields := []zap.Field{zap.String("mac", p.CHAddr().String()), zap.Error(err)}
	switch {
	case errors.Is(err, registry.ErrIdentityConflict),
		errors.Is(err, allocator.ErrAddressExhausted),
		errors.Is(err, allocator.ErrNoSubnet):
		h.logger.Warn(op+" refused", fields...)
	case errors.Is(err, allocator.ErrLeaseInactive):
		h.logger.Debug(op+" for inactive lease", fields...)
	default:
		h.logger.Error(op+" failed", fields...)
	}
}

func failure(err error) string {
	switch {
	case errors.Is(err, registry.ErrIdentityConflict):
		return "conflict"
	case errors.Is(err, allocator.ErrAddressExhausted):
		return "exhausted"
	case errors.Is(err, allocator.ErrNoSubnet):
		return "no-subnet"
	default:
		return "error"
	}
}

func parseIPs(addrs []string) []net.IP {
	var ips []net.IP
	for _, a := range addrs {
		if ip := net.ParseIP(a).To4(); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}
