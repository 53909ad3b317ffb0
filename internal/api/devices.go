package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/allocator"
	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/lifecycle"
	"github.com/jbweber/homelab/director/internal/registry"
	"github.com/jbweber/homelab/director/internal/repository"
)

// Devices groups device handlers.
type Devices struct {
	ds       *datastore.Datastore
	registry *registry.Registry
	machine  EventHandler
	alloc    *allocator.Allocator
	logger   *zap.Logger
}

func NewDevices(ds *datastore.Datastore, reg *registry.Registry, machine EventHandler, alloc *allocator.Allocator, logger *zap.Logger) *Devices {
	return &Devices{ds: ds, registry: reg, machine: machine, alloc: alloc, logger: logger}
}

type DeviceResponse struct {
	UUID          string                `json:"uuid"`
	State         domain.LifecycleState `json:"state"`
	FaultReason   string                `json:"fault_reason,omitempty"`
	LastAction    string                `json:"last_action,omitempty"`
	BootInterface string                `json:"boot_interface,omitempty"` // MAC
	FirstSeenAt   time.Time             `json:"first_seen_at"`
	LastSeenAt    time.Time             `json:"last_seen_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Interfaces    []InterfaceResponse   `json:"interfaces,omitempty"`
	Leases        []LeaseResponse       `json:"leases,omitempty"`
}

type InterfaceResponse struct {
	MAC            string    `json:"mac"`
	IsBMC          bool      `json:"bmc"`
	IPv4           string    `json:"ipv4,omitempty"`
	IPv6           string    `json:"ipv6,omitempty"`
	RackIdentifier string    `json:"rack,omitempty"`
	RackPort       string    `json:"rack_port,omitempty"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

type LeaseResponse struct {
	ID         int64     `json:"id"`
	MAC        string    `json:"mac,omitempty"`
	SubnetID   int64     `json:"subnet_id"`
	IPAddress  string    `json:"ip_address"`
	LeaseStart time.Time `json:"lease_start"`
	LeaseEnd   time.Time `json:"lease_end"`
	Active     bool      `json:"active"`
}

// ReportInterfaceRequest is sent by the booted discovery agent.
type ReportInterfaceRequest struct {
	MAC   string `json:"mac"`
	IsBMC bool   `json:"bmc"`
	IPv4  string `json:"ipv4,omitempty"` // BMC address configured out of band
}

func toDeviceResponse(d domain.Device) DeviceResponse {
	return DeviceResponse{
		UUID:        d.UUID,
		State:       d.State,
		FaultReason: d.FaultReason,
		LastAction:  d.LastAction,
		FirstSeenAt: d.FirstSeenAt,
		LastSeenAt:  d.LastSeenAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func toInterfaceResponse(i domain.Interface) InterfaceResponse {
	return InterfaceResponse{
		MAC:            i.MAC,
		IsBMC:          i.IsBMC,
		IPv4:           i.IPv4,
		IPv6:           i.IPv6,
		RackIdentifier: i.RackIdentifier,
		RackPort:       i.RackPort,
		LastSeenAt:     i.LastSeenAt,
	}
}

func toLeaseResponse(l domain.Lease, mac string) LeaseResponse {
	return LeaseResponse{
		ID:         l.ID,
		MAC:        mac,
		SubnetID:   l.SubnetID,
		IPAddress:  l.IPAddress,
		LeaseStart: l.LeaseStart,
		LeaseEnd:   l.LeaseEnd,
		Active:     l.Active,
	}
}

// ListDevicesHandler handles GET /api/v1/devices.
func (d *Devices) ListDevicesHandler(w http.ResponseWriter, r *http.Request) {
	devices, err := repository.NewDeviceRepository(d.ds.DB).FindAll(r.Context())
	if err != nil {
		respondError(w, d.logger, "list devices", err)
		return
	}
	resp := make([]DeviceResponse, 0, len(devices))
	for _, device := range devices {
		resp = append(resp, toDeviceResponse(device))
	}
	writeJSON(w, d.logger, http.StatusOK, resp)
}

// GetDeviceHandler handles GET /api/v1/devices/{uuid}. The response
// includes the device's interfaces and active leases.
func (d *Devices) GetDeviceHandler(w http.ResponseWriter, r *http.Request) {
	device, ifaces, err := d.registry.Lookup(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		respondError(w, d.logger, "get device", err)
		return
	}

	resp := toDeviceResponse(device)
	for _, iface := range ifaces {
		resp.Interfaces = append(resp.Interfaces, toInterfaceResponse(iface))
		if device.BootInterfaceID != nil && *device.BootInterfaceID == iface.ID {
			resp.BootInterface = iface.MAC
		}
		lease, err := d.alloc.ActiveLease(r.Context(), iface.ID)
		switch {
		case err == nil:
			resp.Leases = append(resp.Leases, toLeaseResponse(lease, iface.MAC))
		case !errors.Is(err, allocator.ErrLeaseInactive):
			respondError(w, d.logger, "get device", err)
			return
		}
	}
	writeJSON(w, d.logger, http.StatusOK, resp)
}

// DeleteDeviceHandler handles DELETE /api/v1/devices/{uuid}. The device's
// interfaces and leases are removed with it; a later sighting starts it
// over as a fresh discovery.
func (d *Devices) DeleteDeviceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := registry.NormalizeUUID(chi.URLParam(r, "uuid"))
	if err != nil {
		respondError(w, d.logger, "delete device", err)
		return
	}
	if err := d.registry.Remove(r.Context(), id); err != nil {
		respondError(w, d.logger, "delete device", err)
		return
	}
	d.machine.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// ResetHandler handles POST /api/v1/devices/{uuid}/reset. Only faulted
// devices can be reset; others answer 409.
func (d *Devices) ResetHandler(w http.ResponseWriter, r *http.Request) {
	d.apply(w, r, "reset device", func(id string) lifecycle.Event {
		return lifecycle.OperatorReset{UUID: id}
	})
}

// CompleteHandler handles POST /api/v1/devices/{uuid}/complete, called by
// the installer once the operating system is on disk.
func (d *Devices) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	d.apply(w, r, "complete install", func(id string) lifecycle.Event {
		return lifecycle.InstallComplete{UUID: id}
	})
}

func (d *Devices) apply(w http.ResponseWriter, r *http.Request, op string, event func(id string) lifecycle.Event) {
	id, err := registry.NormalizeUUID(chi.URLParam(r, "uuid"))
	if err != nil {
		respondError(w, d.logger, op, err)
		return
	}
	res, err := d.machine.HandleEvent(r.Context(), event(id))
	if err != nil {
		respondError(w, d.logger, op, err)
		return
	}
	writeJSON(w, d.logger, http.StatusOK, toDeviceResponse(res.Device))
}

// ReportInterfaceHandler handles POST /api/v1/devices/{uuid}/interfaces.
//
// The discovery agent reports the interfaces it finds. A BMC reported with
// an address is treated as configured out of band and may start
// management configuration.
func (d *Devices) ReportInterfaceHandler(w http.ResponseWriter, r *http.Request) {
	var req ReportInterfaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, d.logger, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.MAC == "" {
		writeError(w, d.logger, http.StatusBadRequest, "mac is required")
		return
	}
	if req.IPv4 != "" {
		addr, err := netip.ParseAddr(req.IPv4)
		if err != nil || !addr.Is4() {
			writeError(w, d.logger, http.StatusBadRequest, "Invalid IPv4 address format")
			return
		}
		if !req.IsBMC {
			writeError(w, d.logger, http.StatusBadRequest, "only BMC interfaces may report an address")
			return
		}
	}

	handle, err := d.registry.ResolveOrCreate(r.Context(), registry.Sighting{
		UUID:  chi.URLParam(r, "uuid"),
		MAC:   req.MAC,
		IsBMC: req.IsBMC,
		IPv4:  req.IPv4,
	})
	if err != nil {
		respondError(w, d.logger, "report interface", err)
		return
	}

	if req.IsBMC && req.IPv4 != "" {
		if _, err := d.machine.HandleEvent(r.Context(), lifecycle.Contact{Handle: handle, Static: true}); err != nil {
			respondError(w, d.logger, "report interface", err)
			return
		}
	}

	status := http.StatusOK
	if handle.InterfaceCreated {
		status = http.StatusCreated
	}
	writeJSON(w, d.logger, status, toInterfaceResponse(handle.Interface))
}
