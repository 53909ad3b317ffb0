package api

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/repository"
)

// Subnets groups subnet and lease handlers.
type Subnets struct {
	ds     *datastore.Datastore
	logger *zap.Logger
}

func NewSubnets(ds *datastore.Datastore, logger *zap.Logger) *Subnets {
	return &Subnets{ds: ds, logger: logger}
}

type CreateSubnetRequest struct {
	Name           string   `json:"name"`
	NetworkIPv4    string   `json:"network_ipv4,omitempty"` // CIDR, e.g. 10.0.0.0/24
	GatewayIPv4    string   `json:"gateway_ipv4,omitempty"`
	NetworkIPv6    string   `json:"network_ipv6,omitempty"` // CIDR, e.g. fd00::/64
	GatewayIPv6    string   `json:"gateway_ipv6,omitempty"`
	DNSServers     []string `json:"dns_servers,omitempty"`
	LeaseTime      string   `json:"lease_time,omitempty"` // Go duration, default 1h
	RackIdentifier string   `json:"rack_identifier,omitempty"`
}

type SubnetResponse struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	NetworkIPv4      string   `json:"network_ipv4,omitempty"`
	SubnetMaskIPv4   string   `json:"subnet_mask_ipv4,omitempty"`
	GatewayIPv4      string   `json:"gateway_ipv4,omitempty"`
	NetworkIPv6      string   `json:"network_ipv6,omitempty"`
	PrefixLengthIPv6 int      `json:"prefix_length_ipv6,omitempty"`
	GatewayIPv6      string   `json:"gateway_ipv6,omitempty"`
	DNSServers       []string `json:"dns_servers"`
	LeaseTime        string   `json:"lease_time"`
	RackIdentifier   string   `json:"rack_identifier,omitempty"`
}

func toSubnetResponse(s domain.Subnet) SubnetResponse {
	return SubnetResponse{
		ID:               s.ID,
		Name:             s.Name,
		NetworkIPv4:      s.NetworkIPv4,
		SubnetMaskIPv4:   s.SubnetMaskIPv4,
		GatewayIPv4:      s.GatewayIPv4,
		NetworkIPv6:      s.NetworkIPv6,
		PrefixLengthIPv6: s.PrefixLengthIPv6,
		GatewayIPv6:      s.GatewayIPv6,
		DNSServers:       s.DNSServers,
		LeaseTime:        s.LeaseTime.String(),
		RackIdentifier:   s.RackIdentifier,
	}
}

// ListSubnetsHandler handles GET /api/v1/subnets.
func (s *Subnets) ListSubnetsHandler(w http.ResponseWriter, r *http.Request) {
	subnets, err := repository.NewSubnetRepository(s.ds.DB).FindAll(r.Context())
	if err != nil {
		respondError(w, s.logger, "list subnets", err)
		return
	}
	resp := make([]SubnetResponse, 0, len(subnets))
	for _, subnet := range subnets {
		resp = append(resp, toSubnetResponse(subnet))
	}
	writeJSON(w, s.logger, http.StatusOK, resp)
}

// CreateSubnetHandler handles POST /api/v1/subnets.
//
// Returns 400 for malformed networks or gateways outside them and 409 when
// the name is taken or the networks overlap an existing subnet.
func (s *Subnets) CreateSubnetHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSubnetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "Invalid JSON")
		return
	}

	subnet := domain.Subnet{
		Name:           req.Name,
		GatewayIPv4:    req.GatewayIPv4,
		GatewayIPv6:    req.GatewayIPv6,
		DNSServers:     req.DNSServers,
		RackIdentifier: req.RackIdentifier,
	}
	if err := subnet.ParseNetworks(req.NetworkIPv4, req.NetworkIPv6); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}
	if req.LeaseTime != "" {
		d, err := time.ParseDuration(req.LeaseTime)
		if err != nil {
			writeError(w, s.logger, http.StatusBadRequest, fmt.Sprintf("invalid lease_time %q", req.LeaseTime))
			return
		}
		subnet.LeaseTime = d
	}

	var created domain.Subnet
	err := s.ds.Tx(r.Context(), func(tx *sql.Tx) error {
		repo := repository.NewSubnetRepository(tx)
		existing, err := repo.FindAll(r.Context())
		if err != nil {
			return err
		}
		for _, other := range existing {
			if subnet.Overlaps(other) {
				return fmt.Errorf("subnet %s overlaps %s: %w", subnet.Name, other.Name, repository.ErrDuplicate)
			}
		}
		created, err = repo.Save(r.Context(), subnet)
		return err
	})
	if err != nil {
		respondError(w, s.logger, "create subnet", err)
		return
	}
	s.logger.Info("subnet created", zap.String("name", created.Name), zap.Int64("id", created.ID))
	writeJSON(w, s.logger, http.StatusCreated, toSubnetResponse(created))
}

// ListLeasesHandler handles GET /api/v1/leases. With ?active=true only
// active leases are listed.
func (s *Subnets) ListLeasesHandler(w http.ResponseWriter, r *http.Request) {
	store := repository.NewStore(s.ds.DB)
	var (
		leases []domain.Lease
		err    error
	)
	if r.URL.Query().Get("active") == "true" {
		leases, err = store.Leases.FindActive(r.Context())
	} else {
		leases, err = store.Leases.FindAll(r.Context())
	}
	if err != nil {
		respondError(w, s.logger, "list leases", err)
		return
	}
	ifaces, err := store.Interfaces.FindAll(r.Context())
	if err != nil {
		respondError(w, s.logger, "list leases", err)
		return
	}
	macs := make(map[int64]string, len(ifaces))
	for _, iface := range ifaces {
		macs[iface.ID] = iface.MAC
	}

	resp := make([]LeaseResponse, 0, len(leases))
	for _, lease := range leases {
		resp = append(resp, toLeaseResponse(lease, macs[lease.InterfaceID]))
	}
	writeJSON(w, s.logger, http.StatusOK, resp)
}
