package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Director metrics collectors
var (
	// Registry

	DevicesDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "director_devices_discovered_total",
			Help: "Total number of devices created on first sighting",
		},
	)

	IdentityConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "director_identity_conflicts_total",
			Help: "Total number of MAC addresses claimed by a second UUID",
		},
	)

	// Leases

	LeaseAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_lease_allocations_total",
			Help: "Total number of lease allocation attempts",
		},
		[]string{"subnet", "status"},
	)

	LeasesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "director_leases_expired_total",
			Help: "Total number of leases deactivated by expiry",
		},
	)

	// Lifecycle

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_lifecycle_transitions_total",
			Help: "Total number of device lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	// IPMI

	IPMIActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_ipmi_actions_total",
			Help: "Total number of IPMI actions executed",
		},
		[]string{"driver", "action", "outcome"},
	)

	IPMIActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "director_ipmi_action_duration_seconds",
			Help:    "IPMI action latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"driver", "action"},
	)

	// Delivery

	DHCPPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_dhcp_packets_total",
			Help: "Total number of DHCP packets handled",
		},
		[]string{"type", "result"},
	)

	BootRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_boot_requests_total",
			Help: "Total number of netboot requests served",
		},
		[]string{"transport", "artifact"},
	)
)
