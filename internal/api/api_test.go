package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/allocator"
	"github.com/jbweber/homelab/director/internal/blob"
	"github.com/jbweber/homelab/director/internal/clock"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/events"
	"github.com/jbweber/homelab/director/internal/ipmi"
	"github.com/jbweber/homelab/director/internal/lifecycle"
	"github.com/jbweber/homelab/director/internal/netboot"
	"github.com/jbweber/homelab/director/internal/registry"
	"github.com/jbweber/homelab/director/internal/repository"
	"github.com/jbweber/homelab/director/internal/testutil"
)

const (
	publicURL = "http://10.0.0.10:8080"
	u1        = "6f1c7e1a-0c4b-4e57-9d8e-0a1b2c3d4e01"
	u2        = "6f1c7e1a-0c4b-4e57-9d8e-0a1b2c3d4e02"
	m1        = "aa:bb:cc:dd:ee:01"
	m2        = "aa:bb:cc:dd:ee:02"
)

var secret = []byte("test-secret")

type okExecutor struct{}

func (okExecutor) Execute(context.Context, ipmi.Target, ipmi.Action) ipmi.Outcome {
	return ipmi.Outcome{Kind: ipmi.OutcomeSuccess}
}

type fixture struct {
	api     *API
	router  http.Handler
	machine *lifecycle.Machine
	bus     *events.Bus
	blobs   blob.Storage
	clock   *clock.Fake
	store   *repository.Store
}

func setupTestAPI(t *testing.T, cfg Config) fixture {
	t.Helper()
	ds := testutil.SetupTestDatastore(t)
	clk := testutil.NewFakeClock()
	logger := zap.NewNop()

	store := repository.NewStore(ds.DB)
	_, err := store.Subnets.Save(context.Background(), domain.Subnet{
		Name:           "rack-a",
		NetworkIPv4:    "10.0.0.0",
		SubnetMaskIPv4: "255.255.255.0",
		GatewayIPv4:    "10.0.0.1",
		LeaseTime:      time.Hour,
	})
	require.NoError(t, err)

	blobs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	bus := events.NewBus(logger)
	reg := registry.New(ds, clk, logger)
	alloc := allocator.New(ds, clk, logger, "rack-a")
	machine := lifecycle.New(ds, alloc, okExecutor{}, netboot.NewSelector(netboot.DefaultCatalog()),
		bus, clk, lifecycle.Config{}, logger)
	t.Cleanup(machine.Close)

	if cfg.PublicURL == "" {
		cfg.PublicURL = publicURL
	}
	a := NewAPI(cfg, ds, reg, machine, alloc, blobs, bus, clk, logger)
	t.Cleanup(a.Close)

	return fixture{
		api:     a,
		router:  a.Router(),
		machine: machine,
		bus:     bus,
		blobs:   blobs,
		clock:   clk,
		store:   store,
	}
}

// do serves one request and waits for the background work it started.
func (f fixture) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "10.0.0.2:41234"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	f.machine.Wait()
	return w
}

func bearer(t *testing.T) []string {
	t.Helper()
	token, err := IssueToken(secret, "operator", time.Hour, testutil.Epoch)
	require.NoError(t, err)
	return []string{"Authorization", "Bearer " + token}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestIPXE_Chain(t *testing.T) {
	f := setupTestAPI(t, Config{})

	w := f.do(t, "GET", "/boot/ipxe", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "chain "+publicURL+"/boot/ipxe?uuid=${uuid}&mac=${net0/mac}")
}

func TestIPXE_BaseURLFromHost(t *testing.T) {
	f := setupTestAPI(t, Config{})
	f.api.cfg.PublicURL = ""
	router := f.api.Router()

	req := httptest.NewRequest("GET", "http://boot.lab:8080/boot/ipxe", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), "chain http://boot.lab:8080/boot/ipxe?")
}

func TestIPXE_BadRequests(t *testing.T) {
	f := setupTestAPI(t, Config{})

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"empty uuid", "/boot/ipxe?uuid=&mac=" + m1, http.StatusBadRequest},
		{"malformed uuid", "/boot/ipxe?uuid=not-a-uuid&mac=" + m1, http.StatusBadRequest},
		{"missing mac", "/boot/ipxe?uuid=" + u1, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, "GET", tt.target, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestIPXE_DiscoveryScript(t *testing.T) {
	f := setupTestAPI(t, Config{})

	w := f.do(t, "GET", "/boot/ipxe?uuid="+strings.ToUpper(u1)+"&mac="+m1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(),
		"kernel "+publicURL+"/boot/artifacts/images/discovery/vmlinuz console=ttyS0,115200 console=tty0")
	assert.Contains(t, w.Body.String(), "initrd "+publicURL+"/boot/artifacts/images/discovery/initramfs.img")

	device, err := f.store.Devices.FindByUUID(context.Background(), u1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDiscovered, device.State)
	require.NotNil(t, device.BootInterfaceID)
}

func TestIPXE_NilUUIDResolvesByMAC(t *testing.T) {
	f := setupTestAPI(t, Config{})

	w := f.do(t, "GET", "/boot/ipxe?uuid=00000000-0000-0000-0000-000000000000&mac="+m1, nil)
	require.Equal(t, http.StatusOK, w.Code)

	devices, err := f.store.Devices.FindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", devices[0].UUID)
}

func TestIPXE_IdentityConflict(t *testing.T) {
	f := setupTestAPI(t, Config{})

	require.Equal(t, http.StatusOK, f.do(t, "GET", "/boot/ipxe?uuid="+u1+"&mac="+m1, nil).Code)
	w := f.do(t, "GET", "/boot/ipxe?uuid="+u2+"&mac="+m1, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProvisioningFlow(t *testing.T) {
	f := setupTestAPI(t, Config{})

	w := f.do(t, "GET", "/boot/ipxe?uuid="+u1+"&mac="+m1, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The discovery agent reports the BMC it configured.
	w = f.do(t, "POST", "/api/v1/devices/"+u1+"/interfaces",
		ReportInterfaceRequest{MAC: m2, IsBMC: true, IPv4: "192.168.50.10"})
	require.Equal(t, http.StatusCreated, w.Code)
	iface := decode[InterfaceResponse](t, w)
	assert.True(t, iface.IsBMC)
	assert.Equal(t, "192.168.50.10", iface.IPv4)

	w = f.do(t, "GET", "/api/v1/devices/"+u1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	device := decode[DeviceResponse](t, w)
	assert.Equal(t, domain.StateNetbootReady, device.State)
	assert.Equal(t, m1, device.BootInterface)
	assert.NotEmpty(t, device.LastAction)
	assert.Len(t, device.Interfaces, 2)
	require.Len(t, device.Leases, 1)
	assert.Equal(t, "10.0.0.2", device.Leases[0].IPAddress)
	assert.Equal(t, m1, device.Leases[0].MAC)

	w = f.do(t, "GET", "/boot/ipxe?uuid="+u1+"&mac="+m1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/boot/artifacts/images/install/vmlinuz")

	w = f.do(t, "GET", "/boot/ipxe?uuid="+u1+"&mac="+m1, nil)
	assert.Contains(t, w.Body.String(), "sanboot", "installing devices boot from disk")

	w = f.do(t, "POST", "/api/v1/devices/"+u1+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StateCommissioned, decode[DeviceResponse](t, w).State)

	w = f.do(t, "POST", "/api/v1/devices/"+u1+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "GET", "/api/v1/leases?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	leases := decode[[]LeaseResponse](t, w)
	require.Len(t, leases, 1)
	assert.Equal(t, "10.0.0.2", leases[0].IPAddress)
}

func TestReportInterface_StaticAddressNotLeased(t *testing.T) {
	f := setupTestAPI(t, Config{})
	const (
		bmc1 = "aa:bb:cc:dd:ee:11"
		bmc2 = "aa:bb:cc:dd:ee:12"
		bmc3 = "aa:bb:cc:dd:ee:13"
	)

	w := f.do(t, "POST", "/api/v1/devices/"+u1+"/interfaces",
		ReportInterfaceRequest{MAC: bmc1, IsBMC: true, IPv4: "10.0.0.2"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, "POST", "/api/v1/devices/"+u2+"/interfaces",
		ReportInterfaceRequest{MAC: bmc2, IsBMC: true, IPv4: "10.0.0.2"})
	assert.Equal(t, http.StatusConflict, w.Code, "address already recorded on another BMC")

	require.Equal(t, http.StatusOK, f.do(t, "GET", "/boot/ipxe?uuid="+u2+"&mac="+m1, nil).Code)
	w = f.do(t, "POST", "/api/v1/devices/"+u2+"/interfaces",
		ReportInterfaceRequest{MAC: bmc3, IsBMC: true, IPv4: "192.168.50.11"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, "GET", "/api/v1/devices/"+u2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	device := decode[DeviceResponse](t, w)
	require.Len(t, device.Leases, 1)
	assert.Equal(t, m1, device.Leases[0].MAC)
	assert.Equal(t, "10.0.0.3", device.Leases[0].IPAddress)
}

func TestReportInterface_LeasedAddressConflicts(t *testing.T) {
	f := setupTestAPI(t, Config{})

	require.Equal(t, http.StatusOK, f.do(t, "GET", "/boot/ipxe?uuid="+u1+"&mac="+m1, nil).Code)
	w := f.do(t, "POST", "/api/v1/devices/"+u1+"/interfaces",
		ReportInterfaceRequest{MAC: m2, IsBMC: true, IPv4: "192.168.50.10"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, "POST", "/api/v1/devices/"+u2+"/interfaces",
		ReportInterfaceRequest{MAC: "aa:bb:cc:dd:ee:12", IsBMC: true, IPv4: "10.0.0.2"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "address in use")

	_, err := f.store.Devices.FindByUUID(context.Background(), u2)
	assert.ErrorIs(t, err, repository.ErrNotFound, "rejected report leaves no device behind")
}

func TestReportInterface_Validation(t *testing.T) {
	f := setupTestAPI(t, Config{})
	target := "/api/v1/devices/" + u1 + "/interfaces"

	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", target, "invalid json").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", target, ReportInterfaceRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, "POST", target, ReportInterfaceRequest{MAC: m2, IsBMC: true, IPv4: "fd00::1"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, "POST", target, ReportInterfaceRequest{MAC: m2, IPv4: "10.0.0.9"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, "POST", target, ReportInterfaceRequest{MAC: "zz"}).Code)

	w := f.do(t, "POST", target, ReportInterfaceRequest{MAC: m1})
	assert.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, "POST", target, ReportInterfaceRequest{MAC: m1})
	assert.Equal(t, http.StatusOK, w.Code)

	device, err := f.store.Devices.FindByUUID(context.Background(), u1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDiscovered, device.State, "data interfaces do not drive the lifecycle")
}

func TestDevices_ListGetDelete(t *testing.T) {
	f := setupTestAPI(t, Config{})

	w := f.do(t, "GET", "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]DeviceResponse](t, w))

	f.do(t, "GET", "/boot/ipxe?uuid="+u1+"&mac="+m1, nil)

	w = f.do(t, "GET", "/api/v1/devices", nil)
	devices := decode[[]DeviceResponse](t, w)
	require.Len(t, devices, 1)
	assert.Equal(t, u1, devices[0].UUID)
	assert.Equal(t, domain.StateDiscovered, devices[0].State)

	assert.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/api/v1/devices/invalid", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/devices/"+u2, nil).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, "DELETE", "/api/v1/devices/"+u1, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/devices/"+u1, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/api/v1/devices/"+u1, nil).Code)

	// The MAC is free again and rediscovery starts over.
	w = f.do(t, "GET", "/boot/ipxe?uuid="+u2+"&mac="+m1, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReset_RequiresToken(t *testing.T) {
	f := setupTestAPI(t, Config{JWTSecret: secret})
	f.do(t, "GET", "/boot/ipxe?uuid="+u1+"&mac="+m1, nil)
	target := "/api/v1/devices/" + u1 + "/reset"

	assert.Equal(t, http.StatusUnauthorized, f.do(t, "POST", target, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "POST", target, nil, "Authorization", "Bearer garbage").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "DELETE", "/api/v1/devices/"+u1, nil).Code)

	w := f.do(t, "POST", target, nil, bearer(t)...)
	assert.Equal(t, http.StatusConflict, w.Code, "only faulted devices can be reset")

	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", "/api/v1/devices/"+u2+"/reset", nil, bearer(t)...).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/v1/devices/invalid/reset", nil, bearer(t)...).Code)

	// Read-only routes stay open.
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/api/v1/devices/"+u1, nil).Code)
}

func TestReset_FaultedDevice(t *testing.T) {
	f := setupTestAPI(t, Config{})
	f.do(t, "GET", "/boot/ipxe?uuid="+u1+"&mac="+m1, nil)

	ctx := context.Background()
	device, err := f.store.Devices.FindByUUID(ctx, u1)
	require.NoError(t, err)
	require.NoError(t, f.store.Devices.UpdateState(ctx, device.ID, domain.StateFaulted, "ipmi-unreachable", testutil.Epoch))

	w := f.do(t, "POST", "/api/v1/devices/"+u1+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[DeviceResponse](t, w)
	assert.Equal(t, domain.StateDiscovered, resp.State)
	assert.Empty(t, resp.FaultReason)
}

func TestSubnets_CreateAndList(t *testing.T) {
	f := setupTestAPI(t, Config{JWTSecret: secret})
	auth := bearer(t)

	req := CreateSubnetRequest{
		Name:           "rack-b",
		NetworkIPv4:    "10.0.1.0/24",
		GatewayIPv4:    "10.0.1.1",
		DNSServers:     []string{"10.0.1.53"},
		LeaseTime:      "30m",
		RackIdentifier: "rack-b",
	}
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "POST", "/api/v1/subnets", req).Code)

	w := f.do(t, "POST", "/api/v1/subnets", req, auth...)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[SubnetResponse](t, w)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "10.0.1.0", created.NetworkIPv4)
	assert.Equal(t, "255.255.255.0", created.SubnetMaskIPv4)
	assert.Equal(t, "30m0s", created.LeaseTime)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"bad network", CreateSubnetRequest{Name: "x", NetworkIPv4: "10.0.2.0"}, http.StatusBadRequest},
		{"bad lease time", CreateSubnetRequest{Name: "x", NetworkIPv4: "10.0.2.0/24", LeaseTime: "soon"}, http.StatusBadRequest},
		{"gateway outside", CreateSubnetRequest{Name: "x", NetworkIPv4: "10.0.2.0/24", GatewayIPv4: "10.0.3.1"}, http.StatusBadRequest},
		{"missing name", CreateSubnetRequest{NetworkIPv4: "10.0.2.0/24"}, http.StatusBadRequest},
		{"overlap", CreateSubnetRequest{Name: "x", NetworkIPv4: "10.0.0.0/16"}, http.StatusConflict},
		{"duplicate name", CreateSubnetRequest{Name: "rack-b", NetworkIPv4: "10.0.9.0/24"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, "POST", "/api/v1/subnets", tt.body, auth...).Code)
		})
	}

	w = f.do(t, "GET", "/api/v1/subnets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	subnets := decode[[]SubnetResponse](t, w)
	require.Len(t, subnets, 2)
}

func TestArtifacts(t *testing.T) {
	f := setupTestAPI(t, Config{})
	kernel := []byte("not really a kernel")
	require.NoError(t, f.blobs.Put(context.Background(), "images/discovery/vmlinuz", kernel))

	w := f.do(t, "GET", "/boot/artifacts/images/discovery/vmlinuz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, kernel, w.Body.Bytes())
	etag := w.Header().Get("ETag")
	assert.Equal(t, `"`+blob.Digest(kernel)+`"`, etag)

	w = f.do(t, "GET", "/boot/artifacts/images/discovery/vmlinuz", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = f.do(t, "GET", "/boot/artifacts/images/discovery/vmlinuz", nil, "Range", "bytes=0-2")
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "not", w.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/boot/artifacts/images/missing", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := setupTestAPI(t, Config{})

	w := f.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])

	w = f.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "director_devices_discovered_total")
}

func TestEventStream(t *testing.T) {
	f := setupTestAPI(t, Config{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return f.api.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	sent := events.Transition{
		UUID:   u1,
		From:   domain.StateDiscovered,
		To:     domain.StateManagementConfiguring,
		Reason: "bmc available",
		At:     testutil.Epoch,
	}
	f.bus.Publish(sent)

	var got events.Transition
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, sent.UUID, got.UUID)
	assert.Equal(t, sent.To, got.To)
	assert.Equal(t, sent.Reason, got.Reason)
	assert.True(t, sent.At.Equal(got.At))

	f.api.Close()
	_, _, err = conn.Read(ctx)
	assert.Error(t, err, "closing the API disconnects clients")
}

func TestTokens(t *testing.T) {
	token, err := IssueToken(secret, "operator", time.Hour, testutil.Epoch)
	require.NoError(t, err)

	claims, err := ValidateToken(secret, token, testutil.Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)

	_, err = ValidateToken(secret, token, testutil.Epoch.Add(2*time.Hour))
	assert.Error(t, err, "expired")

	_, err = ValidateToken([]byte("other"), token, testutil.Epoch)
	assert.Error(t, err, "wrong secret")
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		forward string
		remote  string
		want    string
		wantErr bool
	}{
		{"remote addr", "", "192.168.1.5:1234", "192.168.1.5", false},
		{"forwarded", "10.1.1.1, 10.2.2.2", "192.168.1.5:1234", "10.1.1.1", false},
		{"garbage forwarded", "nonsense", "192.168.1.5:1234", "192.168.1.5", false},
		{"malformed remote", "", "malformed-addr", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forward != "" {
				req.Header.Set("X-Forwarded-For", tt.forward)
			}
			got, err := extractClientIP(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
