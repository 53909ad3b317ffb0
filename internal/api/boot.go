package api

import (
	"bytes"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/blob"
	"github.com/jbweber/homelab/director/internal/lifecycle"
	"github.com/jbweber/homelab/director/internal/metrics"
	"github.com/jbweber/homelab/director/internal/netboot"
	"github.com/jbweber/homelab/director/internal/registry"
)

// Boot serves iPXE scripts and the artifacts they reference.
type Boot struct {
	registry  *registry.Registry
	machine   EventHandler
	blobs     blob.Storage
	publicURL string
	logger    *zap.Logger
}

func NewBoot(reg *registry.Registry, machine EventHandler, blobs blob.Storage, publicURL string, logger *zap.Logger) *Boot {
	return &Boot{registry: reg, machine: machine, blobs: blobs, publicURL: publicURL, logger: logger}
}

func (b *Boot) baseURL(r *http.Request) string {
	if b.publicURL != "" {
		return b.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// IPXEHandler handles GET /boot/ipxe.
//
// Without a uuid parameter the response chains back here with the
// firmware's UUID and MAC filled in. With them, the device is resolved and
// the script for its lifecycle state is returned.
func (b *Boot) IPXEHandler(w http.ResponseWriter, r *http.Request) {
	base := b.baseURL(r)
	q := r.URL.Query()
	if !q.Has("uuid") {
		writeScript(w, b.logger, netboot.ChainScript(base))
		return
	}

	id := q.Get("uuid")
	if id == "" {
		http.Error(w, "uuid is required", http.StatusBadRequest)
		return
	}
	// Firmware without an SMBIOS UUID reports the nil UUID.
	if id == uuid.Nil.String() {
		id = ""
	}
	sighting := registry.Sighting{UUID: id, MAC: q.Get("mac")}

	client, err := extractClientIP(r)
	if err != nil {
		client = r.RemoteAddr
	}
	log := b.logger.With(zap.String("uuid", id), zap.String("mac", sighting.MAC), zap.String("client", client))

	handle, err := b.registry.ResolveOrCreate(r.Context(), sighting)
	if err != nil {
		log.Warn("boot request refused", zap.Error(err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	res, err := b.machine.HandleEvent(r.Context(), lifecycle.NetbootRequest{Handle: handle})
	if err != nil {
		log.Error("boot request failed", zap.Error(err))
		http.Error(w, "boot request failed", statusFor(err))
		return
	}

	log.Info("serving boot script",
		zap.String("device", res.Device.UUID),
		zap.String("state", string(res.Device.State)),
		zap.String("artifact", string(res.Artifact.Kind)),
	)
	metrics.BootRequestsTotal.WithLabelValues("http", string(res.Artifact.Kind)).Inc()
	writeScript(w, b.logger, netboot.Script(res.Artifact, base))
}

// ArtifactHandler handles GET /boot/artifacts/*. Responses carry the
// artifact's BLAKE3 digest as ETag and honor conditional and range
// requests.
func (b *Boot) ArtifactHandler(w http.ResponseWriter, r *http.Request) {
	key, err := blob.CleanKey(chi.URLParam(r, "*"))
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	data, err := b.blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		b.logger.Error("failed to read artifact", zap.String("key", key), zap.Error(err))
		http.Error(w, "failed to read artifact", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", `"`+blob.Digest(data)+`"`)
	w.Header().Set("Cache-Control", "no-cache")
	metrics.BootRequestsTotal.WithLabelValues("http", path.Base(key)).Inc()
	http.ServeContent(w, r, path.Base(key), time.Time{}, bytes.NewReader(data))
}

func writeScript(w http.ResponseWriter, logger *zap.Logger, script string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(script)); err != nil {
		logger.Warn("failed to write boot script", zap.Error(err))
	}
}
