// Package auth runs the handshake that turns a fresh edge connection into an
// authenticated, registered one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/abdelmounim-dev/edge-gateway/metadata"
	"github.com/abdelmounim-dev/edge-gateway/metrics"
	"github.com/abdelmounim-dev/edge-gateway/registry"
)

var (
	ErrMissingCredential    = errors.New("missing credential")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUnknownDevice        = errors.New("unknown device")
)

// Payload is what an edge presents when it connects.
type Payload struct {
	Credential string
	HardwareID string
	Version    string
}

type Options struct {
	AutoProvision bool
	// ProvisionRatePerMinute caps auto-provisioning across all connections.
	// Zero or less means unlimited.
	ProvisionRatePerMinute int
}

// Handshake authenticates connections against the metadata collaborators and
// registers them on success.
type Handshake struct {
	resolver  metadata.IdentityResolver
	devices   metadata.DeviceStore
	registry  *registry.Registry
	presence  *metadata.Presence
	provision bool
	limiter   *rate.Limiter
	now       func() time.Time
	log       *zap.Logger
}

func NewHandshake(resolver metadata.IdentityResolver, devices metadata.DeviceStore, reg *registry.Registry,
	presence *metadata.Presence, opts Options, log *zap.Logger) *Handshake {
	limit := rate.Inf
	burst := 1
	if opts.ProvisionRatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.ProvisionRatePerMinute))
		burst = opts.ProvisionRatePerMinute
	}
	return &Handshake{
		resolver:  resolver,
		devices:   devices,
		registry:  reg,
		presence:  presence,
		provision: opts.AutoProvision,
		limiter:   rate.NewLimiter(limit, burst),
		now:       time.Now,
		log:       log,
	}
}

// Authenticate resolves the payload to an edge, authenticates the
// connection's session and registers the connection. The returned error wraps
// one of ErrMissingCredential, ErrAuthenticationFailed or ErrUnknownDevice;
// on error nothing was registered and the caller must close the connection.
func (h *Handshake) Authenticate(ctx context.Context, conn registry.Conn, p Payload) (metadata.DeviceRecord, error) {
	rec, err := h.authenticate(ctx, conn, p)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(failureReason(err)).Inc()
		h.log.Warn("Handshake failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		return nil, err
	}
	metrics.AuthSuccess.Inc()
	h.log.Info("Edge authenticated", zap.String("edge_id", rec.ID()), zap.String("conn_id", conn.ID()))
	return rec, nil
}

func (h *Handshake) authenticate(ctx context.Context, conn registry.Conn, p Payload) (metadata.DeviceRecord, error) {
	if p.Credential == "" {
		return nil, ErrMissingCredential
	}

	edgeID, ok, err := h.resolver.ResolveDeviceForCredential(ctx, p.Credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if !ok {
		edgeID, err = h.provisionDevice(ctx, p)
		if err != nil {
			return nil, err
		}
	}

	rec, ok, err := h.devices.LookupDevice(ctx, edgeID)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrAuthenticationFailed, edgeID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, edgeID)
	}

	if p.Version != "" {
		if v, err := metadata.ParseVersion(p.Version); err == nil {
			rec.SetVersion(v)
		} else {
			h.log.Debug("Ignoring unparsable edge version", zap.String("edge_id", edgeID), zap.String("version", p.Version))
		}
	}

	if err := conn.Session().Authenticate(edgeID, p.Credential); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	rec.SetLastContact(h.now())
	h.presence.Track(rec)
	h.registry.Register(edgeID, conn)
	return rec, nil
}

func (h *Handshake) provisionDevice(ctx context.Context, p Payload) (string, error) {
	if p.HardwareID == "" || !h.provision {
		return "", ErrAuthenticationFailed
	}
	if !h.limiter.Allow() {
		return "", fmt.Errorf("%w: provisioning rate exceeded", ErrAuthenticationFailed)
	}
	edgeID, ok, err := h.resolver.RegisterDevice(ctx, p.Credential, p.HardwareID, p.Version)
	if err != nil {
		return "", fmt.Errorf("%w: register device: %v", ErrAuthenticationFailed, err)
	}
	if !ok {
		return "", ErrAuthenticationFailed
	}
	h.log.Info("Auto-provisioned edge", zap.String("edge_id", edgeID), zap.String("hardware_id", p.HardwareID))
	return edgeID, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	default:
		return "authentication_failed"
	}
}

const (
	// maxReasonLen is what a websocket close frame can carry.
	maxReasonLen  = 123
	minCredential = 8
)

// CloseReason is the text sent with the close frame of a rejected connection.
// Long credentials, such as JWTs, are abbreviated so the cause still fits.
func CloseReason(credential string, err error) string {
	reason := fmt.Sprintf("Connection with credential [%s] failed: %v", credential, err)
	over := len(reason) - maxReasonLen
	if over <= 0 {
		return reason
	}
	keep := len(credential) - over - len("...")
	if keep < minCredential {
		keep = minCredential
	}
	if keep >= len(credential) {
		return reason
	}
	return fmt.Sprintf("Connection with credential [%s...] failed: %v", abbreviate(credential, keep), err)
}

// abbreviate cuts s to at most n bytes without splitting a rune.
func abbreviate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
