package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/metadata"
	"github.com/abdelmounim-dev/edge-gateway/registry"
	"github.com/abdelmounim-dev/edge-gateway/session"
)

type fakeConn struct {
	id   string
	sess *session.Session
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, sess: session.New(id)}
}

func (c *fakeConn) ID() string                      { return c.id }
func (c *fakeConn) Session() *session.Session       { return c.sess }
func (c *fakeConn) Send(context.Context, any) error { return nil }

// danglingResolver resolves every credential to an edge the store does not know.
type danglingResolver struct{}

func (danglingResolver) ResolveDeviceForCredential(context.Context, string) (string, bool, error) {
	return "ghost", true, nil
}

func (danglingResolver) RegisterDevice(context.Context, string, string, string) (string, bool, error) {
	return "", false, nil
}

type failingResolver struct{ err error }

func (r failingResolver) ResolveDeviceForCredential(context.Context, string) (string, bool, error) {
	return "", false, r.err
}

func (r failingResolver) RegisterDevice(context.Context, string, string, string) (string, bool, error) {
	return "", false, r.err
}

type fixture struct {
	store    *metadata.MemoryStore
	registry *registry.Registry
	presence *metadata.Presence
}

func newFixture() *fixture {
	store := metadata.NewMemoryStore()
	store.Add(metadata.NewEdge("edge0", "k1", "", metadata.MustParseVersion("2018.7.0")))
	presence := metadata.NewPresence()
	return &fixture{
		store:    store,
		registry: registry.New(presence, zap.NewNop()),
		presence: presence,
	}
}

func (f *fixture) handshake(resolver metadata.IdentityResolver, opts Options) *Handshake {
	if resolver == nil {
		resolver = f.store
	}
	return NewHandshake(resolver, f.store, f.registry, f.presence, opts, zap.NewNop())
}

func TestHandshake_Authenticate(t *testing.T) {
	tests := []struct {
		name     string
		resolver metadata.IdentityResolver
		opts     Options
		payload  Payload
		wantErr  error
		wantEdge string
	}{
		{
			name:     "known credential",
			payload:  Payload{Credential: "k1"},
			wantEdge: "edge0",
		},
		{
			name:    "missing credential",
			payload: Payload{HardwareID: "00:11:22:33:44:55"},
			wantErr: ErrMissingCredential,
		},
		{
			name:    "unknown credential without hardware id",
			opts:    Options{AutoProvision: true},
			payload: Payload{Credential: "nope"},
			wantErr: ErrAuthenticationFailed,
		},
		{
			name:    "unknown credential with provisioning disabled",
			payload: Payload{Credential: "nope", HardwareID: "00:11:22:33:44:55"},
			wantErr: ErrAuthenticationFailed,
		},
		{
			name:    "auto provisioned",
			opts:    Options{AutoProvision: true},
			payload: Payload{Credential: "fresh", HardwareID: "00:11:22:33:44:55", Version: "2024.1.0"},
		},
		{
			name:     "resolved edge missing from store",
			resolver: danglingResolver{},
			payload:  Payload{Credential: "k1"},
			wantErr:  ErrUnknownDevice,
		},
		{
			name:     "resolver failure",
			resolver: failingResolver{err: errors.New("db down")},
			payload:  Payload{Credential: "k1"},
			wantErr:  ErrAuthenticationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			h := f.handshake(tt.resolver, tt.opts)
			conn := newFakeConn("c1")

			rec, err := h.Authenticate(context.Background(), conn, tt.payload)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, rec)
				assert.False(t, conn.Session().IsAuthenticated())
				assert.Empty(t, f.registry.OnlineEdges())
				return
			}

			require.NoError(t, err)
			if tt.wantEdge != "" {
				assert.Equal(t, tt.wantEdge, rec.ID())
			}
			edgeID, ok := conn.Session().EdgeID()
			require.True(t, ok)
			assert.Equal(t, rec.ID(), edgeID)
			assert.Equal(t, tt.payload.Credential, conn.Session().Credential())
			assert.True(t, f.registry.IsOnline(edgeID))
			assert.True(t, rec.IsOnline())
			assert.False(t, rec.LastContact().IsZero())
		})
	}
}

func TestHandshake_RecordsVersion(t *testing.T) {
	f := newFixture()
	h := f.handshake(nil, Options{})

	rec, err := h.Authenticate(context.Background(), newFakeConn("c1"), Payload{Credential: "k1", Version: "2019.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "2019.2.0", rec.Version().String())

	// Garbage versions keep the stored one.
	rec, err = h.Authenticate(context.Background(), newFakeConn("c2"), Payload{Credential: "k1", Version: "latest"})
	require.NoError(t, err)
	assert.Equal(t, "2019.2.0", rec.Version().String())
}

func TestHandshake_ProvisionRateLimit(t *testing.T) {
	f := newFixture()
	h := f.handshake(nil, Options{AutoProvision: true, ProvisionRatePerMinute: 1})
	ctx := context.Background()

	_, err := h.Authenticate(ctx, newFakeConn("c1"), Payload{Credential: "a", HardwareID: "hw-a"})
	require.NoError(t, err)

	_, err = h.Authenticate(ctx, newFakeConn("c2"), Payload{Credential: "b", HardwareID: "hw-b"})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestHandshake_SessionAuthenticatedOnce(t *testing.T) {
	f := newFixture()
	f.store.Add(metadata.NewEdge("edge1", "k2", "", metadata.Version{}))
	h := f.handshake(nil, Options{})
	conn := newFakeConn("c1")

	_, err := h.Authenticate(context.Background(), conn, Payload{Credential: "k1"})
	require.NoError(t, err)

	_, err = h.Authenticate(context.Background(), conn, Payload{Credential: "k2"})
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	edgeID, _ := conn.Session().EdgeID()
	assert.Equal(t, "edge0", edgeID)
	assert.False(t, f.registry.IsOnline("edge1"))
}

func TestHandshake_LastContactFromClock(t *testing.T) {
	f := newFixture()
	h := f.handshake(nil, Options{})
	fixed := time.Now().Add(time.Hour)
	h.now = func() time.Time { return fixed }

	rec, err := h.Authenticate(context.Background(), newFakeConn("c1"), Payload{Credential: "k1"})
	require.NoError(t, err)
	assert.False(t, rec.LastContact().Before(fixed))
}

func TestCloseReason(t *testing.T) {
	jwtLike := "eyJhbGciOiJIUzI1NiJ9." + strings.Repeat("a", 180)
	cause := fmt.Errorf("%w: token is expired", ErrAuthenticationFailed)

	tests := []struct {
		name       string
		credential string
		err        error
		wantCred   string
	}{
		{name: "short credential", credential: "k1", err: ErrUnknownDevice, wantCred: "[k1]"},
		{name: "jwt credential", credential: jwtLike, err: cause, wantCred: "[eyJhbGciOiJIUzI1NiJ9."},
		{name: "multibyte credential", credential: strings.Repeat("ü", 100), err: cause, wantCred: "[üüüü"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := CloseReason(tt.credential, tt.err)
			assert.LessOrEqual(t, len(reason), maxReasonLen)
			assert.True(t, utf8.ValidString(reason))
			assert.Contains(t, reason, tt.wantCred)
			assert.True(t, strings.HasSuffix(reason, tt.err.Error()), reason)
		})
	}
}
