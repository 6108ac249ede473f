package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/wtransport/internal/dispatch"
	"github.com/wolfeidau/wtransport/internal/endpoint"
	"github.com/wolfeidau/wtransport/internal/fingerprint"
	"github.com/wolfeidau/wtransport/internal/identity"
	"github.com/wolfeidau/wtransport/internal/origin"
	"github.com/wolfeidau/wtransport/internal/testutil"
	"github.com/wolfeidau/wtransport/internal/topology"
)

func newTestFactory(t *testing.T, opts ...Option) *Factory {
	t.Helper()
	f := New(append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func requireUDPPortFree(t *testing.T, port int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err, "port %d should not be bound", port)
	require.NoError(t, conn.Close())
}

func TestCreateServerReleaseAndRebind(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	certPath, keyPath := testutil.NewCert(t).WritePair(t, t.TempDir())
	port := testutil.FreeUDPPort(t)

	h, err := f.CreateServerFromFiles(ctx, port, certPath, keyPath, WithHost("127.0.0.1"))
	require.NoError(t, err)
	require.False(t, h.IsZero())

	addr, err := f.ServerAddr(ctx, h)
	require.NoError(t, err)
	require.Equal(t, port, addr.(*net.UDPAddr).Port)

	require.NoError(t, f.ReleaseServer(ctx, h))

	again, err := f.CreateServerFromFiles(ctx, port, certPath, keyPath, WithHost("127.0.0.1"))
	require.NoError(t, err)
	require.NotEqual(t, h, again)
	require.NoError(t, f.ReleaseServer(ctx, again))

	requireUDPPortFree(t, port)
}

func TestCreateServerPortCollision(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	certPath, keyPath := testutil.NewCert(t).WritePair(t, t.TempDir())
	port := testutil.FreeUDPPort(t)

	h, err := f.CreateServerFromFiles(ctx, port, certPath, keyPath, WithHost("127.0.0.1"))
	require.NoError(t, err)
	defer func() { require.NoError(t, f.ReleaseServer(ctx, h)) }()

	dup, err := f.CreateServerFromFiles(ctx, port, certPath, keyPath, WithHost("127.0.0.1"))
	require.Error(t, err)
	require.True(t, dup.IsZero())
	require.Equal(t, KindConstructionFailure, KindOf(err))
}

func TestCreateServerFromArchive(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	archive := testutil.NewCert(t).WriteArchive(t, t.TempDir(), "correct horse")
	port := testutil.FreeUDPPort(t)

	t.Run("wrong password binds nothing", func(t *testing.T) {
		h, err := f.CreateServerFromArchive(ctx, port, archive, "wrong-password", WithHost("127.0.0.1"))
		require.Error(t, err)
		require.True(t, h.IsZero())
		require.Equal(t, KindIdentityLoadFailure, KindOf(err))
		require.NotContains(t, err.Error(), "wrong-password")
		requireUDPPortFree(t, port)
	})

	t.Run("correct password", func(t *testing.T) {
		h, err := f.CreateServerFromArchive(ctx, port, archive, "correct horse", WithHost("127.0.0.1"))
		require.NoError(t, err)
		require.NoError(t, f.ReleaseServer(ctx, h))
	})
}

func TestCreateServerIdentityExclusivity(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	dir := t.TempDir()
	cert := testutil.NewCert(t)
	certPath, keyPath := cert.WritePair(t, dir)
	archive := cert.WriteArchive(t, dir, "pw")
	port := testutil.FreeUDPPort(t)

	tests := []struct {
		name                       string
		certPath, keyPath, archive string
		password                   string
		wantKind                   Kind
	}{
		{name: "both", certPath: certPath, keyPath: keyPath, archive: archive, password: "pw", wantKind: KindIdentityLoadFailure},
		{name: "neither", wantKind: KindIdentityLoadFailure},
		{name: "cert without key", certPath: certPath, wantKind: KindIdentityLoadFailure},
		{name: "pair with password", certPath: certPath, keyPath: keyPath, password: "pw", wantKind: KindIdentityLoadFailure},
		{name: "pair", certPath: certPath, keyPath: keyPath},
		{name: "archive", archive: archive, password: "pw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, err := identity.FromPaths(tt.certPath, tt.keyPath, tt.archive, []byte(tt.password))
			if tt.wantKind != KindUnknown {
				require.Equal(t, tt.wantKind, KindOf(err))
				requireUDPPortFree(t, port)
				return
			}
			require.NoError(t, err)

			h, err := f.CreateServer(ctx, port, source, WithHost("127.0.0.1"))
			require.NoError(t, err)
			require.NoError(t, f.ReleaseServer(ctx, h))
		})
	}

	t.Run("zero source", func(t *testing.T) {
		h, err := f.CreateServer(ctx, port, identity.Source{})
		require.True(t, h.IsZero())
		require.Equal(t, KindIdentityLoadFailure, KindOf(err))
		requireUDPPortFree(t, port)
	})
}

func TestCreateServerInvalidPort(t *testing.T) {
	f := newTestFactory(t)
	certPath, keyPath := testutil.NewCert(t).WritePair(t, t.TempDir())

	_, err := f.CreateServerFromFiles(context.Background(), 70000, certPath, keyPath)
	require.Equal(t, KindConstructionFailure, KindOf(err))
}

func TestCreateClientVerification(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	plain, err := f.CreateClient(ctx, "https://example.test:9090")
	require.NoError(t, err)
	empty, err := f.CreateClientWithParameters(ctx, "https://example.test:9090", ClientParameters{Fingerprints: []fingerprint.Record{}})
	require.NoError(t, err)

	plainInfo, err := f.ClientInfo(ctx, plain)
	require.NoError(t, err)
	emptyInfo, err := f.ClientInfo(ctx, empty)
	require.NoError(t, err)

	require.Equal(t, plainInfo.Verification, emptyInfo.Verification)
	require.False(t, plainInfo.Verification.Pinned())
	require.Equal(t, origin.Origin{Scheme: "https", Host: "example.test", Port: 9090}, plainInfo.Origin)
	require.Equal(t, endpoint.ClientIdle, plainInfo.State)

	require.NoError(t, f.ReleaseClient(ctx, plain))
	require.NoError(t, f.ReleaseClient(ctx, empty))
}

func TestCreateClientPinnedToServerLeaf(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	cert := testutil.NewCert(t)
	certPath, keyPath := cert.WritePair(t, t.TempDir())
	provider, err := identity.Load(identity.FilePair(certPath, keyPath))
	require.NoError(t, err)

	h, err := f.CreateClientWithParameters(ctx, "https://example.test:9090", ClientParameters{
		Fingerprints: []fingerprint.Record{provider.Fingerprint()},
	})
	require.NoError(t, err)

	info, err := f.ClientInfo(ctx, h)
	require.NoError(t, err)
	require.True(t, info.Verification.Pinned())
	require.NoError(t, info.Verification.Verify([][]byte{cert.DER}, time.Now()))

	other := testutil.NewCert(t)
	require.ErrorIs(t, info.Verification.Verify([][]byte{other.DER}, time.Now()), fingerprint.ErrNotPinned)
}

func TestCreateClientRejectsInvalidInput(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		url      string
		records  []fingerprint.Record
		wantKind Kind
	}{
		{name: "not a url", url: "://nope", wantKind: KindInvalidURL},
		{name: "http scheme", url: "http://example.test", wantKind: KindInvalidURL},
		{
			name:     "unsupported algorithm",
			url:      "https://example.test",
			records:  []fingerprint.Record{{Algorithm: fingerprint.Algorithm(99), Digest: make([]byte, 32)}},
			wantKind: KindUnsupportedFingerprintAlgorithm,
		},
		{
			name:     "short digest",
			url:      "https://example.test",
			records:  []fingerprint.Record{{Algorithm: fingerprint.SHA256, Digest: []byte{1, 2, 3}}},
			wantKind: KindInvalidFingerprint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := f.CreateClientWithParameters(ctx, tt.url, ClientParameters{Fingerprints: tt.records})
			require.Error(t, err)
			require.True(t, h.IsZero())
			require.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

func TestConcurrentCreateClient(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	const callers = 16
	handles := make([]ClientHandle, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.CreateClient(ctx, fmt.Sprintf("https://example.test:%d", 9000+i))
			if err != nil {
				t.Error(err)
				return
			}
			handles[i] = h
		}()
	}
	wg.Wait()

	seen := make(map[ClientHandle]struct{})
	for i, h := range handles {
		require.False(t, h.IsZero())
		seen[h] = struct{}{}

		info, err := f.ClientInfo(ctx, h)
		require.NoError(t, err)
		require.Equal(t, 9000+i, info.Origin.Port)
	}
	require.Len(t, seen, callers)
}

func TestInvalidHandles(t *testing.T) {
	f := newTestFactory(t)
	other := newTestFactory(t)
	ctx := context.Background()

	certPath, keyPath := testutil.NewCert(t).WritePair(t, t.TempDir())
	foreign, err := other.CreateServerFromFiles(ctx, 0, certPath, keyPath, WithHost("127.0.0.1"))
	require.NoError(t, err)
	foreignClient, err := other.CreateClient(ctx, "https://example.test")
	require.NoError(t, err)

	require.ErrorIs(t, f.ReleaseServer(ctx, ServerHandle{}), ErrInvalidHandle)
	require.ErrorIs(t, f.ReleaseServer(ctx, foreign), ErrInvalidHandle)
	require.ErrorIs(t, f.ReleaseClient(ctx, foreignClient), ErrInvalidHandle)
	require.ErrorIs(t, f.ConnectClient(ctx, ClientHandle{}), ErrInvalidHandle)
	_, err = f.ServerAddr(ctx, foreign)
	require.ErrorIs(t, err, ErrInvalidHandle)

	// the foreign server is untouched
	_, err = other.ServerAddr(ctx, foreign)
	require.NoError(t, err)

	h, err := f.CreateServerFromFiles(ctx, 0, certPath, keyPath, WithHost("127.0.0.1"))
	require.NoError(t, err)
	require.NoError(t, f.ReleaseServer(ctx, h))
	err = f.ReleaseServer(ctx, h)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.Equal(t, KindInvalidHandle, KindOf(err))

	c, err := f.CreateClient(ctx, "https://example.test")
	require.NoError(t, err)
	require.NoError(t, f.ReleaseClient(ctx, c))
	_, err = f.ClientInfo(ctx, c)
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestOperationsAfterClose(t *testing.T) {
	f := New(WithLogger(zerolog.Nop()))
	ctx := context.Background()

	certPath, keyPath := testutil.NewCert(t).WritePair(t, t.TempDir())
	port := testutil.FreeUDPPort(t)
	srv, err := f.CreateServerFromFiles(ctx, port, certPath, keyPath, WithHost("127.0.0.1"))
	require.NoError(t, err)
	c, err := f.CreateClient(ctx, "https://example.test")
	require.NoError(t, err)

	require.NoError(t, f.Close())

	// endpoints still registered were released
	requireUDPPortFree(t, port)

	_, err = f.CreateServerFromFiles(ctx, port, certPath, keyPath)
	require.Equal(t, KindTopologyUnavailable, KindOf(err))
	_, err = f.CreateClient(ctx, "https://example.test")
	require.Equal(t, KindTopologyUnavailable, KindOf(err))
	require.Equal(t, KindTopologyUnavailable, KindOf(f.ReleaseServer(ctx, srv)))
	require.Equal(t, KindTopologyUnavailable, KindOf(f.ReleaseClient(ctx, c)))

	require.ErrorIs(t, f.Close(), topology.ErrUnavailable)
}

func TestConstructTimeout(t *testing.T) {
	f := newTestFactory(t, WithConstructTimeout(50*time.Millisecond))

	// occupy the I/O loop
	release := make(chan struct{})
	require.NoError(t, f.topo.IO().Post(func() { <-release }))
	defer close(release)

	h, err := f.CreateClient(context.Background(), "https://example.test")
	require.True(t, h.IsZero())
	require.Equal(t, KindTopologyUnavailable, KindOf(err))
}

func TestCreateClientCanceled(t *testing.T) {
	f := newTestFactory(t, WithConstructTimeout(0))

	release := make(chan struct{})
	require.NoError(t, f.topo.IO().Post(func() { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.CreateClient(ctx, "https://example.test")
	close(release)
	require.Equal(t, KindCanceled, KindOf(err))

	// the abandoned client is discarded rather than left registered
	require.Eventually(t, func() bool {
		n, err := clientCount(f)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

func clientCount(f *Factory) (int, error) {
	count := make(chan int, 1)
	if err := f.topo.IO().Post(func() { count <- f.clients.len() }); err != nil {
		return 0, err
	}
	return <-count, nil
}

func TestDiscardAfterLoopStopped(t *testing.T) {
	f := New(WithLogger(zerolog.Nop()))
	require.NoError(t, f.Close())

	u, o, err := origin.Parse("https://example.test")
	require.NoError(t, err)

	// with the loop gone, discards run inline on the abandoning goroutines
	const n = 16
	handles := make([]ClientHandle, n)
	for i := range handles {
		c, err := endpoint.NewClient(endpoint.ClientConfig{
			URL:    u,
			Origin: o,
			IO:     f.topo.IO(),
			Events: f.topo.Event(),
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
		handles[i] = ClientHandle{id: f.clients.add(c), factory: f.id}
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.discardClient(h)
		}()
	}
	wg.Wait()

	require.Zero(t, f.clients.len())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{err: nil, want: KindUnknown},
		{err: errors.New("other"), want: KindUnknown},
		{err: fmt.Errorf("wrap: %w", identity.ErrUnavailable), want: KindIdentityLoadFailure},
		{err: fingerprint.ErrUnsupportedAlgorithm, want: KindUnsupportedFingerprintAlgorithm},
		{err: fingerprint.ErrInvalidDigest, want: KindInvalidFingerprint},
		{err: origin.ErrInvalidURL, want: KindInvalidURL},
		{err: topology.ErrUnavailable, want: KindTopologyUnavailable},
		{err: endpoint.ErrConstruction, want: KindConstructionFailure},
		{err: dispatch.ErrPanicked, want: KindConstructionFailure},
		{err: ErrInvalidHandle, want: KindInvalidHandle},
		{err: context.Canceled, want: KindCanceled},
		{err: context.DeadlineExceeded, want: KindCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
