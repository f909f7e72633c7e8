package directory

import (
	"context"
	"strings"
	"testing"
	"time"

	"sharefast_relay/internal/database"
	"sharefast_relay/internal/errs"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) (*Directory, *database.Store, *clock.Mock) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	store := database.NewStore(db)
	return New(store, Config{SessionTTL: 5 * time.Minute}, clk), store, clk
}

func register(t *testing.T, d *Directory, code, mode string) *Registration {
	t.Helper()
	reg, err := d.Register(context.Background(), RegisterRequest{Code: code, Mode: mode, IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	return reg
}

func TestRegister_ClientThenAdminLinks(t *testing.T) {
	d, store, _ := newTestDirectory(t)
	ctx := context.Background()

	client := register(t, d, "happy-cloud", database.ModeClient)
	assert.True(t, strings.HasPrefix(client.SessionID, "session_"))
	assert.False(t, client.Linked)

	admin := register(t, d, "happy-cloud", database.ModeAdmin)
	assert.True(t, admin.Linked)
	assert.Equal(t, client.SessionID, admin.PeerID)
	assert.Equal(t, "10.0.0.1", admin.PeerIP)
	assert.Equal(t, DefaultPort, admin.PeerPort)

	stored, err := store.GetSessionByID(ctx, client.SessionID)
	require.NoError(t, err)
	require.True(t, stored.HasPeer())
	assert.Equal(t, admin.SessionID, *stored.PeerID)
	assert.True(t, stored.Connected)
}

func TestRegister_Rejects(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, RegisterRequest{Code: "nohyphen", Mode: database.ModeClient})
	assert.ErrorIs(t, err, errs.ErrCodeFormatInvalid)

	_, err = d.Register(ctx, RegisterRequest{Code: "happy-cloud", Mode: "viewer"})
	assert.ErrorIs(t, err, errs.ErrInvalidMode)

	register(t, d, "happy-cloud", database.ModeClient)
	_, err = d.Register(ctx, RegisterRequest{Code: "Happy-Cloud ", Mode: database.ModeClient})
	assert.ErrorIs(t, err, errs.ErrCodeInUse)
}

func TestRegister_ExpiredClientFreesCode(t *testing.T) {
	d, _, clk := newTestDirectory(t)

	register(t, d, "happy-cloud", database.ModeClient)
	clk.Add(6 * time.Minute)
	register(t, d, "happy-cloud", database.ModeClient)
}

func TestRegister_SecondAdminSupersedesFirst(t *testing.T) {
	d, store, _ := newTestDirectory(t)
	ctx := context.Background()

	client := register(t, d, "happy-cloud", database.ModeClient)
	first := register(t, d, "happy-cloud", database.ModeAdmin)
	second := register(t, d, "happy-cloud", database.ModeAdmin)

	assert.Equal(t, []string{first.SessionID}, second.Superseded)
	_, err := store.GetSessionByID(ctx, first.SessionID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	peer, err := d.Query(ctx, client.SessionID, "happy-cloud")
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, peer)
}

func TestQuery_ResolutionOrder(t *testing.T) {
	d, store, _ := newTestDirectory(t)
	ctx := context.Background()

	// Admin first: nobody to link with yet.
	admin := register(t, d, "brave-otter", database.ModeAdmin)
	peer, err := d.Query(ctx, admin.SessionID, "brave-otter")
	require.NoError(t, err)
	assert.Empty(t, peer)

	// A client arrives later; the admin finds it by opposite mode.
	client := register(t, d, "brave-otter", database.ModeClient)
	peer, err = d.Query(ctx, admin.SessionID, "brave-otter")
	require.NoError(t, err)
	assert.Equal(t, client.SessionID, peer)

	stored, err := store.GetSessionByID(ctx, admin.SessionID)
	require.NoError(t, err)
	require.True(t, stored.HasPeer())
	assert.Equal(t, client.SessionID, *stored.PeerID)

	// The client resolves the admin through the reverse link.
	peer, err = d.Query(ctx, client.SessionID, "")
	require.NoError(t, err)
	assert.Equal(t, admin.SessionID, peer)
}

func TestQuery_UnknownSession(t *testing.T) {
	d, _, _ := newTestDirectory(t)

	peer, err := d.Query(context.Background(), "session_missing", "happy-cloud")
	require.NoError(t, err)
	assert.Empty(t, peer)
}

func TestKeepalive(t *testing.T) {
	d, store, clk := newTestDirectory(t)
	ctx := context.Background()

	client := register(t, d, "happy-cloud", database.ModeClient)
	admin := register(t, d, "happy-cloud", database.ModeAdmin)

	clk.Add(4 * time.Minute)
	require.NoError(t, d.Keepalive(ctx, client.SessionID, "happy-cloud", "192.168.1.5", 9000))

	stored, err := store.GetSessionByID(ctx, client.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", stored.IPAddress)
	assert.Equal(t, 9000, stored.Port)
	assert.Equal(t, clk.Now().Add(5*time.Minute).UnixMilli(), stored.ExpiresAt)

	clk.Add(4 * time.Minute)
	peer, err := d.Query(ctx, client.SessionID, "happy-cloud")
	require.NoError(t, err)
	assert.Equal(t, admin.SessionID, peer)

	err = d.Keepalive(ctx, admin.SessionID, "happy-cloud", "", 0)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	err = d.Keepalive(ctx, client.SessionID, "other-code", "", 0)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestDisconnect_AdminLeavesClient(t *testing.T) {
	d, store, _ := newTestDirectory(t)
	ctx := context.Background()

	client := register(t, d, "happy-cloud", database.ModeClient)
	admin := register(t, d, "happy-cloud", database.ModeAdmin)

	removed, err := d.Disconnect(ctx, admin.SessionID, "happy-cloud")
	require.NoError(t, err)
	assert.Equal(t, []string{admin.SessionID}, removed)

	stored, err := store.GetSessionByID(ctx, client.SessionID)
	require.NoError(t, err)
	assert.False(t, stored.HasPeer())
	assert.False(t, stored.Connected)

	// Idempotent.
	removed, err = d.Disconnect(ctx, admin.SessionID, "happy-cloud")
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestDisconnect_ClientTearsDownPairing(t *testing.T) {
	d, store, _ := newTestDirectory(t)
	ctx := context.Background()

	client := register(t, d, "happy-cloud", database.ModeClient)
	admin := register(t, d, "happy-cloud", database.ModeAdmin)

	removed, err := d.Disconnect(ctx, client.SessionID, "happy-cloud")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{client.SessionID, admin.SessionID}, removed)

	for _, id := range removed {
		_, err := store.GetSessionByID(ctx, id)
		assert.ErrorIs(t, err, database.ErrNotFound)
	}
}

func TestReconnectAutonomous(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	client, err := d.Register(ctx, RegisterRequest{
		Code: "quiet-river", Mode: database.ModeClient, IPAddress: "10.1.1.1", Port: 7000, AllowAutonomous: true,
	})
	require.NoError(t, err)
	admin := register(t, d, "quiet-river", database.ModeAdmin)

	rc, err := d.ReconnectAutonomous(ctx, admin.SessionID)
	require.NoError(t, err)
	assert.True(t, rc.Allowed)
	assert.Equal(t, client.SessionID, rc.PeerSessionID)
	assert.Equal(t, "10.1.1.1", rc.PeerIP)
	assert.Equal(t, 7000, rc.PeerPort)

	other := register(t, d, "loud-river", database.ModeClient)
	otherAdmin := register(t, d, "loud-river", database.ModeAdmin)
	require.NotEmpty(t, other.SessionID)
	rc, err = d.ReconnectAutonomous(ctx, otherAdmin.SessionID)
	require.NoError(t, err)
	assert.False(t, rc.Allowed)
}

func TestValidateCode(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	status, err := d.ValidateCode(ctx, "happy-cloud")
	require.NoError(t, err)
	assert.Equal(t, &CodeStatus{Valid: false, Message: "Code not found"}, status)

	register(t, d, "happy-cloud", database.ModeClient)
	status, err = d.ValidateCode(ctx, "happy-cloud")
	require.NoError(t, err)
	assert.True(t, status.Valid)

	register(t, d, "happy-cloud", database.ModeAdmin)
	status, err = d.ValidateCode(ctx, "happy-cloud")
	require.NoError(t, err)
	assert.Equal(t, "Code already in use", status.Message)

	register(t, d, "lonely-admin", database.ModeAdmin)
	status, err = d.ValidateCode(ctx, "lonely-admin")
	require.NoError(t, err)
	assert.Equal(t, "Invalid code type", status.Message)

	_, err = d.ValidateCode(ctx, "x")
	assert.ErrorIs(t, err, errs.ErrCodeFormatInvalid)
}

func TestListClients(t *testing.T) {
	d, _, clk := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, RegisterRequest{Code: "happy-cloud", Mode: database.ModeClient, AdminEmail: "Ops@Example.com"})
	require.NoError(t, err)
	stale := register(t, d, "stale-cloud", database.ModeClient)
	register(t, d, "happy-cloud", database.ModeAdmin)

	clients, err := d.ListClients(ctx, "")
	require.NoError(t, err)
	assert.Len(t, clients, 2)

	clients, err = d.ListClients(ctx, "ops@example.com")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "happy-cloud", clients[0].Code)
	assert.Equal(t, int64(300), clients[0].TimeRemaining)

	// Past the registration window only clients with keepalives remain.
	clk.Add(3 * time.Minute)
	require.NoError(t, d.Keepalive(ctx, clients[0].SessionID, "happy-cloud", "", 0))
	clients, err = d.ListClients(ctx, "")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.NotEqual(t, stale.SessionID, clients[0].SessionID)
}

func TestTerminate(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	register(t, d, "happy-cloud", database.ModeClient)
	register(t, d, "happy-cloud", database.ModeAdmin)

	res, err := d.Terminate(ctx, "happy-cloud")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sessions)

	res, err = d.Terminate(ctx, "happy-cloud")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sessions)
}

func TestSweep(t *testing.T) {
	d, store, clk := newTestDirectory(t)
	ctx := context.Background()

	client := register(t, d, "happy-cloud", database.ModeClient)
	admin := register(t, d, "happy-cloud", database.ModeAdmin)

	removed, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)

	clk.Add(6 * time.Minute)
	removed, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{client.SessionID, admin.SessionID}, removed)

	_, err = store.GetSessionByID(ctx, client.SessionID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSweep_ReissuedCodeSurvives(t *testing.T) {
	d, store, clk := newTestDirectory(t)
	ctx := context.Background()

	stale := register(t, d, "happy-cloud", database.ModeClient)
	clk.Add(6 * time.Minute)
	fresh := register(t, d, "happy-cloud", database.ModeClient)

	removed, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.SessionID}, removed)

	_, err = store.GetSessionByID(ctx, fresh.SessionID)
	assert.NoError(t, err)
}

func TestDisconnect_StaleClientLeavesReissuedPairing(t *testing.T) {
	d, store, clk := newTestDirectory(t)
	ctx := context.Background()

	stale := register(t, d, "happy-cloud", database.ModeClient)
	oldAdmin := register(t, d, "happy-cloud", database.ModeAdmin)
	clk.Add(6 * time.Minute)
	fresh := register(t, d, "happy-cloud", database.ModeClient)
	admin := register(t, d, "happy-cloud", database.ModeAdmin)
	require.Equal(t, fresh.SessionID, admin.PeerID)

	removed, err := d.Disconnect(ctx, stale.SessionID, "happy-cloud")
	require.NoError(t, err)
	assert.NotContains(t, removed, fresh.SessionID)
	assert.NotContains(t, removed, admin.SessionID)

	_, err = store.GetSessionByID(ctx, oldAdmin.SessionID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	for _, id := range []string{fresh.SessionID, admin.SessionID} {
		_, err := store.GetSessionByID(ctx, id)
		assert.NoError(t, err)
	}
}
