package freelancosdk_test

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/bridge"
	"freelanco/internal/config"
	"freelanco/internal/db"
	"freelanco/internal/domain"
	"freelanco/internal/engine"
	"freelanco/internal/migrate"
	"freelanco/internal/server"
	freelancosdk "freelanco/sdk/go"
)

func newServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Compute.DONPublicKey, cfg.Compute.DONPrivateKey, err = bridge.GenerateKeys()
	require.NoError(t, err)
	e, err := engine.New(conn, cfg, engine.Options{})
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret", DevMode: true, AllowActorHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func TestClientDisputeFlow(t *testing.T) {
	srv, e := newServer(t)
	ctx := context.Background()
	_, err := e.Fund(ctx, "faucet", "client", domain.MustAmount("5eth"))
	require.NoError(t, err)
	nft, err := e.Issuer.RequestNft(ctx, "client", e.Config.MintFee())
	require.NoError(t, err)
	_, err = e.Issuer.FulfillRandomWords(ctx, e.Config.Addresses.VRFCoordinator, nft.ID, []*big.Int{big.NewInt(50)})
	require.NoError(t, err)
	gig, err := e.Escrow.MintGig(ctx, "freelancer", "")
	require.NoError(t, err)

	client := freelancosdk.New(srv.URL)
	client.ActorID = "client"
	offer, err := client.SendOffer(ctx, gig.ID, "logo", "1eth")
	require.NoError(t, err)
	assert.Equal(t, "proposed", offer.State)

	freelancer := freelancosdk.New(srv.URL)
	freelancer.ActorID = "freelancer"
	offer, err = freelancer.ApproveOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", offer.State)

	d, err := client.Dispute(ctx, offer.ID, "logo never arrived")
	require.NoError(t, err)
	p, err := client.Proposal(ctx, d.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, "pending", p.State)
	assert.Contains(t, p.Description, "logo never arrived")

	// voting has not opened yet
	_, err = client.Vote(ctx, d.ProposalID, 1, "")
	var apiErr *freelancosdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state", apiErr.Code)

	// the freelancer holds no credential
	_, err = freelancer.Vote(ctx, d.ProposalID, 0, "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	page, err := client.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)
}
