package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/bridge"
	"freelanco/internal/config"
	"freelanco/internal/db"
	"freelanco/internal/domain"
	"freelanco/internal/engine"
	"freelanco/internal/metrics"
	"freelanco/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, AuthConfig{JWTSecret: testSecret, DevMode: true, AllowActorHeader: true})
}

func newTestServerWith(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Compute.DONPublicKey, cfg.Compute.DONPrivateKey, err = bridge.GenerateKeys()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	e, err := engine.New(conn, cfg, engine.Options{Metrics: metrics.New(reg)})
	require.NoError(t, err)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     authCfg,
		Gatherer: reg,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{}}
}

func as(address string) map[string]string {
	return map[string]string{"X-Actor-Id": address}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

// call performs a request, asserts the status and decodes the body into out.
func (s *testServer) call(t *testing.T, method, path, actor string, body any, status int, out any) []byte {
	t.Helper()
	var headers map[string]string
	if actor != "" {
		headers = as(actor)
	}
	res, data := doJSON(t, s.client, method, s.URL+"/v0"+path, body, headers)
	require.Equal(t, status, res.StatusCode, "%s %s: %s", method, path, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
	return data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Error.Code
}

// disputed funds a client, mints a gig and escrows a disputed 10 ETH offer.
func (s *testServer) disputed(t *testing.T) (domain.Offer, domain.Dispute) {
	t.Helper()
	s.call(t, http.MethodPost, "/wallets/client/fund", "faucet", map[string]any{"amount": "100eth"}, http.StatusOK, nil)
	var gig domain.Gig
	s.call(t, http.MethodPost, "/gigs", "freelancer", map[string]any{"uri": "ipfs://gig"}, http.StatusCreated, &gig)
	var offer domain.Offer
	s.call(t, http.MethodPost, "/offers", "client", map[string]any{
		"gig_id": gig.ID,
		"terms":  "Deliver a video by Friday",
		"amount": "10eth",
	}, http.StatusCreated, &offer)
	assert.Equal(t, "freelancer", offer.Freelancer)
	offerPath := "/offers/" + strconv.FormatInt(offer.ID, 10)
	s.call(t, http.MethodPost, offerPath+"/approve", "freelancer", nil, http.StatusOK, nil)
	var d domain.Dispute
	s.call(t, http.MethodPost, offerPath+"/dispute", "client", map[string]any{"reason": "no video"}, http.StatusCreated, &d)
	return offer, d
}

func (s *testServer) credential(t *testing.T, voter, word string) domain.Credential {
	t.Helper()
	s.call(t, http.MethodPost, "/wallets/"+voter+"/fund", "faucet", map[string]any{"amount": "1eth"}, http.StatusOK, nil)
	var req domain.RandomnessRequest
	s.call(t, http.MethodPost, "/credentials", voter, map[string]any{}, http.StatusAccepted, &req)
	var cred domain.Credential
	s.call(t, http.MethodPost, "/randomness/"+req.ID+"/fulfill", s.Engine.Config.Addresses.VRFCoordinator,
		map[string]any{"words": []string{word}}, http.StatusOK, &cred)
	return cred
}

func (s *testServer) mine(t *testing.T, blocks int64) {
	t.Helper()
	s.call(t, http.MethodPost, "/chain/mine", "miner", map[string]any{"blocks": blocks}, http.StatusOK, nil)
}

func TestDisputeLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.Engine.Config

	cred := srv.credential(t, "voter", "15")
	assert.Equal(t, 1, cred.Tier)

	// the randomness endpoint is coordinator only
	var req domain.RandomnessRequest
	srv.call(t, http.MethodPost, "/credentials", "voter", map[string]any{}, http.StatusAccepted, &req)
	data := srv.call(t, http.MethodPost, "/randomness/"+req.ID+"/fulfill", "voter", map[string]any{"words": []string{"1"}}, http.StatusForbidden, nil)
	assert.Equal(t, "forbidden", errorCode(t, data))

	offer, d := srv.disputed(t)
	proposalPath := "/proposals/" + d.ProposalID

	data = srv.call(t, http.MethodPost, proposalPath+"/votes", "voter", map[string]any{"support": 1}, http.StatusConflict, nil)
	assert.Equal(t, "invalid_state", errorCode(t, data))

	srv.mine(t, 2)
	srv.call(t, http.MethodPost, proposalPath+"/votes", "outsider", map[string]any{"support": 1}, http.StatusForbidden, nil)
	srv.call(t, http.MethodPost, proposalPath+"/votes", "voter", map[string]any{"support": 7}, http.StatusBadRequest, nil)

	var vote domain.Vote
	srv.call(t, http.MethodPost, proposalPath+"/votes", "voter", map[string]any{"support": 1, "reason": "client is right"}, http.StatusCreated, &vote)
	assert.Equal(t, cfg.Tiers.Weights[1], vote.Weight)

	// funds stay with governance while the vote runs
	offerPath := "/offers/" + strconv.FormatInt(offer.ID, 10)
	data = srv.call(t, http.MethodPost, offerPath+"/disputed-funds", "client", nil, http.StatusForbidden, nil)
	assert.Equal(t, "not_owner", errorCode(t, data))

	srv.mine(t, cfg.Protocol.VotingPeriod)
	var p ProposalResponse
	srv.call(t, http.MethodGet, proposalPath, "client", nil, http.StatusOK, &p)
	assert.Equal(t, domain.ProposalSucceeded, p.State)
	require.Len(t, p.Votes, 1)
	assert.Empty(t, p.ComputeRequests)

	var queued domain.Proposal
	srv.call(t, http.MethodPost, proposalPath+"/queue", "anyone", map[string]any{}, http.StatusOK, &queued)
	require.NotNil(t, queued.ETA)
	srv.call(t, http.MethodPost, proposalPath+"/execute", "anyone", map[string]any{}, http.StatusConflict, nil)

	srv.call(t, http.MethodPost, "/chain/advance", "clock", map[string]any{"seconds": cfg.Protocol.TimelockDelay}, http.StatusOK, nil)
	var executed domain.Proposal
	srv.call(t, http.MethodPost, proposalPath+"/execute", "anyone", map[string]any{}, http.StatusOK, &executed)
	assert.Equal(t, domain.ProposalExecuted, executed.State)

	var wallet domain.Wallet
	srv.call(t, http.MethodGet, "/wallets/client", "client", nil, http.StatusOK, &wallet)
	assert.Equal(t, domain.MustAmount("100eth").String(), wallet.Balance)

	var rep domain.Reputation
	srv.call(t, http.MethodGet, "/reputation/client", "client", nil, http.StatusOK, &rep)
	assert.Equal(t, cfg.Reputation.DisputeReward, rep.Score)

	var chain ChainResponse
	srv.call(t, http.MethodGet, "/chain", "client", nil, http.StatusOK, &chain)
	assert.Equal(t, chain.EscrowOwed, chain.EscrowHeld)

	var events paginatedEvents
	srv.call(t, http.MethodGet, "/events?entity_kind=proposal&limit=2", "client", nil, http.StatusOK, &events)
	assert.Len(t, events.Items, 2)
	assert.NotEmpty(t, events.NextCursor)
	srv.call(t, http.MethodGet, "/events?cursor=abc", "client", nil, http.StatusBadRequest, nil)
}

func TestOracleFulfillOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.Engine.Config
	srv.credential(t, "voter", "50")
	_, d := srv.disputed(t)
	proposalPath := "/proposals/" + d.ProposalID

	body := map[string]any{
		"secrets":         map[string]string{bridge.SecretAPIKey: "sk-test"},
		"args":            []string{"Client: where is my video?\n\nVote:"},
		"subscription_id": 1,
		"gas_limit":       300000,
	}
	var req domain.ComputeRequest
	srv.call(t, http.MethodPost, proposalPath+"/compute-requests", "client", body, http.StatusAccepted, &req)
	assert.Equal(t, domain.RequestSent, req.Status)
	srv.call(t, http.MethodPost, proposalPath+"/compute-requests", "client", body, http.StatusConflict, nil)

	srv.mine(t, 2)
	result, err := bridge.EncodeUint256(big.NewInt(1))
	require.NoError(t, err)
	fulfill := map[string]any{"request_id": req.ID, "result": bridge.HexBytes(result)}
	srv.call(t, http.MethodPost, "/oracle/fulfill", "voter", fulfill, http.StatusForbidden, nil)
	srv.call(t, http.MethodPost, "/oracle/fulfill", cfg.Compute.Transmitters[0], map[string]any{"request_id": req.ID}, http.StatusBadRequest, nil)

	var done domain.ComputeRequest
	srv.call(t, http.MethodPost, "/oracle/fulfill", cfg.Compute.Transmitters[0], fulfill, http.StatusOK, &done)
	assert.Equal(t, domain.RequestFulfilled, done.Status)

	var p ProposalResponse
	srv.call(t, http.MethodGet, proposalPath, "client", nil, http.StatusOK, &p)
	require.Len(t, p.Votes, 1)
	assert.Equal(t, domain.VoteSourceOracle, p.Votes[0].Source)
	assert.Equal(t, cfg.Compute.VoteWeight, p.Tally.For)
	require.Len(t, p.ComputeRequests, 1)

	srv.call(t, http.MethodGet, "/oracle/requests/"+req.ID, "client", nil, http.StatusOK, &done)
	assert.Equal(t, domain.RequestFulfilled, done.Status)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var login DevLoginResponse
	srv.call(t, http.MethodPost, "/auth/dev/login", "", map[string]any{"address": "client"}, http.StatusOK, &login)
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "client", me.Address)
	assert.Equal(t, "jwt", me.Source)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	_, plain, err := srv.Engine.CreateAPIKey(context.Background(), srv.Engine.Config.Addresses.Guardian, "ops")
	require.NoError(t, err)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, srv.Engine.Config.Addresses.Guardian, me.Address)
	assert.Contains(t, me.Roles, "guardian")
}

func TestDevRoutesOffByDefault(t *testing.T) {
	srv := newTestServerWith(t, AuthConfig{JWTSecret: "prod-secret"})
	token, err := signDevToken("prod-secret", "mallory", time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"address": "mallory"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	for _, path := range []string{"/v0/auth/dev/login", "/v0/wallets/mallory/fund", "/v0/chain/mine", "/v0/chain/advance"} {
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+path, map[string]any{"address": "x", "amount": "1000000eth", "blocks": 1, "seconds": 1}, bearer)
		assert.Equal(t, http.StatusNotFound, res.StatusCode, "%s: %s", path, string(data))
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Actor-Id": srv.Engine.Config.Addresses.Timelock})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	_, err = New(Config{Engine: srv.Engine, Auth: AuthConfig{JWTSecret: "x", AllowActorHeader: true}})
	assert.Error(t, err, "actor header needs dev mode")
}

func TestDevLoginRefusesProtocolAddresses(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.Engine.Config
	for _, address := range []string{cfg.Addresses.Timelock, cfg.Addresses.VRFCoordinator, cfg.Addresses.Guardian, cfg.Compute.Transmitters[0]} {
		data := srv.call(t, http.MethodPost, "/auth/dev/login", "", map[string]any{"address": address}, http.StatusForbidden, nil)
		assert.Equal(t, "forbidden", errorCode(t, data), address)
	}
}

func TestRejectedInputs(t *testing.T) {
	srv := newTestServer(t)
	data := srv.call(t, http.MethodPost, "/wallets/client/fund", "faucet", map[string]any{"amount": "lots"}, http.StatusBadRequest, nil)
	assert.Equal(t, "bad_request", errorCode(t, data))

	srv.call(t, http.MethodPost, "/wallets/client/fund", "faucet", map[string]any{"amount": "1eth"}, http.StatusOK, nil)
	data = srv.call(t, http.MethodPost, "/offers", "client", map[string]any{"gig_id": 99, "terms": "x", "amount": "1eth"}, http.StatusBadRequest, nil)
	assert.Equal(t, "rejected", errorCode(t, data))

	srv.call(t, http.MethodGet, "/offers/42", "client", nil, http.StatusNotFound, nil)
	srv.call(t, http.MethodGet, "/proposals/0xdead", "client", nil, http.StatusNotFound, nil)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	srv.disputed(t)

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(body), "freelanco_disputes_raised_total 1"), string(body))

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "/v0/proposals/{id}/votes")
	assert.Contains(t, string(body), "bearerAuth")
}
