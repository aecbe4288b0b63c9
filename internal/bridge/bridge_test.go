package bridge_test

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/bridge"
	"freelanco/internal/config"
	"freelanco/internal/db"
	"freelanco/internal/domain"
	"freelanco/internal/engine/auth"
	"freelanco/internal/events"
	"freelanco/internal/ledger"
	"freelanco/internal/llm"
	"freelanco/internal/migrate"
	"freelanco/internal/repo"
)

func TestSealedSecretsRoundTrip(t *testing.T) {
	pub, priv, err := bridge.GenerateKeys()
	require.NoError(t, err)

	env, err := bridge.BuildRequest("return 1", map[string]string{"openaiKey": "sk-test"}, []string{"transcript"}, 1, 300000, pub)
	require.NoError(t, err)
	assert.NotContains(t, env.Secrets, "sk-test")
	assert.Equal(t, []string{"transcript"}, env.Args)

	secrets, err := bridge.OpenSecrets(env.Secrets, pub, priv)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", secrets["openaiKey"])

	otherPub, otherPriv, err := bridge.GenerateKeys()
	require.NoError(t, err)
	_, err = bridge.OpenSecrets(env.Secrets, otherPub, otherPriv)
	assert.Error(t, err)

	plain, err := bridge.BuildRequest("return 1", nil, nil, 1, 1, "")
	require.NoError(t, err)
	assert.Empty(t, plain.Secrets)

	_, err = bridge.BuildRequest("", nil, nil, 1, 1, pub)
	assert.Error(t, err)
}

func TestUint256Codec(t *testing.T) {
	for _, v := range []int64{0, 1, 2, 1 << 40} {
		data, err := bridge.EncodeUint256(big.NewInt(v))
		require.NoError(t, err)
		require.Len(t, data, 32)
		back, err := bridge.DecodeUint256(data)
		require.NoError(t, err)
		assert.Equal(t, v, back.Int64())
	}
	_, err := bridge.EncodeUint256(big.NewInt(-1))
	assert.Error(t, err)
	_, err = bridge.EncodeUint256(new(big.Int).Lsh(big.NewInt(1), 256))
	assert.Error(t, err)
	_, err = bridge.DecodeUint256([]byte{1})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, int64(domain.VoteAgainst), bridge.Classify(" client"))
	assert.Equal(t, int64(domain.VoteAgainst), bridge.Classify("The Client wins"))
	assert.Equal(t, int64(domain.VoteFor), bridge.Classify(" freelancer"))
}

type fakeLLM struct {
	text string
	err  error
	got  llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.got = req
	return f.text, f.err
}

func TestNodeRun(t *testing.T) {
	pub, priv, err := bridge.GenerateKeys()
	require.NoError(t, err)
	env, err := bridge.BuildRequest("src", map[string]string{bridge.SecretAPIKey: "sk-node"}, []string{"who is right?"}, 1, 1, pub)
	require.NoError(t, err)
	req := domain.ComputeRequest{ID: "r1", Secrets: env.Secrets, Args: env.Args}

	model := &fakeLLM{text: "client"}
	node := bridge.Node{PublicKey: pub, PrivateKey: priv, LLM: model}
	result, errBlob := node.Run(context.Background(), req)
	require.Empty(t, errBlob)
	v, err := bridge.DecodeUint256(result)
	require.NoError(t, err)
	assert.Zero(t, v.Int64())
	assert.Equal(t, "sk-node", model.got.APIKey)
	assert.Equal(t, "who is right?", model.got.Prompt)

	model.err = errors.New("boom")
	result, errBlob = node.Run(context.Background(), req)
	assert.Nil(t, result)
	assert.Contains(t, string(errBlob), "boom")

	result, errBlob = node.Run(context.Background(), domain.ComputeRequest{ID: "r2"})
	assert.Nil(t, result)
	assert.NotEmpty(t, errBlob)
}

type recordingConsumer struct {
	calls   int
	expired []string
	status  string
}

func (c *recordingConsumer) FulfillRequest(_ context.Context, _ *sql.Tx, _ domain.ComputeRequest, _, _ []byte) (bridge.Outcome, error) {
	c.calls++
	return bridge.Outcome{Status: c.status}, nil
}

func (c *recordingConsumer) RequestExpired(_ context.Context, _ *sql.Tx, req domain.ComputeRequest) error {
	c.expired = append(c.expired, req.ID)
	return nil
}

type registryEnv struct {
	registry bridge.Registry
	consumer *recordingConsumer
	conn     *sql.DB
}

func newRegistry(t *testing.T) registryEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn}
	consumer := &recordingConsumer{status: domain.RequestFulfilled}
	return registryEnv{
		registry: bridge.Registry{
			DB:        conn,
			Repo:      r,
			Events:    events.Writer{DB: conn, Now: now},
			Ledger:    ledger.Ledger{Repo: r, Now: now, BlockTime: 12},
			Auth:      auth.Service{Config: cfg},
			Config:    cfg,
			Consumers: map[string]bridge.Consumer{cfg.Addresses.Governor: consumer},
		},
		consumer: consumer,
		conn:     conn,
	}
}

func (env registryEnv) send(t *testing.T, consumer string, e bridge.Envelope) (domain.ComputeRequest, error) {
	t.Helper()
	ctx := context.Background()
	// compute_requests.proposal_id references proposals
	tx, err := env.conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO proposals(id, kind, proposer, targets_json, values_json, calldatas_json,
		description, description_hash, created_at_block, voting_delay_ends, voting_period_ends, created_at)
		VALUES ('p1','grant_request','x','[]','[]','[]','d','h',0,1,6,'2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	req, err := env.registry.Send(ctx, tx, consumer, "p1", e)
	if err != nil {
		return req, err
	}
	require.NoError(t, tx.Commit())
	return req, nil
}

func TestRegistrySendValidation(t *testing.T) {
	env := newRegistry(t)
	governor := env.registry.Config.Addresses.Governor

	_, err := env.send(t, governor, bridge.Envelope{Source: "s", SubscriptionID: 42, GasLimit: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidSubscription)

	_, err = env.send(t, "intruder", bridge.Envelope{Source: "s", SubscriptionID: 1, GasLimit: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidSubscription)

	_, err = env.send(t, governor, bridge.Envelope{Source: "s", SubscriptionID: 1, GasLimit: 300001})
	assert.ErrorIs(t, err, domain.ErrGasLimitTooBig)

	req, err := env.send(t, governor, bridge.Envelope{Source: "s", SubscriptionID: 1, GasLimit: 300000})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestSent, req.Status)
}

func TestFulfillAndBill(t *testing.T) {
	env := newRegistry(t)
	ctx := context.Background()
	transmitter := env.registry.Config.Compute.Transmitters[0]
	req, err := env.send(t, env.registry.Config.Addresses.Governor, bridge.Envelope{Source: "s", SubscriptionID: 1, GasLimit: 1})
	require.NoError(t, err)
	result, err := bridge.EncodeUint256(big.NewInt(1))
	require.NoError(t, err)

	_, err = env.registry.FulfillAndBill(ctx, "mallory", req.ID, result, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedTransmitter)

	closed, err := env.registry.FulfillAndBill(ctx, transmitter, req.ID, result, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFulfilled, closed.Status)
	assert.Equal(t, 1, env.consumer.calls)

	_, err = env.registry.FulfillAndBill(ctx, transmitter, req.ID, result, nil)
	assert.ErrorIs(t, err, domain.ErrRequestNotPending)
	assert.Equal(t, 1, env.consumer.calls, "delivered exactly once")

	_, err = env.registry.FulfillAndBill(ctx, transmitter, "missing", result, nil)
	assert.ErrorIs(t, err, domain.ErrRequestNotPending)
}

func TestFulfillAfterTimeoutIsNotDelivered(t *testing.T) {
	env := newRegistry(t)
	ctx := context.Background()
	req, err := env.send(t, env.registry.Config.Addresses.Governor, bridge.Envelope{Source: "s", SubscriptionID: 1, GasLimit: 1})
	require.NoError(t, err)

	tx, err := env.conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = env.registry.Ledger.AdvanceTime(ctx, tx, env.registry.Config.Compute.RequestTimeoutSeconds+1)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	closed, err := env.registry.FulfillAndBill(ctx, env.registry.Config.Compute.Transmitters[0], req.ID, nil, []byte("late"))
	require.NoError(t, err)
	assert.Equal(t, domain.RequestTimedOut, closed.Status)
	assert.Zero(t, env.consumer.calls)
	assert.Equal(t, []string{req.ID}, env.consumer.expired)
}
