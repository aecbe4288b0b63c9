package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorsAreNoop(t *testing.T) {
	var c *Collectors
	c.OfferTransition("approved")
	c.VoteCast("human", 1)
	c.ComputeFulfillment("counted")
}

func TestHandlerExposesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.DisputeRaised()
	c.CredentialMinted(1)
	c.VoteCast("oracle", 0)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "freelanco_disputes_raised_total 1")
	assert.Contains(t, string(body), `freelanco_credentials_minted_total{tier="1"} 1`)
	assert.Contains(t, string(body), `freelanco_votes_cast_total{source="oracle",support="0"} 1`)
}
