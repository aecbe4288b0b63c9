package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelanco/internal/policy"
)

func TestDefaultGrantPolicy(t *testing.T) {
	g, err := policy.NewGrantEvaluator()
	require.NoError(t, err)
	expr := "credentials > 0 || reputation >= 10"

	tests := []struct {
		name  string
		in    policy.GrantInput
		allow bool
	}{
		{"credential holder", policy.GrantInput{Credentials: 1}, true},
		{"reputable", policy.GrantInput{Reputation: 10}, true},
		{"neither", policy.GrantInput{Reputation: 9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := g.Allow(expr, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, ok)
		})
	}
}

func TestGrantPolicyRejectsBadExpressions(t *testing.T) {
	g, err := policy.NewGrantEvaluator()
	require.NoError(t, err)
	assert.Error(t, g.Check("credentials +"))
	assert.Error(t, g.Check("reputation + 1"), "non-bool output")
	assert.Error(t, g.Check("unknown > 0"))
	assert.NoError(t, g.Check(`recipient != proposer && credentials >= 2`))

	ok, err := g.Allow(`recipient != proposer`, policy.GrantInput{Proposer: "a", Recipient: "a"})
	require.NoError(t, err)
	assert.False(t, ok)
}
