package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valdrix/enforcement/pkg/canonicalize"
)

func TestCanonical_SortsKeys(t *testing.T) {
	out, err := canonicalize.CanonicalBytes([]byte(`{"z": 1, "a": {"y": true, "b": "x"}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":"x","y":true},"z":1}`, string(out))
}

func TestHash_StableUnderReorderingAndWhitespace(t *testing.T) {
	a, err := canonicalize.CanonicalBytes([]byte(`{"plan_monthly_ceiling_usd":"5000.000000","schema_version":"1.0.0"}`))
	require.NoError(t, err)
	b, err := canonicalize.CanonicalBytes([]byte("{\n  \"schema_version\": \"1.0.0\",\n  \"plan_monthly_ceiling_usd\": \"5000.000000\"\n}"))
	require.NoError(t, err)
	assert.Equal(t, canonicalize.HashBytes(a), canonicalize.HashBytes(b))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	out, err := canonicalize.Canonical(map[string]string{"addr": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"addr":"a<b>&c"}`, string(out))
}

func TestHash_KeyOrderInvariance_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("hash independent of map insertion order", prop.ForAll(
		func(k1, k2 string, v1, v2 int64) bool {
			if k1 == k2 {
				return true
			}
			h1, err1 := canonicalize.Hash(map[string]int64{k1: v1, k2: v2})
			h2, err2 := canonicalize.Hash(map[string]int64{k2: v2, k1: v1})
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Int64(),
		gen.Int64(),
	))
	properties.TestingRun(t)
}
