package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListOrderAndLookup(t *testing.T) {
	var l List
	l.Add("Accept", "text/html")
	l.Add("accept", "application/json")
	l.Add("X-Custom", "1")

	assert.Equal(t, "text/html", l.Get("ACCEPT"))
	assert.Equal(t, []string{"text/html", "application/json"}, l.Values("accept"))
	assert.True(t, l.Has("x-custom"))

	l.Set("accept", "*/*")
	assert.Equal(t, []string{"*/*"}, l.Values("accept"))

	l.Del("x-custom")
	assert.False(t, l.Has("x-custom"))
}

func TestFieldSize(t *testing.T) {
	// accept-encoding: gzip is 15+4+32 = 51; the spec's worked example
	// custom-key: custom-value is 10+12+32 = 54 (RFC 7541 C.4).
	assert.Equal(t, 51, Field{Name: "accept-encoding", Value: "gzip"}.Size())
	assert.Equal(t, 54, Field{Name: "custom-key", Value: "custom-value"}.Size())
}

func TestCheckEncodable(t *testing.T) {
	good := List{
		{Name: ":method", Value: "GET"},
		{Name: "accept", Value: "*/*"},
	}
	require.NoError(t, CheckEncodable(good))

	cases := []List{
		{{Name: "Accept", Value: "*/*"}},            // not lower-case
		{{Name: "bad header", Value: "x"}},          // space in token
		{{Name: "connection", Value: "close"}},      // connection-specific
		{{Name: "x", Value: "a\r\nb"}},              // CR/LF in value
		{{Name: ":nonsense", Value: "x"}},           // unknown pseudo
	}
	for i, l := range cases {
		assert.Error(t, CheckEncodable(l), "case %d", i)
	}
}

func TestCheckDecodedPseudoOrdering(t *testing.T) {
	ok := List{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: "accept", Value: "*/*"},
	}
	require.NoError(t, CheckDecoded(ok, true, false))

	late := List{
		{Name: ":method", Value: "GET"},
		{Name: "accept", Value: "*/*"},
		{Name: ":path", Value: "/"},
	}
	assert.Error(t, CheckDecoded(late, true, false))

	dup := List{
		{Name: ":method", Value: "GET"},
		{Name: ":method", Value: "POST"},
	}
	assert.Error(t, CheckDecoded(dup, true, false))

	statusOnRequest := List{{Name: ":status", Value: "200"}}
	assert.Error(t, CheckDecoded(statusOnRequest, true, false))
	assert.NoError(t, CheckDecoded(statusOnRequest, false, false))

	trailerPseudo := List{{Name: ":status", Value: "200"}}
	assert.Error(t, CheckDecoded(trailerPseudo, false, true))
}

func TestCheckDecodedTE(t *testing.T) {
	assert.NoError(t, CheckDecoded(List{{Name: "te", Value: "trailers"}}, true, false))
	assert.Error(t, CheckDecoded(List{{Name: "te", Value: "gzip"}}, true, false))
}

func TestSynthesizeHost(t *testing.T) {
	l := List{
		{Name: ":method", Value: "GET"},
		{Name: ":authority", Value: "example.com:8443"},
		{Name: "accept", Value: "*/*"},
	}
	out := SynthesizeHost(l)
	require.Equal(t, List{
		{Name: "host", Value: "example.com:8443"},
		{Name: "accept", Value: "*/*"},
	}, out)
}

func TestCanonicalAndLower(t *testing.T) {
	assert.Equal(t, "Content-Length", Canonical("content-length"))

	l := List{{Name: "X-Foo", Value: "1"}}
	assert.Equal(t, List{{Name: "x-foo", Value: "1"}}, LowerAll(l))
}
