package idempotency

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeArgs builds an args map by decoding raw JSON, the way transport
// payloads actually arrive.
func decodeArgs(t *testing.T, raw string) map[string]any {
	t.Helper()
	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &args))
	return args
}

func TestKeyDeterminism(t *testing.T) {
	t.Parallel()

	args := decodeArgs(t, `{"voice_id":"post-submit","content":"hello","count":3}`)

	k1, err := Key("sess-1", "CLICK_BUTTON", args)
	require.NoError(t, err)
	k2, err := Key("sess-1", "CLICK_BUTTON", args)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "sess-1:CLICK_BUTTON:"))

	hash := strings.TrimPrefix(k1, "sess-1:CLICK_BUTTON:")
	assert.Len(t, hash, 16, "fnv-64a digest renders as 16 hex chars")
}

func TestKeyIgnoresIncidentalFormatting(t *testing.T) {
	t.Parallel()

	t.Run("property order", func(t *testing.T) {
		t.Parallel()
		a := decodeArgs(t, `{"a":1,"b":"two"}`)
		b := decodeArgs(t, `{"b":"two","a":1}`)
		ka, err := Key("s", "ACT", a)
		require.NoError(t, err)
		kb, err := Key("s", "ACT", b)
		require.NoError(t, err)
		assert.Equal(t, ka, kb)
	})

	t.Run("numeric spelling", func(t *testing.T) {
		t.Parallel()
		a := decodeArgs(t, `{"n":1}`)
		b := decodeArgs(t, `{"n":1.0}`)
		ka, err := Key("s", "ACT", a)
		require.NoError(t, err)
		kb, err := Key("s", "ACT", b)
		require.NoError(t, err)
		assert.Equal(t, ka, kb)
	})

	t.Run("unicode composition", func(t *testing.T) {
		t.Parallel()
		composed := decodeArgs(t, `{"name":"café"}`)      // café, single rune
		decomposed := decodeArgs(t, `{"name":"café"}`)   // cafe + combining accent
		ka, err := Key("s", "ACT", composed)
		require.NoError(t, err)
		kb, err := Key("s", "ACT", decomposed)
		require.NoError(t, err)
		assert.Equal(t, ka, kb)
	})

	t.Run("nil and empty args collapse", func(t *testing.T) {
		t.Parallel()
		ka, err := Key("s", "ACT", nil)
		require.NoError(t, err)
		kb, err := Key("s", "ACT", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, ka, kb)
	})

	t.Run("nested containers normalize too", func(t *testing.T) {
		t.Parallel()
		a := decodeArgs(t, `{"outer":{"x":1,"y":[1,"café"]}}`)
		b := decodeArgs(t, `{"outer":{"y":[1,"café"],"x":1.0}}`)
		ka, err := Key("s", "ACT", a)
		require.NoError(t, err)
		kb, err := Key("s", "ACT", b)
		require.NoError(t, err)
		assert.Equal(t, ka, kb)
	})
}

func TestKeySeparatesSubmissions(t *testing.T) {
	t.Parallel()

	args := decodeArgs(t, `{"voice_id":"save"}`)
	base, err := Key("sess-1", "CLICK_BUTTON", args)
	require.NoError(t, err)

	otherSession, err := Key("sess-2", "CLICK_BUTTON", args)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSession)

	otherAction, err := Key("sess-1", "FILL_INPUT", args)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherAction)

	otherArgs, err := Key("sess-1", "CLICK_BUTTON", decodeArgs(t, `{"voice_id":"cancel"}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherArgs)
}

func FuzzKey(f *testing.F) {
	f.Add("sess-1", "CLICK_BUTTON", []byte(`{"voice_id":"save"}`))
	f.Add("", "", []byte(`{}`))
	f.Add("s", "ACT", []byte(`{"n":[1,2,{"deep":"café"}]}`))

	f.Fuzz(func(t *testing.T, session, action string, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		args := make(map[string]any)
		count, err := fuzzConsumer.GetInt()
		if err != nil {
			count = 0
		}
		for i := 0; i < count%8; i++ {
			k, err := fuzzConsumer.GetString()
			if err != nil {
				break
			}
			switch i % 3 {
			case 0:
				v, err := fuzzConsumer.GetString()
				if err != nil {
					break
				}
				args[k] = v
			case 1:
				v, err := fuzzConsumer.GetInt()
				if err != nil {
					break
				}
				args[k] = float64(v)
			default:
				args[k] = []any{k}
			}
		}

		k1, err1 := Key(session, action, args)
		k2, err2 := Key(session, action, args)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("inconsistent errors for identical input: %v vs %v", err1, err2)
		}
		if err1 != nil {
			return
		}
		if k1 != k2 {
			t.Fatalf("key is not deterministic: %q vs %q", k1, k2)
		}
		if !strings.HasPrefix(k1, session+":"+action+":") {
			t.Fatalf("key %q lost its session/action prefix", k1)
		}
	})
}
