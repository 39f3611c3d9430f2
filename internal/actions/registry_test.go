package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallaxis/waldo-cli/api/schemas"
)

func noopHandler(_ context.Context, _ *Context, _ Args) (schemas.ActionResult, error) {
	return schemas.ActionResult{OK: true, Did: "noop"}, nil
}

func validDef(id string) Definition {
	return Definition{
		ID:          id,
		Description: "test action",
		Risk:        schemas.RiskLow,
		Handler:     noopHandler,
	}
}

func TestNewRegistry(t *testing.T) {
	t.Run("rejects empty id", func(t *testing.T) {
		_, err := NewRegistry(validDef(""))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty id")
	})

	t.Run("rejects unknown risk tier", func(t *testing.T) {
		def := validDef("BAD_RISK")
		def.Risk = schemas.RiskTier("catastrophic")
		_, err := NewRegistry(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "risk tier")
	})

	t.Run("rejects nil handler", func(t *testing.T) {
		def := validDef("NO_HANDLER")
		def.Handler = nil
		_, err := NewRegistry(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler")
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		_, err := NewRegistry(validDef("TWICE"), validDef("TWICE"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `duplicate action id "TWICE"`)
	})

	t.Run("high risk forces confirmation", func(t *testing.T) {
		def := validDef("DANGEROUS")
		def.Risk = schemas.RiskHigh
		require.False(t, def.RequiresConfirmation)

		reg, err := NewRegistry(def)
		require.NoError(t, err)
		got, ok := reg.Lookup("DANGEROUS")
		require.True(t, ok)
		assert.True(t, got.RequiresConfirmation)
	})

	t.Run("explicit confirmation survives on lower tiers", func(t *testing.T) {
		def := validDef("CAREFUL")
		def.Risk = schemas.RiskMedium
		def.RequiresConfirmation = true

		reg, err := NewRegistry(def)
		require.NoError(t, err)
		got, _ := reg.Lookup("CAREFUL")
		assert.True(t, got.RequiresConfirmation)
	})
}

func TestRegistryLookupAndAll(t *testing.T) {
	reg, err := NewRegistry(validDef("ZULU"), validDef("ALPHA"), validDef("MIKE"))
	require.NoError(t, err)

	_, ok := reg.Lookup("ALPHA")
	assert.True(t, ok)
	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "ALPHA", all[0].ID)
	assert.Equal(t, "MIKE", all[1].ID)
	assert.Equal(t, "ZULU", all[2].ID)
}

func TestRegistryValidate(t *testing.T) {
	def := Definition{
		ID:          "SHAPED",
		Description: "test action with params",
		Risk:        schemas.RiskLow,
		Handler:     noopHandler,
		Params: map[string]schemas.ParamSpec{
			"name":  {Type: schemas.ParamString, Required: true},
			"count": {Type: schemas.ParamInt},
			"flag":  {Type: schemas.ParamBool},
			"color": {Type: schemas.ParamString, Enum: []string{"red", "blue"}},
		},
	}
	reg, err := NewRegistry(def)
	require.NoError(t, err)
	shaped, _ := reg.Lookup("SHAPED")

	cases := []struct {
		name    string
		args    Args
		wantErr string
	}{
		{
			name: "all valid",
			args: Args{"name": "x", "count": float64(3), "flag": true, "color": "red"},
		},
		{
			name: "optional params omitted",
			args: Args{"name": "x"},
		},
		{
			name: "unknown extra keys pass",
			args: Args{"name": "x", "surprise": "ignored"},
		},
		{
			name: "whole numbers satisfy int",
			args: Args{"name": "x", "count": float64(2)},
		},
		{
			name:    "nil args with required param",
			args:    nil,
			wantErr: "missing required parameter: name",
		},
		{
			name:    "missing required param",
			args:    Args{"count": float64(1)},
			wantErr: "missing required parameter: name",
		},
		{
			name:    "wrong string type",
			args:    Args{"name": float64(7)},
			wantErr: "parameter name: expected string",
		},
		{
			name:    "wrong int type",
			args:    Args{"name": "x", "count": "three"},
			wantErr: "parameter count: expected integer",
		},
		{
			name:    "fractional number fails int",
			args:    Args{"name": "x", "count": 2.5},
			wantErr: "parameter count: expected integer",
		},
		{
			name:    "wrong bool type",
			args:    Args{"name": "x", "flag": "yes"},
			wantErr: "parameter flag: expected boolean",
		},
		{
			name:    "enum violation lists choices",
			args:    Args{"name": "x", "color": "green"},
			wantErr: `parameter color: must be one of ["red", "blue"]`,
		},
		{
			name:    "first violation by parameter order",
			args:    Args{"count": "three", "flag": "yes"},
			wantErr: "parameter count: expected integer",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Validate(shaped, tc.args)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantErr, err.Error())
		})
	}
}

func TestRegistryDescribe(t *testing.T) {
	withParams := validDef("WITH_PARAMS")
	withParams.Params = map[string]schemas.ParamSpec{
		"mode": {Type: schemas.ParamString, Required: true, Enum: []string{"a", "b"}, Description: "pick one"},
	}
	gated := validDef("GATED")
	gated.Risk = schemas.RiskHigh

	reg, err := NewRegistry(withParams, gated, validDef("BARE"))
	require.NoError(t, err)

	described := reg.Describe()
	require.Len(t, described, 3)

	assert.Equal(t, "BARE", described[0]["id"])
	assert.Equal(t, "low", described[0]["risk"])
	assert.NotContains(t, described[0], "params")
	assert.NotContains(t, described[0], "requires_confirmation")

	assert.Equal(t, "GATED", described[1]["id"])
	assert.Equal(t, true, described[1]["requires_confirmation"])

	assert.Equal(t, "WITH_PARAMS", described[2]["id"])
	params, ok := described[2]["params"].(map[string]any)
	require.True(t, ok)
	mode, ok := params["mode"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", mode["type"])
	assert.Equal(t, true, mode["required"])
	assert.Equal(t, []string{"a", "b"}, mode["enum"])
	assert.Equal(t, "pick one", mode["description"])
}

func TestArgsGetters(t *testing.T) {
	args := Args{
		"s":     "text",
		"whole": float64(4),
		"exact": 7,
		"b":     true,
	}

	s, ok := args.String("s")
	assert.True(t, ok)
	assert.Equal(t, "text", s)
	_, ok = args.String("missing")
	assert.False(t, ok)
	_, ok = args.String("b")
	assert.False(t, ok)

	n, ok := args.Int("whole")
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	n, ok = args.Int("exact")
	assert.True(t, ok)
	assert.Equal(t, 7, n)
	_, ok = args.Int("s")
	assert.False(t, ok)

	b, ok := args.Bool("b")
	assert.True(t, ok)
	assert.True(t, b)
	_, ok = args.Bool("whole")
	assert.False(t, ok)
}
