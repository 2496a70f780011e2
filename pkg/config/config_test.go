package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadFlattensNestedKeys(t *testing.T) {
	path := writeYAML(t, `
cluster:
  seed: "127.0.0.1:8300,127.0.0.1:8301"
serializer:
  default: json
transport:
  dial_timeout: 5s
`)

	bag, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8300,127.0.0.1:8301", bag["cluster.seed"])
	assert.Equal(t, "json", bag["serializer.default"])
	assert.Equal(t, "5s", bag["transport.dial_timeout"])
}

func TestLoadMissingFileReturnsEmptyBag(t *testing.T) {
	bag, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Empty(t, bag)
}

func TestLoadEmptyPathReturnsEmptyBag(t *testing.T) {
	bag, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, bag)
}

func TestPropertyBagStringSliceSplitsAndTrims(t *testing.T) {
	bag := PropertyBag{"cluster.seed": "a:1, b:2 ,c:3"}
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, bag.StringSlice("cluster.seed"))
}

func TestPropertyBagStringSliceMissingKeyReturnsNil(t *testing.T) {
	bag := PropertyBag{}
	assert.Nil(t, bag.StringSlice("cluster.seed"))
}

func TestPropertyBagDurationFallsBackOnUnparsable(t *testing.T) {
	bag := PropertyBag{"transport.dial_timeout": "not-a-duration"}
	assert.Equal(t, 3*time.Second, bag.Duration("transport.dial_timeout", 3*time.Second))

	bag = PropertyBag{"transport.dial_timeout": "2s"}
	assert.Equal(t, 2*time.Second, bag.Duration("transport.dial_timeout", 3*time.Second))
}

func TestPropertyBagWithFlagOverrideOnlyAppliesWhenFlagChanged(t *testing.T) {
	bag := PropertyBag{"cluster.seed": "from-yaml:1"}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("seed", "from-yaml:1", "")
	unchanged := bag.WithFlagOverride(flags, "seed", "cluster.seed")
	assert.Equal(t, "from-yaml:1", unchanged["cluster.seed"])

	require.NoError(t, flags.Set("seed", "from-flag:2"))
	changed := bag.WithFlagOverride(flags, "seed", "cluster.seed")
	assert.Equal(t, "from-flag:2", changed["cluster.seed"])
	assert.Equal(t, "from-yaml:1", bag["cluster.seed"], "original bag must not be mutated")
}
