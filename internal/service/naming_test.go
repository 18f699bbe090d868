package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiruna/internal/config"
)

func TestSpecHashStableAcrossFormatting(t *testing.T) {
	// Two manifests that differ only in whitespace parse to equal specs and
	// must hash identically.
	a, err := config.Parse([]byte(`{"Services":{"etcd":{"Image":"coreos/etcd","Tag":"0.4.6"}}}`))
	require.NoError(t, err)
	b, err := config.Parse([]byte(`{
		"Services": {
			"etcd": {
				"Image":  "coreos/etcd",
				"Tag":    "0.4.6"
			}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, SpecHash(a.Services["etcd"], "1.0.0"), SpecHash(b.Services["etcd"], "1.0.0"))
}

func TestSpecHashChangesWithSpecAndVersion(t *testing.T) {
	spec := &config.ServiceSpec{Name: "etcd", Image: "coreos/etcd", Tag: "0.4.6", Scale: 1}
	base := SpecHash(spec, "1.0.0")

	bumped := *spec
	bumped.Tag = "0.5.0"
	assert.NotEqual(t, base, SpecHash(&bumped, "1.0.0"))

	// A daemon upgrade forces a new generation too.
	assert.NotEqual(t, base, SpecHash(spec, "1.0.1"))
}

func TestContainerNameShape(t *testing.T) {
	spec := &config.ServiceSpec{Name: "web-app", Image: "corp/web", Tag: "1", Scale: 2}
	name := ContainerName(spec, "1.0.0", 1)

	assert.Regexp(t, `^web-app-[0-9a-f]{16}__1_kir$`, name)
	assert.True(t, IsOwned(name))
	assert.False(t, IsOwned("unrelated-container"))
}

func TestParseDependency(t *testing.T) {
	name, alias := ParseDependency("etcd")
	assert.Equal(t, "etcd", name)
	assert.Equal(t, "etcd", alias)

	name, alias = ParseDependency("db:primary")
	assert.Equal(t, "db", name)
	assert.Equal(t, "primary", alias)
}
