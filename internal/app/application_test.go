package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiruna/internal/config"
	"kiruna/internal/constants"
	"kiruna/internal/testutil"
)

const coldStartManifest = `{
  "Services": {
    "etcd":    {"Image": "coreos/etcd", "Tag": "0.4.6", "Ports": {"4001/tcp": "4001"}},
    "web-app": {"Image": "corp/web", "Tag": "1.2.0", "Dependencies": ["etcd"]}
  }
}`

func parseManifest(t *testing.T, data string) *config.Manifest {
	t.Helper()
	m, err := config.Parse([]byte(data))
	require.NoError(t, err)
	return m
}

func newTestApp(t *testing.T, cfg *config.Manifest, eng *testutil.FakeEngine) *Application {
	t.Helper()
	a, err := New(cfg, eng, nil, "1.0.0")
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewOrdersServicesByDependency(t *testing.T) {
	cfg := parseManifest(t, `{
	  "Services": {
	    "a": {"Image": "x", "Tag": "1", "Dependencies": ["b"]},
	    "b": {"Image": "x", "Tag": "1", "Dependencies": ["c"]},
	    "c": {"Image": "x", "Tag": "1"}
	  }
	}`)
	a := newTestApp(t, cfg, testutil.NewFakeEngine())

	var names []string
	for _, svc := range a.Services() {
		names = append(names, svc.Name())
	}
	assert.Equal(t, []string{"c", "b", "a"}, names)
}

func TestNewKeepsIndependentOrderStable(t *testing.T) {
	cfg := parseManifest(t, `{
	  "Services": {
	    "zeta": {"Image": "x", "Tag": "1"},
	    "alpha": {"Image": "x", "Tag": "1"},
	    "mid": {"Image": "x", "Tag": "1"}
	  }
	}`)
	a := newTestApp(t, cfg, testutil.NewFakeEngine())

	var names []string
	for _, svc := range a.Services() {
		names = append(names, svc.Name())
	}
	// Independent services launch in name order, however the manifest was
	// written.
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestNewRejectsDependencyCycle(t *testing.T) {
	cfg := parseManifest(t, `{
	  "Services": {
	    "a": {"Image": "x", "Tag": "1", "Dependencies": ["b"]},
	    "b": {"Image": "x", "Tag": "1", "Dependencies": ["a"]}
	  }
	}`)
	_, err := New(cfg, testutil.NewFakeEngine(), nil, "1.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestColdStartPullsAndLaunchesInOrder(t *testing.T) {
	eng := testutil.NewFakeEngine()
	cfg := parseManifest(t, coldStartManifest)
	a := newTestApp(t, cfg, eng)

	require.NoError(t, a.Launch(context.Background(), nil))
	waitUntil(t, 5*time.Second, "application up", a.IsUp)

	// Both images were pulled, dependency first.
	require.Equal(t, []string{"coreos/etcd:0.4.6", "corp/web:1.2.0"}, eng.Pulled)

	etcd := a.Services()[0]
	web := a.Services()[1]
	assert.Regexp(t, `^etcd-[0-9a-f]{16}__0_kir$`, etcd.ContainerName(0))

	// web-app is linked against etcd's first container under the default
	// alias.
	created := eng.Created[web.ContainerName(0)]
	require.Len(t, created.Links, 1)
	assert.Equal(t, etcd.ContainerName(0)+":etcd", created.Links[0])
}

func TestUnchangedReloadCreatesNothing(t *testing.T) {
	eng := testutil.NewFakeEngine()
	cfg := parseManifest(t, coldStartManifest)

	first := newTestApp(t, cfg, eng)
	require.NoError(t, first.Launch(context.Background(), nil))
	waitUntil(t, 5*time.Second, "first generation up", first.IsUp)

	creates := eng.CallCount("create ")
	pulls := len(eng.Pulled)

	// Same manifest again: the new application adopts everything.
	second := newTestApp(t, parseManifest(t, coldStartManifest), eng)
	require.NoError(t, second.Launch(context.Background(), first))
	waitUntil(t, 5*time.Second, "second generation up", second.IsUp)

	assert.Equal(t, creates, eng.CallCount("create "))
	assert.Equal(t, pulls, len(eng.Pulled))
	assert.Equal(t, 0, eng.CallCount("remove "))
}

func TestHardDeployReplacesGeneration(t *testing.T) {
	eng := testutil.NewFakeEngine()
	oldCfg := parseManifest(t, `{
	  "Services": {
	    "etcd":    {"Image": "coreos/etcd", "Tag": "0.4.6"},
	    "web-app": {"Image": "corp/web", "Tag": "1.2.0", "Dependencies": ["etcd"]}
	  }
	}`)
	first := newTestApp(t, oldCfg, eng)
	require.NoError(t, first.Launch(context.Background(), nil))
	waitUntil(t, 5*time.Second, "first generation up", first.IsUp)

	oldEtcdName := first.Services()[0].ContainerName(0)

	newCfg := parseManifest(t, `{
	  "Services": {
	    "etcd":    {"Image": "coreos/etcd", "Tag": "0.5.0", "HardDeploy": true},
	    "web-app": {"Image": "corp/web", "Tag": "1.2.0", "Dependencies": ["etcd"]}
	  }
	}`)
	second := newTestApp(t, newCfg, eng)
	require.NoError(t, second.Launch(context.Background(), first))
	waitUntil(t, 5*time.Second, "second generation up", second.IsUp)

	newEtcd := second.Services()[0]
	assert.NotEqual(t, oldEtcdName, newEtcd.ContainerName(0))
	// The old generation is gone; the new one runs.
	assert.Nil(t, eng.Container(oldEtcdName))
	require.NotNil(t, eng.Container(newEtcd.ContainerName(0)))
	assert.True(t, eng.Container(newEtcd.ContainerName(0)).Running)
}

func TestIsUpRequiresEveryEnabledService(t *testing.T) {
	eng := testutil.NewFakeEngine()
	cfg := parseManifest(t, `{
	  "Services": {
	    "a": {"Image": "x", "Tag": "1"},
	    "b": {"Image": "x", "Tag": "1", "Enabled": false}
	  }
	}`)
	a := newTestApp(t, cfg, eng)

	// Disabled services count as up; nothing runs yet so a is down.
	assert.False(t, a.IsUp())

	require.NoError(t, a.Launch(context.Background(), nil))
	waitUntil(t, 5*time.Second, "application up", a.IsUp)

	// The disabled service got no container.
	assert.Equal(t, 0, eng.CallCount("create b-"))
}

func TestCleanupRemovesOnlyObsoleteOwnedContainers(t *testing.T) {
	eng := testutil.NewFakeEngine()
	cfg := parseManifest(t, `{"Services": {"web": {"Image": "corp/web", "Tag": "1"}}}`)
	a := newTestApp(t, cfg, eng)

	require.NoError(t, a.Launch(context.Background(), nil))
	waitUntil(t, 5*time.Second, "application up", a.IsUp)

	stale := eng.AddRunning("gone-0123456789abcdef__0"+constants.ContainerPostfix, "corp/gone:1", nil)
	foreign := eng.AddRunning("operator-managed-thing", "corp/other:1", nil)

	a.cleanup(context.Background())

	assert.Nil(t, eng.Container(stale.Name))
	require.NotNil(t, eng.Container(foreign.Name))
	require.NotNil(t, eng.Container(a.Services()[0].ContainerName(0)))
}

func TestImageRetentionKeepsCurrentAndNewest(t *testing.T) {
	eng := testutil.NewFakeEngine()
	cfg := parseManifest(t, `{"Services": {"etcd": {"Image": "coreos/etcd", "Tag": "0.5.0"}}}`)
	a := newTestApp(t, cfg, eng)

	for _, tag := range []string{"0.1.0", "0.2.0", "0.3.0", "0.4.0", "0.5.0"} {
		eng.AddImage("coreos/etcd:" + tag)
	}
	eng.AddImage("unrelated/image:9.9.9")

	a.cleanupImages(context.Background())

	images, err := eng.ListImages(context.Background())
	require.NoError(t, err)

	var kept []string
	for _, img := range images {
		kept = append(kept, img.RepoTags[0])
	}
	// Current plus the two newest non-current tags survive.
	assert.Contains(t, kept, "coreos/etcd:0.5.0")
	assert.Contains(t, kept, "coreos/etcd:0.4.0")
	assert.Contains(t, kept, "coreos/etcd:0.3.0")
	assert.NotContains(t, kept, "coreos/etcd:0.2.0")
	assert.NotContains(t, kept, "coreos/etcd:0.1.0")
	assert.Contains(t, kept, "unrelated/image:9.9.9")
}
