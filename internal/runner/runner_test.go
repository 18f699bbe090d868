package runner

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiruna/internal/config"
	"kiruna/internal/logger"
	"kiruna/internal/testutil"
)

type fakePublisher struct {
	mu    sync.Mutex
	count int
}

func (p *fakePublisher) PublishContainer(ctx context.Context, service string, index int, ports nat.PortMap) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return nil
}

func (p *fakePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// newTestRunner builds a runner with test-friendly intervals without
// starting the watch loop.
func newTestRunner(eng *testutil.FakeEngine, pub Publisher, spec *config.ServiceSpec, ref string, events Events) *Runner {
	return &Runner{
		eng:            eng,
		pub:            pub,
		spec:           spec,
		index:          0,
		ref:            ref,
		events:         events,
		fastInterval:   2 * time.Millisecond,
		steadyInterval: 5 * time.Millisecond,
		interval:       2 * time.Millisecond,
		stopCh:         make(chan struct{}),
		log:            logger.WithFields(logger.Fields{"service": spec.Name, "container": ref}),
	}
}

func waitFor(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestHealthyContainerEmitsStartedOnce(t *testing.T) {
	eng := testutil.NewFakeEngine()
	eng.AddRunning("web-abc__0_kir", "corp/web:1", nil)

	pub := &fakePublisher{}
	spec := &config.ServiceSpec{Name: "web", Image: "corp/web", Tag: "1", Scale: 1}

	var startedCount int32
	started := make(chan struct{})
	r := newTestRunner(eng, pub, spec, "web-abc__0_kir", Events{
		Started: func(*Runner) {
			if atomic.AddInt32(&startedCount, 1) == 1 {
				close(started)
			}
		},
	})
	go r.watch()

	waitFor(t, started, "started event")

	// Let several more healthy ticks pass; the edge must not re-fire.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&startedCount))
	assert.True(t, r.Running())

	// Every healthy tick re-publishes endpoints.
	assert.GreaterOrEqual(t, pub.published(), 2)

	r.MarkStopping()
}

func TestVanishedContainerEmitsStopped(t *testing.T) {
	eng := testutil.NewFakeEngine()
	spec := &config.ServiceSpec{Name: "web", Image: "corp/web", Tag: "1", Scale: 1}

	stopped := make(chan struct{})
	r := newTestRunner(eng, nil, spec, "web-abc__0_kir", Events{
		Stopped: func(*Runner) { close(stopped) },
	})
	go r.watch()

	waitFor(t, stopped, "stopped event")
	assert.False(t, r.Running())
}

func TestExitedContainerAttachesLogsAndStops(t *testing.T) {
	eng := testutil.NewFakeEngine()
	eng.AddStopped("web-abc__0_kir", "corp/web:1")
	spec := &config.ServiceSpec{Name: "web", Image: "corp/web", Tag: "1", Scale: 1}

	stopped := make(chan struct{})
	r := newTestRunner(eng, nil, spec, "web-abc__0_kir", Events{
		Stopped: func(*Runner) { close(stopped) },
	})
	go r.watch()

	waitFor(t, stopped, "stopped event")
	assert.Equal(t, 1, eng.CallCount("logs web-abc__0_kir"))
}

func TestUnhealthyFromStartNeverEmitsStarted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	eng := testutil.NewFakeEngine()
	eng.AddRunning("web-abc__0_kir", "corp/web:1", nat.PortMap{
		"8080/tcp": []nat.PortBinding{{HostPort: port}},
	})

	spec := &config.ServiceSpec{
		Name: "web", Image: "corp/web", Tag: "1", Scale: 1,
		Health: []config.ProbeSpec{{Http: &config.HttpProbe{Port: "8080/tcp"}}},
	}

	var startedCount int32
	r := newTestRunner(eng, nil, spec, "web-abc__0_kir", Events{
		Started: func(*Runner) { atomic.AddInt32(&startedCount, 1) },
	})
	go r.watch()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&startedCount))
	// Startup probing does not request an engine stop.
	assert.Equal(t, 0, eng.CallCount("stop"))

	r.MarkStopping()
}

func TestHealthBudgetStopsContainer(t *testing.T) {
	var status int32 = http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	eng := testutil.NewFakeEngine()
	eng.AddRunning("web-abc__0_kir", "corp/web:1", nat.PortMap{
		"8080/tcp": []nat.PortBinding{{HostPort: port}},
	})

	spec := &config.ServiceSpec{
		Name: "web", Image: "corp/web", Tag: "1", Scale: 1,
		Health: []config.ProbeSpec{{Http: &config.HttpProbe{Port: "8080/tcp"}}},
	}

	started := make(chan struct{})
	stopped := make(chan struct{})
	r := newTestRunner(eng, nil, spec, "web-abc__0_kir", Events{
		Started: func(*Runner) { close(started) },
		Stopped: func(*Runner) { close(stopped) },
	})
	go r.watch()

	waitFor(t, started, "started event")

	// Fail the probe permanently; the budget runs out and the container is
	// stopped.
	atomic.StoreInt32(&status, http.StatusInternalServerError)
	waitFor(t, stopped, "stopped event")

	assert.Equal(t, 1, eng.CallCount("stop web-abc__0_kir"))
	assert.False(t, r.Running())
}

func TestTransientFailureRecoversWithoutStop(t *testing.T) {
	// failNext makes exactly one probe fail when armed.
	var failNext int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.CompareAndSwapInt32(&failNext, 1, 0) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	eng := testutil.NewFakeEngine()
	eng.AddRunning("web-abc__0_kir", "corp/web:1", nat.PortMap{
		"8080/tcp": []nat.PortBinding{{HostPort: port}},
	})

	spec := &config.ServiceSpec{
		Name: "web", Image: "corp/web", Tag: "1", Scale: 1,
		Health: []config.ProbeSpec{{Http: &config.HttpProbe{Port: "8080/tcp"}}},
	}

	started := make(chan struct{})
	r := newTestRunner(eng, nil, spec, "web-abc__0_kir", Events{
		Started: func(*Runner) { close(started) },
	})
	go r.watch()

	waitFor(t, started, "started event")

	// One failed tick, then recovery: the counter resets and no stop is
	// requested.
	atomic.StoreInt32(&failNext, 1)
	time.Sleep(40 * time.Millisecond)

	r.mu.Lock()
	failures := r.healthFailures
	r.mu.Unlock()
	assert.Equal(t, 0, failures)
	assert.Equal(t, 0, eng.CallCount("stop"))
	assert.True(t, r.Running())

	r.MarkStopping()
}

func TestMarkStoppingEndsLoopWithoutStoppedEvent(t *testing.T) {
	eng := testutil.NewFakeEngine()
	eng.AddRunning("web-abc__0_kir", "corp/web:1", nil)
	spec := &config.ServiceSpec{Name: "web", Image: "corp/web", Tag: "1", Scale: 1}

	var stoppedCount int32
	r := newTestRunner(eng, nil, spec, "web-abc__0_kir", Events{
		Stopped: func(*Runner) { atomic.AddInt32(&stoppedCount, 1) },
	})
	go r.watch()

	time.Sleep(10 * time.Millisecond)
	r.MarkStopping()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&stoppedCount))
}
