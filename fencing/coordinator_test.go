// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fencing

import (
	"testing"
	"time"

	"github.com/warden-foundation/warden/agentexec"
	"github.com/warden-foundation/warden/cib"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/testutil"
	"github.com/warden-foundation/warden/membership"
)

// scriptedRunner answers agent invocations from a response function.
type scriptedRunner struct {
	calls   []agentexec.Request
	respond func(req agentexec.Request) agentexec.Result

	// manual, when set, leaves the result channels unfilled and
	// records them for the test to complete.
	manual  bool
	pending []chan agentexec.Result
}

func (r *scriptedRunner) Start(req agentexec.Request) (int, <-chan agentexec.Result, error) {
	r.calls = append(r.calls, req)
	ch := make(chan agentexec.Result, 1)
	if r.manual {
		r.pending = append(r.pending, ch)
	} else {
		ch <- r.respond(req)
	}
	return 1000 + len(r.calls), ch, nil
}

func (r *scriptedRunner) callsFor(action string) []agentexec.Request {
	var out []agentexec.Request
	for _, call := range r.calls {
		if call.Action == action {
			out = append(out, call)
		}
	}
	return out
}

type coordinatorHarness struct {
	t           *testing.T
	coordinator *Coordinator
	runner      *scriptedRunner
	clock       *clock.FakeClock
	cache       *membership.Cache
	store       *cib.Local

	dispatches chan func()
	broadcasts []Notification
	results    []int
	observed   []string
	selfFenced bool
}

func newCoordinatorHarness(t *testing.T) *coordinatorHarness {
	t.Helper()
	logger := discardLogger()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := cib.OpenLocal(":memory:", logger, fake)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	h := &coordinatorHarness{
		t:          t,
		runner:     &scriptedRunner{},
		clock:      fake,
		cache:      membership.NewCache(logger, fake),
		store:      store,
		dispatches: make(chan func(), 16),
	}
	h.coordinator = NewCoordinator(Config{
		Logger:    logger,
		Clock:     fake,
		LocalNode: "node-1",
		Runner:    h.runner,
		Cache:     h.cache,
		Store:     store,
		Broadcast: func(n Notification) error {
			h.broadcasts = append(h.broadcasts, n)
			return nil
		},
		OnResult: func(cmd *Command, rc int) { h.results = append(h.results, rc) },
		OnFencingObserved: func(target string, succeeded bool) {
			suffix := "/failed"
			if succeeded {
				suffix = "/ok"
			}
			h.observed = append(h.observed, target+suffix)
		},
		IsLeader:  func() bool { return true },
		SelfFence: func() { h.selfFenced = true },
		Dispatch:  func(fn func()) { h.dispatches <- fn },
	})
	return h
}

// pump runs the next loop-dispatched completion.
func (h *coordinatorHarness) pump() {
	fn := testutil.RequireReceive(h.t, h.dispatches, 5*time.Second, "loop dispatch")
	fn()
}

func TestFencingFallbackAcrossDevices(t *testing.T) {
	// Scenario: D1 (priority 10, status policy) fails the off with
	// rc 5; D2 (priority 5, static list) succeeds. The broadcast
	// fires and the peer view converges.
	h := newCoordinatorHarness(t)
	h.cache.PeerJoined(2, "N2")

	h.runner.respond = func(req agentexec.Request) agentexec.Result {
		switch {
		case req.Agent == "fence-a" && req.Action == "status":
			return agentexec.Result{RC: 0}
		case req.Agent == "fence-a" && req.Action == "off":
			return agentexec.Result{RC: 5}
		case req.Agent == "fence-b" && req.Action == "off":
			return agentexec.Result{RC: 0}
		}
		return agentexec.Result{RC: 1}
	}
	if err := h.coordinator.RegisterDevice(DeviceDefinition{
		ID: "D1", Agent: "fence-a", Priority: 10, HostCheck: "status",
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.coordinator.RegisterDevice(DeviceDefinition{
		ID: "D2", Agent: "fence-b", Priority: 5, HostList: "N2",
	}); err != nil {
		t.Fatal(err)
	}

	correlationID, err := h.coordinator.Fence("N2", "off", 30*time.Second, "node-1")
	if err != nil {
		t.Fatalf("Fence: %v", err)
	}
	if correlationID == "" {
		t.Fatal("no correlation id")
	}

	h.pump() // D1 off fails → rescheduled on D2
	h.pump() // D2 off succeeds

	if len(h.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d", len(h.broadcasts))
	}
	n := h.broadcasts[0]
	if n.Target != "N2" || n.Device != "D2" || n.RC != 0 || n.CorrelationID != correlationID {
		t.Fatalf("notification = %+v", n)
	}

	peer := h.cache.Lookup(0, "N2")
	if peer == nil || peer.State != membership.Lost || peer.Join != membership.JoinNone {
		t.Fatalf("peer after fencing = %+v", peer)
	}
	if len(h.results) != 1 || h.results[0] != 0 {
		t.Fatalf("originator results = %v", h.results)
	}
	if len(h.observed) == 0 || h.observed[len(h.observed)-1] != "N2/ok" {
		t.Fatalf("engine observations = %v", h.observed)
	}
}

func TestFencingFinalFailureReportsToOriginator(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.runner.respond = func(req agentexec.Request) agentexec.Result {
		return agentexec.Result{RC: 5}
	}
	h.coordinator.RegisterDevice(DeviceDefinition{ID: "D1", Agent: "fence-a", HostList: "N2"})

	if _, err := h.coordinator.Fence("N2", "off", time.Second, "peer-3"); err != nil {
		t.Fatal(err)
	}
	h.pump()

	if len(h.results) != 1 || h.results[0] != 5 {
		t.Fatalf("results = %v", h.results)
	}
	if len(h.broadcasts) != 0 {
		t.Fatal("failure was broadcast")
	}
	if h.coordinator.FailCount("N2") != 1 {
		t.Fatalf("fail count = %d", h.coordinator.FailCount("N2"))
	}
	if h.observed[len(h.observed)-1] != "N2/failed" {
		t.Fatalf("observations = %v", h.observed)
	}
}

func TestSelfFenceNotification(t *testing.T) {
	// Scenario: a broadcast says the local node was fenced.
	h := newCoordinatorHarness(t)
	h.coordinator.HandleNotification(Notification{Target: "node-1", Action: "off", Origin: "node-2", RC: 0})
	if !h.selfFenced {
		t.Fatal("self-fence path not taken")
	}
}

func TestNotificationResetsFailCount(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.cache.PeerJoined(2, "N2")
	h.coordinator.failCounts["N2"] = 3

	h.coordinator.HandleNotification(Notification{Target: "N2", Action: "reboot", Origin: "node-3", RC: 0})
	if h.coordinator.FailCount("N2") != 0 {
		t.Fatal("fail count not reset by successful fence")
	}
}

func TestNotificationSuspendsAutoReapAroundBookkeeping(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.cache.PeerJoined(2, "N2")

	h.coordinator.HandleNotification(Notification{Target: "N2", Action: "off", Origin: "node-1", RC: 0})
	if !h.cache.AutoReap() {
		t.Fatal("auto-reap left disabled after notification")
	}
	// The entry survives the bookkeeping: reaping waits for the
	// membership layer to report the node gone.
	peer := h.cache.Lookup(0, "N2")
	if peer == nil || peer.State != membership.Lost {
		t.Fatalf("fenced peer = %+v", peer)
	}
}

func TestDynamicListCachingAndDisable(t *testing.T) {
	h := newCoordinatorHarness(t)
	listRC := 0
	h.runner.respond = func(req agentexec.Request) agentexec.Result {
		if req.Action == "list" {
			return agentexec.Result{RC: listRC, Stdout: "N2\nN3\n"}
		}
		return agentexec.Result{RC: 0}
	}
	h.coordinator.RegisterDevice(DeviceDefinition{ID: "D1", Agent: "fence-a"})
	device := h.coordinator.devices["D1"]

	ok, err := h.coordinator.CanFence(device, "N2")
	if err != nil || !ok {
		t.Fatalf("CanFence = %v, %v", ok, err)
	}
	if len(h.runner.callsFor("list")) != 1 {
		t.Fatalf("list calls = %d", len(h.runner.callsFor("list")))
	}

	// Within the cache window: no second query.
	h.clock.Advance(30 * time.Second)
	h.coordinator.CanFence(device, "N3")
	if len(h.runner.callsFor("list")) != 1 {
		t.Fatal("cache window not honored")
	}

	// Past the window: refreshed.
	h.clock.Advance(31 * time.Second)
	h.coordinator.CanFence(device, "N3")
	if len(h.runner.callsFor("list")) != 2 {
		t.Fatal("stale cache not refreshed")
	}

	// A failing list query disables dynamic-list permanently.
	listRC = 1
	h.clock.Advance(61 * time.Second)
	ok, err = h.coordinator.CanFence(device, "N2")
	if err != nil || ok {
		t.Fatalf("CanFence after failed list = %v, %v", ok, err)
	}
	queriesAfterDisable := len(h.runner.callsFor("list"))
	h.clock.Advance(5 * time.Minute)
	h.coordinator.CanFence(device, "N2")
	if len(h.runner.callsFor("list")) != queriesAfterDisable {
		t.Fatal("disabled device queried again")
	}
}

func TestDynamicListEmptyOutputStillCached(t *testing.T) {
	// An agent legitimately reporting zero ports is a valid fetch:
	// the result is cached for the full window, not re-queried on
	// every host check.
	h := newCoordinatorHarness(t)
	h.runner.respond = func(req agentexec.Request) agentexec.Result {
		return agentexec.Result{RC: 0, Stdout: ""}
	}
	h.coordinator.RegisterDevice(DeviceDefinition{ID: "D1", Agent: "fence-a"})
	device := h.coordinator.devices["D1"]

	ok, err := h.coordinator.CanFence(device, "N2")
	if err != nil || ok {
		t.Fatalf("CanFence with empty list = %v, %v", ok, err)
	}
	h.clock.Advance(30 * time.Second)
	h.coordinator.CanFence(device, "N2")
	if len(h.runner.callsFor("list")) != 1 {
		t.Fatalf("empty list re-queried within cache window: %d calls", len(h.runner.callsFor("list")))
	}
	h.clock.Advance(31 * time.Second)
	h.coordinator.CanFence(device, "N2")
	if len(h.runner.callsFor("list")) != 2 {
		t.Fatal("empty list not refreshed after cache expiry")
	}
}

func TestStatusPolicyRCs(t *testing.T) {
	h := newCoordinatorHarness(t)
	statusRC := 0
	h.runner.respond = func(req agentexec.Request) agentexec.Result {
		return agentexec.Result{RC: statusRC}
	}
	h.coordinator.RegisterDevice(DeviceDefinition{ID: "D1", Agent: "fence-a", HostCheck: "status"})
	device := h.coordinator.devices["D1"]

	for _, c := range []struct {
		rc      int
		want    bool
		wantErr bool
	}{
		{0, true, false},  // active
		{2, true, false},  // inactive but known
		{1, false, false}, // unknown host
		{5, false, true},  // device error
	} {
		statusRC = c.rc
		ok, err := h.coordinator.CanFence(device, "N2")
		if ok != c.want || (err != nil) != c.wantErr {
			t.Fatalf("rc %d: CanFence = %v, %v", c.rc, ok, err)
		}
	}
}

func TestOneChildPerDeviceQueues(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.runner.manual = true
	h.coordinator.RegisterDevice(DeviceDefinition{ID: "D1", Agent: "fence-a", HostCheck: "none"})

	h.coordinator.Fence("N2", "off", time.Second, "node-1")
	h.coordinator.Fence("N3", "off", time.Second, "node-1")

	if len(h.runner.calls) != 1 {
		t.Fatalf("device ran %d children concurrently", len(h.runner.calls))
	}

	// Completing the first starts the second.
	h.runner.pending[0] <- agentexec.Result{RC: 0}
	h.pump()
	if len(h.runner.calls) != 2 {
		t.Fatalf("queued command not started, calls = %d", len(h.runner.calls))
	}
}

func TestRemoveDevicePurgesQueue(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.runner.manual = true
	h.coordinator.RegisterDevice(DeviceDefinition{ID: "D1", Agent: "fence-a", HostCheck: "none"})

	h.coordinator.Fence("N2", "off", time.Second, "node-1")
	h.coordinator.Fence("N3", "off", time.Second, "node-1") // queued

	h.coordinator.RemoveDevice("D1")
	// The queued command completed with a failure instead of
	// vanishing.
	if len(h.results) != 1 {
		t.Fatalf("purged command results = %v", h.results)
	}
	if h.results[0] == 0 {
		t.Fatal("purged command reported success")
	}
}

func TestAgentRequestSubstitutesPortAndNodename(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.runner.respond = func(req agentexec.Request) agentexec.Result { return agentexec.Result{RC: 0} }
	h.coordinator.RegisterDevice(DeviceDefinition{
		ID: "D1", Agent: "fence-a", HostMap: "N2=plug7",
		Params: map[string]string{"ipaddr": "10.0.0.9"},
	})

	h.coordinator.Fence("N2", "off", time.Second, "node-1")
	h.pump()

	offs := h.runner.callsFor("off")
	if len(offs) != 1 {
		t.Fatalf("off calls = %d", len(offs))
	}
	req := offs[0]
	if req.Params["port"] != "plug7" || req.Params["nodename"] != "N2" || req.Params["ipaddr"] != "10.0.0.9" {
		t.Fatalf("agent params = %v", req.Params)
	}
	found := false
	for _, env := range req.Env {
		if env == agentexec.StonithDeviceEnv+"=D1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("device id env missing: %v", req.Env)
	}
}

func TestFailLimitRefusesFurtherAttempts(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.runner.respond = func(req agentexec.Request) agentexec.Result { return agentexec.Result{RC: 0} }
	h.coordinator.RegisterDevice(DeviceDefinition{ID: "D1", Agent: "fence-a", HostCheck: "none"})
	h.coordinator.failCounts["N2"] = defaultFailLimit

	if _, err := h.coordinator.Fence("N2", "off", time.Second, "node-1"); err == nil {
		t.Fatal("fence accepted past the failure limit")
	}
	h.coordinator.ResetFailCount("N2")
	if _, err := h.coordinator.Fence("N2", "off", time.Second, "node-1"); err != nil {
		t.Fatalf("fence refused after reset: %v", err)
	}
}
