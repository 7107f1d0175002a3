package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetsign/fleetlink/internal/models"
	"github.com/fleetsign/fleetlink/pkg/identity"
	"github.com/fleetsign/fleetlink/pkg/wsclient"
)

// fakeSender records frames sent while the simulated link is open and
// fails with ErrNotOpen otherwise.
type fakeSender struct {
	mu     sync.Mutex
	state  wsclient.State
	frames []models.Frame
}

func newFakeSender(open bool) *fakeSender {
	s := &fakeSender{state: wsclient.StateClosed}
	if open {
		s.state = wsclient.StateOpen
	}
	return s
}

func (s *fakeSender) Send(frame models.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != wsclient.StateOpen {
		return wsclient.ErrNotOpen
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSender) State() wsclient.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSender) setOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.state = wsclient.StateOpen
	} else {
		s.state = wsclient.StateClosed
	}
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSender) frame(i int) models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

// fakeStore is an in-memory OfflineStore.
type fakeStore struct {
	mu      sync.Mutex
	entries []struct {
		kind    string
		payload any
	}
}

func (s *fakeStore) Enqueue(_ context.Context, kind string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, struct {
		kind    string
		payload any
	}{kind, payload})
	return nil
}

func (s *fakeStore) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// stubDeviceInfo is a fixed identity for tests.
type stubDeviceInfo struct {
	identity identity.Identity
}

func newStubDeviceInfo() *stubDeviceInfo {
	return &stubDeviceInfo{identity: identity.Identity{
		DeviceID:   "TAB-1",
		MaterialID: "MAT-9",
		DeviceName: "test-tablet",
	}}
}

func (d *stubDeviceInfo) LoadDeviceInfo() error                 { return nil }
func (d *stubDeviceInfo) SaveDeviceID(string) error             { return nil }
func (d *stubDeviceInfo) GetDeviceID() string                   { return d.identity.DeviceID }
func (d *stubDeviceInfo) GetMaterialID() string                 { return d.identity.MaterialID }
func (d *stubDeviceInfo) GetDeviceIdentity() *identity.Identity { return &d.identity }
func (d *stubDeviceInfo) Validate() error                       { return nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
