package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestSwitchWakesOnOnlineEdgeOnly(t *testing.T) {
	s := NewSwitch(false)
	if s.Online() {
		t.Fatal("expected switch to start offline")
	}

	if changed := s.Set(false); changed {
		t.Fatal("expected offline to offline to be unchanged")
	}
	select {
	case <-s.Wake():
		t.Fatal("unexpected wake without an online edge")
	default:
	}

	if changed := s.Set(true); !changed {
		t.Fatal("expected offline to online to change")
	}
	select {
	case <-s.Wake():
	default:
		t.Fatal("expected wake on online edge")
	}

	s.Set(true)
	select {
	case <-s.Wake():
		t.Fatal("unexpected wake while already online")
	default:
	}
}

func TestSwitchCollapsesUnreadEdges(t *testing.T) {
	s := NewSwitch(false)
	s.Set(true)
	s.Set(false)
	s.Set(true)

	<-s.Wake()
	select {
	case <-s.Wake():
		t.Fatal("expected unread edges to collapse")
	default:
	}
}

func TestProberCheckFlipsSwitch(t *testing.T) {
	s := NewSwitch(true)
	var probeErr error
	var logged []string
	p := &Prober{
		Switch: s,
		Probe:  func(context.Context) error { return probeErr },
		Logf: func(format string, args ...any) {
			logged = append(logged, format)
		},
	}

	probeErr = errors.New("dial tcp: refused")
	if online := p.Check(context.Background()); online {
		t.Fatal("expected probe failure to report offline")
	}
	if s.Online() {
		t.Fatal("expected switch offline")
	}

	probeErr = nil
	if online := p.Check(context.Background()); !online {
		t.Fatal("expected probe success to report online")
	}
	if !s.Online() {
		t.Fatal("expected switch online")
	}
	if len(logged) != 2 {
		t.Fatalf("log lines = %d, want 2", len(logged))
	}
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), srv.URL+"/up")
	if err := probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	status.Store(http.StatusServiceUnavailable)
	if err := probe(context.Background()); err == nil {
		t.Fatal("expected probe error for 503")
	}
}
