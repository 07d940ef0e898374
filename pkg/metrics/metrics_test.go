// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStream(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	err := m.ObserveStream(func() (string, error) {
		if got := testutil.ToFloat64(m.ActiveStreams); got != 1 {
			t.Errorf("ActiveStreams during stream = %v, want 1", got)
		}
		return OutcomeEmitted, nil
	})
	if err != nil {
		t.Fatalf("ObserveStream() error: %v", err)
	}

	wantErr := errors.New("boom")
	err = m.ObserveStream(func() (string, error) {
		return OutcomeViolation, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("ObserveStream() error = %v, want %v", err, wantErr)
	}

	if got := testutil.ToFloat64(m.ActiveStreams); got != 0 {
		t.Errorf("ActiveStreams = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.StreamsTotal.WithLabelValues(OutcomeEmitted)); got != 1 {
		t.Errorf("emitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StreamsTotal.WithLabelValues(OutcomeViolation)); got != 1 {
		t.Errorf("violation = %v, want 1", got)
	}
}

func TestObserveDelivery(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.ObserveDelivery(func() error { return nil })
	m.ObserveDelivery(func() error { return errors.New("503") })
	m.ObserveDelivery(func() error { return errors.New("503") })

	if got := testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("success")); got != 1 {
		t.Errorf("success attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveryAttempts.WithLabelValues("error")); got != 2 {
		t.Errorf("error attempts = %v, want 2", got)
	}
}

func TestNewIsolatedRegistries(t *testing.T) {
	// Registering the same namespace twice must not panic with distinct registries.
	New("dup", nil)
	New("dup", nil)
}
