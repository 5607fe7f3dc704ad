// Package otel bridges the in-process counters to OpenTelemetry. The
// exporter registers asynchronous instruments that read a snapshot on each
// collection; nothing is pushed on the hot path.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	authcore "github.com/vivaexcel/authcore"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
}

type counterDef struct {
	id   authcore.MetricID
	name string
	help string
}

var counterDefs = []counterDef{
	{authcore.MetricRegisterSuccess, "authcore_register_success_total", "Accounts created."},
	{authcore.MetricRegisterDuplicate, "authcore_register_duplicate_total", "Registrations rejected for an already-taken email."},
	{authcore.MetricLoginSuccess, "authcore_login_success_total", "Completed logins."},
	{authcore.MetricLoginFailure, "authcore_login_failure_total", "Credential checks that failed."},
	{authcore.MetricLoginLockedOut, "authcore_login_locked_out_total", "Logins refused while a lockout was active."},
	{authcore.MetricTwoFactorRequired, "authcore_twofactor_required_total", "Logins paused at the pending-2FA step."},
	{authcore.MetricTwoFactorSuccess, "authcore_twofactor_success_total", "Second-factor challenges passed."},
	{authcore.MetricTwoFactorFailure, "authcore_twofactor_failure_total", "Second-factor challenges failed."},
	{authcore.MetricRefreshSuccess, "authcore_refresh_success_total", "Refresh-token rotations completed."},
	{authcore.MetricRefreshFailure, "authcore_refresh_failure_total", "Refresh attempts rejected."},
	{authcore.MetricReplayDetected, "authcore_replay_detected_total", "Refresh-token replays detected."},
	{authcore.MetricLogout, "authcore_logout_total", "Single-session logouts."},
	{authcore.MetricLogoutAll, "authcore_logout_all_total", "All-session logouts."},
	{authcore.MetricSessionCreated, "authcore_session_created_total", "Sessions created."},
	{authcore.MetricSessionInvalidated, "authcore_session_invalidated_total", "Sessions invalidated before expiry."},
	{authcore.MetricEmailVerified, "authcore_email_verified_total", "Email addresses verified."},
	{authcore.MetricPasswordResetRequested, "authcore_password_reset_requested_total", "Password reset requests accepted."},
	{authcore.MetricPasswordResetCompleted, "authcore_password_reset_completed_total", "Password resets completed."},
	{authcore.MetricPasswordResetRejected, "authcore_password_reset_rejected_total", "Password resets rejected for a bad token."},
	{authcore.MetricOAuthLogin, "authcore_oauth_login_total", "Logins via an external identity provider."},
}

type observedCounter struct {
	id         authcore.MetricID
	instrument metric.Int64ObservableCounter
}

type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	auditDropped metric.Int64ObservableCounter
}

// NewExporter wires a service's counters into the meter.
func NewExporter(meter metric.Meter, service *authcore.Service) (*Exporter, error) {
	return NewExporterFromSource(meter, service)
}

// NewExporterFromSource is NewExporter over anything that can produce
// snapshots, which keeps tests off the full service.
func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(counterDefs)),
	}

	observables := make([]metric.Observable, 0, len(counterDefs)+1)

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.id, instrument: ins})
		observables = append(observables, ins)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"authcore_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
