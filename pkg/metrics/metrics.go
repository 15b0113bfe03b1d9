// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-dps.
//
// go-dps is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for provisioning
// operations, TPM commands, transport state and SAS token renewal.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all provisioning metrics
	Namespace = "dps"

	// Label names
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelCommand   = "command"
	LabelState     = "state"

	// Status values
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusRetryable = "retryable"
	StatusCancelled = "cancelled"

	// Operation names
	OpRegister         = "register"
	OpQueryStatus      = "query_status"
	OpConnect          = "connect"
	OpAttach           = "attach"
	OpDisconnect       = "disconnect"
	OpChallenge        = "challenge"
	OpActivateIdentity = "activate_identity"
	OpSign             = "sign"
	OpTokenRenewal     = "token_renewal"
)

var (
	// OperationsTotal tracks provisioning operations by type and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of provisioning operations by type and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// OperationDuration tracks the duration of provisioning operations in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of provisioning operations in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelOperation},
	)

	// ErrorsTotal tracks errors by operation and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error type",
		},
		[]string{LabelOperation, LabelErrorType},
	)

	// TPMCommandsTotal tracks TPM commands issued by the security client.
	TPMCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "tpm",
			Name:      "commands_total",
			Help:      "Total number of TPM commands by command and status",
		},
		[]string{LabelCommand, LabelStatus},
	)

	// PendingOperations is the number of correlated operations awaiting a response.
	PendingOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "amqp",
			Name:      "pending_operations",
			Help:      "Number of correlated operations awaiting a response",
		},
	)

	// TransportTransitions counts state machine transitions by target state.
	TransportTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "amqp",
			Name:      "state_transitions_total",
			Help:      "Total number of transport state transitions by target state",
		},
		[]string{LabelState},
	)

	// TokenRenewalsTotal tracks SAS token renewals by status.
	TokenRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "token_renewals_total",
			Help:      "Total number of SAS token renewals by status",
		},
		[]string{LabelStatus},
	)

	// Goroutines tracks the current number of goroutines.
	// Updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// Uptime tracks the process uptime in seconds.
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records a provisioning operation with its duration and status.
//
// Example:
//
//	start := time.Now()
//	result, _, err := transport.RegistrationRequest(ctx, req)
//	if err != nil {
//	    RecordOperation(OpRegister, StatusError, time.Since(start).Seconds())
//	}
func RecordOperation(operation, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordError records an error event with context about where it occurred.
func RecordError(operation, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordTPMCommand records a single TPM command outcome.
func RecordTPMCommand(command string, err error) {
	if !enabled.Load() {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	TPMCommandsTotal.WithLabelValues(command, status).Inc()
}

// RecordTransition records a transport state transition.
func RecordTransition(state string) {
	if !enabled.Load() {
		return
	}
	TransportTransitions.WithLabelValues(state).Inc()
}

// SetPendingOperations sets the pending operation gauge.
func SetPendingOperations(count int) {
	if !enabled.Load() {
		return
	}
	PendingOperations.Set(float64(count))
}

// RecordTokenRenewal records a SAS token renewal outcome.
func RecordTokenRenewal(err error) {
	if !enabled.Load() {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	TokenRenewalsTotal.WithLabelValues(status).Inc()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
