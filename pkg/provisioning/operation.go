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

package provisioning

import (
	"errors"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/correlation"
	"github.com/jeremyhahn/go-dps/pkg/metrics"
	"github.com/jeremyhahn/go-dps/pkg/types"
)

type operationKind int

const (
	kindRegister operationKind = iota
	kindStatus
)

func (k operationKind) String() string {
	if k == kindStatus {
		return metrics.OpQueryStatus
	}
	return metrics.OpRegister
}

// operation is a request waiting for its correlated response.
type operation struct {
	correlationID string
	kind          operationKind
	request       *RegistrationRequest
	operationID   string
	seq           uint64
	sent          bool
	started       time.Time
	result        chan outcome
}

type outcome struct {
	result     *RegistrationResult
	retryAfter time.Duration
	err        error
	// absorbed marks a retryable error reported as in progress
	absorbed bool
}

func newOperation(kind operationKind, req *RegistrationRequest, operationID string) *operation {
	return &operation{
		correlationID: correlation.NewID(),
		kind:          kind,
		request:       req,
		operationID:   operationID,
		started:       time.Now(),
		result:        make(chan outcome, 1),
	}
}

// resolve delivers the outcome. The operation must already be removed
// from the pending map so it resolves exactly once.
func (o *operation) resolve(out outcome) {
	status := metrics.StatusSuccess
	switch {
	case errors.Is(out.err, types.ErrOperationCancelled):
		status = metrics.StatusCancelled
	case out.err != nil:
		status = metrics.StatusError
	case out.absorbed:
		status = metrics.StatusRetryable
	}
	metrics.RecordOperation(o.kind.String(), status, time.Since(o.started).Seconds())
	o.result <- out
}

// inProgress is the result reported when a retryable service error is
// absorbed.
func (o *operation) inProgress() *RegistrationResult {
	if o.kind == kindRegister {
		return &RegistrationResult{Status: StatusRegistering}
	}
	return &RegistrationResult{Status: StatusAssigning, OperationID: o.operationID}
}
