// Package job holds queue policy shared by the mail and export lanes: how long
// a reserved job stays leased and how idle runners learn that work arrived.
package job

import (
	"errors"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
)

// ErrInvalidDefaultLease is returned when the fallback lease is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeasePolicy decides the lease, in whole seconds, for a reservation or a
// heartbeat. Export units call slow backends and get the export lease; mail
// units get the mail lease. Types without their own lease use the fallback.
type LeasePolicy struct {
	fallback time.Duration
	byType   map[model.JobType]time.Duration
}

// NewLeasePolicy builds a policy. Non-positive per-type entries are ignored.
func NewLeasePolicy(fallback time.Duration, byType map[model.JobType]time.Duration) (*LeasePolicy, error) {
	if fallback <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	p := &LeasePolicy{fallback: fallback, byType: make(map[model.JobType]time.Duration, len(byType))}
	for t, d := range byType {
		if d > 0 {
			p.byType[t] = d
		}
	}
	return p, nil
}

// For returns the lease configured for jobType.
func (p *LeasePolicy) For(jobType model.JobType) time.Duration {
	if d, ok := p.byType[jobType]; ok {
		return d
	}
	return p.fallback
}

// Lease is a resolved lease request.
type Lease struct {
	Seconds int
	// Clamped is set when a sub-second or negative request was raised to 1s.
	Clamped bool
}

// Resolve turns requested into whole seconds. A zero request takes the lease
// configured for jobType.
func (p *LeasePolicy) Resolve(jobType model.JobType, requested time.Duration) Lease {
	if requested == 0 {
		requested = p.For(jobType)
	}
	secs := int(requested / time.Second)
	if secs < 1 {
		return Lease{Seconds: 1, Clamped: true}
	}
	return Lease{Seconds: secs}
}

// LanesLeases maps every job type of a lane to the lane's lease.
func LanesLeases(mail, export time.Duration) map[model.JobType]time.Duration {
	return map[model.JobType]time.Duration{
		model.JobTypeMailSend:     mail,
		model.JobTypeMailReport:   mail,
		model.JobTypeExportRun:    export,
		model.JobTypeExportZip:    export,
		model.JobTypeExportNotify: export,
	}
}
