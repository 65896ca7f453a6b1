//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

// JobListOptions groups parameters for listing jobs with optional filters (admin view).
type JobListOptions struct {
	Status     *JobStatus // Optional filter by status (pending, running, completed, failed)
	Type       *JobType   // Optional filter by type
	WorkflowID *string    // Optional filter by owning workflow
	Limit      int        // Pagination limit
	Offset     int        // Pagination offset
}
