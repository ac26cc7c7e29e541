// Package service runs batches repeatedly in timer mode.
//
// A Scheduler wraps a gocron scheduler with a single job. The job fires
// once immediately and then on every tick of the configured cron
// expression or ISO-8601 duration. A tick which arrives while a batch is
// still running is rescheduled, so at most one batch runs at a time.
//
//	Scheduler            gocron             batch func
//	    |                   |                    |
//	Run(ctx) -- Start() --->| tick ------------->| fn(ctx)
//	    |                   | tick (busy) -> reschedule
//	    |                   |<------- return ----|
//	ctx.Done()              |                    |
//	    |--- Shutdown() --->| waits for fn       |
//
// The batch func receives the context passed to Run. Cancelling it
// interrupts the running batch and stops the scheduler.
package service
