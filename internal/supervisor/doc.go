package supervisor

// Package supervisor runs a batch of jobs in a pool of worker processes.
//
// Overview
// The Supervisor turns every model.Job into a worker.Handle and drives the
// handles through a tick loop until each of them produced its Result. One tick:
//
//   1. admit    - start pending handles in job order while below the ceiling
//   2. sleep    - one poll interval, the only place the loop waits
//   3. scan     - a handle whose process exited is finished, a handle running
//                 longer than the timeout is killed and finished
//   4. collect  - finished handles leave running and resolve their Result
//   5. progress - done/total and a few of the active handles are logged
//
// Data flow:
//
//   Supervisor              Handle                   worker process
//       |                      |                           |
//   admit -> Start() --------->| Launcher.Launch --------->| (job, config, index)
//       |                      |                           | work ...
//   scan -> IsRunning() ------>| Exited()                  |
//       |      or Timeout() -->| Kill() + bounded Wait --->X
//       |                      |                           | handoff.Write
//   collect -> Collect() ----->| handoff.Take <------------| result_<index>.json
//       |<------ Result -------|                           |
//
// Shutdown() or a canceled context make the next tick interrupt the batch:
// running handles are killed, pending handles are never started, and both
// get an interrupted Result. A Run always returns one Result per job.
//
// Invariants:
//   - pending + running + done == number of jobs after every tick
//   - running never exceeds the ceiling after admission
//   - results are in completion order, reports sort them by job index
//   - a failing handle yields a failed Result, it never stops the batch
