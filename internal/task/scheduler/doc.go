// Package scheduler implements the adaptive task scheduler.
//
// Instead of polling the task store on a tight interval, the scheduler asks the
// store for the next due time and arms a single timer:
//   - nothing pending: Idle, no timer armed
//   - next task within NearTimeThreshold: NearTimeWatch, wake at min(until due, threshold)
//   - otherwise: HourlyWatch, wake after CoarseInterval
//
// When the timer fires, due tasks are swept through the executor and the
// decision runs again. A separate daily cron entry re-runs the decision as a
// safety net for missed NotifyTaskAdded calls.
package scheduler
