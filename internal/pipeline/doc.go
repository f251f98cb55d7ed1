// Package pipeline provides the business boundary for Warden's case workflow
// engine. It defines the Coordinator (work queue, per-stage deadline, retry and
// escalation), the Reaper (stuck-stage recovery), the Optimizer (adaptive stage
// tuning), the shared stage configuration and metrics tables, and the
// collaborator contracts for persistence and AI diagnosis.
package pipeline
