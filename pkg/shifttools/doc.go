// Package shifttools implements the shift management tools the agent can
// call: reading the schedule and rules, editing a member's shift, and
// broadcasting call-outs to the staff group.
//
// Handlers report business conditions ("nobody is scheduled", "already on
// that shift") as descriptive string results; only store failures are
// returned as errors.
package shifttools
