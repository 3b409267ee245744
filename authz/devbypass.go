//go:build authctx_devbypass

package authz

// DevBypassEnabled makes Evaluate allow everything. It is only true in builds
// tagged authctx_devbypass and must never ship.
const DevBypassEnabled = true
