//go:build !authctx_devbypass

package authz

// DevBypassEnabled is false in every build without the authctx_devbypass tag.
const DevBypassEnabled = false
