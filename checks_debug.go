//go:build !kvdict_nodebug

package kvdict

// debugChecks enables expensive precondition checks, such as verifying that
// the old value passed to Update is current. Build with -tags kvdict_nodebug
// to drop them.
const debugChecks = true
