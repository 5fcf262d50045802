//go:build kvdict_nodebug

package kvdict

const debugChecks = false
