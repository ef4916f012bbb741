// Package sandbox implements the Sandbox Worker Bridge (component G): an
// isolated subprocess worker with no filesystem/network/env/subprocess/FFI
// access of its own, which proxies mcp.<server>.<tool>() and
// capabilities.<name>() calls back to the host process over a bounded RPC
// channel.
//
// Grounded on two teacher pieces: internal/tools/protection.go's
// ProtectionEngine (glob/substring/word pattern matching used here to map a
// PermissionSet onto concrete subprocess deny flags) and
// internal/tools/ssh.go's SSHTool (subprocess spawn, per-command timeout,
// bounded output via a fixed byte cap, teacher's maxSSHOutput idiom).
package sandbox

import "github.com/pmlrun/gateway/internal/gwerrors"

// PermissionSet is one of the gateway's six escalation tiers.
type PermissionSet string

const (
	PermMinimal      PermissionSet = "minimal"
	PermReadonly     PermissionSet = "readonly"
	PermFilesystem   PermissionSet = "filesystem"
	PermNetworkAPI   PermissionSet = "network-api"
	PermMCPStandard  PermissionSet = "mcp-standard"
	PermTrusted      PermissionSet = "trusted"
)

// tierRank orders permission sets from least to most privileged. Escalation
// (moving to a higher rank) is allowed; de-escalation is forbidden once a
// capability has been granted a tier, per the spec's strict escalation
// table. "trusted" can never be reached by escalation — it is only ever
// assigned directly by an operator.
var tierRank = map[PermissionSet]int{
	PermMinimal:     0,
	PermReadonly:    1,
	PermFilesystem:  2,
	PermNetworkAPI:  3,
	PermMCPStandard: 4,
	PermTrusted:     5,
}

// CanEscalateTo reports whether moving from `from` to `to` is a legal
// escalation: equal (a no-op) or higher rank, and never landing on "trusted" unless
// `from` is already "trusted" (trusted is unreachable by escalation).
func CanEscalateTo(from, to PermissionSet) bool {
	fr, ok := tierRank[from]
	if !ok {
		return false
	}
	tr, ok := tierRank[to]
	if !ok {
		return false
	}
	if to == PermTrusted && from != PermTrusted {
		return false
	}
	return tr >= fr
}

// Flags is the deny-by-default subprocess permission flag set a worker is
// launched with. Every worker always carries DenyRun and DenyFFI — no
// permission set can restore subprocess-spawn or foreign-function access
// once inside the sandbox, since those would let a worker escape the
// sandbox boundary entirely rather than just widen what it can reach
// through the proxy.
type Flags struct {
	DenyNet   bool
	DenyRead  bool
	DenyWrite bool
	DenyEnv   bool
	DenyRun   bool
	DenyFFI   bool
}

// FlagsFor maps a PermissionSet to its deny-by-default subprocess flags.
func FlagsFor(p PermissionSet) Flags {
	f := Flags{DenyRun: true, DenyFFI: true}
	switch p {
	case PermMinimal:
		f.DenyNet, f.DenyRead, f.DenyWrite, f.DenyEnv = true, true, true, true
	case PermReadonly:
		f.DenyNet, f.DenyWrite, f.DenyEnv = true, true, true
		f.DenyRead = false
	case PermFilesystem:
		f.DenyNet, f.DenyEnv = true, true
	case PermNetworkAPI:
		f.DenyWrite, f.DenyEnv = true, true
	case PermMCPStandard:
		f.DenyEnv = true
	case PermTrusted:
		// every deny flag left false except the permanent DenyRun/DenyFFI
	}
	return f
}

// Validate checks a requested PermissionSet is one of the six known tiers.
func Validate(p PermissionSet) error {
	if _, ok := tierRank[p]; !ok {
		return gwerrors.Validation("unknown permission set %q", p)
	}
	return nil
}
