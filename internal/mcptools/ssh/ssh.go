// Package ssh is a built-in tool bridged into internal/mcptools.Bridge the
// same way the teacher's internal/tools.SSHTool plugs into its tool
// registry: one tool id, "ssh.exec", that runs a shell command on a
// credentialed remote host and returns its combined stdout/stderr.
//
// Grounded on internal/tools/ssh.go's subprocess-with-timeout-and-buffer-cap
// pattern (cached *ssh.Client per host, session timeout, byte-capped
// output) and internal/tools/protection.go's glob/word pattern matching for
// blocked commands and protected paths — generalized from the teacher's
// per-credential AllowSudo/AllowRoot booleans onto the gateway's own
// sandbox.PermissionSet escalation tiers, so one permission model covers
// both sandboxed worker code and SSH-executed commands.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pmlrun/gateway/internal/gwerrors"
	"github.com/pmlrun/gateway/internal/sandbox"
)

// ToolName is the tool id this package answers to inside
// internal/mcptools.Bridge.
const ToolName = "ssh.exec"

// maxOutput is the maximum bytes of combined stdout/stderr returned.
const maxOutput = 8192

// defaultTimeout is the per-command timeout when none is given.
const defaultTimeout = 30 * time.Second

// Credential authenticates against one remote host and caps the command
// tier that host accepts.
type Credential struct {
	Host       string // host:port; port defaults to 22
	User       string
	PrivateKey []byte // PEM-encoded; mutually exclusive with Password
	Password   string

	// Permission is the highest sandbox.PermissionSet tier commands
	// against this host may be classified into. Host-destructive and
	// sudo/root commands require PermTrusted.
	Permission sandbox.PermissionSet
}

var tierOrder = []sandbox.PermissionSet{
	sandbox.PermMinimal,
	sandbox.PermReadonly,
	sandbox.PermFilesystem,
	sandbox.PermNetworkAPI,
	sandbox.PermMCPStandard,
	sandbox.PermTrusted,
}

func rank(p sandbox.PermissionSet) int {
	for i, t := range tierOrder {
		if t == p {
			return i
		}
	}
	return -1
}

// Tool executes shell commands on credentialed remote hosts via SSH.
type Tool struct {
	credentials map[string]Credential

	protectedPaths  []string
	blockedCommands []string
	commandTimeout  time.Duration

	mu          sync.Mutex
	connections map[string]*ssh.Client
}

// New creates a Tool. creds maps a host identifier (the "host" argument
// callers pass to Execute) to its Credential.
func New(creds map[string]Credential) *Tool {
	return &Tool{
		credentials: creds,
		protectedPaths: []string{
			"/etc/shadow", "/etc/gshadow",
			"/boot/", "/dev/",
			"~/.ssh/id_*", "~/.ssh/authorized_keys",
			"/root/.ssh/",
		},
		blockedCommands: []string{
			"dd", "mkfs", "fdisk", "parted", "wipefs",
			"psql", "mysql", "mongo", "mongosh", "redis-cli",
			"shred", "srm",
		},
		commandTimeout: defaultTimeout,
		connections:    make(map[string]*ssh.Client),
	}
}

// Execute runs args["command"] on args["host"], honoring an optional
// args["timeout"] duration string. It implements the single-method shape
// internal/mcptools.Bridge calls through for the ToolName tool id.
func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	host, _ := args["host"].(string)
	cmd, _ := args["command"].(string)
	if host == "" {
		return "", gwerrors.Validation("ssh: host is required")
	}
	if cmd == "" {
		return "", gwerrors.Validation("ssh: command is required")
	}

	cred, ok := t.credentials[host]
	if !ok {
		return "", gwerrors.NotFound("ssh: no credential configured for host %q", host)
	}

	if reason := t.isBlockedCommand(cmd); reason != "" {
		return "", gwerrors.Validation("ssh: blocked — %s", reason)
	}
	if reason := t.touchesProtectedPath(cmd); reason != "" {
		return "", gwerrors.Validation("ssh: blocked — %s", reason)
	}
	required := classifyCommand(cmd)
	if rank(cred.Permission) < rank(required) {
		return "", gwerrors.Permission("ssh: host %q permitted up to %q, command requires %q", host, cred.Permission, required)
	}

	client, err := t.getConnection(host, cred)
	if err != nil {
		return "", gwerrors.Unavailable("ssh: connection failed to %s — %v", host, err)
	}

	timeout := t.commandTimeout
	if ts, ok := args["timeout"].(string); ok && ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		t.mu.Lock()
		delete(t.connections, host)
		t.mu.Unlock()
		client, err = t.getConnection(host, cred)
		if err != nil {
			return "", gwerrors.Unavailable("ssh: reconnection failed to %s — %v", host, err)
		}
		session, err = client.NewSession()
		if err != nil {
			return "", gwerrors.Unavailable("ssh: session creation failed — %v", err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case runErr := <-done:
		output := stdout.String()
		if stderr.Len() > 0 {
			output += "\n--- stderr ---\n" + stderr.String()
		}
		if len(output) > maxOutput {
			output = output[:maxOutput] + "\n... [truncated at 8KB]"
		}
		if runErr != nil {
			if output == "" {
				return fmt.Sprintf("command failed: %v", runErr), nil
			}
			return output + fmt.Sprintf("\n--- exit error: %v ---", runErr), nil
		}
		return output, nil
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return "", gwerrors.Timeout("ssh: command timed out after %v", timeout)
	}
}

func (t *Tool) getConnection(host string, cred Credential) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if client, ok := t.connections[host]; ok {
		return client, nil
	}

	var authMethods []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key for %s: %w", host, err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		authMethods = append(authMethods, ssh.Password(cred.Password))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method configured for host %q", host)
	}

	config := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := cred.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = addr + ":22"
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, err
	}
	t.connections[host] = client
	return client, nil
}

// Close tears down every cached SSH connection.
func (t *Tool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for host, client := range t.connections {
		client.Close()
		delete(t.connections, host)
	}
}

func (t *Tool) isBlockedCommand(cmd string) string {
	parts := strings.Fields(cmd)
	for _, part := range parts {
		switch part {
		case "|", "&&", "||", ";", ">", ">>", "<":
			continue
		case "sudo", "env", "nice", "nohup", "timeout":
			continue
		}
		base := part
		if idx := strings.LastIndex(part, "/"); idx >= 0 {
			base = part[idx+1:]
		}
		for _, blocked := range t.blockedCommands {
			if strings.EqualFold(base, blocked) {
				return fmt.Sprintf("blocked command: %s", blocked)
			}
			if dotIdx := strings.Index(base, "."); dotIdx > 0 && strings.EqualFold(base[:dotIdx], blocked) {
				return fmt.Sprintf("blocked command: %s", blocked)
			}
		}
		break
	}
	return ""
}

func (t *Tool) touchesProtectedPath(cmd string) string {
	cmdLower := strings.ToLower(cmd)

	writeOps := []string{"rm ", "mv ", "cp ", "chmod ", "chown ", "truncate ", "> ", ">> ", "tee "}
	isWrite := false
	for _, op := range writeOps {
		if strings.Contains(cmdLower, op) {
			isWrite = true
			break
		}
	}

	for _, path := range t.protectedPaths {
		pathLower := strings.TrimSuffix(strings.ToLower(path), "*")
		if strings.Contains(cmdLower, pathLower) {
			if isWrite || pathLower == "/etc/shadow" || pathLower == "/etc/gshadow" {
				return fmt.Sprintf("protected path: %s", path)
			}
		}
	}
	return ""
}

// classifyCommand maps a shell command onto the minimum sandbox.PermissionSet
// tier required to run it: read-only commands need PermReadonly, commands
// that restart or tear down services need PermNetworkAPI, sudo or
// filesystem-destructive commands need PermTrusted.
func classifyCommand(cmd string) sandbox.PermissionSet {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return sandbox.PermReadonly
	}

	base := parts[0]
	if base == "sudo" {
		return sandbox.PermTrusted
	}
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	baseLower := strings.ToLower(base)

	readCmds := map[string]bool{
		"ls": true, "cat": true, "head": true, "tail": true, "less": true, "more": true,
		"grep": true, "find": true, "wc": true, "sort": true, "uniq": true, "diff": true,
		"ps": true, "top": true, "df": true, "du": true, "free": true, "uptime": true,
		"whoami": true, "id": true, "hostname": true, "uname": true, "date": true,
		"which": true, "file": true, "stat": true, "lsof": true, "netstat": true,
		"ss": true, "ip": true, "journalctl": true, "dmesg": true, "echo": true,
	}
	if readCmds[baseLower] {
		return sandbox.PermReadonly
	}

	serviceCmds := map[string]bool{
		"systemctl": true, "service": true, "kill": true, "pkill": true,
		"killall": true, "reboot": true, "shutdown": true, "docker": true, "podman": true,
	}
	if serviceCmds[baseLower] {
		return sandbox.PermNetworkAPI
	}

	destructiveCmds := map[string]bool{
		"rm": true, "rmdir": true, "mv": true, "chmod": true, "chown": true, "chgrp": true,
		"useradd": true, "userdel": true, "usermod": true, "iptables": true,
		"apt-get": true, "yum": true, "dnf": true,
	}
	if destructiveCmds[baseLower] {
		return sandbox.PermTrusted
	}

	return sandbox.PermNetworkAPI
}
