// Package policy holds the two authorization layers of the runtime: the
// YAML-backed capability/egress allowlists in this file (hot-reloadable,
// consulted by individual tool handlers for URL, path, and capability
// checks) and the ordered deny-by-default rule chain in engine.go
// (consulted by the tool runtime for every invocation).
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the read side handed to tool handlers.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowCapability(capability string) bool
	AllowPath(path string) bool
	PolicyVersion() string
}

// Policy is the serializable allowlist data.
type Policy struct {
	AllowDomains      []string `yaml:"allow_domains"`
	AllowPaths        []string `yaml:"allow_paths"`
	AllowCapabilities []string `yaml:"allow_capabilities"`
	AllowLoopback     bool     `yaml:"allow_loopback"`
}

// Default is the empty allowlist: no domains, no capabilities. Paths are the
// exception — an empty AllowPaths list permits all paths, see AllowPath.
func Default() Policy {
	return Policy{}
}

// knownCapabilities is the closed set a policy file may grant. Granting a
// name outside this set fails validation, so a typo in the YAML surfaces at
// load time instead of silently never matching.
var knownCapabilities = map[string]struct{}{
	"tools.web_search":       {},
	"tools.read_url":         {},
	"tools.read_file":        {},
	"tools.write_file":       {},
	"tools.exec":             {},
	"tools.spawn_task":       {},
	"tools.delegate_task":    {},
	"tools.send_message":     {},
	"tools.read_messages":    {},
	"tools.memory_read":      {},
	"tools.memory_write":     {},
	"tools.send_alert":       {},
	"tools.price_comparison": {},
	"wasm.http.get":          {},
	"wasm.kv.set":            {},
	"skill.inject":           {},
	"agent.create":           {},
	"agent.remove":           {},
}

// Load reads a policy file. A missing or empty file yields Default() so a
// fresh install starts fully locked down rather than failing startup.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for _, name := range p.AllowCapabilities {
		capability := strings.ToLower(strings.TrimSpace(name))
		if capability == "" {
			continue
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", name)
		}
	}
	return nil
}

// AllowHTTPURL reports whether outbound HTTP egress to raw is permitted:
// http/https only, host must sit under an allowed domain, and loopback,
// private, and link-local targets are refused unless AllowLoopback is set.
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		// A hostname, not an IP; domain allowlisting decides.
		return false
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func (p Policy) AllowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	for _, granted := range p.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(granted)) == capability {
			return true
		}
	}
	return false
}

// AllowPath reports whether a filesystem path sits under an allowed prefix.
// Symlinks are resolved on both sides before comparing, so a link out of an
// allowed tree does not widen it. An empty AllowPaths list permits all paths.
func (p Policy) AllowPath(path string) bool {
	if len(p.AllowPaths) == 0 {
		return true
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// The path may not exist yet (a file about to be written); resolve
		// its parent and re-attach the base name.
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if eval, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = eval
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// PolicyVersion is a stable fingerprint of the allowlist contents, recorded
// on policy.decision evidence so an audit can tell which policy was active.
func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowPaths {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowCapabilities {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with guarded mutation and file persistence.
// Handlers hold the LivePolicy; reloads swap the snapshot underneath them.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // persistence target; empty disables persistence
}

func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowHTTPURL(raw)
}

func (lp *LivePolicy) AllowCapability(capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowCapability(capability)
}

func (lp *LivePolicy) AllowPath(path string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowPath(path)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// AllowDomain grants egress to a domain at runtime and persists the grant.
func (lp *LivePolicy) AllowDomain(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("empty domain")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if containsNormalized(lp.data.AllowDomains, domain) {
		return nil
	}
	lp.data.AllowDomains = append(lp.data.AllowDomains, domain)
	return lp.persist()
}

// AddCapability grants a capability at runtime and persists the grant. The
// name must be in the known set.
func (lp *LivePolicy) AddCapability(capability string) error {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return fmt.Errorf("empty capability")
	}
	if _, ok := knownCapabilities[capability]; !ok {
		return fmt.Errorf("unknown capability %q", capability)
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if containsNormalized(lp.data.AllowCapabilities, capability) {
		return nil
	}
	lp.data.AllowCapabilities = append(lp.data.AllowCapabilities, capability)
	return lp.persist()
}

// Reload replaces the snapshot wholesale.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a defensive copy of the current allowlist data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowDomains = append([]string(nil), lp.data.AllowDomains...)
	cp.AllowPaths = append([]string(nil), lp.data.AllowPaths...)
	cp.AllowCapabilities = append([]string(nil), lp.data.AllowCapabilities...)
	return cp
}

// ReloadFromFile swaps the live policy only when the file parses and
// validates; on error the previous policy stays active. The config watcher
// calls this on fsnotify events.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
