// Package credentials resolves per-domain credentials: lazy file
// loading with a TTL cache, single-flight OAuth refresh with stuck
// reclaim and failure cooldown, pool account selection, and a
// filesystem watcher that invalidates cached entries on change.
package credentials

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// fileSuffix is appended to the domain to form the credential filename.
const fileSuffix = ".credentials.json"

// domainPattern is the only shape a tenant domain may take. Slashes and
// backslashes are excluded outright; dots are allowed for hostname-like
// domains, which is why the traversal check below is still needed.
var domainPattern = regexp.MustCompile(`^[A-Za-z0-9.\-:]+$`)

// ResolvePath maps a domain to its credential file path under dir. The
// returned path is guaranteed to be a descendant of dir.
func ResolvePath(dir, domain string) (string, error) {
	if domain == "" {
		return "", fmt.Errorf("credentials: empty domain")
	}
	if strings.Contains(domain, "..") ||
		strings.ContainsAny(domain, `/\`) ||
		!domainPattern.MatchString(domain) {
		return "", fmt.Errorf("credentials: invalid domain %q", domain)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("credentials: resolve dir: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(absDir, domain+fileSuffix))
	if err != nil {
		return "", fmt.Errorf("credentials: resolve path: %w", err)
	}
	if !strings.HasPrefix(path, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("credentials: path escapes credentials dir for domain %q", domain)
	}
	return path, nil
}

// DomainFromPath inverts ResolvePath for watcher events. Returns false
// when the path is not a credential file.
func DomainFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	domain, ok := strings.CutSuffix(base, fileSuffix)
	if !ok || domain == "" {
		return "", false
	}
	return domain, true
}
