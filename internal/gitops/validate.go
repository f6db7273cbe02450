package gitops

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
)

var (
	remoteNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	scpURLRegex     = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^:]`)
	allowedSchemes  = []string{"https://", "http://", "ssh://", "git://", "file://"}
)

// ValidateRef checks a branch or ref name against git's check-ref-format rules
// plus the restrictions needed to pass it safely on a command line.
func ValidateRef(field, name string) error {
	bad := func(reason string) error {
		return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("%q %s", name, reason)}
	}
	if name == "" {
		return domain.Required(field)
	}
	if strings.HasPrefix(name, "-") {
		return bad("must not start with '-'")
	}
	if name == "@" || strings.Contains(name, "@{") {
		return bad("must not contain '@{'")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") {
		return bad("must not contain '..' or '//'")
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return bad("has an invalid suffix")
	}
	if strings.HasPrefix(name, "/") {
		return bad("must not start with '/'")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == ' ' || strings.ContainsRune(`~^:?*[\`, r) {
			return bad(fmt.Sprintf("contains forbidden character %q", r))
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return bad("has a component starting with '.'")
		}
	}
	return nil
}

// ValidateRemoteName checks a remote name such as "origin"
func ValidateRemoteName(name string) error {
	if name == "" {
		return domain.Required("remoteName")
	}
	if !remoteNameRegex.MatchString(name) {
		return &domain.ValidationError{Field: "remoteName", Reason: fmt.Sprintf("%q is not a valid remote name", name)}
	}
	return nil
}

// ValidateRepoURL accepts http(s), ssh, git and file URLs, scp-style
// user@host:path and absolute local paths. Transport helpers such as
// "ext::" are rejected because they execute arbitrary commands.
func ValidateRepoURL(field, url string) error {
	if url == "" {
		return domain.Required(field)
	}
	bad := func(reason string) error {
		return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("%q %s", url, reason)}
	}
	if strings.HasPrefix(url, "-") {
		return bad("must not start with '-'")
	}
	for _, r := range url {
		if r < 0x20 || r == 0x7f || r == ' ' {
			return bad("contains whitespace or control characters")
		}
	}
	if strings.Contains(url, "::") {
		return bad("uses a remote helper transport")
	}
	for _, scheme := range allowedSchemes {
		if strings.HasPrefix(strings.ToLower(url), scheme) {
			if len(url) == len(scheme) {
				return bad("has no host or path")
			}
			return nil
		}
	}
	if scpURLRegex.MatchString(url) || filepath.IsAbs(url) {
		return nil
	}
	return bad("is not a supported repository URL")
}

// ValidatePath checks a filesystem path argument
func ValidatePath(field, path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.Required(field)
	}
	if strings.ContainsRune(path, 0) {
		return &domain.ValidationError{Field: field, Reason: "contains a NUL byte"}
	}
	if strings.HasPrefix(filepath.Base(path), "-") {
		return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("%q must not start with '-'", path)}
	}
	return nil
}
