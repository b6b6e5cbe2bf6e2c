package worktree

import (
	"path/filepath"
	"regexp"
	"strings"

	"alex/internal/apperr"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// ValidateIdentifier enforces the spec's path-component rule: identifiers
// used to build worktree paths must match [A-Za-z0-9_-]+, length 1..256,
// and must not be "." or "..".
func ValidateIdentifier(kind, id string) error {
	if id == "." || id == ".." || !identifierPattern.MatchString(id) {
		return apperr.InvalidError(kind, "must match [A-Za-z0-9_-]{1,256} and not be . or ..")
	}
	return nil
}

// ValidateWithinRoot resolves candidate against filepath and requires the
// result to be strictly under root. The root prefix check includes the
// trailing separator so a sibling directory like "ROOT-evil" is rejected.
func ValidateWithinRoot(root, candidate string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return apperr.InvalidError("path", "cannot resolve root")
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return apperr.InvalidError("path", "cannot resolve path")
	}
	rootWithSep := absRoot
	if !strings.HasSuffix(rootWithSep, string(filepath.Separator)) {
		rootWithSep += string(filepath.Separator)
	}
	if !strings.HasPrefix(absCandidate, rootWithSep) {
		return apperr.InvalidError("path", "escapes declared root")
	}
	return nil
}

// gitRefInvalid, together with the prefix/suffix checks in
// ValidateBranchName, approximates `git check-ref-format --branch`'s core
// rules without shelling out: no leading dash, no "..", no control
// characters, no ASCII space/tilde/caret/colon/question/asterisk/bracket,
// no trailing ".lock", no trailing slash or dot.
var gitRefInvalid = regexp.MustCompile(`[\x00-\x20~^:?*\[\\]|\.\.|@\{`)

// ValidateBranchName rejects names git would refuse as a branch ref.
func ValidateBranchName(name string) error {
	if name == "" || strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") ||
		strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") ||
		strings.HasSuffix(name, ".lock") || gitRefInvalid.MatchString(name) {
		return apperr.InvalidError("branch", "not a valid git ref: "+name)
	}
	return nil
}
