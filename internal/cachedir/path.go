package cachedir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// EngineDirName is the directory created under <base>/<productID>.
const EngineDirName = "EngineCache"

var (
	// ErrInvalidProductID is returned for identifiers that are not safe as a
	// directory name on every platform.
	ErrInvalidProductID = errors.New("invalid product id")

	// ErrNonASCIIPath is returned when the resulting path would contain
	// non-ASCII characters. Set an explicit cache directory in that case.
	ErrNonASCIIPath = errors.New("cache path is not ASCII")
)

var productIDRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ValidProductID reports whether id may be used as the product directory.
// Display names with spaces, non-ASCII letters or reserved characters are
// rejected.
func ValidProductID(id string) bool {
	return len(id) <= 64 && productIDRegex.MatchString(id)
}

// SafePath returns <UserCacheDir>/<productID>/EngineCache, creating it if
// absent.
func SafePath(productID string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache directory: %w", err)
	}
	return SafePathIn(base, productID)
}

// SafePathIn is SafePath rooted at base instead of the user cache directory.
func SafePathIn(base, productID string) (string, error) {
	if !ValidProductID(productID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidProductID, productID)
	}

	abs, err := filepath.Abs(filepath.Join(base, productID, EngineDirName))
	if err != nil {
		return "", fmt.Errorf("resolve cache path: %w", err)
	}
	if !isASCII(abs) {
		return "", fmt.Errorf("%w: %s", ErrNonASCIIPath, abs)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}
	return abs, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
