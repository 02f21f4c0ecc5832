package vault

import (
	"fmt"
	"strings"
)

// validateKey rejects keys that could escape a vault root or collide with
// the temp files of FileSystemVault.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty image key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, ".tmp-") {
			return fmt.Errorf("invalid image key: %q", key)
		}
		if strings.ContainsAny(seg, `\`+"\x00") {
			return fmt.Errorf("invalid image key: %q", key)
		}
	}
	return nil
}
