package base

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// LogHex formats a labelled upper case hex dump for debug logs.
func LogHex(label string, data []byte) string {
	return fmt.Sprintf("%s (%d): %s", label, len(data), strings.ToUpper(hex.EncodeToString(data)))
}
