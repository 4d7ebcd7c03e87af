//go:build windows

package wake

import "fmt"

// interruptProcess has no portable equivalent on Windows (no SIGINT
// delivery to an arbitrary process); force_wake's stage1/2 fall straight
// through to re-injection and the activity-wait, matching termcap_windows
// .go's "best-effort no-op" treatment of unsupported OS primitives (§8.4).
func interruptProcess(pid int) error {
	return fmt.Errorf("wake: interrupt unsupported on windows")
}
