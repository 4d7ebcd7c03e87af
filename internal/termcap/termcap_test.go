package termcap

import (
	"os"
	"testing"
)

func TestIsProcessAliveForSelf(t *testing.T) {
	o := New()
	if !o.IsProcessAlive(os.Getpid()) {
		t.Error("IsProcessAlive(self) = false, want true")
	}
}

func TestIsProcessAliveForImplausiblePID(t *testing.T) {
	o := New()
	// A PID this large cannot exist on any supported platform's PID space.
	if o.IsProcessAlive(1 << 30) {
		t.Error("IsProcessAlive(huge pid) = true, want false")
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote(`it's a path`)
	want := `'it'\''s a path'`
	if got != want {
		t.Errorf("shellQuote = %q, want %q", got, want)
	}
}

type fakeCapability struct {
	injected map[string]string
	killed   []int
	alive    map[int]bool
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{injected: map[string]string{}, alive: map[int]bool{}}
}

func (f *fakeCapability) OpenTerminal(command []string, dir, layout string) (string, error) {
	return EmulatorBackground, nil
}
func (f *fakeCapability) SpawnDetached(command []string, dir, logPath string) (int, error) {
	return 4242, nil
}
func (f *fakeCapability) InjectText(tty, text string) bool {
	f.injected[tty] = text
	return true
}
func (f *fakeCapability) KillProcess(pid int) error {
	f.killed = append(f.killed, pid)
	return nil
}
func (f *fakeCapability) IsProcessAlive(pid int) bool { return f.alive[pid] }

func TestFakeCapabilitySatisfiesInterface(t *testing.T) {
	var capability Capability = newFakeCapability()
	if _, err := capability.OpenTerminal([]string{"echo"}, "/tmp", LayoutBackground); err != nil {
		t.Fatalf("OpenTerminal: %v", err)
	}
	if !capability.InjectText("/dev/pts/1", "hello") {
		t.Error("InjectText = false, want true")
	}
}
