package serial

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// AutoDetectPort scans common serial devices for one answering a Version
// command at baud. It returns "" when none does.
func AutoDetectPort(ctx context.Context, baud int) string {
	for _, name := range candidatePorts() {
		if ctx.Err() != nil {
			return ""
		}
		if TestPort(ctx, name, baud) {
			return name
		}
	}
	return ""
}

func candidatePorts() []string {
	if runtime.GOOS == "windows" {
		ports := make([]string, 0, 64)
		for i := 1; i <= 64; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
		return ports
	}
	candidates := make([]string, 0, 32)
	for _, pat := range []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyS*", "/dev/cu.*"} {
		matches, _ := filepath.Glob(pat)
		for _, m := range matches {
			if _, err := os.Stat(m); err == nil {
				candidates = append(candidates, m)
			}
		}
	}
	return candidates
}

// TestPort opens name and checks that a bridge answers with its version.
func TestPort(ctx context.Context, name string, baud int) bool {
	b, err := Open(PortConfig{Name: name, Baud: baud, Timeout: 300 * time.Millisecond})
	if err != nil {
		return false
	}
	defer func() { _ = b.Close() }()
	_, _, _, err = b.Version(ctx)
	return err == nil
}
