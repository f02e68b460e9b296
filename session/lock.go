package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/bootforge/bootforge/types"
)

// DeviceLock serializes sessions per target device. The lock lives next to
// the device name under the runtime dir so a second bootforge process (or a
// second controller in this one) fails fast instead of racing the first.
type DeviceLock struct {
	lock *flock.Flock
}

func lockDir() string {
	dir := "/run/bootforge"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return os.TempDir()
	}
	return dir
}

// AcquireDeviceLock takes the per-device lock without blocking. A held lock
// surfaces as ErrDeviceBusy.
func AcquireDeviceLock(devicePath string) (*DeviceLock, error) {
	name := strings.ReplaceAll(strings.TrimPrefix(devicePath, "/"), "/", "-")
	l := flock.New(filepath.Join(lockDir(), name+".lock"))
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", devicePath, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: another session holds %s", types.ErrDeviceBusy, devicePath)
	}
	return &DeviceLock{lock: l}, nil
}

func (d *DeviceLock) Release() {
	if d == nil || d.lock == nil {
		return
	}
	_ = d.lock.Unlock()
}
