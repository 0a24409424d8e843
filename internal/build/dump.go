package build

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DumpLockTimeout bounds the wait for another process dumping into the same
	// directory.
	DumpLockTimeout = 30 * time.Second

	// DumpRetryPeriod is the wait between attempts to take the dump lock.
	DumpRetryPeriod = 50 * time.Millisecond
)

var extensions = map[codegen.Target]string{
	codegen.CUDA:   "cu",
	codegen.OpenCL: "cl",
	codegen.Metal:  "metal",
	codegen.WebGPU: "wgsl",
	codegen.Host:   "ir",
}

// DumpPath returns where an artifact's source is written in dir.
func DumpPath(dir string, a *Artifact) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.%s", a.Func.Name, a.Key.String()[:8], extensions[a.Source.Target]))
}

// dump writes a's source into dir. Writers in other processes are serialized by a
// lock file in dir.
func dump(dir string, a *Artifact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create dump directory %q", dir)
	}
	lockPath := filepath.Join(dir, ".kernelgen.lock")
	lock := flock.New(lockPath)
	timeout := time.After(DumpLockTimeout)
	for {
		ok, err := lock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "failed to acquire lock %q", lockPath)
		}
		if ok {
			break
		}
		select {
		case <-timeout:
			return errors.Errorf("timeout waiting for lock %q: remove it if it is stale", lockPath)
		case <-time.After(DumpRetryPeriod):
		}
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			klog.Warningf("build: failed to unlock %q: %v", lockPath, err)
		}
	}()

	path := DumpPath(dir, a)
	if err := os.WriteFile(path, []byte(a.Source.Code), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	klog.V(1).Infof("build: wrote %s", path)
	return nil
}
