package persistence

import "os"

// writeFileFsync writes data to path and fsyncs the file descriptor before
// closing, so the bytes are durable before the caller proceeds to the
// rename chain in atomicWrite.
func writeFileFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// fsyncDirBestEffort fsyncs a directory so a rename is durable against a
// crash. Best-effort: some platforms/filesystems don't support opening a
// directory for fsync, so errors are swallowed here, matching the original
// persistence.py's "best effort" dir fsync.
func fsyncDirBestEffort(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
