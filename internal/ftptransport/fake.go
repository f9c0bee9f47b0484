package ftptransport

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

// FakeServer is an in-process, in-memory stand-in for one FTP server,
// implementing Primitive so orchestration logic can be exercised without a
// network FTP daemon. It supports simulating an unreachable server and
// single-byte corruption of a stored path.
type FakeServer struct {
	mu         sync.Mutex
	files      map[string][]byte
	down       bool
	latency    time.Duration
	corruptSet map[string]bool
}

// NewFakeServer returns an empty fake server.
func NewFakeServer() *FakeServer {
	return &FakeServer{
		files:      make(map[string][]byte),
		corruptSet: make(map[string]bool),
	}
}

// SetDown flags the server as unreachable; every subsequent primitive call
// fails with ServerUnavailable until SetDown(false).
func (f *FakeServer) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Corrupt flips a byte in the stored payload at path, simulating bitrot on
// this replica.
func (f *FakeServer) Corrupt(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.files[path]; ok && len(b) > 0 {
		cp := append([]byte(nil), b...)
		cp[0] ^= 0xFF
		f.files[path] = cp
	}
}

func (f *FakeServer) checkDown(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return ncerrors.New(ncerrors.ServerUnavailable, op, "fake server is down")
	}
	return nil
}

func (f *FakeServer) Upload(ctx context.Context, remotePath string, r io.Reader, size int64, progress ProgressFunc) error {
	if err := f.checkDown("fake.upload"); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ncerrors.Wrap(ncerrors.Io, "fake.upload", err)
	}
	if progress != nil && progress(int64(len(data)), size) == Cancel {
		return ncerrors.New(ncerrors.Cancelled, "fake.upload", "cancelled")
	}
	f.mu.Lock()
	f.files[remotePath] = data
	f.mu.Unlock()
	return nil
}

func (f *FakeServer) Download(ctx context.Context, remotePath string, w io.Writer, progress ProgressFunc) error {
	if err := f.checkDown("fake.download"); err != nil {
		return err
	}
	f.mu.Lock()
	data, ok := f.files[remotePath]
	f.mu.Unlock()
	if !ok {
		return ncerrors.New(ncerrors.FileNotFound, "fake.download", "no such file "+remotePath)
	}
	if progress != nil && progress(int64(len(data)), int64(len(data))) == Cancel {
		return ncerrors.New(ncerrors.Cancelled, "fake.download", "cancelled")
	}
	_, err := w.Write(data)
	if err != nil {
		return ncerrors.Wrap(ncerrors.Io, "fake.download", err)
	}
	return nil
}

func (f *FakeServer) Delete(ctx context.Context, remotePath string) error {
	if err := f.checkDown("fake.delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[remotePath]; !ok {
		return ncerrors.New(ncerrors.FileNotFound, "fake.delete", "no such file "+remotePath)
	}
	delete(f.files, remotePath)
	return nil
}

func (f *FakeServer) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := f.checkDown("fake.exists"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[remotePath]
	return ok, nil
}

func (f *FakeServer) Size(ctx context.Context, remotePath string) (int64, error) {
	if err := f.checkDown("fake.size"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[remotePath]
	if !ok {
		return 0, ncerrors.New(ncerrors.FileNotFound, "fake.size", "no such file "+remotePath)
	}
	return int64(len(data)), nil
}

func (f *FakeServer) Mkdir(ctx context.Context, remotePath string) error {
	return f.checkDown("fake.mkdir")
}

func (f *FakeServer) List(ctx context.Context, remotePath string) ([]Entry, error) {
	if err := f.checkDown("fake.list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := remotePath
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var out []Entry
	for path, data := range f.files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		if strings.Contains(rest, "/") {
			continue
		}
		out = append(out, Entry{Name: rest, Size: int64(len(data))})
	}
	return out, nil
}

func (f *FakeServer) Ping(ctx context.Context) (time.Duration, error) {
	if err := f.checkDown("fake.ping"); err != nil {
		return 0, err
	}
	return f.latency, nil
}

func (f *FakeServer) Close() error { return nil }

// FakeFactory builds a Pool Factory backed by a fixed map of already
// constructed FakeServers, keyed by server id — the shape a test needs to
// hold onto individual fakes for SetDown/Corrupt calls after pool
// construction.
func FakeFactory(servers map[string]*FakeServer) Factory {
	return func(desc model.ServerDescriptor, _ time.Duration) Primitive {
		return servers[desc.ServerID]
	}
}

var _ Primitive = (*FakeServer)(nil)
