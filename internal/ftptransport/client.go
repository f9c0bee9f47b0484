package ftptransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

// globalInit guards the FTP library's one-shot process-wide setup. The
// library has no explicit init hook today; this sync.Once is the seam
// for one, performed at earliest use, idempotently, and never torn down
// while the process holds a pool open.
var globalInit sync.Once

func ensureGlobalInit() {
	globalInit.Do(func() {})
}

// Client is the real Primitive backed by a single authenticated FTP/FTPS
// session to one server. It is not safe for concurrent use; the Pool
// serializes access via a per-server slot.
type Client struct {
	desc    model.ServerDescriptor
	timeout time.Duration
	mu      sync.Mutex
	conn    *ftp.ServerConn
}

// NewClient returns a Client for desc. It does not dial; the first
// primitive call on the Client opens the session lazily.
func NewClient(desc model.ServerDescriptor, timeout time.Duration) *Client {
	ensureGlobalInit()
	if desc.TLS {
		timeout *= 2
	}
	return &Client{desc: desc, timeout: timeout}
}

func (c *Client) dial() (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", c.desc.Host, c.desc.Port)

	opts := []ftp.DialOption{ftp.DialWithTimeout(c.timeout)}
	if c.desc.TLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         c.desc.Host,
			InsecureSkipVerify: !c.desc.VerifyTLS,
		}))
	}
	if c.desc.Passive {
		opts = append(opts, ftp.DialWithDisabledEPSV(false))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, retryableNetErr("ftp.dial", err)
	}

	if err := conn.Login(c.desc.Username, c.desc.Password); err != nil {
		conn.Quit()
		return nil, ncerrors.Wrap(ncerrors.AuthFailure, "ftp.login", err)
	}

	return conn, nil
}

// ensureConn returns the cached session, opening (or reopening, after a
// prior fatal error) it on demand.
func (c *Client) ensureConn() (*ftp.ServerConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// teardown drops the cached session so the next call reopens it. Called
// on any fatal transport error.
func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Quit()
		c.conn = nil
	}
}

func (c *Client) run(ctx context.Context, op string, fn func(*ftp.ServerConn) error) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(conn)
	}()

	select {
	case err := <-done:
		if err != nil {
			classified := classify(op, err)
			if !ncerrors.Is(classified, ncerrors.FileNotFound) {
				c.teardown()
			}
			return classified
		}
		return nil
	case <-ctx.Done():
		c.teardown()
		return ncerrors.Wrap(ncerrors.Timeout, op, ctx.Err())
	case <-time.After(c.timeout):
		c.teardown()
		return ncerrors.New(ncerrors.Timeout, op, "ftp operation exceeded ftp_timeout")
	}
}

// Upload writes r to remotePath atomically: uploads to a .tmp name then
// renames into place, so a partial upload never becomes a discoverable
// replica.
func (c *Client) Upload(ctx context.Context, remotePath string, r io.Reader, size int64, progress ProgressFunc) error {
	tmpPath := remotePath + ".tmp"

	pr := wrapProgress(r, size, progress)

	err := c.run(ctx, "ftp.upload", func(conn *ftp.ServerConn) error {
		if err := ensureParentDir(conn, remotePath); err != nil {
			return err
		}
		if err := conn.Stor(tmpPath, pr); err != nil {
			return err
		}
		return conn.Rename(tmpPath, remotePath)
	})
	if pr.cancelled {
		return ncerrors.New(ncerrors.Cancelled, "ftp.upload", "progress callback requested cancel")
	}
	return err
}

// Download retrieves remotePath into w.
func (c *Client) Download(ctx context.Context, remotePath string, w io.Writer, progress ProgressFunc) error {
	var cancelled bool
	err := c.run(ctx, "ftp.download", func(conn *ftp.ServerConn) error {
		resp, err := conn.Retr(remotePath)
		if err != nil {
			return err
		}
		defer resp.Close()

		pw := &progressWriter{w: w, progress: progress}
		if _, err := io.Copy(pw, resp); err != nil {
			return err
		}
		cancelled = pw.cancelled
		return nil
	})
	if cancelled {
		return ncerrors.New(ncerrors.Cancelled, "ftp.download", "progress callback requested cancel")
	}
	return err
}

// Delete removes remotePath.
func (c *Client) Delete(ctx context.Context, remotePath string) error {
	return c.run(ctx, "ftp.delete", func(conn *ftp.ServerConn) error {
		return conn.Delete(remotePath)
	})
}

// Exists reports whether remotePath is present.
func (c *Client) Exists(ctx context.Context, remotePath string) (bool, error) {
	size, err := c.Size(ctx, remotePath)
	if err != nil {
		if ncerrors.Is(err, ncerrors.FileNotFound) {
			return false, nil
		}
		return false, err
	}
	return size >= 0, nil
}

// Size returns the byte size of remotePath.
func (c *Client) Size(ctx context.Context, remotePath string) (int64, error) {
	var size int64
	err := c.run(ctx, "ftp.size", func(conn *ftp.ServerConn) error {
		s, err := conn.FileSize(remotePath)
		if err != nil {
			return err
		}
		size = s
		return nil
	})
	return size, err
}

// Mkdir creates remotePath and any missing parents.
func (c *Client) Mkdir(ctx context.Context, remotePath string) error {
	return c.run(ctx, "ftp.mkdir", func(conn *ftp.ServerConn) error {
		return mkdirAll(conn, remotePath)
	})
}

// List enumerates remotePath.
func (c *Client) List(ctx context.Context, remotePath string) ([]Entry, error) {
	var out []Entry
	err := c.run(ctx, "ftp.list", func(conn *ftp.ServerConn) error {
		entries, err := conn.List(remotePath)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			out = append(out, Entry{Name: e.Name, Size: int64(e.Size)})
		}
		return nil
	})
	return out, err
}

// Ping measures round-trip latency of a lightweight no-op.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := c.run(ctx, "ftp.ping", func(conn *ftp.ServerConn) error {
		return conn.NoOp()
	})
	return time.Since(start), err
}

// Close tears down the session.
func (c *Client) Close() error {
	c.teardown()
	return nil
}

func ensureParentDir(conn *ftp.ServerConn, remotePath string) error {
	idx := strings.LastIndex(remotePath, "/")
	if idx <= 0 {
		return nil
	}
	return mkdirAll(conn, remotePath[:idx])
}

func mkdirAll(conn *ftp.ServerConn, dir string) error {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return nil
	}
	parts := strings.Split(dir, "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		if err := conn.MakeDir(cur); err != nil {
			// already exists is not fatal; the caller finds out on Stor.
			continue
		}
	}
	return nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "550") || strings.Contains(msg, "no such file") || strings.Contains(msg, "not found"):
		return ncerrors.Wrap(ncerrors.FileNotFound, op, err)
	case strings.Contains(msg, "530") || strings.Contains(msg, "login") || strings.Contains(msg, "auth"):
		return ncerrors.Wrap(ncerrors.AuthFailure, op, err)
	case strings.Contains(msg, "552") || strings.Contains(msg, "space") || strings.Contains(msg, "quota"):
		return ncerrors.Wrap(ncerrors.StorageFull, op, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "i/o timeout"):
		return ncerrors.Wrap(ncerrors.Timeout, op, err)
	case strings.Contains(msg, "refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "reset") || strings.Contains(msg, "eof") || strings.Contains(msg, "broken pipe"):
		return ncerrors.Wrap(ncerrors.Network, op, err)
	default:
		return ncerrors.Wrap(ncerrors.Ftp, op, err)
	}
}

func retryableNetErr(op string, err error) error {
	return ncerrors.Wrap(ncerrors.Network, op, err)
}

// progressReader wraps an io.Reader, invoking progress as bytes flow
// through and turning a Cancel verdict into an early io.EOF so the
// caller's Stor/Copy stops at the next byte boundary.
type progressReader struct {
	r         io.Reader
	total     int64
	read      int64
	progress  ProgressFunc
	cancelled bool
}

func wrapProgress(r io.Reader, total int64, progress ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if p.cancelled {
		return 0, io.EOF
	}
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.progress != nil && p.progress(p.read, p.total) == Cancel {
		p.cancelled = true
		return n, io.EOF
	}
	return n, err
}

type progressWriter struct {
	w         io.Writer
	written   int64
	progress  ProgressFunc
	cancelled bool
}

func (p *progressWriter) Write(buf []byte) (int, error) {
	if p.cancelled {
		return 0, io.EOF
	}
	n, err := p.w.Write(buf)
	p.written += int64(n)
	if err != nil {
		return n, err
	}
	if p.progress != nil && p.progress(p.written, 0) == Cancel {
		p.cancelled = true
		return n, io.EOF
	}
	return n, nil
}
