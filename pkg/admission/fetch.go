package admission

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/title-protocol/tee-worker/pkg/workererr"
)

// DirectProxyAddr, when configured as the proxy address, makes Fetcher
// call HTTP directly instead of speaking the boundary-fetch wire
// protocol to a dedicated outbound proxy.
const DirectProxyAddr = "direct"

// Fetcher performs admission-guarded GETs, applying all four defense
// layers described in the package doc. One Fetcher is shared
// process-wide; its semaphore is the single source of truth for the
// concurrent-bytes budget.
type Fetcher struct {
	proxyAddr string
	sem       *semaphore.Weighted
	client    *http.Client
}

// NewFetcher constructs a Fetcher whose semaphore is seeded with
// maxConcurrentBytes units.
func NewFetcher(proxyAddr string, maxConcurrentBytes uint64) *Fetcher {
	return &Fetcher{
		proxyAddr: proxyAddr,
		sem:       semaphore.NewWeighted(int64(maxConcurrentBytes)),
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Get fetches url under the given per-content ceiling. It dispatches
// to the wire protocol or direct HTTP mode based on how the Fetcher
// was configured. The wire-protocol path checks the declared length
// before reading any body bytes, reserves admission units chunk by
// chunk, and bounds each chunk read with chunkTimeout. The direct path
// checks Content-Length when the response declares one, caps the body
// read at the ceiling, and reserves admission units only after the
// whole body is read; it does not use chunkTimeout, so a slow body is
// bounded only by ctx and the HTTP client's 120-second timeout.
func (f *Fetcher) Get(ctx context.Context, url string, maxSizeBytes uint64, chunkTimeout time.Duration) ([]byte, error) {
	if f.proxyAddr == DirectProxyAddr {
		return f.getDirect(ctx, url, maxSizeBytes)
	}
	return f.getViaProxy(ctx, url, maxSizeBytes, chunkTimeout)
}

// getViaProxy speaks the length-prefixed boundary-fetch protocol: a
// request of `[u32 method_len][method][u32 url_len][url][u32
// body_len][body]` and a response of `[u32 status][u32
// body_len][body]`, both big-endian, over a single connection to
// proxyAddr.
func (f *Fetcher) getViaProxy(ctx context.Context, url string, maxSizeBytes uint64, chunkTimeout time.Duration) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.BadGateway, "dial boundary proxy")
	}
	defer conn.Close()

	if err := writeRequest(conn, "GET", url, nil); err != nil {
		return nil, workererr.Wrap(err, workererr.BadGateway, "write boundary proxy request")
	}

	var statusBuf [4]byte
	if _, err := io.ReadFull(conn, statusBuf[:]); err != nil {
		return nil, workererr.Wrap(err, workererr.BadGateway, "read boundary proxy status")
	}
	status := binary.BigEndian.Uint32(statusBuf[:])

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, workererr.Wrap(err, workererr.BadGateway, "read boundary proxy body length")
	}
	declared := uint64(binary.BigEndian.Uint32(lenBuf[:]))

	if status != http.StatusOK {
		discard := make([]byte, min64(declared, 4096))
		_, _ = io.ReadFull(conn, discard)
		return nil, workererr.New(workererr.BadGateway, fmt.Sprintf("boundary proxy returned status %d", status))
	}

	// Zip-bomb guard: the declared length is checked before any body
	// bytes are read.
	if declared > maxSizeBytes {
		return nil, workererr.New(workererr.PayloadTooLarge, fmt.Sprintf("declared size %d exceeds ceiling %d", declared, maxSizeBytes))
	}
	if declared == 0 {
		return []byte{}, nil
	}

	return f.readReserved(ctx, conn, declared, chunkTimeout)
}

// readReserved reads exactly total bytes from r in ChunkSize pieces,
// reserving admission-semaphore units incrementally (so a request that
// stalls partway through holds only what it has received plus the
// chunk currently being read)
// and bounding each chunk read with chunkTimeout. All reserved units
// are released before returning, on every path.
func (f *Fetcher) readReserved(ctx context.Context, r io.Reader, total uint64, chunkTimeout time.Duration) ([]byte, error) {
	buf := make([]byte, 0, total)
	var reserved int64

	release := func() {
		if reserved > 0 {
			f.sem.Release(reserved)
		}
	}
	defer release()

	remaining := total
	for remaining > 0 {
		toRead := remaining
		if toRead > ChunkSize {
			toRead = ChunkSize
		}

		if !f.sem.TryAcquire(int64(toRead)) {
			return nil, workererr.New(workererr.ServiceUnavailable, "admission semaphore exhausted")
		}
		reserved += int64(toRead)

		chunk := make([]byte, toRead)
		chunkCtx, cancel := context.WithTimeout(ctx, chunkTimeout)
		err := readFullWithContext(chunkCtx, r, chunk)
		cancel()
		if err != nil {
			return nil, workererr.Wrap(err, workererr.Timeout, "chunk read timed out")
		}

		buf = append(buf, chunk...)
		remaining -= toRead
	}
	return buf, nil
}

// readFullWithContext reads exactly len(buf) bytes from r, or returns
// ctx's error if it expires first. A plain io.ReadFull has no
// cancellation path of its own, so reads run on a goroutine and race
// against ctx.Done().
func readFullWithContext(ctx context.Context, r io.Reader, buf []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, buf)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getDirect performs the fetch via ordinary HTTP, bypassing the
// boundary-fetch wire protocol, but still applying the size ceiling
// and the reservation guard (PROXY_ADDR=direct mode).
func (f *Fetcher) getDirect(ctx context.Context, url string, maxSizeBytes uint64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.BadRequest, "build direct fetch request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.BadGateway, "direct fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, workererr.New(workererr.BadGateway, fmt.Sprintf("direct fetch returned status %d", resp.StatusCode))
	}

	if resp.ContentLength > 0 && uint64(resp.ContentLength) > maxSizeBytes {
		return nil, workererr.New(workererr.PayloadTooLarge, fmt.Sprintf("content-length %d exceeds ceiling %d", resp.ContentLength, maxSizeBytes))
	}

	limited := io.LimitReader(resp.Body, int64(maxSizeBytes)+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, workererr.Wrap(err, workererr.BadGateway, "direct fetch body read failed")
	}
	if uint64(len(body)) > maxSizeBytes {
		return nil, workererr.New(workererr.PayloadTooLarge, fmt.Sprintf("body exceeds ceiling %d", maxSizeBytes))
	}

	if len(body) > 0 {
		if !f.sem.TryAcquire(int64(len(body))) {
			return nil, workererr.New(workererr.ServiceUnavailable, "admission semaphore exhausted")
		}
		defer f.sem.Release(int64(len(body)))
	}

	return body, nil
}

// writeRequest encodes one boundary-fetch request frame onto w.
func writeRequest(w io.Writer, method, url string, body []byte) error {
	if err := writeFrame(w, []byte(method)); err != nil {
		return err
	}
	if err := writeFrame(w, []byte(url)); err != nil {
		return err
	}
	return writeFrame(w, body)
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
