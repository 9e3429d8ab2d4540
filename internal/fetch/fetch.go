// Package fetch downloads dependency artifacts over HTTP with bounded
// concurrency and exponential-backoff retry, writing each one into the
// output tree and verifying its checksum before it is considered done.
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	"github.com/containerbuildsystem/cachi2-go/internal/httpx"
	"github.com/containerbuildsystem/cachi2-go/internal/ratex"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Job describes a single artifact to download.
type Job struct {
	URL  string
	Dest rootedpath.RootedPath
	// Checksums, when non-empty, are verified with checksum.MatchAny
	// against the downloaded bytes before Dest is considered complete.
	Checksums []checksum.Info
}

// Fetcher downloads Jobs with bounded concurrency and retry/backoff.
type Fetcher struct {
	Client      httpx.BasicClient
	Concurrency int
	MaxRetries  int
	Backoff     *ratex.BackoffLimiter
}

// New constructs a Fetcher with sane defaults; minBackoff seeds the
// exponential backoff limiter.
func New(client httpx.BasicClient, concurrency int, minBackoff time.Duration) *Fetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fetcher{
		Client:      client,
		Concurrency: concurrency,
		MaxRetries:  5,
		Backoff:     ratex.NewBackoffLimiter(minBackoff),
	}
}

// FetchAll downloads every job, at most Concurrency at a time, and returns
// the first error encountered. The first failure cancels the context shared
// by all jobs, so downloads still in flight are aborted; FetchAll returns
// once every started job has stopped (errgroup.WithContext semantics).
func (f *Fetcher) FetchAll(ctx context.Context, jobs []Job) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			return f.fetchOne(ctx, job)
		})
	}
	return g.Wait()
}

func (f *Fetcher) fetchOne(ctx context.Context, job Job) error {
	var lastErr error
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := f.Backoff.Wait(ctx); err != nil {
				return err
			}
		}
		if err := f.download(ctx, job); err != nil {
			lastErr = err
			if !isRetryable(err) {
				return err
			}
			f.Backoff.Backoff()
			continue
		}
		f.Backoff.Success()
		return nil
	}
	return errors.Wrapf(lastErr, "fetching %s: exhausted retries", job.URL)
}

func (f *Fetcher) download(ctx context.Context, job Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "building request for %s", job.URL)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return &FetchError{URL: job.URL, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &FetchError{URL: job.URL, Cause: errors.Errorf("unexpected status: %s", resp.Status), StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(parentDir(job.Dest.Abs()), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", job.Dest.Abs())
	}
	out, err := os.Create(job.Dest.Abs())
	if err != nil {
		return errors.Wrapf(err, "creating %s", job.Dest.Abs())
	}
	defer out.Close()
	// A failed or checksum-rejected download must not leave a partial file
	// behind for the next attempt (or the build) to pick up.
	success := false
	defer func() {
		if !success {
			os.Remove(job.Dest.Abs())
		}
	}()

	var body io.Reader = resp.Body
	if len(job.Checksums) > 0 {
		// Tee the download to disk while also feeding the checksum
		// verifier, so a large artifact isn't buffered twice in memory.
		pr, pw := io.Pipe()
		body = io.TeeReader(resp.Body, pw)
		done := make(chan error, 1)
		go func() {
			ok, err := checksum.MatchAny(pr, job.Checksums)
			if err != nil {
				done <- err
				return
			}
			if !ok {
				done <- errors.Errorf("checksum mismatch for %s", job.URL)
				return
			}
			done <- nil
		}()
		if _, err := io.Copy(out, body); err != nil {
			pw.CloseWithError(err)
			<-done
			return errors.Wrapf(err, "writing %s", job.Dest.Abs())
		}
		pw.Close()
		if err := <-done; err != nil {
			return err
		}
		success = true
		return nil
	}
	if _, err := io.Copy(out, body); err != nil {
		return errors.Wrapf(err, "writing %s", job.Dest.Abs())
	}
	success = true
	return nil
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == os.PathSeparator {
			return p[:i]
		}
	}
	return "."
}

func isRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode == 0 || fe.StatusCode >= 500 || fe.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// FetchError wraps a failed HTTP fetch with the URL and (when available)
// response status, matching the typed-error convention the resolvers use
// for PackageRejected/UnsupportedFeature.
type FetchError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	return errors.Wrapf(e.Cause, "fetching %s", e.URL).Error()
}

func (e *FetchError) Unwrap() error { return e.Cause }
