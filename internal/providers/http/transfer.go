package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/download"
)

const copyBufferSize = 64 << 10

var errBadContentRange = errors.New("partial response does not continue the file")

// transfer is the handle for one running StartTransfer.
type transfer struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// Cancel stops the transfer. onComplete is not called afterwards.
func (t *transfer) Cancel() {
	t.canceled.Store(true)
	t.cancel()
}

// StartTransfer streams req.URL into req.Dest on a new goroutine. A partial
// file at Dest is resumed with a Range request.
func (c *Client) StartTransfer(req download.Request, onProgress func(int64), onComplete func(download.Result)) download.Handle {
	ctx, cancel := context.WithCancel(c.ctx)
	t := &transfer{cancel: cancel}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		res := c.transfer(ctx, req, onProgress)
		if t.canceled.Load() {
			return
		}
		onComplete(res)
	}()
	return t
}

func (c *Client) transfer(ctx context.Context, req download.Request, onProgress func(int64)) download.Result {
	log := c.logger.With(
		zap.String("transfer", string(req.ID)),
		zap.String("url", req.URL),
		zap.Int("attempt", req.Attempt))

	var offset int64
	if info, err := os.Stat(req.Dest); err == nil && info.Mode().IsRegular() {
		offset = info.Size()
	}

	done, err := c.admit(req.URL)
	if err != nil {
		log.Debug("Transfer skipped", zap.Error(err))
		return download.Result{Err: err}
	}
	r, err := c.request(ctx)
	if err != nil {
		done(0, context.Canceled)
		return download.Result{Err: err}
	}
	r.SetDoNotParseResponse(true).SetHeader(HeaderTransferID, string(req.ID))
	if offset > 0 {
		r.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
		log.Debug("Resuming transfer", zap.Int64("offset", offset))
	}

	resp, err := r.Get(req.URL)
	if resp != nil {
		done(resp.StatusCode(), err)
	} else {
		done(0, err)
	}
	if err != nil {
		log.Debug("Transfer request failed", zap.Error(err))
		return download.Result{Err: fmt.Errorf("failed to request %s: %w", req.URL, err)}
	}
	body := resp.RawBody()
	if body != nil {
		defer body.Close()
	}
	status := resp.StatusCode()

	var flags int
	switch status {
	case http.StatusPartialContent:
		if !strings.HasPrefix(resp.Header().Get("Content-Range"), fmt.Sprintf("bytes %d-", offset)) {
			log.Warn("Discarding partial file after mismatched Content-Range",
				zap.String("content_range", resp.Header().Get("Content-Range")))
			c.removePartial(req.Dest, log)
			return download.Result{Err: errBadContentRange}
		}
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case http.StatusOK:
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		log.Debug("Transfer rejected", zap.Int("status", status))
		if status < http.StatusInternalServerError {
			c.removePartial(req.Dest, log)
		}
		return download.Result{Status: status}
	}

	f, err := os.OpenFile(req.Dest, flags, 0o644)
	if err != nil {
		return download.Result{Err: fmt.Errorf("failed to open %s: %w", req.Dest, err)}
	}
	received, err := copyWithProgress(ctx, f, body, onProgress)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", req.Dest, cerr)
	}
	if err != nil {
		log.Debug("Transfer interrupted", zap.Int64("received", received), zap.Error(err))
		return download.Result{Err: err}
	}

	log.Debug("Transfer finished",
		zap.Int("status", status),
		zap.Int64("received", received),
		zap.Duration("time", resp.Time()))
	return download.Result{Status: status}
}

func (c *Client) removePartial(path string, log *zap.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to delete partial file", zap.String("path", path), zap.Error(err))
	}
}

// copyWithProgress copies src to dst, reporting the running byte count
// after every write.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, onProgress func(int64)) (int64, error) {
	if src == nil {
		return 0, nil
	}
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("failed to write: %w", err)
			}
			total += int64(n)
			if onProgress != nil {
				onProgress(total)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("failed to read body: %w", rerr)
		}
	}
}
