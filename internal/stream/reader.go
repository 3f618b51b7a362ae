// Package stream reads completion envelopes from a response body.
package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/envelope"
	"github.com/livechat/internal/retry"
)

const (
	// DefaultRetryDelay is the pause before a failed read is attempted again
	DefaultRetryDelay = time.Second
	// DefaultMaxRetries bounds consecutive failed reads before giving up
	DefaultMaxRetries = 3

	readBufferSize = 4096
)

// Reader decodes envelopes lazily from one response body. It is not
// replayable: every envelope is returned once.
type Reader struct {
	body       io.Reader
	decoder    envelope.Decoder
	pending    []envelope.Frame
	buf        []byte
	retryDelay time.Duration
	maxRetries int
	logger     zerolog.Logger
	eof        bool
}

// Option configures a Reader
type Option func(*Reader)

// WithRetryDelay sets the pause between attempts after a transient read error
func WithRetryDelay(d time.Duration) Option {
	return func(r *Reader) { r.retryDelay = d }
}

// WithMaxRetries sets how many consecutive failed reads are retried
func WithMaxRetries(n int) Option {
	return func(r *Reader) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithLogger replaces the global logger
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// NewReader creates a Reader over body
func NewReader(body io.Reader, opts ...Option) *Reader {
	r := &Reader{
		body:       body,
		buf:        make([]byte, readBufferSize),
		retryDelay: DefaultRetryDelay,
		maxRetries: DefaultMaxRetries,
		logger:     log.With().Str("component", "stream_reader").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the next envelope. It returns io.EOF once the body is
// exhausted and ctx.Err() as soon as ctx is cancelled. Frames that fail to
// decode are logged and skipped.
func (r *Reader) Next(ctx context.Context) (envelope.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return envelope.Envelope{}, err
		}

		for len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]

			env, err := envelope.Decode(f)
			if err != nil {
				r.logger.Warn().Err(err).
					Str("event", f.Event).
					Msg("Skipping malformed stream frame")
				continue
			}
			return env, nil
		}

		if r.eof {
			if rest := r.decoder.Remainder(); len(rest) > 0 {
				r.logger.Debug().Int("bytes", len(rest)).Msg("Discarding incomplete trailing frame")
				r.decoder.Reset()
			}
			return envelope.Envelope{}, io.EOF
		}

		chunk, err := r.read(ctx)
		if len(chunk) > 0 {
			r.pending = append(r.pending, r.decoder.Feed(chunk)...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.eof = true
				continue
			}
			return envelope.Envelope{}, err
		}
	}
}

// read pulls one chunk from the body, retrying transient failures after a
// fixed delay. Cancellation is never retried.
func (r *Reader) read(ctx context.Context) ([]byte, error) {
	var chunk []byte

	cfg := retry.FixedDelayConfig(r.retryDelay, r.maxRetries)
	cfg.RetryIf = func(err error) bool {
		return ctx.Err() == nil && retry.IsTransientReadError(err)
	}

	result := retry.RetryWithBackoff(ctx, cfg, func() error {
		n, err := r.body.Read(r.buf)
		if n > 0 {
			chunk = append(chunk, r.buf[:n]...)
		}
		if n > 0 && err != nil && !errors.Is(err, io.EOF) {
			// Keep the bytes; the failure surfaces on the next read.
			return nil
		}
		return err
	}, &r.logger)

	if result.Success {
		return chunk, nil
	}
	if err := ctx.Err(); err != nil {
		return chunk, err
	}
	return chunk, result.LastError
}
