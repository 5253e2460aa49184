package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

const (
	defaultBatchSize      = 100
	defaultMaxRecordBytes = 1 << 20
)

// ReplayOptions tunes a ReplaySource.
type ReplayOptions struct {
	BatchSize      int
	MaxRecordBytes int
	Logger         *slog.Logger
}

// ReplaySource decodes an uploaded log file lazily, one batch per Next call.
// It accepts a JSON array, JSON objects (one per line or pretty-printed) and
// gzip-compressed variants of both. Malformed records outside an array are
// skipped; a malformed array fails the source.
type ReplaySource struct {
	opts    ReplayOptions
	closer  io.Closer
	reader  *bufio.Reader
	array   *json.Decoder
	mode    replayMode
	index   int64
	skipped atomic.Int64
	done    bool
}

type replayMode int

const (
	modeUnknown replayMode = iota
	modeArray
	modeObjects
)

// NewReplaySource wraps r, transparently decompressing gzip input.
func NewReplaySource(r io.Reader, opts ReplayOptions) (*ReplaySource, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxRecordBytes <= 0 {
		opts.MaxRecordBytes = defaultMaxRecordBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	br := bufio.NewReaderSize(r, 64<<10)
	src := &ReplaySource{opts: opts}
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, utils.NewAppError(utils.KindIngestion, "replay", "open gzip stream", err)
		}
		src.closer = gz
		br = bufio.NewReaderSize(gz, 64<<10)
	}
	src.reader = br
	return src, nil
}

// Skipped is the number of records dropped as malformed so far.
func (s *ReplaySource) Skipped() int64 { return s.skipped.Load() }

// Next returns the next batch, or io.EOF once the input is exhausted.
func (s *ReplaySource) Next(ctx context.Context) ([]models.RawLog, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.mode == modeUnknown {
		if err := s.detect(); err != nil {
			return nil, s.finish(err)
		}
	}

	batch := make([]models.RawLog, 0, s.opts.BatchSize)
	for len(batch) < s.opts.BatchSize {
		var (
			rec models.RawLog
			err error
		)
		if s.mode == modeArray {
			rec, err = s.nextArrayElement()
		} else {
			rec, err = s.nextObject()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
				if len(batch) == 0 {
					return nil, io.EOF
				}
				return batch, nil
			}
			return nil, s.finish(err)
		}
		if rec == nil {
			continue
		}
		s.index++
		batch = append(batch, rec)
	}
	return batch, nil
}

func (s *ReplaySource) finish(err error) error {
	s.done = true
	if s.closer != nil {
		s.closer.Close()
	}
	return err
}

func (s *ReplaySource) detect() error {
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.mode = modeObjects
				return nil
			}
			return utils.NewAppError(utils.KindIngestion, "replay", "read input", err)
		}
		switch b {
		case ' ', '\t', '\r', '\n', 0xef, 0xbb, 0xbf:
			continue
		case '[':
			_ = s.reader.UnreadByte()
			s.mode = modeArray
			s.array = json.NewDecoder(s.reader)
			tok, err := s.array.Token()
			if err != nil {
				return utils.NewAppError(utils.KindIngestion, "replay", "malformed JSON array", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return utils.NewAppError(utils.KindIngestion, "replay", "malformed JSON array", fmt.Errorf("unexpected token %v", tok))
			}
			return nil
		default:
			_ = s.reader.UnreadByte()
			s.mode = modeObjects
			return nil
		}
	}
}

func (s *ReplaySource) nextArrayElement() (models.RawLog, error) {
	if !s.array.More() {
		if _, err := s.array.Token(); err != nil && !errors.Is(err, io.EOF) {
			return nil, utils.NewAppError(utils.KindIngestion, "replay", "malformed JSON array", err)
		}
		return nil, io.EOF
	}
	var v any
	if err := s.array.Decode(&v); err != nil {
		return nil, utils.NewAppError(utils.KindIngestion, "replay", fmt.Sprintf("malformed JSON array element %d", s.index), err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		s.skip("array element is not an object", nil)
		return nil, nil
	}
	return obj, nil
}

// nextObject reads one JSON object, which may span several lines. Brace
// depth is tracked outside string literals to find the end of the record.
func (s *ReplaySource) nextObject() (models.RawLog, error) {
	var (
		buf      bytes.Buffer
		depth    int
		inString bool
		escaped  bool
		started  bool
	)
	for {
		line, err := s.reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, utils.NewAppError(utils.KindIngestion, "replay", "read input", err)
		}
		if len(line) == 0 && errors.Is(err, io.EOF) {
			if started {
				s.skip("truncated record at end of input", nil)
			}
			return nil, io.EOF
		}

		trimmed := bytes.TrimSpace(line)
		if !started {
			if len(trimmed) == 0 {
				if errors.Is(err, io.EOF) {
					return nil, io.EOF
				}
				continue
			}
			if trimmed[0] != '{' {
				s.skip("line is not a JSON object", nil)
				if err := s.discardLine(line, err); err != nil {
					return nil, err
				}
				continue
			}
			started = true
		}

		for _, c := range line {
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case !inString && c == '{':
				depth++
			case !inString && c == '}':
				depth--
			}
		}
		buf.Write(line)

		if buf.Len() > s.opts.MaxRecordBytes {
			s.skip("record exceeds size limit", nil)
			if err := s.discardLine(nil, err); err != nil {
				return nil, err
			}
			buf.Reset()
			started, depth, inString, escaped = false, 0, false, false
			continue
		}

		if depth <= 0 && !errors.Is(err, bufio.ErrBufferFull) {
			var rec map[string]any
			if uerr := json.Unmarshal(buf.Bytes(), &rec); uerr != nil {
				s.skip("malformed JSON record", uerr)
				if errors.Is(err, io.EOF) {
					return nil, io.EOF
				}
				return nil, nil
			}
			return rec, nil
		}
		if errors.Is(err, io.EOF) {
			s.skip("truncated record at end of input", nil)
			return nil, io.EOF
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		// JSON strings cannot span lines, and a "{" in column 0 opens the
		// next record, so either one ends a truncated record here.
		if inString || s.nextLineOpensRecord() {
			s.skip("truncated record", nil)
			return nil, nil
		}
	}
}

// nextLineOpensRecord consumes blank lines and reports whether the following
// line starts with "{".
func (s *ReplaySource) nextLineOpensRecord() bool {
	for {
		b, err := s.reader.Peek(1)
		if err != nil || len(b) == 0 {
			return false
		}
		switch b[0] {
		case '\n', '\r':
			_, _ = s.reader.ReadByte()
		case '{':
			return true
		default:
			return false
		}
	}
}

// discardLine consumes the rest of a line that overflowed the read buffer.
func (s *ReplaySource) discardLine(line []byte, err error) error {
	if !errors.Is(err, bufio.ErrBufferFull) && (len(line) > 0 || err == nil) {
		return nil
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = s.reader.ReadSlice('\n')
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return utils.NewAppError(utils.KindIngestion, "replay", "read input", err)
	}
	return nil
}

func (s *ReplaySource) skip(reason string, err error) {
	s.skipped.Add(1)
	attrs := []any{slog.String("reason", reason), slog.Int64("position", s.index)}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	s.opts.Logger.Debug("skipping log record", attrs...)
}
