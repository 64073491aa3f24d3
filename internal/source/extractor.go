package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tracerelay/internal/domain"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"
)

var (
	// ErrNotFound means the trace log path does not exist.
	ErrNotFound = errors.New("trace log not found")
	// ErrReadFailure means the trace log exists but cannot be parsed.
	ErrReadFailure = errors.New("trace log unreadable")
)

// maxLineBytes bounds a single trace line; message bodies can be large.
const maxLineBytes = 4 << 20

// Extractor reads a line-delimited JSON trace log and yields its records
// oldest first. It is a pure read: no caching, no state across calls.
// Files ending in .zst or .gz are decompressed transparently.
type Extractor struct {
	path string
}

func NewExtractor(path string) *Extractor {
	return &Extractor{path: path}
}

func (e *Extractor) Extract(ctx context.Context) ([]domain.EventRecord, error) {
	f, err := os.Open(e.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", e.path, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %v: %w", e.path, err, ErrReadFailure)
	}
	defer f.Close()

	r, closer, err := decodeReader(f, e.path)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %v: %w", e.path, err, ErrReadFailure)
	}
	if closer != nil {
		defer closer()
	}

	var p fastjson.Parser
	var out []domain.EventRecord

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		rec, err := parseLine(&p, line)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %v: %w", e.path, lineNo, err, ErrReadFailure)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %v: %w", e.path, err, ErrReadFailure)
	}

	// Native order may be reverse-chronological or arbitrary; the relay
	// depends on forward order. Stable sort keeps same-timestamp records
	// in file order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimeCreatedUTCNs < out[j].TimeCreatedUTCNs
	})
	return out, nil
}

func decodeReader(f *os.File, path string) (io.Reader, func(), error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst":
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	case ".gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		return gz, func() { _ = gz.Close() }, nil
	default:
		return f, nil, nil
	}
}

func parseLine(p *fastjson.Parser, line []byte) (domain.EventRecord, error) {
	v, err := p.ParseBytes(line)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("parse json: %v", err)
	}
	ts, err := parseTimeCreated(v.Get("time_created"))
	if err != nil {
		return domain.EventRecord{}, err
	}
	return domain.EventRecord{
		TimeCreatedUTCNs: ts,
		EventID:          uint32(v.GetUint64("event_id")),
		Provider:         string(v.GetStringBytes("provider")),
		Level:            uint8(v.GetUint64("level")),
		LevelDisplay:     string(v.GetStringBytes("level_display")),
		Host:             string(v.GetStringBytes("host")),
		ProcessID:        v.GetInt("process_id"),
		UserSID:          string(v.GetStringBytes("user_sid")),
		Channel:          string(v.GetStringBytes("channel")),
		Message:          string(v.GetStringBytes("message")),
	}, nil
}

// parseTimeCreated accepts either unix nanoseconds or an RFC3339 string.
func parseTimeCreated(v *fastjson.Value) (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("missing time_created")
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("time_created: %v", err)
		}
		return n, nil
	case fastjson.TypeString:
		sb, _ := v.StringBytes()
		t, err := time.Parse(time.RFC3339Nano, string(sb))
		if err != nil {
			return 0, fmt.Errorf("time_created: %v", err)
		}
		return t.UTC().UnixNano(), nil
	default:
		return 0, fmt.Errorf("time_created has unsupported type %s", v.Type())
	}
}
