package decoder

import (
	"bytes"
	"encoding/base64"
	"io"
	"iter"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/tidwall/gjson"
)

// Sentinel is the answer used when nothing could be recovered from the stream.
const Sentinel = "No response received."

const (
	segmentMarker       = ":message-type"
	bytesMarker         = "bytes"
	finalResponseMarker = "finalResponse"
	payloadTokenIndex   = 3
)

// Literal fragments left behind by positional extraction, removed in order.
var answerNoise = []string{`"`, "{input:{value:", ",source:null}}"}

// Path records which extraction produced the answer.
type Path string

const (
	// PathEventStream means the stream parsed as binary event-stream messages.
	PathEventStream Path = "event_stream"
	// PathSegment means the last marker-delimited segment carried a base64 payload.
	PathSegment Path = "segment"
	// PathFinalResponse means the answer came from a finalResponse trace field.
	PathFinalResponse Path = "final_response"
	// PathSentinel means nothing was recovered.
	PathSentinel Path = "sentinel"
)

// Result is the outcome of decoding one response stream.
type Result struct {
	Trace     string
	Answer    string
	Raw       string // Answer before noise stripping
	Chunks    []string
	Path      Path
	Citations []domain.Citation // From structured attribution, when present
	Dropped   int               // Frames skipped because they were not valid UTF-8
	ReadErr   error
}

// Decoder turns raw response frames into a trace log and a final answer.
// It never fails: any problem degrades to the sentinel answer.
type Decoder struct {
	logger *slog.Logger
}

// New creates a decoder.
func New(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// DecodeReader reads r to completion in frames of frameSize bytes and decodes them.
// A read error ends the stream early and is reported in Result.ReadErr.
func (d *Decoder) DecodeReader(r io.Reader, frameSize int) Result {
	fr := NewFrameReader(r, frameSize)
	res := d.Decode(fr.Frames())
	res.ReadErr = fr.Err()
	if res.ReadErr != nil {
		d.logger.Warn("Agent stream ended with read error", "error", res.ReadErr, "path", res.Path)
	}
	return res
}

// Decode consumes frames in arrival order.
func (d *Decoder) Decode(frames iter.Seq[[]byte]) (res Result) {
	var raw bytes.Buffer
	var trace strings.Builder

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Stream decode failed", "panic", r)
			res = Result{
				Trace:   trace.String(),
				Answer:  Sentinel,
				Raw:     Sentinel,
				Path:    PathSentinel,
				Dropped: res.Dropped,
			}
		}
	}()

	for frame := range frames {
		raw.Write(frame)
		if !utf8.Valid(frame) {
			res.Dropped++
			continue
		}
		trace.Write(frame)
	}
	res.Trace = trace.String()

	answer, path := d.extract(raw.Bytes(), res.Trace, &res)
	res.Raw = answer
	res.Answer = cleanAnswer(answer)
	res.Path = path

	d.logger.Debug("Stream decoded",
		"path", res.Path,
		"chunks", len(res.Chunks),
		"dropped_frames", res.Dropped,
		"trace_length", len(res.Trace),
	)
	return res
}

// extract applies the extraction paths in precedence order.
func (d *Decoder) extract(raw []byte, trace string, res *Result) (string, Path) {
	if es, ok := decodeEventStream(raw); ok {
		res.Chunks = es.chunks
		res.Citations = es.citations
		return strings.Join(es.chunks, ""), PathEventStream
	}

	chunks, last, ok := d.decodeSegments(trace)
	res.Chunks = chunks
	if ok {
		return last, PathSegment
	}

	if text, ok := finalResponseText(trace); ok {
		return text, PathFinalResponse
	}

	return Sentinel, PathSentinel
}

// decodeSegments splits the trace on the message-type marker and decodes every
// segment carrying a payload. The last segment's payload, if any, is the answer.
func (d *Decoder) decodeSegments(trace string) ([]string, string, bool) {
	segments := strings.Split(trace, segmentMarker)
	var chunks []string
	var last string
	lastOK := false

	for i, seg := range segments {
		if !strings.Contains(seg, bytesMarker) {
			continue
		}
		chunk, ok := decodeSegmentPayload(seg)
		if !ok {
			d.logger.Debug("Skipping undecodable payload segment", "segment", i)
			continue
		}
		d.logger.Debug("Decoded payload chunk", "segment", i, "length", len(chunk))
		chunks = append(chunks, chunk)
		if i == len(segments)-1 {
			last = chunk
			lastOK = true
		}
	}
	return chunks, last, lastOK
}

func decodeSegmentPayload(seg string) (string, bool) {
	tokens := strings.Split(seg, `"`)
	if len(tokens) <= payloadTokenIndex {
		return "", false
	}
	decoded, ok := decodeBase64(tokens[payloadTokenIndex])
	if !ok || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

func decodeBase64(s string) ([]byte, bool) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}

// finalResponseText looks for a finalResponse field, latest occurrence first,
// and reads its text from the JSON object that follows.
func finalResponseText(trace string) (string, bool) {
	end := len(trace)
	for end > 0 {
		idx := strings.LastIndex(trace[:end], finalResponseMarker)
		if idx < 0 {
			return "", false
		}
		if text, ok := parseFinalResponseAt(trace[idx+len(finalResponseMarker):]); ok {
			return text, true
		}
		end = idx
	}
	return "", false
}

func parseFinalResponseAt(rest string) (string, bool) {
	rest = strings.TrimPrefix(rest, `"`)
	rest = strings.TrimLeft(rest, " \t")
	if !strings.HasPrefix(rest, ":") {
		return "", false
	}
	rest = rest[1:]

	stop := strings.Index(rest, `"}`)
	if stop < 0 {
		return "", false
	}
	candidate := strings.TrimSpace(rest[:stop+2])
	if !gjson.Valid(candidate) {
		return "", false
	}
	text := gjson.Get(candidate, "text")
	if !text.Exists() {
		return "", false
	}
	return text.String(), true
}

// cleanAnswer strips quote characters and known noise fragments until none remain.
func cleanAnswer(s string) string {
	for {
		next := s
		for _, noise := range answerNoise {
			next = strings.ReplaceAll(next, noise, "")
		}
		if next == s {
			return next
		}
		s = next
	}
}
