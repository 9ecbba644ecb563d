package eventlog

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Format names an export encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
	// FormatCBOR writes an RFC 8742 CBOR sequence, one entry per item.
	FormatCBOR Format = "cbor"
)

// ErrUnknownFormat is returned for an unsupported export format.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts a format name, ignoring case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSONL, FormatCBOR:
		return f, nil
	case "json", "ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Extension returns the conventional file suffix for f, including the
// zstd suffix when compressed.
func (f Format) Extension(compressed bool) string {
	ext := "." + string(f)
	if compressed {
		ext += ".zst"
	}
	return ext
}

// ExportOptions selects the encoding of an export.
type ExportOptions struct {
	Format   Format
	Compress bool
}

var csvHeader = []string{
	"experiment_id", "episode_id", "seq", "step", "kind", "time",
	"intersection_id", "agent_id", "action_id", "phase_id", "reason",
	"departures", "throughput", "queued", "vehicles", "step_delay", "cumulative_delay",
	"payload",
}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("eventlog: CBOR encoder initialization failed: " + err.Error())
	}
	return em
}()

// Export writes entries to w in the requested format. Entries are pulled
// from the sequence one at a time so an export never holds a second copy
// of the log.
func Export(w io.Writer, entries iter.Seq[Entry], opts ExportOptions) (err error) {
	if opts.Compress {
		zw, zerr := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zerr != nil {
			return fmt.Errorf("zstd writer: %w", zerr)
		}
		defer func() {
			if cerr := zw.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("zstd close: %w", cerr)
			}
		}()
		w = zw
	}

	switch opts.Format {
	case FormatCSV, "":
		return writeCSV(w, entries)
	case FormatJSONL:
		return writeJSONL(w, entries)
	case FormatCBOR:
		return writeCBOR(w, entries)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}
}

func writeCSV(w io.Writer, entries iter.Seq[Entry]) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for e := range entries {
		row, err := csvRow(e)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(e Entry) ([]string, error) {
	var intersection, agent, actionID, phase string
	if a := e.Payload.Action; a != nil {
		intersection, agent, actionID, phase = a.IntersectionID, a.AgentID, a.ID, a.PhaseID
	}
	var departures, throughput, queued, vehicles, stepDelay, cumDelay string
	if m := e.Payload.Metrics; m != nil {
		departures = strconv.Itoa(m.Departures)
		throughput = strconv.Itoa(m.Throughput)
		queued = strconv.Itoa(m.Queued)
		vehicles = strconv.Itoa(m.Vehicles)
		stepDelay = strconv.FormatInt(m.StepDelay, 10)
		cumDelay = strconv.FormatInt(m.CumulativeDelay, 10)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of entry %d: %w", e.Seq, err)
	}
	return []string{
		e.ExperimentID, e.EpisodeID,
		strconv.FormatUint(e.Seq, 10), strconv.FormatInt(e.Step, 10),
		string(e.Kind), e.Time.UTC().Format(time.RFC3339Nano),
		intersection, agent, actionID, phase, e.Payload.Reason,
		departures, throughput, queued, vehicles, stepDelay, cumDelay,
		string(payload),
	}, nil
}

func writeJSONL(w io.Writer, entries iter.Seq[Entry]) error {
	enc := json.NewEncoder(w)
	for e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

func writeCBOR(w io.Writer, entries iter.Seq[Entry]) error {
	enc := cborEnc.NewEncoder(w)
	for e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
	}
	return nil
}

// ReadJSONL decodes an export written with FormatJSONL, transparently
// handling zstd compression when compressed is set.
func ReadJSONL(r io.Reader, compressed bool) ([]Entry, error) {
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	dec := json.NewDecoder(r)
	var out []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, e)
	}
}
