package transport

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/usagesync/internal/snapshot"
	jsoniter "github.com/json-iterator/go"
)

// SchemaVersion is written into every payload. Payloads carrying any other
// version are treated as absent.
const SchemaVersion = 1

// timestampLayout is the fixed, locale-independent text form of every
// timestamp on the wire. Values are always written in UTC.
const timestampLayout = time.RFC3339Nano

var (
	// ErrSchemaMismatch is returned when a payload's schema or shape is not
	// the one this build understands.
	ErrSchemaMismatch = errors.New("transport: snapshot schema mismatch")

	// ErrUnknownCodec is returned by CodecByName for unregistered names.
	ErrUnknownCodec = errors.New("transport: unknown codec")
)

// Codec converts snapshots to and from the bytes stored in the shared store.
// Encode must be deterministic: equal snapshots produce identical bytes.
type Codec interface {
	Name() string
	Encode(s snapshot.Snapshot) ([]byte, error)
	Decode(data []byte) (snapshot.Snapshot, error)
}

var codecs = map[string]Codec{
	"json": JSONCodec{},
}

// CodecByName returns a registered codec.
func CodecByName(name string) (Codec, error) {
	c, ok := codecs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownCodec, name, strings.Join(CodecNames(), ", "))
	}
	return c, nil
}

// CodecNames lists the registered codec names in sorted order.
func CodecNames() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// wireJSON rejects unknown fields so that payloads written by a different
// schema decode as a mismatch instead of silently dropping data.
var wireJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// JSONCodec encodes snapshots as a versioned JSON envelope.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string {
	return "json"
}

// Encode serializes s.
func (JSONCodec) Encode(s snapshot.Snapshot) ([]byte, error) {
	wire, err := toWire(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	data, err := wireJSON.Marshal(wireEnvelope{
		Schema:   SchemaVersion,
		Snapshot: wire,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses data produced by Encode.
func (JSONCodec) Decode(data []byte) (snapshot.Snapshot, error) {
	var env wireEnvelope
	if err := wireJSON.Unmarshal(data, &env); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Schema != SchemaVersion {
		return snapshot.Snapshot{}, fmt.Errorf("%w: schema %d", ErrSchemaMismatch, env.Schema)
	}
	if env.Snapshot == nil {
		return snapshot.Snapshot{}, fmt.Errorf("%w: missing snapshot", ErrSchemaMismatch)
	}
	return fromWire(env.Snapshot)
}
