// Package idempotency absorbs rapid duplicate action submissions. A voice
// pipeline loves to deliver the same utterance twice; whoever lands second
// gets the first execution's recorded result instead of a second click.
package idempotency

import (
	"fmt"
	"hash"
	"hash/fnv"
	"sync"

	"github.com/gowebpki/jcs"
	json "github.com/json-iterator/go"
	"golang.org/x/text/unicode/norm"
)

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

// Key derives the deduplication key for one submission:
// session, action id, and an fnv-64a digest of the RFC 8785 canonical form
// of the args. Map ordering, numeric formatting, and Unicode composition
// differences all collapse to the same key.
func Key(sessionID, actionID string, args map[string]any) (string, error) {
	normalized := normalizeValue(args)
	if normalized == nil {
		// A missing args object keys the same as an empty one.
		normalized = map[string]any{}
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to encode args for keying: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize args: %w", err)
	}

	hasher := hasherPool.Get().(hash.Hash64)
	_, _ = hasher.Write(canonical)
	digest := hasher.Sum64()
	hasher.Reset()
	hasherPool.Put(hasher)

	return fmt.Sprintf("%s:%s:%016x", sessionID, actionID, digest), nil
}

// normalizeValue applies NFC to every string, keys included, recursing
// through the containers a decoded JSON document can hold. Composed and
// decomposed spellings of the same text must not defeat deduplication.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		if t == nil {
			return nil
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
