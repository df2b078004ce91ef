// canonical.go builds the provider's string-to-sign and the local hashing
// signer.

package upload

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// unsignedKeys are accepted in upload parameters but never signed.
var unsignedKeys = map[string]bool{
	"file":          true,
	"cloud_name":    true,
	"resource_type": true,
	"api_key":       true,
}

// Canonicalize returns the string-to-sign for params: non-empty signable
// parameters sorted by key, formatted as key=value and joined with "&".
func Canonicalize(params Params) string {
	keys := lo.Keys(params)
	slices.Sort(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		if unsignedKeys[k] {
			continue
		}
		v, ok := canonicalValue(params[k])
		if !ok {
			continue
		}
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, "&")
}

// canonicalValue formats one parameter value. It reports false for values
// that are omitted from the signature (nil, empty strings, empty lists).
func canonicalValue(v any) (string, bool) {
	switch v := v.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), v != ""
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case []string:
		return joinList(lo.ToAnySlice(v))
	case []any:
		return joinList(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), true
		}
		return string(b), true
	}
}

func joinList(items []any) (string, bool) {
	parts := lo.FilterMap(items, func(item any, _ int) (string, bool) {
		return canonicalValue(item)
	})
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, ","), true
}

// ///////////////////////////////////////////////
// LocalSigner
// ///////////////////////////////////////////////

// Supported signature algorithms.
const (
	AlgorithmSHA1   = "sha1"
	AlgorithmSHA256 = "sha256"
)

// LocalSigner signs in-process: hex(hash(canonical + secret)).
type LocalSigner struct {
	// Algorithm is "sha1" (the default when empty) or "sha256".
	Algorithm string
}

// Sign implements [Signer].
func (s LocalSigner) Sign(_ context.Context, params Params, secret string) (string, error) {
	var h hash.Hash
	switch s.Algorithm {
	case "", AlgorithmSHA1:
		h = sha1.New()
	case AlgorithmSHA256:
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", s.Algorithm)
	}
	_, _ = io.WriteString(h, Canonicalize(params)+secret)
	return hex.EncodeToString(h.Sum(nil)), nil
}
