// Package upload issues signatures that authorize browser clients to upload
// media directly to the media host.
//
// The signing secret lives only in server configuration. A [Service] stamps
// a timestamp, applies the folder policy, signs the parameters with a
// [Signer], and returns the signature together with the public identifiers.
// The secret is never part of an [Authorization].
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"
	"tools.zach/dev/tourneykit/internal/logger"
)

// ///////////////////////////////////////////////
// Errors
// ///////////////////////////////////////////////

var (
	// ErrMissingCredentials is returned when the cloud name, API key or
	// secret is empty.
	ErrMissingCredentials = errors.New("upload credentials incomplete")
	// ErrFolderNotAllowed is returned when the folder parameter matches none
	// of the allowed folder patterns.
	ErrFolderNotAllowed = errors.New("folder not allowed")
	// ErrInvalidParams is returned for parameters that cannot be signed as given.
	ErrInvalidParams = errors.New("invalid upload parameters")
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Params are the upload parameters a client wants signed. Values are
// strings, numbers (json.Number or Go numeric types), booleans or lists.
type Params map[string]any

// Credentials identify the account at the media host.
type Credentials struct {
	CloudName string
	APIKey    string
	APISecret string
}

func (c Credentials) complete() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// Authorization is returned to the client. It deliberately has no field for
// the secret.
type Authorization struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	APIKey    string `json:"api_key"`
	CloudName string `json:"cloud_name"`
}

// Signer computes a signature over params with secret.
type Signer interface {
	Sign(ctx context.Context, params Params, secret string) (string, error)
}

// Options configure a [Service]. The zero value signs locally with SHA-1,
// allows every folder and uses the wall clock.
type Options struct {
	Signer         Signer
	AllowedFolders []string
	Now            func() time.Time
	Logger         *slog.Logger
}

// Service signs upload parameters. It is safe for concurrent use, including
// concurrent calls to [Service.Rotate].
type Service struct {
	creds   atomic.Pointer[Credentials]
	signer  Signer
	folders []string
	now     func() time.Time
	log     *slog.Logger
}

// NewService creates a Service. It returns [ErrMissingCredentials] when any
// credential is empty and an error for malformed folder patterns.
func NewService(creds Credentials, opts Options) (*Service, error) {
	if !creds.complete() {
		return nil, ErrMissingCredentials
	}
	for _, p := range opts.AllowedFolders {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid folder pattern %q", p)
		}
	}

	s := &Service{
		signer:  opts.Signer,
		folders: append([]string(nil), opts.AllowedFolders...),
		now:     opts.Now,
		log:     logger.OrDefault(opts.Logger),
	}
	if s.signer == nil {
		s.signer = LocalSigner{Algorithm: AlgorithmSHA1}
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.creds.Store(&creds)
	return s, nil
}

// Rotate replaces the credentials. In-flight calls finish with the
// credentials they started with.
func (s *Service) Rotate(creds Credentials) error {
	if !creds.complete() {
		return ErrMissingCredentials
	}
	s.creds.Store(&creds)
	s.log.Info("upload credentials rotated", "cloud_name", creds.CloudName, "api_key", creds.APIKey)
	return nil
}

// Sign signs params. A missing timestamp is set to the current Unix time; a
// supplied one is normalized to a plain integer before signing. params is
// not modified.
func (s *Service) Sign(ctx context.Context, params Params) (*Authorization, error) {
	creds := s.creds.Load()

	signed := make(Params, len(params)+1)
	maps.Copy(signed, params)

	ts, err := s.timestamp(signed)
	if err != nil {
		return nil, err
	}
	if err := s.checkFolder(signed); err != nil {
		return nil, err
	}

	sig, err := s.signer.Sign(ctx, signed, creds.APISecret)
	if err != nil {
		return nil, fmt.Errorf("sign upload params: %w", err)
	}
	logger.Trace(s.log, "upload params signed", "params", len(signed), "timestamp", ts)

	return &Authorization{
		Signature: sig,
		Timestamp: ts,
		APIKey:    creds.APIKey,
		CloudName: creds.CloudName,
	}, nil
}

// timestamp returns the timestamp to sign and stores it in params as an
// integer, so the signed value and [Authorization.Timestamp] always agree.
// A missing timestamp is stamped with the current time.
func (s *Service) timestamp(params Params) (int64, error) {
	raw, ok := params["timestamp"]
	if !ok || raw == nil || raw == "" {
		ts := s.now().Unix()
		params["timestamp"] = ts
		return ts, nil
	}

	ts, err := parseTimestamp(raw)
	if err != nil {
		return 0, err
	}
	params["timestamp"] = ts
	return ts, nil
}

func parseTimestamp(raw any) (int64, error) {
	var str string
	switch v := raw.(type) {
	case json.Number:
		str = v.String()
	case string:
		str = v
	case float64:
		if v != math.Trunc(v) || v < -(1<<63) || v >= 1<<63 {
			return 0, fmt.Errorf("%w: timestamp %v is not a Unix time in seconds", ErrInvalidParams, v)
		}
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: timestamp has type %T", ErrInvalidParams, raw)
	}
	ts, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp %q is not a Unix time in seconds", ErrInvalidParams, str)
	}
	return ts, nil
}

// checkFolder enforces the allowed folder patterns on every location the
// parameters can place an asset: "folder" joined with the directory part of
// "public_id", and "asset_folder". Uploads that name no folder are allowed.
func (s *Service) checkFolder(params Params) error {
	if len(s.folders) == 0 {
		return nil
	}
	for _, dest := range destinations(params) {
		if !s.folderAllowed(dest) {
			s.log.Warn("upload folder rejected", "folder", dest)
			return fmt.Errorf("%w: %q", ErrFolderNotAllowed, dest)
		}
	}
	return nil
}

func (s *Service) folderAllowed(folder string) bool {
	return lo.SomeBy(s.folders, func(p string) bool {
		matched, _ := doublestar.Match(p, folder)
		return matched
	})
}

// destinations returns the folders params would write into.
func destinations(params Params) []string {
	folder, _ := canonicalValue(params["folder"])
	if id, ok := canonicalValue(params["public_id"]); ok {
		if i := strings.LastIndex(id, "/"); i >= 0 {
			folder = strings.Join(lo.Compact([]string{folder, id[:i]}), "/")
		}
	}
	asset, _ := canonicalValue(params["asset_folder"])
	return lo.Compact([]string{folder, asset})
}
