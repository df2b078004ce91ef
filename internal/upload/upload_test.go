package upload

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"tools.zach/dev/tourneykit/internal/logger"
)

var testCreds = Credentials{CloudName: "arena", APIKey: "123456789012345", APISecret: "abcd"}

func fixedNow() time.Time { return time.Unix(1315060510, 0) }

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	s, err := NewService(testCreds, opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

// ///////////////////////////////////////////////
// Canonicalize
// ///////////////////////////////////////////////

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{
			name:   "sorted by key",
			params: Params{"timestamp": json.Number("1315060510"), "public_id": "sample_image", "eager": "w_400"},
			want:   "eager=w_400&public_id=sample_image&timestamp=1315060510",
		},
		{
			name:   "unsigned keys dropped",
			params: Params{"file": "data:...", "cloud_name": "arena", "resource_type": "image", "api_key": "k", "folder": "t1"},
			want:   "folder=t1",
		},
		{
			name:   "empty values dropped",
			params: Params{"a": "", "b": nil, "c": []any{}, "d": "x"},
			want:   "d=x",
		},
		{
			name:   "lists joined with comma",
			params: Params{"tags": []any{"finals", "2026", nil}, "ctx": []string{"a", "b"}},
			want:   "ctx=a,b&tags=finals,2026",
		},
		{
			name:   "numbers without exponent",
			params: Params{"timestamp": float64(1315060510), "q": 0.5, "n": 42, "big": json.Number("12345678901234567890")},
			want:   "big=12345678901234567890&n=42&q=0.5&timestamp=1315060510",
		},
		{
			name:   "booleans",
			params: Params{"overwrite": true, "unique_filename": false},
			want:   "overwrite=true&unique_filename=false",
		},
		{
			name:   "empty",
			params: Params{},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Canonicalize(tt.params); got != tt.want {
				t.Errorf("Canonicalize = %q, want %q", got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// LocalSigner
// ///////////////////////////////////////////////

func TestLocalSigner_KnownVector(t *testing.T) {
	params := Params{
		"eager":     "w_400,h_300,c_pad|w_260,h_200,c_crop",
		"public_id": "sample_image",
		"timestamp": json.Number("1315060510"),
	}

	tests := []struct {
		algorithm string
		want      string
	}{
		{"", "bfd09f95f331f558cbd1320e67aa8d488770583e"},
		{AlgorithmSHA1, "bfd09f95f331f558cbd1320e67aa8d488770583e"},
		{AlgorithmSHA256, "cc927e1290f9e3ae4c1a741eda21a4630b4ce80f9ce0bc0296337d25cf40f91e"},
	}
	for _, tt := range tests {
		got, err := LocalSigner{Algorithm: tt.algorithm}.Sign(context.Background(), params, "abcd")
		if err != nil {
			t.Fatalf("Sign(%q): %v", tt.algorithm, err)
		}
		if got != tt.want {
			t.Errorf("Sign(%q) = %s, want %s", tt.algorithm, got, tt.want)
		}
	}
}

func TestLocalSigner_UnknownAlgorithm(t *testing.T) {
	if _, err := (LocalSigner{Algorithm: "md5"}).Sign(context.Background(), Params{}, "s"); err == nil {
		t.Error("expected error for md5")
	}
}

// ///////////////////////////////////////////////
// Service
// ///////////////////////////////////////////////

func TestNewService_MissingCredentials(t *testing.T) {
	for _, c := range []Credentials{
		{APIKey: "k", APISecret: "s"},
		{CloudName: "c", APISecret: "s"},
		{CloudName: "c", APIKey: "k"},
	} {
		if _, err := NewService(c, Options{}); !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("NewService(%+v) error = %v, want ErrMissingCredentials", c, err)
		}
	}
}

func TestNewService_BadFolderPattern(t *testing.T) {
	if _, err := NewService(testCreds, Options{AllowedFolders: []string{"a/[b"}}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestService_SignDeterministic(t *testing.T) {
	s := newTestService(t, Options{})
	params := Params{"public_id": "sample_image", "eager": "w_400,h_300,c_pad|w_260,h_200,c_crop"}

	first, err := s.Sign(context.Background(), params)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	second, err := s.Sign(context.Background(), params)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if *first != *second {
		t.Errorf("signatures differ: %+v vs %+v", first, second)
	}
	if first.Signature != "bfd09f95f331f558cbd1320e67aa8d488770583e" {
		t.Errorf("Signature = %s", first.Signature)
	}
	if first.Timestamp != 1315060510 {
		t.Errorf("Timestamp = %d, want stamped 1315060510", first.Timestamp)
	}
	if first.APIKey != testCreds.APIKey || first.CloudName != testCreds.CloudName {
		t.Errorf("identifiers = %q/%q", first.APIKey, first.CloudName)
	}
	if _, ok := params["timestamp"]; ok {
		t.Error("Sign modified the caller's params")
	}
}

func TestService_SuppliedTimestamp(t *testing.T) {
	s := newTestService(t, Options{Now: func() time.Time { return time.Unix(99, 0) }})
	tests := []struct {
		name string
		ts   any
		want int64
	}{
		{"json number", json.Number("1700000000"), 1700000000},
		{"string", "1700000001", 1700000001},
		{"float", float64(1700000002), 1700000002},
		{"int", 1700000003, 1700000003},
		{"plus sign", "+1700000004", 1700000004},
		{"leading zero", "01700000005", 1700000005},
		{"json leading zero", json.Number("01700000006"), 1700000006},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := Params{"timestamp": tt.ts, "public_id": "p"}
			auth, err := s.Sign(context.Background(), params)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			if auth.Timestamp != tt.want {
				t.Errorf("Timestamp = %d, want %d", auth.Timestamp, tt.want)
			}

			// The client resubmits the returned timestamp to the provider,
			// so the signature must cover exactly that value.
			resent := Params{"timestamp": auth.Timestamp, "public_id": "p"}
			want, err := LocalSigner{}.Sign(context.Background(), resent, testCreds.APISecret)
			if err != nil {
				t.Fatal(err)
			}
			if auth.Signature != want {
				t.Errorf("signature does not cover returned timestamp %d", auth.Timestamp)
			}
			if params["timestamp"] != tt.ts {
				t.Error("Sign modified the caller's params")
			}
		})
	}
}

func TestService_InvalidTimestamp(t *testing.T) {
	s := newTestService(t, Options{})
	for _, ts := range []any{"yesterday", 1.5, true, 1e19, -1e19, math.Inf(1), math.NaN(), "99999999999999999999"} {
		if _, err := s.Sign(context.Background(), Params{"timestamp": ts}); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("timestamp %v: error = %v, want ErrInvalidParams", ts, err)
		}
	}
}

func TestService_SecretNeverInPayload(t *testing.T) {
	s := newTestService(t, Options{})
	auth, err := s.Sign(context.Background(), Params{"public_id": "abcd", "folder": "x"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	data, err := json.Marshal(auth)
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"signature", "timestamp", "api_key", "cloud_name"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
	if len(fields) != 4 {
		t.Errorf("payload has %d fields, want 4: %s", len(fields), data)
	}
	if strings.Contains(strings.ToLower(string(data)), "secret") {
		t.Errorf("payload mentions secret: %s", data)
	}
	for k, v := range fields {
		if v == testCreds.APISecret {
			t.Errorf("field %q carries the secret", k)
		}
	}
}

func TestService_FolderPolicy(t *testing.T) {
	s := newTestService(t, Options{AllowedFolders: []string{"tournaments/*/players", "teams/**"}})
	tests := []struct {
		name    string
		params  Params
		allowed bool
	}{
		{"allowed folder", Params{"folder": "tournaments/spring/players"}, true},
		{"allowed deep folder", Params{"folder": "teams/liquid/logos"}, true},
		{"wrong folder", Params{"folder": "tournaments/spring/admins"}, false},
		{"traversal", Params{"folder": "../secrets"}, false},
		{"no folder", Params{"public_id": "p"}, true},
		{"empty folder", Params{"folder": "", "public_id": "p"}, true},
		{"public_id path allowed", Params{"public_id": "teams/liquid/logo"}, true},
		{"public_id path outside", Params{"public_id": "other/dir/x"}, false},
		{"public_id under folder", Params{"folder": "teams", "public_id": "liquid/logo"}, true},
		{"public_id escapes folder pattern", Params{"folder": "tournaments/spring/players", "public_id": "extra/x"}, false},
		{"asset_folder allowed", Params{"asset_folder": "teams/liquid"}, true},
		{"asset_folder outside", Params{"folder": "teams/liquid", "asset_folder": "admin"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Sign(context.Background(), tt.params)
			if tt.allowed && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrFolderNotAllowed) {
				t.Errorf("error = %v, want ErrFolderNotAllowed", err)
			}
		})
	}
}

func TestDestinations(t *testing.T) {
	tests := []struct {
		params Params
		want   []string
	}{
		{Params{}, []string{}},
		{Params{"public_id": "x"}, []string{}},
		{Params{"folder": "a/b", "public_id": "c/x"}, []string{"a/b/c"}},
		{Params{"public_id": "c/d/x", "asset_folder": "e"}, []string{"c/d", "e"}},
	}
	for _, tt := range tests {
		got := destinations(tt.params)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("destinations(%v) = %v, want %v", tt.params, got, tt.want)
		}
	}
}

func TestService_Rotate(t *testing.T) {
	s := newTestService(t, Options{})
	params := Params{"public_id": "p"}
	before, _ := s.Sign(context.Background(), params)

	if err := s.Rotate(Credentials{CloudName: "other", APIKey: "k2", APISecret: "new-secret"}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after, err := s.Sign(context.Background(), params)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if after.Signature == before.Signature {
		t.Error("signature unchanged after rotating the secret")
	}
	if after.CloudName != "other" || after.APIKey != "k2" {
		t.Errorf("identifiers = %q/%q after rotate", after.CloudName, after.APIKey)
	}

	if err := s.Rotate(Credentials{CloudName: "x"}); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("Rotate(incomplete) = %v, want ErrMissingCredentials", err)
	}
}

func TestService_ConcurrentSignAndRotate(t *testing.T) {
	s := newTestService(t, Options{})
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%8 == 0 {
				_ = s.Rotate(testCreds)
				return
			}
			auth, err := s.Sign(context.Background(), Params{"public_id": "p"})
			if err != nil {
				t.Errorf("Sign: %v", err)
				return
			}
			if auth.Signature == "" {
				t.Error("empty signature")
			}
		}()
	}
	wg.Wait()
}

type failingSigner struct{ err error }

func (f failingSigner) Sign(context.Context, Params, string) (string, error) { return "", f.err }

func TestService_SignerErrorWrapped(t *testing.T) {
	remoteErr := &RemoteServiceError{Op: "status", StatusCode: 500, Err: errors.New("boom")}
	s := newTestService(t, Options{Signer: failingSigner{err: remoteErr}})
	_, err := s.Sign(context.Background(), Params{})
	var rse *RemoteServiceError
	if !errors.As(err, &rse) {
		t.Fatalf("error = %v, want *RemoteServiceError", err)
	}
	if rse.StatusCode != 500 {
		t.Errorf("StatusCode = %d", rse.StatusCode)
	}
}
