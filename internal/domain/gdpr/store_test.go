package gdpr

import (
	"context"
	"errors"
	"testing"
)

func TestIsUUID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{id: subjectID, want: true},
		{id: "6F0C2A8E-1D1B-4C55-9A3E-0D6D5B1F7A10", want: true},
		{id: "", want: false},
		{id: "req-1", want: false},
		{id: "6f0c2a8e1d1b4c559a3e0d6d5b1f7a10", want: false},
		{id: "urn:uuid:6f0c2a8e-1d1b-4c55-9a3e-0d6d5b1f7a10", want: false},
		{id: "{6f0c2a8e-1d1b-4c55-9a3e-0d6d5b1f7a10}", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			if got := isUUID(tc.id); got != tc.want {
				t.Fatalf("isUUID(%q) = %v, want %v", tc.id, got, tc.want)
			}
		})
	}
}

// The store has no database here: malformed ids must be answered before any
// query is issued.
func TestStoreRejectsMalformedIDsWithoutQuerying(t *testing.T) {
	store := &Store{}
	ctx := context.Background()

	if _, err := store.GetRequest(ctx, "not-a-uuid"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}

	requests, total, err := store.ListRequests(ctx, "legacy-user-7", 20, 0)
	if err != nil || total != 0 || len(requests) != 0 {
		t.Fatalf("expected empty list, got %d/%d err=%v", len(requests), total, err)
	}

	if _, err := store.CreateRequest(ctx, Request{SubjectID: "legacy-user-7", RequestType: RequestExport}); !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
}
