package gdpr

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

func ValidRequestType(t RequestType) bool {
	switch t {
	case RequestExport, RequestDeletion, RequestRectification,
		RequestConsentWithdrawal, RequestPortability, RequestProcessingRestriction:
		return true
	}
	return false
}

// CanTransition reports whether a request of the given type may move from one
// status to another. Terminal statuses have no outgoing edges.
func CanTransition(from, to Status, requestType RequestType) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		switch to {
		case StatusCompleted, StatusFailed:
			return true
		case StatusCancelled:
			return requestType == RequestDeletion
		}
	}
	return false
}

func newVerificationToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashToken(token), nil
}

// HashToken returns the digest under which a verification token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PlaceholderFor derives stable replacement contact values for a subject so
// that repeated anonymization writes identical data.
func PlaceholderFor(subjectID string) Placeholder {
	sum := sha256.Sum256([]byte(subjectID))
	tag := hex.EncodeToString(sum[:6])
	return Placeholder{
		Email:       fmt.Sprintf("anonymized+%s@anonymized.invalid", tag),
		DisplayName: "Anonymized User",
		Phone:       "+00000000000",
		GuestName:   "Anonymized Guest",
	}
}

// gracePeriodFor resolves the hold before anonymization. metadata.immediate or
// metadata.gracePeriodDays override the default; longer-than-maximum holds are
// capped.
func gracePeriodFor(metadata map[string]any, fallback time.Duration) time.Duration {
	if immediate, ok := metadata["immediate"].(bool); ok && immediate {
		return 0
	}
	if days, ok := numberValue(metadata["gracePeriodDays"]); ok && days >= 0 {
		if days > maxGracePeriodDays {
			days = maxGracePeriodDays
		}
		return time.Duration(days) * 24 * time.Hour
	}
	return fallback
}

func numberValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		// Fractional days are rejected rather than truncated; 0.5 must not
		// collapse into an immediate deletion.
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		if n > math.MaxInt32 {
			return math.MaxInt32, true
		}
		if n < math.MinInt32 {
			return math.MinInt32, true
		}
		return int(n), true
	}
	return 0, false
}

// metadataStrings reads a list of strings stored under key, ignoring entries
// of other types.
func metadataStrings(metadata map[string]any, key string) []string {
	var out []string
	switch raw := metadata[key].(type) {
	case []string:
		out = append(out, raw...)
	case []any:
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		if raw != "" {
			out = append(out, raw)
		}
	}
	return out
}

func exportFormat(req Request) string {
	if req.RequestType != RequestExport {
		return FormatJSON
	}
	if f, ok := req.Metadata["format"].(string); ok && strings.EqualFold(f, FormatPDF) {
		return FormatPDF
	}
	return FormatJSON
}

// splitRectification separates requested field changes into those applied
// directly and those that need a human decision.
func splitRectification(fields map[string]any) (applied map[string]string, review []string) {
	applied = map[string]string{}
	review = []string{}
	for key, value := range fields {
		s, ok := value.(string)
		if ok && slices.Contains(RectifiableFields, key) {
			applied[key] = strings.TrimSpace(s)
			continue
		}
		review = append(review, key)
	}
	sort.Strings(review)
	return applied, review
}

func cloneMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

// BuildExportPayload assembles the full export document across every data
// category held for the subject.
func BuildExportPayload(subjectID string, data SubjectData, generatedAt time.Time) map[string]any {
	return map[string]any{
		"subjectId":         subjectID,
		"generatedAt":       generatedAt.UTC().Format(time.RFC3339),
		"settings":          orEmptyObject(data.Profile),
		"schedulingHistory": orEmptyList(data.Bookings),
		"communications": map[string]any{
			"notifications": orEmptyList(data.Notifications),
			"smsMessages":   orEmptyList(data.SMSMessages),
			"emailEvents":   orEmptyList(data.EmailEvents),
		},
		"billingSummary": SummarizeBilling(data.Invoices),
		"complianceHistory": map[string]any{
			"consents":   orEmptyList(data.Consents),
			"requests":   orEmptyList(data.Requests),
			"auditTrail": orEmptyList(data.AuditTrail),
		},
	}
}

// BuildPortabilityPayload keeps only data the subject provided, flattened for
// import into another service.
func BuildPortabilityPayload(subjectID string, data SubjectData, generatedAt time.Time) map[string]any {
	profile := map[string]any{}
	for _, key := range []string{"email", "display_name", "phone", "locale", "timezone", "preferences"} {
		if v, ok := data.Profile[key]; ok {
			profile[key] = v
		}
	}
	bookings := make([]map[string]any, 0, len(data.Bookings))
	for _, b := range data.Bookings {
		entry := map[string]any{}
		for _, key := range []string{"id", "guest_name", "guest_email", "guest_phone", "notes", "starts_at", "ends_at", "status"} {
			if v, ok := b[key]; ok {
				entry[key] = v
			}
		}
		bookings = append(bookings, entry)
	}
	return map[string]any{
		"schemaVersion": 1,
		"subjectId":     subjectID,
		"generatedAt":   generatedAt.UTC().Format(time.RFC3339),
		"profile":       profile,
		"bookings":      bookings,
		"consents":      orEmptyList(data.Consents),
	}
}

// SummarizeBilling totals invoices per currency. Line items are passed through
// untouched.
func SummarizeBilling(invoices []map[string]any) map[string]any {
	totals := map[string]int64{}
	for _, inv := range invoices {
		currency, _ := inv["currency"].(string)
		if currency == "" {
			currency = "USD"
		}
		if amount, ok := numberValue(inv["amount_cents"]); ok {
			totals[currency] += int64(amount)
		}
	}
	return map[string]any{
		"invoiceCount": len(invoices),
		"totalsCents":  totals,
		"invoices":     orEmptyList(invoices),
	}
}

func orEmptyList(in []map[string]any) []map[string]any {
	if in == nil {
		return []map[string]any{}
	}
	return in
}

func orEmptyObject(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
