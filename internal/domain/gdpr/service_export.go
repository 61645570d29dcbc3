package gdpr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

func (s *Service) processExport(ctx context.Context, req Request) (Request, error) {
	if s.artifacts == nil {
		return req, fmt.Errorf("%w: no artifact store configured", ErrExportFailed)
	}
	data, err := s.store.CollectSubjectData(ctx, req.SubjectID)
	if err != nil {
		return req, fmt.Errorf("%w: collect: %w", ErrExportFailed, err)
	}

	now := s.now()
	var payload map[string]any
	if req.RequestType == RequestPortability {
		payload = BuildPortabilityPayload(req.SubjectID, data, now)
	} else {
		payload = BuildExportPayload(req.SubjectID, data, now)
	}

	format := exportFormat(req)
	var body []byte
	contentType := "application/json"
	if format == FormatPDF {
		body, err = renderExportPDF(payload)
		contentType = "application/pdf"
	} else {
		body, err = json.MarshalIndent(payload, "", "  ")
	}
	if err != nil {
		return req, fmt.Errorf("%w: encode: %w", ErrExportFailed, err)
	}

	key := artifactKey(req, format, s.encrypting())
	if s.encrypting() {
		body, err = s.crypto.Encrypt(body, []byte(key))
		if err != nil {
			return req, fmt.Errorf("%w: encrypt: %w", ErrExportFailed, err)
		}
		contentType = "application/octet-stream"
	}

	ref, err := s.artifacts.Put(ctx, key, body, contentType)
	if err != nil {
		return req, fmt.Errorf("%w: store: %w", ErrExportFailed, err)
	}

	expiresAt := now.Add(s.opts.ArtifactTTL)
	notes := map[string]any{
		NoteOutcome: map[string]any{
			"format":    format,
			"encrypted": s.encrypting(),
			"bytes":     len(body),
		},
	}
	done, err := s.store.CompleteExport(ctx, req.ID, now, ref, expiresAt, notes)
	if err != nil {
		if delErr := s.artifacts.Delete(ctx, ref); delErr != nil {
			s.log.Warn("orphaned export artifact delete failed", "requestId", req.ID, "err", delErr)
		}
		return req, err
	}
	s.afterCompletion(ctx, done, notes)
	return done, nil
}

func (s *Service) encrypting() bool {
	return s.crypto != nil && s.crypto.Configured()
}

// artifactKey is also the associated data for artifact encryption, so it must
// be recomputable from the stored request alone.
func artifactKey(req Request, format string, encrypted bool) string {
	name := req.ID + "." + format
	if encrypted {
		name += ".enc"
	}
	return path.Join(req.SubjectID, name)
}

// DownloadArtifact returns the decrypted export for the subject that owns
// the request, or a direct time-boxed link when the backend can issue one.
func (s *Service) DownloadArtifact(ctx context.Context, requestID, subjectID string) (Artifact, string, error) {
	req, err := s.GetRequest(ctx, requestID, subjectID)
	if err != nil {
		return Artifact{}, "", err
	}
	if req.ExportArtifactRef == "" || req.Status != StatusCompleted {
		return Artifact{}, "", ErrArtifactUnavailable
	}
	now := s.now()
	if req.ArtifactExpiresAt == nil || !now.Before(*req.ArtifactExpiresAt) {
		return Artifact{}, "", ErrArtifactExpired
	}

	encrypted := strings.HasSuffix(req.ExportArtifactRef, ".enc")
	format := exportFormat(req)
	if !encrypted {
		link, err := s.artifacts.RetrievalURL(ctx, req.ExportArtifactRef, req.ArtifactExpiresAt.Sub(now))
		if err != nil {
			return Artifact{}, "", err
		}
		if link != "" {
			return Artifact{}, link, nil
		}
	}

	data, err := s.artifacts.Get(ctx, req.ExportArtifactRef)
	if err != nil {
		return Artifact{}, "", fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	if encrypted {
		if !s.encrypting() {
			return Artifact{}, "", fmt.Errorf("%w: encryption key not configured", ErrArtifactUnavailable)
		}
		data, err = s.crypto.Decrypt(data, []byte(artifactKey(req, format, true)))
		if err != nil {
			return Artifact{}, "", fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
		}
	}

	artifact := Artifact{Data: data, ContentType: "application/json", FileName: req.ID + ".json"}
	if format == FormatPDF {
		artifact.ContentType = "application/pdf"
		artifact.FileName = req.ID + ".pdf"
	}
	return artifact, "", nil
}

func renderExportPDF(payload map[string]any) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Personal data export", true)
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Personal data export")
	pdf.Ln(12)
	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Subject: %v", payload["subjectId"])))
	pdf.Ln(6)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Generated: %v", payload["generatedAt"])))
	pdf.Ln(10)

	section := func(title string) {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.Cell(0, 8, title)
		pdf.Ln(8)
		pdf.SetFont("Helvetica", "", 9)
	}
	line := func(text string) {
		pdf.MultiCell(0, 5, tr(text), "", "L", false)
	}

	section("Settings")
	if settings, ok := payload["settings"].(map[string]any); ok {
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line(fmt.Sprintf("%s: %v", k, settings[k]))
		}
	}
	pdf.Ln(4)

	section("Scheduling history")
	if bookings, ok := payload["schedulingHistory"].([]map[string]any); ok {
		line(fmt.Sprintf("%d bookings", len(bookings)))
		for _, b := range bookings {
			line(fmt.Sprintf("%v  %v  %v  %v", b["starts_at"], b["status"], b["guest_name"], b["guest_email"]))
		}
	}
	pdf.Ln(4)

	section("Communications")
	if comms, ok := payload["communications"].(map[string]any); ok {
		for _, k := range []string{"notifications", "smsMessages", "emailEvents"} {
			if rows, ok := comms[k].([]map[string]any); ok {
				line(fmt.Sprintf("%s: %d records", k, len(rows)))
			}
		}
	}
	pdf.Ln(4)

	section("Billing summary")
	if billing, ok := payload["billingSummary"].(map[string]any); ok {
		line(fmt.Sprintf("Invoices: %v", billing["invoiceCount"]))
		if totals, ok := billing["totalsCents"].(map[string]int64); ok {
			currencies := make([]string, 0, len(totals))
			for c := range totals {
				currencies = append(currencies, c)
			}
			sort.Strings(currencies)
			for _, c := range currencies {
				line(fmt.Sprintf("Total %s: %.2f", c, float64(totals[c])/100))
			}
		}
	}
	pdf.Ln(4)

	section("Compliance history")
	if compliance, ok := payload["complianceHistory"].(map[string]any); ok {
		for _, k := range []string{"consents", "requests", "auditTrail"} {
			if rows, ok := compliance[k].([]map[string]any); ok {
				line(fmt.Sprintf("%s: %d records", k, len(rows)))
			}
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
