package gdpr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"booking/internal/platform/querier"
)

// DefaultPolicies binds the platform's retention schedule to db. Deleting
// expired export artifacts also needs the artifact store.
func DefaultPolicies(db querier.Querier, artifacts ArtifactStore) []RetentionPolicy {
	return []RetentionPolicy{
		newPolicy("audit_records", CategoryCompliance, 2555, "Compliance audit trail, seven years.",
			execCleanup(db, `DELETE FROM audit_records WHERE created_at < $1`)),
		newPolicy("data_subject_requests", CategoryCompliance, 1095, "Terminal data-subject requests.",
			execCleanup(db, `
				DELETE FROM data_subject_requests
				WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`)),
		newPolicy("export_artifacts", CategoryCompliance, 1, "Export documents past their expiry.",
			expiredArtifactsCleanup(db, artifacts)),
		newPolicy("expired_sessions", CategoryAuth, 30, "Sessions expired or revoked.",
			execCleanup(db, `
				DELETE FROM sessions WHERE expires_at < $1 OR revoked_at < $1`)),
		newPolicy("password_resets", CategoryAuth, 7, "Password reset tokens.",
			execCleanup(db, `DELETE FROM password_resets WHERE created_at < $1`)),
		newPolicy("failed_login_attempts", CategorySecurity, 30, "Failed login attempts.",
			execCleanup(db, `DELETE FROM failed_login_attempts WHERE created_at < $1`)),
		newPolicy("api_request_logs", CategorySecurity, 14, "API request logs.",
			execCleanup(db, `DELETE FROM api_request_logs WHERE created_at < $1`)),
		newPolicy("notification_log", CategoryCommunication, 90, "Sent notification records.",
			execCleanup(db, `DELETE FROM notification_log WHERE created_at < $1`)),
		newPolicy("sms_messages", CategoryCommunication, 90, "SMS message bodies and recipients.",
			execCleanup(db, `DELETE FROM sms_messages WHERE created_at < $1`)),
		newPolicy("email_events", CategoryCommunication, 180, "Email delivery events.",
			execCleanup(db, `DELETE FROM email_events WHERE created_at < $1`)),
		newPolicy("webhook_deliveries", CategoryIntegration, 30, "Outbound webhook delivery attempts.",
			execCleanup(db, `DELETE FROM webhook_deliveries WHERE created_at < $1`)),
		newPolicy("calendar_sync_logs", CategoryIntegration, 60, "Calendar provider sync logs.",
			execCleanup(db, `DELETE FROM calendar_sync_logs WHERE created_at < $1`)),
		newPolicy("payment_provider_events", CategoryBilling, 365, "Raw payment provider webhook payloads.",
			execCleanup(db, `DELETE FROM payment_provider_events WHERE created_at < $1`)),
		newPolicy("booking_notes", CategoryScheduling, 365, "Free-text notes on past bookings.",
			execCleanup(db, `
				UPDATE bookings SET notes = NULL WHERE notes IS NOT NULL AND ends_at < $1`)),
		newPolicy("cancelled_booking_guests", CategoryScheduling, 730, "Guest contact details on cancelled bookings.",
			execCleanup(db, `
				UPDATE bookings
				SET guest_name = NULL, guest_email = NULL, guest_phone = NULL
				WHERE status = 'cancelled'
				  AND cancelled_at < $1
				  AND (guest_name IS NOT NULL OR guest_email IS NOT NULL OR guest_phone IS NOT NULL)`)),
		newPolicy("job_runs", CategoryOperations, 90, "Scheduled job run history.",
			execCleanup(db, `DELETE FROM job_runs WHERE started_at < $1`)),
		newPolicy("idempotency_keys", CategoryOperations, 7, "Stored responses for idempotent API calls.",
			execCleanup(db, `DELETE FROM idempotency_keys WHERE created_at < $1`)),
	}
}

func newPolicy(name, category string, days int, description string, cleanup CleanupFunc) RetentionPolicy {
	return RetentionPolicy{
		Name:          name,
		Category:      category,
		RetentionDays: days,
		Description:   description,
		Cleanup:       cleanup,
	}
}

func execCleanup(db querier.Querier, query string) CleanupFunc {
	return func(ctx context.Context, cutoff time.Time) (int64, error) {
		tag, err := db.Exec(ctx, query, cutoff)
		return tag.RowsAffected(), err
	}
}

// expiredArtifactsCleanup removes stored objects before clearing their
// references, so a failed delete is retried on the next run.
func expiredArtifactsCleanup(db querier.Querier, artifacts ArtifactStore) CleanupFunc {
	return func(ctx context.Context, cutoff time.Time) (int64, error) {
		rows, err := db.Query(ctx, `
      SELECT id, export_artifact_ref
      FROM data_subject_requests
      WHERE export_artifact_ref IS NOT NULL AND artifact_expires_at < $1
    `, cutoff)
		if err != nil {
			return 0, err
		}
		type expired struct{ id, ref string }
		var items []expired
		for rows.Next() {
			var item expired
			if err := rows.Scan(&item.id, &item.ref); err != nil {
				rows.Close()
				return 0, err
			}
			items = append(items, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}

		var cleaned int64
		var errs []error
		for _, item := range items {
			if artifacts != nil {
				if err := artifacts.Delete(ctx, item.ref); err != nil {
					slog.Warn("artifact delete failed", "requestId", item.id, "err", err)
					errs = append(errs, err)
					continue
				}
			}
			tag, err := db.Exec(ctx, `
        UPDATE data_subject_requests SET export_artifact_ref = NULL
        WHERE id = $1 AND export_artifact_ref = $2
      `, item.id, item.ref)
			if err != nil {
				return cleaned, err
			}
			cleaned += tag.RowsAffected()
		}
		return cleaned, errors.Join(errs...)
	}
}
