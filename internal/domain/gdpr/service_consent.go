package gdpr

import (
	"context"
	"fmt"
	"slices"
)

// processConsentWithdrawal withdraws the consents named in metadata.consents,
// or every optional consent when none are named. Required consents cannot be
// withdrawn while the account is active.
func (s *Service) processConsentWithdrawal(ctx context.Context, req Request) (Request, error) {
	contact, err := s.store.SubjectContact(ctx, req.SubjectID)
	if err != nil {
		return req, err
	}
	consents, err := s.store.ListConsents(ctx, req.SubjectID)
	if err != nil {
		return req, err
	}

	requested := metadataStrings(req.Metadata, "consents")
	var targets, unknown []string
	if len(requested) == 0 {
		for _, c := range consents {
			if !c.Required && c.WithdrawnAt == nil {
				targets = append(targets, c.ConsentType)
			}
		}
	} else {
		for _, name := range requested {
			idx := slices.IndexFunc(consents, func(c Consent) bool { return c.ConsentType == name })
			if idx < 0 {
				unknown = append(unknown, name)
				continue
			}
			if consents[idx].Required {
				if contact.Active {
					return req, fmt.Errorf("%w: %s", ErrConsentRequired, name)
				}
				continue
			}
			targets = append(targets, name)
		}
	}

	var withdrawn int64
	if len(targets) > 0 {
		withdrawn, err = s.store.WithdrawConsents(ctx, req.SubjectID, targets, s.now())
		if err != nil {
			return req, err
		}
		s.recordAudit(ctx, req.SubjectID, ActionConsentWithdrawn, map[string]any{
			"requestId": req.ID,
			"consents":  targets,
		})
	}

	outcome := map[string]any{"withdrawn": withdrawn, "consents": orEmptyStrings(targets)}
	if len(unknown) > 0 {
		outcome["unknown"] = unknown
	}
	return s.completeRequest(ctx, req, map[string]any{NoteOutcome: outcome})
}

func orEmptyStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
