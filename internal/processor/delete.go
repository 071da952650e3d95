package processor

import (
	"context"
	"fmt"

	"github.com/billabex/netsuite-connector/internal/models"
)

// DeleteSync removes remote objects whose local record is gone. It works on
// remote ids only. Deleting an account cascades on the platform, so children
// of an already deleted account need no call at all.
type DeleteSync struct {
	*base
}

func (s *DeleteSync) Delete(ctx context.Context, kind models.EntityKind, remoteID, parentRemoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("FATAL: delete of %s without a remote id", kind)
	}

	var del func(context.Context, string) error
	switch kind {
	case models.KindAccount:
		del = s.API.DeleteAccount
	case models.KindContact:
		del = s.API.DeleteContact
	case models.KindInvoice:
		del = s.API.DeleteInvoice
	case models.KindCreditNote:
		del = s.API.DeleteCreditNote
	default:
		return fmt.Errorf("FATAL: kind %s has no remote delete", kind)
	}

	if kind != models.KindAccount && parentRemoteID != "" {
		gone, err := s.OpLog.WasDeleted(ctx, models.KindAccount, parentRemoteID)
		if err != nil {
			return fmt.Errorf("tombstone lookup for account %s: %w", parentRemoteID, err)
		}
		if gone {
			s.Logger.Debug("Parent account already deleted, cascade covered it",
				"entity_kind", kind, "remote_id", remoteID, "parent_remote_id", parentRemoteID)
			return nil
		}
	}

	if err := s.remove(ctx, kind, "", remoteID, del); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, remoteID, err)
	}
	s.Logger.Info("Remote object deleted", "entity_kind", kind, "remote_id", remoteID)
	return nil
}
