package orchestrator

import (
	"context"
	"errors"

	"geosync/internal/cad"
	"geosync/internal/geodesy"
	"geosync/internal/protocol"
	"geosync/internal/transport"
)

// UserMessage turns a terminal sync error into one sentence for the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, geodesy.ErrAnchorNotSet):
		return "The model has no geographic anchor. Set an anchor location in the viewer before syncing."
	case errors.Is(err, geodesy.ErrInvalidAnchor):
		return "The model's geographic anchor is invalid. Set the anchor location again."
	case errors.Is(err, cad.ErrNoSourceGeometry):
		return "Nothing to export: the export layer has no geometry."
	case errors.Is(err, cad.ErrExportFailed):
		return "The model could not be exported. Check the export layer and try again."
	case errors.Is(err, transport.ErrTransportUnavailable):
		return "Could not connect to the other side of the sync. Make sure the CAD agent and the viewer are both running."
	case errors.Is(err, protocol.ErrInvalidPayload):
		return "The sync data was rejected as invalid: " + err.Error()
	case errors.Is(err, ErrSuperseded):
		return "This sync was replaced by a newer one."
	case errors.Is(err, ErrStale):
		return "This sync was skipped because newer data arrived."
	case errors.Is(err, context.DeadlineExceeded):
		return "The sync timed out."
	case errors.Is(err, context.Canceled):
		return "The sync was cancelled."
	default:
		return "Sync failed: " + err.Error()
	}
}
