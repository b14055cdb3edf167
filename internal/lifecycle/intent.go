package lifecycle

import "github.com/example/ride-sync/internal/models"

// Kind identifies something the screen layer should do.
type Kind string

const (
	NavigateAssigned        Kind = "navigate_assigned"
	ShowDriverArriving      Kind = "show_driver_arriving"
	NavigateStarted         Kind = "navigate_started"
	NavigateCompleted       Kind = "navigate_completed"
	ShowCancelledAlert      Kind = "show_cancelled_alert"
	NavigateHome            Kind = "navigate_home"
	ShowNotice              Kind = "show_notice"
	ShowConnectivityWarning Kind = "show_connectivity_warning"
)

type Intent struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
}

func intentsFor(next models.RideSnapshot, src models.Source) []Intent {
	switch next.Status {
	case models.StatusAccepted:
		return []Intent{{Kind: NavigateAssigned}}
	case models.StatusArriving:
		return []Intent{{Kind: ShowDriverArriving}}
	case models.StatusStarted:
		return []Intent{{Kind: NavigateStarted}}
	case models.StatusCompleted:
		return []Intent{{Kind: NavigateCompleted}}
	case models.StatusCancelled:
		if src == models.SourceUserAction {
			return []Intent{{Kind: NavigateHome}}
		}
		msg := "Your ride was cancelled"
		if next.CancelReason != "" {
			msg += ": " + next.CancelReason
		}
		return []Intent{{Kind: ShowCancelledAlert, Message: msg}, {Kind: NavigateHome}}
	default:
		return nil
	}
}
