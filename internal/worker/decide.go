package worker

// action is what one reconciliation pass does to the worker's engine.
type action string

const (
	actionNone    action = "none"
	actionStart   action = "start"
	actionEnsure  action = "ensure"
	actionRelease action = "release"
)

type healthInput struct {
	Configured       bool
	ShouldMaintain   bool
	Maintaining      bool
	Registered       bool
	ForegroundActive bool
	CallInCustody    bool
}

// decide is the whole health policy. It has no side effects.
func decide(in healthInput) action {
	switch {
	case !in.Configured:
		return actionNone
	case in.ForegroundActive:
		// the call lives on this registration; release once it ends
		if in.CallInCustody {
			return actionNone
		}
		if in.Maintaining || in.Registered {
			return actionRelease
		}
		return actionNone
	case !in.ShouldMaintain:
		if in.Maintaining {
			return actionRelease
		}
		return actionNone
	case !in.Maintaining:
		return actionStart
	case in.Registered:
		return actionNone
	default:
		return actionEnsure
	}
}
