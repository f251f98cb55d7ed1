package pipeline

// Hooks receives instrumentation callbacks. Nil fields are skipped.
type Hooks struct {
	OnAttempt      func(stage Stage, outcome string, seconds float64)
	OnStageDone    func(stage Stage, success bool)
	OnWorkflowDone func(status Status, seconds float64)
	OnEscalation   func(stage Stage)
	OnStuck        func(stage Stage)
	OnAdjustment   func(stage Stage, kind string)
	OnQueueDepth   func(depth int)
}

func (h Hooks) attempt(stage Stage, outcome string, seconds float64) {
	if h.OnAttempt != nil {
		h.OnAttempt(stage, outcome, seconds)
	}
}

func (h Hooks) stageDone(stage Stage, success bool) {
	if h.OnStageDone != nil {
		h.OnStageDone(stage, success)
	}
}

func (h Hooks) workflowDone(status Status, seconds float64) {
	if h.OnWorkflowDone != nil {
		h.OnWorkflowDone(status, seconds)
	}
}

func (h Hooks) escalation(stage Stage) {
	if h.OnEscalation != nil {
		h.OnEscalation(stage)
	}
}

func (h Hooks) stuck(stage Stage) {
	if h.OnStuck != nil {
		h.OnStuck(stage)
	}
}

func (h Hooks) adjustment(stage Stage, kind string) {
	if h.OnAdjustment != nil {
		h.OnAdjustment(stage, kind)
	}
}

func (h Hooks) queueDepth(depth int) {
	if h.OnQueueDepth != nil {
		h.OnQueueDepth(depth)
	}
}
