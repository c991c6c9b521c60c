package capture

const (
	AffordanceMicrophone = "microphone"
	AffordanceStop       = "stop"
)

// View is what a surface needs to draw the control.
type View struct {
	State         State  `json:"state"`
	Disabled      bool   `json:"disabled"`
	Affordance    string `json:"affordance"`
	LiveIndicator bool   `json:"live_indicator"`
}

// View renders the control's current state.
func (c *Control) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		State:      c.state,
		Disabled:   c.handle == nil,
		Affordance: AffordanceMicrophone,
	}
	if c.state == Listening {
		v.Affordance = AffordanceStop
		v.LiveIndicator = true
	}
	return v
}
