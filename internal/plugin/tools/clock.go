package tools

import (
	"context"
	"time"

	"github.com/user/gophertalk/internal/plugin"
)

// Clock tells the model the current time on every call.
type Clock struct {
	now func() time.Time
	loc *time.Location
}

// NewClock creates a clock plugin reporting times in loc (local time when nil).
func NewClock(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{now: time.Now, loc: loc}
}

func (c *Clock) Name() string { return "clock" }

func (c *Clock) BeforeSend(_ context.Context, pc plugin.Context) (plugin.Context, error) {
	now := c.now().In(c.loc)
	pc.Messages = addSystemNote(pc.Messages, "Current time: "+now.Format("Monday, 2 January 2006 15:04 MST"))
	if pc.Metadata == nil {
		pc.Metadata = map[string]string{}
	}
	pc.Metadata["now"] = now.Format(time.RFC3339)
	return pc, nil
}
