package notifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"harvester/internal/group"
)

type webhookBody struct {
	Event string `json:"event"`
	group.CompletedEvent
}

// Messages builds one message per destination of ev.
func Messages(ev group.CompletedEvent) ([]Message, error) {
	payload, err := json.Marshal(webhookBody{Event: "group.completed", CompletedEvent: ev})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	subject, text := Summary(ev)
	out := make([]Message, 0, len(ev.Destinations))
	for _, d := range ev.Destinations {
		out = append(out, Message{
			Destination: d,
			Subject:     subject,
			Text:        text,
			Payload:     payload,
			GroupID:     ev.GroupID,
			GroupRunID:  ev.GroupRunID,
		})
	}
	return out, nil
}

// Summary renders a short plain-text report of a group run.
func Summary(ev group.CompletedEvent) (subject, text string) {
	state := "completed"
	if ev.FailedTasks > 0 {
		state = fmt.Sprintf("completed with %d failed", ev.FailedTasks)
	}
	subject = fmt.Sprintf("[harvester] %s %s: %d new items", ev.GroupName, state, ev.NewItems)

	var b strings.Builder
	fmt.Fprintf(&b, "Group: %s (%s)\n", ev.GroupName, ev.Mode)
	fmt.Fprintf(&b, "Jobs: %d run, %d succeeded, %d failed\n", ev.TasksRun, ev.Succeeded, ev.FailedTasks)
	fmt.Fprintf(&b, "Items: %d found, %d new\n", ev.ItemsFound, ev.NewItems)
	if !ev.CompletedAt.IsZero() && !ev.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Took: %s\n", ev.CompletedAt.Sub(ev.StartedAt).Round(1e6))
	}
	if len(ev.Results) > 0 {
		b.WriteString("\n")
	}
	for _, r := range ev.Results {
		if r.Success {
			fmt.Fprintf(&b, "  ok    %s: %d items, %d new\n", r.JobName, r.ItemsFound, r.NewItems)
			continue
		}
		fmt.Fprintf(&b, "  FAIL  %s [%s]: %s\n", r.JobName, r.Status, oneLine(r.Error, 200))
	}
	return subject, b.String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
