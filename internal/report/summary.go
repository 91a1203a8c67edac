package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"studiodesk/api/internal/store"
)

// DueDateLayout is the calendar date format tasks carry.
const DueDateLayout = "2006-01-02"

var statusOrder = []store.TaskStatus{store.StatusTodo, store.StatusInProgress, store.StatusBlocked, store.StatusDone}

// Build summarizes tasks as of now. A task is overdue when its due date is
// before now's calendar day and it is not done.
func Build(tasks []store.Task, users []store.User, clients []store.Client, now time.Time) Summary {
	summary := Summary{GeneratedAt: now.UTC(), TotalTasks: len(tasks)}

	names := make(map[string]string, len(users))
	for _, user := range users {
		names[user.ID] = user.Name
	}
	clientNames := make(map[string]string, len(clients))
	for _, client := range clients {
		clientNames[client.ID] = client.Name
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	counts := make(map[store.TaskStatus]int)
	loads := make(map[string]*AssigneeLoad)
	values := make(map[string]*ClientValue)

	for _, task := range tasks {
		counts[task.Status]++
		done := task.Status == store.StatusDone
		ref := TaskRef{ID: task.ID, Title: task.Title, DueDate: task.DueDate, Assignee: names[task.AssigneeID]}

		if task.AssigneeID != "" {
			load, ok := loads[task.AssigneeID]
			if !ok {
				load = &AssigneeLoad{UserID: task.AssigneeID, Name: names[task.AssigneeID]}
				loads[task.AssigneeID] = load
			}
			if done {
				load.Done++
			} else {
				load.Open++
			}
		}
		if done {
			continue
		}
		if task.Status == store.StatusBlocked {
			summary.Blocked = append(summary.Blocked, ref)
		}
		if due, err := time.ParseInLocation(DueDateLayout, task.DueDate, now.Location()); err == nil && due.Before(today) {
			summary.Overdue = append(summary.Overdue, ref)
		}
		price := 0.0
		if task.Price != nil {
			price = *task.Price
		}
		summary.OpenValue += price
		if task.ClientID != "" {
			value, ok := values[task.ClientID]
			if !ok {
				value = &ClientValue{ClientID: task.ClientID, Name: clientNames[task.ClientID]}
				values[task.ClientID] = value
			}
			value.OpenTasks++
			value.OpenValue += price
		}
	}

	for _, status := range statusOrder {
		summary.ByStatus = append(summary.ByStatus, StatusCount{Status: status, Count: counts[status]})
	}
	for _, load := range loads {
		summary.Assignees = append(summary.Assignees, *load)
	}
	sort.Slice(summary.Assignees, func(i, j int) bool {
		a, b := summary.Assignees[i], summary.Assignees[j]
		if a.Open != b.Open {
			return a.Open > b.Open
		}
		return a.UserID < b.UserID
	})
	for _, value := range values {
		summary.Clients = append(summary.Clients, *value)
	}
	sort.Slice(summary.Clients, func(i, j int) bool {
		a, b := summary.Clients[i], summary.Clients[j]
		if a.OpenValue != b.OpenValue {
			return a.OpenValue > b.OpenValue
		}
		return a.ClientID < b.ClientID
	})
	sort.Slice(summary.Overdue, func(i, j int) bool { return summary.Overdue[i].DueDate < summary.Overdue[j].DueDate })
	return summary
}

// Prompt is the short context handed to the text generator.
func Prompt(s Summary) string {
	var b strings.Builder
	b.WriteString("You advise a small creative agency. Based on this workload snapshot, ")
	b.WriteString("give three short, concrete recommendations in markdown bullet points.\n\n")
	fmt.Fprintf(&b, "Tasks: %d total.", s.TotalTasks)
	for _, count := range s.ByStatus {
		fmt.Fprintf(&b, " %s: %d.", count.Status, count.Count)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Overdue: %d. Blocked: %d. Open value: %.2f.\n", len(s.Overdue), len(s.Blocked), s.OpenValue)
	for i, load := range s.Assignees {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "- %s has %d open and %d done.\n", displayName(load.Name, load.UserID), load.Open, load.Done)
	}
	for i, value := range s.Clients {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "- Client %s: %d open tasks worth %.2f.\n", displayName(value.Name, value.ClientID), value.OpenTasks, value.OpenValue)
	}
	return b.String()
}

func displayName(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	return name
}
